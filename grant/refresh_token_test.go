package grant_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/grant"
	"github.com/udibo/oauth2-server/internal/testutil"
	"github.com/udibo/oauth2-server/storage"
)

func TestRefreshTokenGrant_Token(t *testing.T) {
	store, f := testutil.NewStore(t)
	g := newRefreshGrant(t, store)
	ctx := context.Background()

	original, err := g.GenerateToken(ctx, f.Client, f.User, testutil.MustScope(t, "read write"))
	require.NoError(t, err)
	original.Code = "origin-code"
	require.NoError(t, store.Tokens().Save(ctx, original))

	form := url.Values{"grant_type": {oauth.GrantTypeRefreshToken}, "refresh_token": {original.RefreshToken}}
	token, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.NoError(t, err)

	assert.NotEqual(t, original.AccessToken, token.AccessToken)
	assert.NotEqual(t, original.RefreshToken, token.RefreshToken)
	assert.Equal(t, "origin-code", token.Code)
	assert.Equal(t, "read write", token.Scope.String())

	_, err = store.Tokens().GetRefreshToken(ctx, original.RefreshToken)
	assert.True(t, storage.IsNotFound(err), "old refresh token must be revoked")
	_, err = store.Tokens().GetToken(ctx, original.AccessToken)
	assert.True(t, storage.IsNotFound(err), "old access token must be revoked")

	_, err = store.Tokens().GetRefreshToken(ctx, token.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshTokenGrant_KeepsRefreshTokenWhenNotRotated(t *testing.T) {
	store, f := testutil.NewStore(t)
	ctx := context.Background()

	tokens := store.Tokens()
	tokens.RefreshTokenGenerator = storage.TokenGeneratorFunc(func(context.Context, *oauth.Client, *oauth.User, *oauth.Scope) (string, error) {
		return "", nil
	})

	original := &oauth.Token{
		AccessToken:           "access",
		RefreshToken:          "refresh",
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
		Client:                f.Client,
		User:                  f.User,
	}
	require.NoError(t, tokens.Save(ctx, original))

	g := newRefreshGrant(t, store)
	form := url.Values{"refresh_token": {"refresh"}}
	token, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.NoError(t, err)
	assert.Equal(t, "refresh", token.RefreshToken)
	assert.True(t, original.RefreshTokenExpiresAt.Equal(token.RefreshTokenExpiresAt))

	saved, err := tokens.GetRefreshToken(ctx, "refresh")
	require.NoError(t, err)
	assert.Equal(t, token.AccessToken, saved.AccessToken)
}

func TestRefreshTokenGrant_Errors(t *testing.T) {
	store, f := testutil.NewStore(t)
	ctx := context.Background()
	g := newRefreshGrant(t, store)

	expired := &oauth.Token{
		AccessToken:           "expired-access",
		RefreshToken:          "expired-refresh",
		RefreshTokenExpiresAt: time.Now().Add(-time.Minute),
		Client:                f.Client,
	}
	require.NoError(t, store.Tokens().Save(ctx, expired))

	valid := &oauth.Token{
		AccessToken:  "valid-access",
		RefreshToken: "valid-refresh",
		Client:       f.Client,
		Scope:        testutil.MustScope(t, "read"),
	}
	require.NoError(t, store.Tokens().Save(ctx, valid))

	tests := []struct {
		name            string
		form            url.Values
		client          *oauth.Client
		wantCode        string
		wantDescription string
	}{
		{
			name:            "missing refresh token",
			form:            url.Values{},
			client:          f.Client,
			wantCode:        oauth.ErrorCodeInvalidRequest,
			wantDescription: "refresh_token parameter required",
		},
		{
			name:            "unknown refresh token",
			form:            url.Values{"refresh_token": {"nope"}},
			client:          f.Client,
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "invalid refresh_token",
		},
		{
			name:            "expired refresh token",
			form:            url.Values{"refresh_token": {"expired-refresh"}},
			client:          f.Client,
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "invalid refresh_token",
		},
		{
			name:            "other client",
			form:            url.Values{"refresh_token": {"valid-refresh"}},
			client:          f.PublicClient,
			wantCode:        oauth.ErrorCodeInvalidClient,
			wantDescription: "refresh_token was issued to another client",
		},
		{
			name:            "scope wider than original",
			form:            url.Values{"refresh_token": {"valid-refresh"}, "scope": {"read write"}},
			client:          f.Client,
			wantCode:        oauth.ErrorCodeInvalidScope,
			wantDescription: "invalid scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Token(ctx, testutil.TokenRequest(tt.form, "", ""), tt.client)
			requireCode(t, err, tt.wantCode, tt.wantDescription)
		})
	}

	// failed attempts leave the valid token in place
	_, err := store.Tokens().GetRefreshToken(ctx, "valid-refresh")
	assert.NoError(t, err)
}

func TestRefreshTokenGrant_NarrowScope(t *testing.T) {
	store, f := testutil.NewStore(t)
	ctx := context.Background()
	g := newRefreshGrant(t, store)

	require.NoError(t, store.Tokens().Save(ctx, &oauth.Token{
		AccessToken:  "a",
		RefreshToken: "r",
		Client:       f.Client,
		Scope:        testutil.MustScope(t, "read write"),
	}))

	form := url.Values{"refresh_token": {"r"}, "scope": {"read"}}
	token, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.NoError(t, err)
	assert.Equal(t, "read", token.Scope.String())
}

func TestRefreshTokenGrant_NotImplemented(t *testing.T) {
	store, f := testutil.NewStore(t)
	g, err := grant.NewRefreshTokenGrant(grant.Options{
		ClientService: store.Clients(),
		TokenService:  baseTokens{store.Tokens()},
	})
	require.NoError(t, err)

	form := url.Values{"refresh_token": {"r"}}
	_, err = g.Token(context.Background(), testutil.TokenRequest(form, "", ""), f.Client)
	requireCode(t, err, oauth.ErrorCodeServerError, "tokenService.getRefreshToken not implemented")
}

// baseTokens falls back to the default GetRefreshToken.
type baseTokens struct {
	storage.TokenService
}

func (baseTokens) GetRefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	return (&storage.TokenServiceBase{}).GetRefreshToken(ctx, refreshToken)
}

// barrierTokens holds every GetRefreshToken until all expected callers have
// loaded the token.
type barrierTokens struct {
	storage.TokenService
	loaded *sync.WaitGroup
}

func (b barrierTokens) GetRefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error) {
	token, err := b.TokenService.GetRefreshToken(ctx, refreshToken)
	b.loaded.Done()
	b.loaded.Wait()
	return token, err
}

func TestRefreshTokenGrant_ConcurrentRefresh(t *testing.T) {
	const callers = 2
	store, f := testutil.NewStore(t)
	ctx := context.Background()

	require.NoError(t, store.Tokens().Save(ctx, &oauth.Token{
		AccessToken:           "a0",
		RefreshToken:          "r0",
		RefreshTokenExpiresAt: time.Now().Add(time.Hour),
		Client:                f.Client,
		User:                  f.User,
	}))

	var loaded sync.WaitGroup
	loaded.Add(callers)
	g, err := grant.NewRefreshTokenGrant(grant.Options{
		ClientService: store.Clients(),
		TokenService:  barrierTokens{TokenService: store.Tokens(), loaded: &loaded},
	})
	require.NoError(t, err)
	form := url.Values{"refresh_token": {"r0"}}

	tokens := make([]*oauth.Token, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tokens[i], errs[i] = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
		}()
	}
	wg.Wait()

	var issued []*oauth.Token
	for i := range callers {
		if errs[i] != nil {
			requireCode(t, errs[i], oauth.ErrorCodeInvalidGrant, "invalid refresh_token")
			continue
		}
		issued = append(issued, tokens[i])
	}
	require.Len(t, issued, 1, "a refresh lineage keeps one live record")

	_, err = store.Tokens().GetRefreshToken(ctx, "r0")
	assert.True(t, storage.IsNotFound(err))
	live, err := store.Tokens().GetRefreshToken(ctx, issued[0].RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, issued[0].AccessToken, live.AccessToken)
}
