package grant_test

import (
	"context"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/grant"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/internal/testutil"
	"github.com/udibo/oauth2-server/storage"
	"github.com/udibo/oauth2-server/storage/memory"
)

func newCodeGrant(t *testing.T, store *memory.Store) *grant.AuthorizationCodeGrant {
	t.Helper()
	g, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
		Options: grant.Options{
			ClientService: store.Clients(),
			TokenService:  store.Tokens(),
		},
		AuthorizationCodeService: store.Codes(),
	})
	require.NoError(t, err)
	return g
}

func TestAuthorizationCodeGrant_Token(t *testing.T) {
	verifier := oauth.GenerateVerifier()
	challenge, err := oauth.S256Challenge(verifier)
	require.NoError(t, err)

	tests := []struct {
		name            string
		redirectURI     string
		challenge       string
		challengeMethod string
		clientID        string
		form            url.Values
		wantCode        string
		wantDescription string
	}{
		{
			name: "no redirect uri recorded or sent",
			form: url.Values{},
		},
		{
			name:        "matching redirect uri",
			redirectURI: testutil.RedirectURI,
			form:        url.Values{"redirect_uri": {testutil.RedirectURI}},
		},
		{
			name:            "missing redirect uri",
			redirectURI:     testutil.RedirectURI,
			form:            url.Values{},
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "redirect_uri parameter required",
		},
		{
			name:            "mismatched redirect uri",
			redirectURI:     testutil.RedirectURI,
			form:            url.Values{"redirect_uri": {testutil.OtherRedirectURI}},
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "incorrect redirect_uri",
		},
		{
			name:            "unexpected redirect uri",
			form:            url.Values{"redirect_uri": {testutil.RedirectURI}},
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "redirect_uri not expected",
		},
		{
			name:            "pkce verifier",
			challenge:       challenge,
			challengeMethod: oauth.PKCEMethodS256,
			form:            url.Values{"code_verifier": {verifier}},
		},
		{
			name:            "pkce wrong verifier",
			challenge:       challenge,
			challengeMethod: oauth.PKCEMethodS256,
			form:            url.Values{"code_verifier": {oauth.GenerateVerifier()}},
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "incorrect code_verifier",
		},
		{
			name:            "pkce missing verifier",
			challenge:       challenge,
			challengeMethod: oauth.PKCEMethodS256,
			form:            url.Values{},
			wantCode:        oauth.ErrorCodeInvalidRequest,
			wantDescription: "code_verifier parameter required",
		},
		{
			name:            "pkce unsupported method",
			challenge:       verifier,
			challengeMethod: oauth.PKCEMethodPlain,
			form:            url.Values{"code_verifier": {verifier}},
			wantCode:        oauth.ErrorCodeServerError,
			wantDescription: "code_challenge_method not implemented",
		},
		{
			name:            "verifier without challenge",
			form:            url.Values{"code_verifier": {verifier}},
			wantCode:        oauth.ErrorCodeInvalidGrant,
			wantDescription: "code_verifier not expected",
		},
		{
			name:            "code issued to another client",
			clientID:        testutil.PublicClientID,
			form:            url.Values{},
			wantCode:        oauth.ErrorCodeInvalidClient,
			wantDescription: "code was issued to another client",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, f := testutil.NewStore(t)
			g := newCodeGrant(t, store)
			ctx := context.Background()

			authCode, err := g.GenerateAuthorizationCode(ctx, grant.CodeRequest{
				Client:          f.Client,
				User:            f.User,
				Scope:           testutil.MustScope(t, "read"),
				RedirectURI:     tt.redirectURI,
				Challenge:       tt.challenge,
				ChallengeMethod: tt.challengeMethod,
			})
			require.NoError(t, err)

			client := f.Client
			if tt.clientID == testutil.PublicClientID {
				client = f.PublicClient
			}
			tt.form.Set("grant_type", oauth.GrantTypeAuthorizationCode)
			tt.form.Set("code", authCode.Code)

			token, err := g.Token(ctx, testutil.TokenRequest(tt.form, "", ""), client)
			if tt.wantCode != "" {
				requireCode(t, err, tt.wantCode, tt.wantDescription)
			} else {
				require.NoError(t, err)
				assert.NotEmpty(t, token.AccessToken)
				assert.NotEmpty(t, token.RefreshToken)
				assert.Equal(t, authCode.Code, token.Code)
				assert.Equal(t, "read", token.Scope.String())
				assert.Same(t, f.User, token.User)

				saved, err := store.Tokens().GetToken(ctx, token.AccessToken)
				require.NoError(t, err)
				assert.Equal(t, authCode.Code, saved.Code)
			}

			// the code is consumed whatever the outcome of the checks after lookup
			_, err = store.Codes().Get(ctx, authCode.Code)
			assert.Error(t, err)
		})
	}
}

func TestAuthorizationCodeGrant_CodeReuse(t *testing.T) {
	store, f := testutil.NewStore(t)
	g := newCodeGrant(t, store)
	ctx := context.Background()

	authCode, err := g.GenerateAuthorizationCode(ctx, grant.CodeRequest{Client: f.Client, User: f.User})
	require.NoError(t, err)

	form := url.Values{"grant_type": {oauth.GrantTypeAuthorizationCode}, "code": {authCode.Code}}
	token, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.NoError(t, err)

	_, err = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	requireCode(t, err, oauth.ErrorCodeInvalidGrant, "code already used")

	// replay revokes the token issued for the code
	_, err = store.Tokens().GetToken(ctx, token.AccessToken)
	assert.Error(t, err)

	// and a third attempt finds nothing at all
	_, err = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	requireCode(t, err, oauth.ErrorCodeInvalidGrant, "invalid code")
}

func TestAuthorizationCodeGrant_InvalidCode(t *testing.T) {
	store, f := testutil.NewStore(t)
	clock := testutil.NewMockTime(time.Now())
	store.Codes().Now = clock.Now

	g, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
		Options: grant.Options{
			ClientService: store.Clients(),
			TokenService:  store.Tokens(),
			Now:           clock.Now,
		},
		AuthorizationCodeService: store.Codes(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("unknown code", func(t *testing.T) {
		form := url.Values{"code": {"nope"}}
		_, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
		requireCode(t, err, oauth.ErrorCodeInvalidGrant, "invalid code")
	})

	t.Run("expired code", func(t *testing.T) {
		authCode, err := g.GenerateAuthorizationCode(ctx, grant.CodeRequest{Client: f.Client, User: f.User})
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)

		form := url.Values{"code": {authCode.Code}}
		_, err = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
		requireCode(t, err, oauth.ErrorCodeInvalidGrant, "invalid code")
	})

	t.Run("missing code", func(t *testing.T) {
		_, err := g.Token(ctx, testutil.TokenRequest(url.Values{}, "", ""), f.Client)
		requireCode(t, err, oauth.ErrorCodeInvalidRequest, "code parameter required")
	})
}

// barrierCodes holds every Get until all expected callers have loaded the code.
type barrierCodes struct {
	storage.AuthorizationCodeService
	loaded *sync.WaitGroup
}

func (b barrierCodes) Get(ctx context.Context, code string) (*oauth.AuthorizationCode, error) {
	authCode, err := b.AuthorizationCodeService.Get(ctx, code)
	b.loaded.Done()
	b.loaded.Wait()
	return authCode, err
}

func TestAuthorizationCodeGrant_ConcurrentExchange(t *testing.T) {
	const callers = 2
	store, f := testutil.NewStore(t)
	ctx := context.Background()

	var loaded sync.WaitGroup
	loaded.Add(callers)
	g, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
		Options: grant.Options{
			ClientService: store.Clients(),
			TokenService:  store.Tokens(),
		},
		AuthorizationCodeService: barrierCodes{AuthorizationCodeService: store.Codes(), loaded: &loaded},
	})
	require.NoError(t, err)

	authCode, err := g.GenerateAuthorizationCode(ctx, grant.CodeRequest{Client: f.Client, User: f.User})
	require.NoError(t, err)
	form := url.Values{"code": {authCode.Code}}

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
			requireCode(t, errs[i], oauth.ErrorCodeInvalidGrant, "invalid code")
			continue
		}
		issued = append(issued, tokens[i])
	}
	require.Len(t, issued, 1, "one code must back exactly one token")

	saved, err := store.Tokens().GetToken(ctx, issued[0].AccessToken)
	require.NoError(t, err)
	assert.Equal(t, authCode.Code, saved.Code)
}

func TestAuthorizationCodeGrant_CodeReuseSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	inst, err := instrumentation.New(instrumentation.Config{
		Enabled:        true,
		SpanProcessors: []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = inst.Shutdown(context.Background()) })

	store, f := testutil.NewStore(t)
	g, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
		Options: grant.Options{
			ClientService:   store.Clients(),
			TokenService:    store.Tokens(),
			Instrumentation: inst,
		},
		AuthorizationCodeService: store.Codes(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	authCode, err := g.GenerateAuthorizationCode(ctx, grant.CodeRequest{Client: f.Client, User: f.User})
	require.NoError(t, err)
	form := url.Values{"code": {authCode.Code}}
	_, err = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.NoError(t, err)
	_, err = g.Token(ctx, testutil.TokenRequest(form, "", ""), f.Client)
	require.Error(t, err)

	spans := recorder.Ended()
	require.NotEmpty(t, spans)
	last := spans[len(spans)-1]
	assert.Equal(t, "grant.authorization_code", last.Name())
	assert.Contains(t, last.Attributes(), attribute.Bool(instrumentation.AttrCodeReuse, true))
}
