package grant_test

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/grant"
	"github.com/udibo/oauth2-server/internal/testutil"
	"github.com/udibo/oauth2-server/storage"
)

func TestClientCredentialsGrant_Token(t *testing.T) {
	store, f := testutil.NewStore(t)
	g, err := grant.NewClientCredentialsGrant(grant.Options{
		ClientService: store.Clients(),
		TokenService:  store.Tokens(),
	})
	require.NoError(t, err)
	ctx := context.Background()

	form := url.Values{"grant_type": {oauth.GrantTypeClientCredentials}, "scope": {"read write"}}
	token, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.ServiceClient)
	require.NoError(t, err)
	assert.Empty(t, token.RefreshToken, "client_credentials issues no refresh token by default")
	assert.Same(t, f.ServiceUser, token.User)
	assert.Equal(t, "read write", token.Scope.String())

	saved, err := store.Tokens().GetToken(ctx, token.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, f.ServiceClient.ID, saved.Client.ID)
}

func TestClientCredentialsGrant_Errors(t *testing.T) {
	store, f := testutil.NewStore(t)
	ctx := context.Background()

	g, err := grant.NewClientCredentialsGrant(grant.Options{
		ClientService: store.Clients(),
		TokenService:  store.Tokens(),
	})
	require.NoError(t, err)

	t.Run("no user for client", func(t *testing.T) {
		_, err := g.Token(ctx, testutil.TokenRequest(url.Values{}, "", ""), f.Client)
		requireCode(t, err, oauth.ErrorCodeInvalidGrant, "no user for client")
	})

	t.Run("invalid scope syntax", func(t *testing.T) {
		form := url.Values{"scope": {`bad"scope`}}
		_, err := g.Token(ctx, testutil.TokenRequest(form, "", ""), f.ServiceClient)
		requireCode(t, err, oauth.ErrorCodeInvalidScope, "")
	})

	t.Run("get user not implemented", func(t *testing.T) {
		g, err := grant.NewClientCredentialsGrant(grant.Options{
			ClientService: baseClients{store.Clients()},
			TokenService:  store.Tokens(),
		})
		require.NoError(t, err)
		_, err = g.Token(ctx, testutil.TokenRequest(url.Values{}, "", ""), f.ServiceClient)
		requireCode(t, err, oauth.ErrorCodeServerError, "clientService.getUser not implemented")
	})
}

// baseClients falls back to the default GetUser.
type baseClients struct {
	storage.ClientService
}

func (baseClients) GetUser(ctx context.Context, client *oauth.Client) (*oauth.User, error) {
	return storage.ClientServiceBase{}.GetUser(ctx, client)
}

func TestClientCredentialsGrant_CustomScopeParser(t *testing.T) {
	store, f := testutil.NewStore(t)
	g, err := grant.NewClientCredentialsGrant(grant.Options{
		ClientService: store.Clients(),
		TokenService:  store.Tokens(),
		ParseScope: func(text string) (*oauth.Scope, error) {
			if text == "" {
				return oauth.ScopeFrom("read")
			}
			return oauth.NewScope(text)
		},
	})
	require.NoError(t, err)

	token, err := g.Token(context.Background(), testutil.TokenRequest(url.Values{}, "", ""), f.ServiceClient)
	require.NoError(t, err)
	assert.Equal(t, "read", token.Scope.String(), "parser supplies a default scope")
}
