package grant

import (
	"context"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// ClientCredentialsGrant issues tokens to a client acting on its own behalf,
// as the user the client service associates with it.
type ClientCredentialsGrant struct {
	Base
}

// NewClientCredentialsGrant creates the client_credentials grant.
// Refresh tokens are not issued unless enabled.
func NewClientCredentialsGrant(opts Options) (*ClientCredentialsGrant, error) {
	base, err := newBase(oauth.GrantTypeClientCredentials, opts, false)
	if err != nil {
		return nil, err
	}
	return &ClientCredentialsGrant{Base: base}, nil
}

// Token issues a token for the client's user.
func (g *ClientCredentialsGrant) Token(ctx context.Context, req *oauth.Request, client *oauth.Client) (token *oauth.Token, err error) {
	ctx, span := g.startSpan(ctx, client)
	defer func() { g.endSpan(span, token, err) }()

	if err := requireBody(req); err != nil {
		return nil, err
	}
	scope, err := g.ParseScope(req.Body().Get("scope"))
	if err != nil {
		return nil, err
	}

	user, err := storage.Absent(g.clientService.GetUser(ctx, client))
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, oauth.ErrInvalidGrant("no user for client")
	}

	scope, err = g.AcceptedScope(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}

	token, err = g.GenerateToken(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}
	return g.issue(ctx, token)
}
