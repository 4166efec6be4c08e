package grant

import (
	"context"
	"errors"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// PasswordOptions configures a PasswordGrant.
type PasswordOptions struct {
	Options

	// UserService authenticates resource owners (required)
	UserService storage.UserService
}

// PasswordGrant exchanges resource owner credentials for a token.
// It should only be enabled for highly trusted clients.
type PasswordGrant struct {
	Base
	users storage.UserService
}

// NewPasswordGrant creates the password grant.
func NewPasswordGrant(opts PasswordOptions) (*PasswordGrant, error) {
	if opts.UserService == nil {
		return nil, errors.New("user service is required")
	}
	base, err := newBase(oauth.GrantTypePassword, opts.Options, true)
	if err != nil {
		return nil, err
	}
	return &PasswordGrant{Base: base, users: opts.UserService}, nil
}

// Token authenticates the username and password in the body and issues a token.
func (g *PasswordGrant) Token(ctx context.Context, req *oauth.Request, client *oauth.Client) (token *oauth.Token, err error) {
	ctx, span := g.startSpan(ctx, client)
	defer func() { g.endSpan(span, token, err) }()

	if err := requireBody(req); err != nil {
		return nil, err
	}
	body := req.Body()
	username := body.Get("username")
	if username == "" {
		return nil, oauth.ErrInvalidRequest("username parameter required")
	}
	password := body.Get("password")
	if password == "" {
		return nil, oauth.ErrInvalidRequest("password parameter required")
	}
	scope, err := g.ParseScope(body.Get("scope"))
	if err != nil {
		return nil, err
	}

	user, err := storage.Absent(g.users.GetAuthenticated(ctx, username, password))
	if err != nil {
		return nil, err
	}
	if user == nil {
		g.auditor.LogAuthFailure(ctx, username, client.ID, "invalid_user_credentials")
		return nil, oauth.ErrInvalidGrant("user authentication failed")
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
