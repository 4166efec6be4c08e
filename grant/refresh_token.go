package grant

import (
	"context"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// RefreshTokenGrant exchanges a refresh token for a new token.
// The previous token record is revoked, so each refresh token lineage has
// exactly one live record.
type RefreshTokenGrant struct {
	Base
}

// NewRefreshTokenGrant creates the refresh_token grant.
func NewRefreshTokenGrant(opts Options) (*RefreshTokenGrant, error) {
	base, err := newBase(oauth.GrantTypeRefreshToken, opts, true)
	if err != nil {
		return nil, err
	}
	return &RefreshTokenGrant{Base: base}, nil
}

// Token replaces the token identified by the refresh_token parameter.
// An optional scope parameter narrows the scope of the new token.
func (g *RefreshTokenGrant) Token(ctx context.Context, req *oauth.Request, client *oauth.Client) (token *oauth.Token, err error) {
	ctx, span := g.startSpan(ctx, client)
	defer func() { g.endSpan(span, token, err) }()

	if err := requireBody(req); err != nil {
		return nil, err
	}
	body := req.Body()
	refreshToken := body.Get("refresh_token")
	if refreshToken == "" {
		return nil, oauth.ErrInvalidRequest("refresh_token parameter required")
	}

	current, err := storage.Absent(g.tokenService.GetRefreshToken(ctx, refreshToken))
	if err != nil {
		return nil, err
	}
	if current == nil || current.RefreshTokenExpired(g.now()) {
		return nil, oauth.ErrInvalidGrant("invalid refresh_token")
	}
	if current.Client == nil || current.Client.ID != client.ID {
		g.logger.Debug("Refresh token client mismatch", "client_id", client.ID)
		g.auditor.LogAuthFailure(ctx, "", client.ID, "client_id_mismatch")
		return nil, oauth.ErrInvalidClient("refresh_token was issued to another client")
	}

	scope := current.Scope
	if text := body.Get("scope"); text != "" {
		requested, err := g.ParseScope(text)
		if err != nil {
			return nil, err
		}
		if !current.Scope.Has(requested) {
			return nil, oauth.ErrInvalidScope("invalid scope")
		}
		scope = requested
	}

	token, err = g.GenerateToken(ctx, client, current.User, scope)
	if err != nil {
		return nil, err
	}
	rotated := token.RefreshToken != ""
	if !rotated {
		token.RefreshToken = current.RefreshToken
		token.RefreshTokenExpiresAt = current.RefreshTokenExpiresAt
	}
	token.Code = current.Code

	// only the caller that revokes the current record may replace it
	existed, err := g.tokenService.Revoke(ctx, current)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, oauth.ErrInvalidGrant("invalid refresh_token")
	}
	if token, err = g.issue(ctx, token); err != nil {
		return nil, err
	}

	userID := ""
	if token.User != nil {
		userID = token.User.ID
	}
	g.auditor.LogTokenRefreshed(ctx, userID, client.ID, rotated)
	return token, nil
}
