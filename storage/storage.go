package storage

import (
	"context"
	"errors"
	"time"

	oauth "github.com/udibo/oauth2-server"
)

// ErrNotFound is returned (possibly wrapped) when a record does not exist.
// Returning (nil, nil) is equivalent.
var ErrNotFound = errors.New("not found")

// IsNotFound reports whether err signals a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ClientService looks up registered clients.
// All methods accept context.Context for tracing and cancellation.
type ClientService interface {
	// Get returns the client with the given ID, or nil if it does not exist
	Get(ctx context.Context, clientID string) (*oauth.Client, error)

	// GetAuthenticated returns the client only when the secret matches
	GetAuthenticated(ctx context.Context, clientID, clientSecret string) (*oauth.Client, error)

	// GetUser returns the user a client acts as for the client_credentials grant
	GetUser(ctx context.Context, client *oauth.Client) (*oauth.User, error)
}

// UserService authenticates resource owners.
type UserService interface {
	// GetAuthenticated returns the user only when the password matches
	GetAuthenticated(ctx context.Context, username, password string) (*oauth.User, error)
}

// AuthorizationCodeService issues and persists authorization codes.
type AuthorizationCodeService interface {
	// GenerateCode returns a new unique authorization code
	GenerateCode(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error)

	// ExpiresAt returns when a code issued now should expire
	ExpiresAt(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (time.Time, error)

	// Get returns a stored code, or nil if it does not exist
	Get(ctx context.Context, code string) (*oauth.AuthorizationCode, error)

	// Save persists a code
	Save(ctx context.Context, code *oauth.AuthorizationCode) error

	// Revoke deletes a code, reporting whether it existed
	Revoke(ctx context.Context, code string) (bool, error)
}

// TokenService issues and persists access and refresh tokens.
type TokenService interface {
	// AcceptedScope returns the scope that will be granted for a requested scope.
	// ok is false when the request must be rejected. A nil scope means no scope.
	AcceptedScope(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (accepted *oauth.Scope, ok bool, err error)

	// GenerateAccessToken returns a new access token
	GenerateAccessToken(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error)

	// GenerateRefreshToken returns a new refresh token, or "" to issue none
	GenerateRefreshToken(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error)

	// AccessTokenExpiresAt returns the expiry of an access token issued now (zero for none)
	AccessTokenExpiresAt(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (time.Time, error)

	// RefreshTokenExpiresAt returns the expiry of a refresh token issued now (zero for none)
	RefreshTokenExpiresAt(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (time.Time, error)

	// GetToken returns the token record for an access token, or nil
	GetToken(ctx context.Context, accessToken string) (*oauth.Token, error)

	// GetRefreshToken returns the token record for a refresh token, or nil
	GetRefreshToken(ctx context.Context, refreshToken string) (*oauth.Token, error)

	// Save persists a token record
	Save(ctx context.Context, token *oauth.Token) error

	// Revoke deletes a token record, reporting whether it existed
	Revoke(ctx context.Context, token *oauth.Token) (bool, error)

	// RevokeCode deletes every token issued for an authorization code,
	// reporting whether any existed
	RevokeCode(ctx context.Context, code string) (bool, error)
}

// Absent normalizes a lookup result: a not-found error becomes (nil, nil).
func Absent[T any](value *T, err error) (*T, error) {
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}
