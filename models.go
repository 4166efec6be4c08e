package oauth

import "time"

// Grant type identifiers
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypePassword          = "password"
)

// ResponseTypeCode is the only response type supported by the authorize endpoint.
const ResponseTypeCode = "code"

// TokenTypeBearer is the token_type of every issued token.
const TokenTypeBearer = "Bearer"

// Client is a registered OAuth client application.
type Client struct {
	ID string

	// GrantTypes lists the grant types the client may use at the token endpoint
	GrantTypes []string

	// RedirectURIs lists the registered redirect URIs
	RedirectURIs []string

	// AccessTokenLifetime overrides the service default when non-zero
	AccessTokenLifetime time.Duration

	// RefreshTokenLifetime overrides the service default when non-zero
	RefreshTokenLifetime time.Duration

	// Extra holds application-specific attributes the core ignores
	Extra map[string]any
}

// AllowsGrant reports whether the client may use the grant type.
func (c *Client) AllowsGrant(grantType string) bool {
	if c == nil {
		return false
	}
	for _, g := range c.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// HasRedirectURI reports whether uri is one of the client's registered redirect URIs.
func (c *Client) HasRedirectURI(uri string) bool {
	if c == nil {
		return false
	}
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// User is a resource owner. The core treats it as opaque.
type User struct {
	ID       string
	Username string
	Extra    map[string]any
}

// Token is an issued access token and its optional refresh token.
// Zero expiry times mean the token does not expire.
type Token struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
	Client                *Client
	User                  *User
	Scope                 *Scope

	// Code is the authorization code the token was issued for, if any
	Code string
}

// AccessTokenExpired reports whether the access token has expired at now.
func (t *Token) AccessTokenExpired(now time.Time) bool {
	return !t.AccessTokenExpiresAt.IsZero() && !now.Before(t.AccessTokenExpiresAt)
}

// RefreshTokenExpired reports whether the refresh token has expired at now.
func (t *Token) RefreshTokenExpired(now time.Time) bool {
	return !t.RefreshTokenExpiresAt.IsZero() && !now.Before(t.RefreshTokenExpiresAt)
}

// AuthorizationCode is a short-lived, single-use code issued by the authorize endpoint.
type AuthorizationCode struct {
	Code      string
	ExpiresAt time.Time
	Client    *Client
	User      *User
	Scope     *Scope

	// RedirectURI is set only when the authorization request named one explicitly
	RedirectURI string

	// Challenge and ChallengeMethod are set when the request used PKCE
	Challenge       string
	ChallengeMethod string
}

// Expired reports whether the code has expired at now.
func (c *AuthorizationCode) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// AuthorizeParameters are the validated parameters of an authorization request.
type AuthorizeParameters struct {
	ResponseType string
	Client       *Client
	RedirectURI  string
	State        string
	Scope        *Scope

	// Challenge and ChallengeMethod are empty when PKCE is not used
	Challenge       string
	ChallengeMethod string

	// RedirectURIProvided records whether redirect_uri was sent explicitly
	RedirectURIProvided bool
}
