package oauth

import (
	"math"
	"time"
)

// ErrorResponse represents an OAuth error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`

	// ErrorURI points to error documentation
	ErrorURI string `json:"error_uri,omitempty"`
}

// TokenResponse represents an OAuth 2.0 token response
type TokenResponse struct {
	// AccessToken is the access token
	AccessToken string `json:"access_token"`

	// TokenType is the type of token (always "Bearer")
	TokenType string `json:"token_type"`

	// ExpiresIn is the lifetime in seconds of the access token
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// RefreshToken is the refresh token (optional)
	RefreshToken string `json:"refresh_token,omitempty"`

	// Scope is the scope of the access token
	Scope string `json:"scope,omitempty"`
}

// NewTokenResponse builds the token endpoint body for token.
// expires_in is rounded up to whole seconds and omitted when the access token does not expire.
func NewTokenResponse(token *Token, now time.Time) TokenResponse {
	resp := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    TokenTypeBearer,
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope.String(),
	}
	if !token.AccessTokenExpiresAt.IsZero() {
		remaining := token.AccessTokenExpiresAt.Sub(now).Seconds()
		if remaining > 0 {
			resp.ExpiresIn = int64(math.Ceil(remaining))
		}
	}
	return resp
}
