package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	oauth "github.com/udibo/oauth2-server"
)

// Default lifetimes used by the base services
const (
	DefaultAccessTokenLifetime       = time.Hour
	DefaultRefreshTokenLifetime      = 14 * 24 * time.Hour
	DefaultAuthorizationCodeLifetime = 5 * time.Minute
)

// TokenGenerator produces opaque token or code strings.
type TokenGenerator interface {
	Generate(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error)
}

// TokenGeneratorFunc adapts a function to TokenGenerator.
type TokenGeneratorFunc func(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error)

// Generate calls f.
func (f TokenGeneratorFunc) Generate(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error) {
	return f(ctx, client, user, scope)
}

// UUIDGenerator generates random UUIDv4 strings.
var UUIDGenerator = TokenGeneratorFunc(func(context.Context, *oauth.Client, *oauth.User, *oauth.Scope) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
})

func clockNow(now func() time.Time) time.Time {
	if now != nil {
		return now()
	}
	return time.Now()
}

// ClientServiceBase provides the optional parts of ClientService.
type ClientServiceBase struct{}

// GetUser is not supported unless overridden; the client_credentials grant requires it.
func (ClientServiceBase) GetUser(context.Context, *oauth.Client) (*oauth.User, error) {
	return nil, oauth.ErrServerError("clientService.getUser not implemented")
}

// AuthorizationCodeServiceBase provides code generation and expiry.
type AuthorizationCodeServiceBase struct {
	// Lifetime of issued codes; DefaultAuthorizationCodeLifetime when zero
	Lifetime time.Duration

	// Generator overrides UUID code generation
	Generator TokenGenerator

	// Now overrides time.Now
	Now func() time.Time
}

// GenerateCode returns a new random code.
func (b *AuthorizationCodeServiceBase) GenerateCode(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error) {
	gen := b.Generator
	if gen == nil {
		gen = UUIDGenerator
	}
	return gen.Generate(ctx, client, user, scope)
}

// ExpiresAt returns now plus the code lifetime.
func (b *AuthorizationCodeServiceBase) ExpiresAt(context.Context, *oauth.Client, *oauth.User, *oauth.Scope) (time.Time, error) {
	lifetime := b.Lifetime
	if lifetime <= 0 {
		lifetime = DefaultAuthorizationCodeLifetime
	}
	return clockNow(b.Now).Add(lifetime), nil
}

// TokenServiceBase provides token generation, lifetimes and scope acceptance.
// Per-client lifetimes take precedence over the service defaults.
type TokenServiceBase struct {
	// AccessTokenLifetime defaults to DefaultAccessTokenLifetime
	AccessTokenLifetime time.Duration

	// RefreshTokenLifetime defaults to DefaultRefreshTokenLifetime
	RefreshTokenLifetime time.Duration

	// AccessTokenGenerator overrides UUID access token generation, e.g. with JWTs
	AccessTokenGenerator TokenGenerator

	// RefreshTokenGenerator overrides UUID refresh token generation
	RefreshTokenGenerator TokenGenerator

	// Now overrides time.Now
	Now func() time.Time
}

// AcceptedScope accepts the requested scope unchanged.
func (b *TokenServiceBase) AcceptedScope(_ context.Context, _ *oauth.Client, _ *oauth.User, scope *oauth.Scope) (*oauth.Scope, bool, error) {
	return scope, true, nil
}

// GenerateAccessToken returns a new access token.
func (b *TokenServiceBase) GenerateAccessToken(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error) {
	gen := b.AccessTokenGenerator
	if gen == nil {
		gen = UUIDGenerator
	}
	return gen.Generate(ctx, client, user, scope)
}

// GenerateRefreshToken returns a new refresh token.
func (b *TokenServiceBase) GenerateRefreshToken(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error) {
	gen := b.RefreshTokenGenerator
	if gen == nil {
		gen = UUIDGenerator
	}
	return gen.Generate(ctx, client, user, scope)
}

// AccessTokenExpiresAt returns now plus the client's or the default access token lifetime.
func (b *TokenServiceBase) AccessTokenExpiresAt(_ context.Context, client *oauth.Client, _ *oauth.User, _ *oauth.Scope) (time.Time, error) {
	lifetime := b.AccessTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultAccessTokenLifetime
	}
	if client != nil && client.AccessTokenLifetime > 0 {
		lifetime = client.AccessTokenLifetime
	}
	return clockNow(b.Now).Add(lifetime), nil
}

// RefreshTokenExpiresAt returns now plus the client's or the default refresh token lifetime.
func (b *TokenServiceBase) RefreshTokenExpiresAt(_ context.Context, client *oauth.Client, _ *oauth.User, _ *oauth.Scope) (time.Time, error) {
	lifetime := b.RefreshTokenLifetime
	if lifetime <= 0 {
		lifetime = DefaultRefreshTokenLifetime
	}
	if client != nil && client.RefreshTokenLifetime > 0 {
		lifetime = client.RefreshTokenLifetime
	}
	return clockNow(b.Now).Add(lifetime), nil
}

// GetRefreshToken is not supported unless overridden; the refresh_token grant requires it.
func (b *TokenServiceBase) GetRefreshToken(context.Context, string) (*oauth.Token, error) {
	return nil, oauth.ErrServerError("tokenService.getRefreshToken not implemented")
}

// RevokeCode is not supported unless overridden; the authorization_code grant requires it.
func (b *TokenServiceBase) RevokeCode(context.Context, string) (bool, error) {
	return false, oauth.ErrServerError("tokenService.revokeCode not implemented")
}
