package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	oauth "github.com/udibo/oauth2-server"
)

// AccessTokenClaims are the claims of JWT access tokens.
type AccessTokenClaims struct {
	jwt.RegisteredClaims

	ClientID string `json:"client_id"`
	Scope    string `json:"scope,omitempty"`
}

// JWTAccessTokenGenerator issues self-contained HS256 access tokens.
// Plug it into TokenServiceBase.AccessTokenGenerator. Token records are still
// persisted, so revocation keeps working.
type JWTAccessTokenGenerator struct {
	// Key is the HMAC signing key
	Key []byte

	// Issuer is set as the iss claim when non-empty
	Issuer string

	// Lifetime sets the exp claim; it should match the token service lifetime
	Lifetime time.Duration

	// Now overrides time.Now
	Now func() time.Time
}

// Generate signs a new access token for client, user and scope.
func (g *JWTAccessTokenGenerator) Generate(_ context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (string, error) {
	if len(g.Key) == 0 {
		return "", errors.New("jwt signing key is required")
	}
	if client == nil {
		return "", errors.New("client is required")
	}

	now := clockNow(g.Now)
	subject := client.ID
	if user != nil && user.ID != "" {
		subject = user.ID
	}

	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    g.Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{client.ID},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		ClientID: client.ID,
		Scope:    scope.String(),
	}
	if g.Lifetime > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(g.Lifetime))
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(g.Key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Parse verifies a token issued by Generate and returns its claims.
func (g *JWTAccessTokenGenerator) Parse(tokenStr string) (*AccessTokenClaims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.Issuer))
	}
	if g.Now != nil {
		opts = append(opts, jwt.WithTimeFunc(g.Now))
	}
	parser := jwt.NewParser(opts...)

	token, err := parser.ParseWithClaims(tokenStr, &AccessTokenClaims{}, func(*jwt.Token) (any, error) {
		return g.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to verify access token: %w", err)
	}
	claims, ok := token.Claims.(*AccessTokenClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid access token claims")
	}
	return claims, nil
}
