package oauth

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// PKCE challenge method names (RFC 7636 Section 4.2)
const (
	PKCEMethodS256  = "S256"
	PKCEMethodPlain = "plain"
)

// ChallengeMethod derives a code_challenge from a code_verifier.
type ChallengeMethod func(verifier string) (string, error)

// ChallengeMethods is a registry of supported PKCE challenge methods keyed by name.
type ChallengeMethods map[string]ChallengeMethod

// DefaultChallengeMethods returns a registry containing only S256.
// The plain method is intentionally absent.
func DefaultChallengeMethods() ChallengeMethods {
	return ChallengeMethods{
		PKCEMethodS256: S256Challenge,
	}
}

// S256Challenge computes BASE64URL(SHA256(verifier)) without padding.
func S256Challenge(verifier string) (string, error) {
	return oauth2.S256ChallengeFromVerifier(verifier), nil
}

// GenerateVerifier returns a high-entropy code_verifier: 32 random bytes
// encoded as 43 characters of unpadded base64url.
func GenerateVerifier() string {
	return oauth2.GenerateVerifier()
}

// Supports reports whether method is registered.
func (m ChallengeMethods) Supports(method string) bool {
	_, ok := m[method]
	return ok
}

// Verify recomputes the challenge for verifier and compares it in constant time.
// An unregistered method is a server error: the code could only have been
// issued with a method that was supported at the time.
func (m ChallengeMethods) Verify(method, challenge, verifier string) (bool, error) {
	fn, ok := m[method]
	if !ok {
		return false, ErrServerError("code_challenge_method not implemented")
	}
	computed, err := fn(verifier)
	if err != nil {
		return false, AsOAuthError(err)
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}
