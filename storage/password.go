package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// PasswordIterations is the PBKDF2 iteration count for user passwords
	PasswordIterations = 100000

	passwordKeyLength = 32
	saltLength        = 16
)

// GenerateSalt returns a random hex-encoded salt.
func GenerateSalt() (string, error) {
	b := make([]byte, saltLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashPassword derives a hex-encoded PBKDF2-SHA256 hash of password with salt.
func HashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), PasswordIterations, passwordKeyLength, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyPassword reports whether password hashes to hash with salt.
func VerifyPassword(password, salt, hash string) bool {
	computed := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hash)) == 1
}

// HashClientSecret hashes a client secret with bcrypt.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash client secret: %w", err)
	}
	return string(hash), nil
}

// VerifyClientSecret reports whether secret matches a bcrypt hash.
// An empty hash only matches an empty secret, which is how public clients are stored.
func VerifyClientSecret(hash, secret string) bool {
	if hash == "" {
		return secret == ""
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// HashToken returns the hex SHA-256 of a token or code, for stores that
// only keep lookup hashes at rest.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
