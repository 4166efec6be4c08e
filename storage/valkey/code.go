package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/internal/util"
	"github.com/udibo/oauth2-server/storage"
)

// AuthorizationCodeService implements storage.AuthorizationCodeService.
type AuthorizationCodeService struct {
	storage.AuthorizationCodeServiceBase
	store *Store
}

var _ storage.AuthorizationCodeService = (*AuthorizationCodeService)(nil)

type authorizationCodeJSON struct {
	ExpiresAt           int64       `json:"expires_at,omitempty"`
	Client              *clientJSON `json:"client"`
	User                *userJSON   `json:"user,omitempty"`
	Scope               *string     `json:"scope,omitempty"`
	RedirectURI         string      `json:"redirect_uri,omitempty"`
	CodeChallenge       string      `json:"code_challenge,omitempty"`
	CodeChallengeMethod string      `json:"code_challenge_method,omitempty"`
}

// Get returns a stored authorization code.
func (c *AuthorizationCodeService) Get(ctx context.Context, code string) (authCode *oauth.AuthorizationCode, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_code")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.codeKey(storage.HashToken(code))).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}

	var j authorizationCodeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}

	scope, err := fromScopeString(j.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authorization code scope: %w", err)
	}
	return &oauth.AuthorizationCode{
		Code:            code,
		ExpiresAt:       fromUnixNano(j.ExpiresAt),
		Client:          fromClientJSON(j.Client),
		User:            fromUserJSON(j.User),
		Scope:           scope,
		RedirectURI:     j.RedirectURI,
		Challenge:       j.CodeChallenge,
		ChallengeMethod: j.CodeChallengeMethod,
	}, nil
}

// Save stores an authorization code until it expires.
func (c *AuthorizationCodeService) Save(ctx context.Context, authCode *oauth.AuthorizationCode) (err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "save_code")
	defer func() { done(err) }()

	if authCode == nil || authCode.Code == "" {
		return errors.New("invalid authorization code")
	}
	if authCode.Client == nil {
		return errors.New("authorization code client cannot be empty")
	}

	ttl, err := keyTTL(time.Now(), authCode.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	data, err := json.Marshal(&authorizationCodeJSON{
		ExpiresAt:           unixNano(authCode.ExpiresAt),
		Client:              toClientJSON(authCode.Client),
		User:                toUserJSON(authCode.User),
		Scope:               scopeString(authCode.Scope),
		RedirectURI:         authCode.RedirectURI,
		CodeChallenge:       authCode.Challenge,
		CodeChallengeMethod: authCode.ChallengeMethod,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	codeHash := storage.HashToken(authCode.Code)
	if err := s.client.Do(ctx, s.setCmd(s.codeKey(codeHash), string(data), ttl)).Error(); err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(codeHash, tokenIDLogLength),
		"client_id", authCode.Client.ID)
	return nil
}

// Revoke deletes an authorization code. DEL is atomic, so only one of
// several concurrent exchanges of the same code sees existed == true.
func (c *AuthorizationCodeService) Revoke(ctx context.Context, code string) (existed bool, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "revoke_code")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx, s.client.B().Del().Key(s.codeKey(storage.HashToken(code))).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to delete authorization code: %w", err)
	}
	return n > 0, nil
}
