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

// TokenService implements storage.TokenService. Generation and lifetimes
// come from the embedded base.
//
// Records are keyed by hashes, so a token read back carries only the value
// it was looked up by: GetToken sets AccessToken, GetRefreshToken sets
// RefreshToken. Revoke accepts either.
type TokenService struct {
	storage.TokenServiceBase
	store *Store
}

var _ storage.TokenService = (*TokenService)(nil)

type tokenJSON struct {
	AccessHash            string      `json:"access_hash"`
	AccessTokenExpiresAt  int64       `json:"access_token_expires_at,omitempty"`
	RefreshHash           string      `json:"refresh_hash,omitempty"`
	RefreshTokenExpiresAt int64       `json:"refresh_token_expires_at,omitempty"`
	Client                *clientJSON `json:"client"`
	User                  *userJSON   `json:"user,omitempty"`
	Scope                 *string     `json:"scope,omitempty"`
	Code                  string      `json:"code,omitempty"`
	CodeHash              string      `json:"code_hash,omitempty"`
}

func fromTokenJSON(j *tokenJSON) (*oauth.Token, error) {
	scope, err := fromScopeString(j.Scope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token scope: %w", err)
	}
	return &oauth.Token{
		AccessTokenExpiresAt:  fromUnixNano(j.AccessTokenExpiresAt),
		RefreshTokenExpiresAt: fromUnixNano(j.RefreshTokenExpiresAt),
		Client:                fromClientJSON(j.Client),
		User:                  fromUserJSON(j.User),
		Scope:                 scope,
		Code:                  j.Code,
	}, nil
}

func (t *TokenService) getRecord(ctx context.Context, accessHash string) (*tokenJSON, error) {
	s := t.store
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tokenKey(accessHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &j, nil
}

// lookupRefresh resolves a refresh token hash to its access token hash.
func (t *TokenService) lookupRefresh(ctx context.Context, refreshHash string) (string, error) {
	s := t.store
	accessHash, err := s.client.Do(ctx, s.client.B().Get().Key(s.refreshKey(refreshHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return "", fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get refresh token: %w", err)
	}
	return accessHash, nil
}

// GetToken returns the token record for an access token.
func (t *TokenService) GetToken(ctx context.Context, accessToken string) (token *oauth.Token, err error) {
	ctx, done := t.store.observer.Start(ctx, "get_token")
	defer func() { done(err) }()

	j, err := t.getRecord(ctx, storage.HashToken(accessToken))
	if err != nil {
		return nil, err
	}
	if token, err = fromTokenJSON(j); err != nil {
		return nil, err
	}
	token.AccessToken = accessToken
	return token, nil
}

// GetRefreshToken returns the token record for a refresh token.
func (t *TokenService) GetRefreshToken(ctx context.Context, refreshToken string) (token *oauth.Token, err error) {
	ctx, done := t.store.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	accessHash, err := t.lookupRefresh(ctx, storage.HashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	j, err := t.getRecord(ctx, accessHash)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
		}
		return nil, err
	}
	if token, err = fromTokenJSON(j); err != nil {
		return nil, err
	}
	token.RefreshToken = refreshToken
	return token, nil
}

// Save stores a token record with a TTL covering its latest expiry and
// indexes it by refresh token and authorization code.
func (t *TokenService) Save(ctx context.Context, token *oauth.Token) (err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "save_token")
	defer func() { done(err) }()

	if token == nil || token.AccessToken == "" {
		return errors.New("access token cannot be empty")
	}
	if token.Client == nil {
		return errors.New("token client cannot be empty")
	}

	now := time.Now()
	expiries := []time.Time{token.AccessTokenExpiresAt}
	if token.RefreshToken != "" {
		expiries = append(expiries, token.RefreshTokenExpiresAt)
	}
	ttl, err := keyTTL(now, expiries...)
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	accessHash := storage.HashToken(token.AccessToken)
	j := &tokenJSON{
		AccessHash:           accessHash,
		AccessTokenExpiresAt: unixNano(token.AccessTokenExpiresAt),
		Client:               toClientJSON(token.Client),
		User:                 toUserJSON(token.User),
		Scope:                scopeString(token.Scope),
		Code:                 token.Code,
	}
	if token.RefreshToken != "" {
		j.RefreshHash = storage.HashToken(token.RefreshToken)
		j.RefreshTokenExpiresAt = unixNano(token.RefreshTokenExpiresAt)
	}
	if token.Code != "" {
		j.CodeHash = storage.HashToken(token.Code)
	}

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	if err := s.client.Do(ctx, s.setCmd(s.tokenKey(accessHash), string(data), ttl)).Error(); err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}

	if j.RefreshHash != "" {
		refreshTTL, err := keyTTL(now, token.RefreshTokenExpiresAt)
		if err != nil {
			return fmt.Errorf("failed to save refresh token: %w", err)
		}
		if err := s.client.Do(ctx, s.setCmd(s.refreshKey(j.RefreshHash), accessHash, refreshTTL)).Error(); err != nil {
			return fmt.Errorf("failed to save refresh token lookup: %w", err)
		}
	}

	if j.CodeHash != "" {
		if err := t.indexCode(ctx, j.CodeHash, accessHash, ttl); err != nil {
			return err
		}
	}

	s.logger.Debug("Saved token",
		"token_prefix", util.SafeTruncate(accessHash, tokenIDLogLength),
		"client_id", token.Client.ID)
	return nil
}

// indexCode adds a token to its code's set. The set lives as long as the
// most recently saved token issued for the code.
func (t *TokenService) indexCode(ctx context.Context, codeHash, accessHash string, ttl time.Duration) error {
	s := t.store
	key := s.codeTokensKey(codeHash)
	if err := s.client.Do(ctx, s.client.B().Sadd().Key(key).Member(accessHash).Build()).Error(); err != nil {
		return fmt.Errorf("failed to index token by code: %w", err)
	}

	var err error
	if ttl > 0 {
		err = s.client.Do(ctx, s.client.B().Expire().Key(key).Seconds(int64(ttl.Seconds())).Build()).Error()
	} else {
		err = s.client.Do(ctx, s.client.B().Persist().Key(key).Build()).Error()
	}
	if err != nil {
		return fmt.Errorf("failed to set code index expiry: %w", err)
	}
	return nil
}

// Revoke deletes a token record. The record is located by its access token
// when set, otherwise by its refresh token.
func (t *TokenService) Revoke(ctx context.Context, token *oauth.Token) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_token")
	defer func() { done(err) }()

	if token == nil {
		return false, nil
	}

	var accessHash string
	switch {
	case token.AccessToken != "":
		accessHash = storage.HashToken(token.AccessToken)
	case token.RefreshToken != "":
		accessHash, err = t.lookupRefresh(ctx, storage.HashToken(token.RefreshToken))
		if err != nil {
			if storage.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
	default:
		return false, nil
	}

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.tokenKey(accessHash)).
			Arg(s.prefix, accessHash).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute token revocation: %w", err)
	}

	if n > 0 {
		s.logger.Debug("Revoked token", "token_prefix", util.SafeTruncate(accessHash, tokenIDLogLength))
	}
	return n > 0, nil
}

// RevokeCode deletes every token issued for an authorization code.
func (t *TokenService) RevokeCode(ctx context.Context, code string) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_code_tokens")
	defer func() { done(err) }()

	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeCodeTokens).
			Numkeys(1).
			Key(s.codeTokensKey(storage.HashToken(code))).
			Arg(s.prefix).
			Build(),
	).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to execute code token revocation: %w", err)
	}

	if n > 0 {
		s.logger.Warn("Revoked tokens issued for a reused authorization code", "count", n)
	}
	return n > 0, nil
}
