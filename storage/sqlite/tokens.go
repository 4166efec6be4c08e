package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// TokenService implements storage.TokenService. Configure generation,
// lifetimes and scope acceptance through the embedded base.
//
// Only token hashes are stored, so a record read back carries the token
// string it was looked up by: GetToken fills AccessToken and GetRefreshToken
// fills RefreshToken. Revoke matches on whichever of the two is set.
type TokenService struct {
	storage.TokenServiceBase
	store *Store
}

var _ storage.TokenService = (*TokenService)(nil)

const tokenColumns = `client_id, user_data, scope, code, access_token_expires_at, refresh_token_expires_at`

func (s *Store) scanToken(ctx context.Context, row *sql.Row, what string) (*oauth.Token, error) {
	var (
		clientID, scope                   string
		userData, code                    sql.NullString
		accessExpiresAt, refreshExpiresAt int64
	)
	if err := row.Scan(&clientID, &userData, &scope, &code, &accessExpiresAt, &refreshExpiresAt); err != nil {
		return nil, mapNotFound(err, what)
	}

	client, err := loadClient(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	user, err := decodeUser(userData)
	if err != nil {
		return nil, err
	}
	parsed, err := oauth.ParseScope(scope)
	if err != nil {
		return nil, fmt.Errorf("failed to decode scope: %w", err)
	}

	return &oauth.Token{
		AccessTokenExpiresAt:  fromUnix(accessExpiresAt),
		RefreshTokenExpiresAt: fromUnix(refreshExpiresAt),
		Client:                client.client,
		User:                  user,
		Scope:                 parsed,
		Code:                  code.String,
	}, nil
}

// GetToken returns the token record for an access token.
func (t *TokenService) GetToken(ctx context.Context, accessToken string) (token *oauth.Token, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "get_token")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE access_token_hash = ?`, hashSecret(accessToken))
	token, err = s.scanToken(ctx, row, "access token")
	if err != nil {
		return nil, err
	}
	token.AccessToken = accessToken
	return token, nil
}

// GetRefreshToken returns the token record for a refresh token.
func (t *TokenService) GetRefreshToken(ctx context.Context, refreshToken string) (token *oauth.Token, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE refresh_token_hash = ?`, hashSecret(refreshToken))
	token, err = s.scanToken(ctx, row, "refresh token")
	if err != nil {
		return nil, err
	}
	token.RefreshToken = refreshToken
	return token, nil
}

// Save stores a token record.
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
	userData, err := encodeUser(token.User)
	if err != nil {
		return err
	}
	code := sql.NullString{String: token.Code, Valid: token.Code != ""}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tokens (access_token_hash, refresh_token_hash, client_id, user_data, scope, code,
		                    access_token_expires_at, refresh_token_expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hashSecret(token.AccessToken), nullHash(token.RefreshToken), token.Client.ID, userData,
		token.Scope.String(), code, toUnix(token.AccessTokenExpiresAt), toUnix(token.RefreshTokenExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save token: %w", err)
	}
	return nil
}

// Revoke deletes a token record by its access or refresh token.
func (t *TokenService) Revoke(ctx context.Context, token *oauth.Token) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_token")
	defer func() { done(err) }()

	if token == nil {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE access_token_hash = ? OR refresh_token_hash = ?`,
		nullHash(token.AccessToken), nullHash(token.RefreshToken))
	if err != nil {
		return false, fmt.Errorf("failed to revoke token: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RevokeCode deletes every token issued for an authorization code.
func (t *TokenService) RevokeCode(ctx context.Context, code string) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_code_tokens")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE code = ?`, code)
	if err != nil {
		return false, fmt.Errorf("failed to revoke tokens for code: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		s.logger.Warn("Revoked tokens issued for a reused authorization code", "count", n)
	}
	return n > 0, nil
}
