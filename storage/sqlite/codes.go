package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// AuthorizationCodeService implements storage.AuthorizationCodeService.
// Configure generation and lifetimes through the embedded base.
type AuthorizationCodeService struct {
	storage.AuthorizationCodeServiceBase
	store *Store
}

var _ storage.AuthorizationCodeService = (*AuthorizationCodeService)(nil)

// Get returns a saved authorization code.
func (a *AuthorizationCodeService) Get(ctx context.Context, code string) (authCode *oauth.AuthorizationCode, err error) {
	s := a.store
	ctx, done := s.observer.Start(ctx, "get_authorization_code")
	defer func() { done(err) }()

	var (
		clientID, scope, redirectURI, challenge, method string
		userData                                        sql.NullString
		expiresAt                                       int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT client_id, user_data, scope, redirect_uri, challenge, challenge_method, expires_at
		FROM authorization_codes WHERE code_hash = ?`, hashSecret(code)).
		Scan(&clientID, &userData, &scope, &redirectURI, &challenge, &method, &expiresAt)
	if err != nil {
		return nil, mapNotFound(err, "authorization code")
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

	return &oauth.AuthorizationCode{
		Code:            code,
		ExpiresAt:       fromUnix(expiresAt),
		Client:          client.client,
		User:            user,
		Scope:           parsed,
		RedirectURI:     redirectURI,
		Challenge:       challenge,
		ChallengeMethod: method,
	}, nil
}

// Save stores an authorization code.
func (a *AuthorizationCodeService) Save(ctx context.Context, authCode *oauth.AuthorizationCode) (err error) {
	s := a.store
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if authCode == nil || authCode.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	if authCode.Client == nil {
		return errors.New("authorization code client cannot be empty")
	}
	userData, err := encodeUser(authCode.User)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (code_hash, client_id, user_data, scope, redirect_uri,
		                                 challenge, challenge_method, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		hashSecret(authCode.Code), authCode.Client.ID, userData, authCode.Scope.String(),
		authCode.RedirectURI, authCode.Challenge, authCode.ChallengeMethod, toUnix(authCode.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

// Revoke deletes an authorization code.
func (a *AuthorizationCodeService) Revoke(ctx context.Context, code string) (existed bool, err error) {
	s := a.store
	ctx, done := s.observer.Start(ctx, "revoke_authorization_code")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM authorization_codes WHERE code_hash = ?`, hashSecret(code))
	if err != nil {
		return false, fmt.Errorf("failed to revoke authorization code: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
