package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// UserService implements storage.UserService.
type UserService struct {
	store *Store
}

var _ storage.UserService = (*UserService)(nil)

// AddUser registers or replaces a user with a PBKDF2 password hash.
func (s *Store) AddUser(ctx context.Context, user *oauth.User, password string) (err error) {
	ctx, done := s.observer.Start(ctx, "add_user")
	defer func() { done(err) }()

	if user == nil || user.Username == "" {
		return errors.New("username cannot be empty")
	}
	if user.ID == "" {
		return errors.New("user ID cannot be empty")
	}
	salt, err := storage.GenerateSalt()
	if err != nil {
		return err
	}
	extra, err := encodeJSON(user.Extra)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, salt, password_hash, extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			salt = excluded.salt,
			password_hash = excluded.password_hash,
			extra = excluded.extra`,
		user.ID, user.Username, salt, storage.HashPassword(password, salt), extra, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetAuthenticated returns the user if password matches.
func (u *UserService) GetAuthenticated(ctx context.Context, username, password string) (user *oauth.User, err error) {
	s := u.store
	ctx, done := s.observer.Start(ctx, "get_authenticated_user")
	defer func() { done(err) }()

	var (
		id, salt, hash string
		extra          sql.NullString
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, salt, password_hash, extra FROM users WHERE username = ?`, username).
		Scan(&id, &salt, &hash, &extra)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !storage.VerifyPassword(password, salt, hash) {
		return nil, nil
	}

	user = &oauth.User{ID: id, Username: username}
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &user.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode user extra: %w", err)
		}
	}
	return user, nil
}
