package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/storage"
)

const storageType = "sqlite"

// Store persists clients, users, authorization codes and tokens in SQLite.
type Store struct {
	db       *sql.DB
	logger   *slog.Logger
	observer *storage.Observer

	clientService *ClientService
	userService   *UserService
	codeService   *AuthorizationCodeService
	tokenService  *TokenService
}

// Open opens the database at dsn, e.g. "file:oauth.db" or
// "file::memory:?cache=shared". Call ApplyMigrations before first use.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// a single connection keeps the per-connection pragmas and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(context.Background(), `PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   slog.Default(),
		observer: storage.NewObserver(storageType),
	}
	s.clientService = &ClientService{store: s}
	s.userService = &UserService{store: s}
	s.codeService = &AuthorizationCodeService{store: s}
	s.tokenService = &TokenService{store: s}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the database connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetLogger sets a custom logger. Call before using the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.SetInstrumentation(inst)
}

// Clients returns the store's client service.
func (s *Store) Clients() *ClientService { return s.clientService }

// Users returns the store's user service.
func (s *Store) Users() *UserService { return s.userService }

// Codes returns the store's authorization code service.
func (s *Store) Codes() *AuthorizationCodeService { return s.codeService }

// Tokens returns the store's token service.
func (s *Store) Tokens() *TokenService { return s.tokenService }

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a transaction, committing when it returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteExpired removes expired authorization codes and tokens whose access
// and refresh tokens have both expired at now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (deleted int64, err error) {
	ctx, done := s.observer.Start(ctx, "delete_expired")
	defer func() { done(err) }()

	at := now.UnixNano()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM authorization_codes WHERE expires_at != 0 AND expires_at <= ?`, at)
		if err != nil {
			return err
		}
		codes, _ := res.RowsAffected()

		res, err = tx.ExecContext(ctx, `
			DELETE FROM tokens
			WHERE access_token_expires_at != 0 AND access_token_expires_at <= ?
			  AND (refresh_token_hash IS NULL
			       OR (refresh_token_expires_at != 0 AND refresh_token_expires_at <= ?))`, at, at)
		if err != nil {
			return err
		}
		tokens, _ := res.RowsAffected()
		deleted = codes + tokens
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	if deleted > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", deleted)
	}
	return deleted, nil
}

func hashSecret(secret string) string {
	return storage.HashToken(secret)
}

// nullHash is hashSecret for optional values; "" maps to NULL.
func nullHash(secret string) sql.NullString {
	if secret == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: hashSecret(secret), Valid: true}
}

func mapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, what)
	}
	return err
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeUser(user *oauth.User) (sql.NullString, error) {
	if user == nil {
		return sql.NullString{}, nil
	}
	return encodeJSON(user)
}

func decodeUser(data sql.NullString) (*oauth.User, error) {
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var user oauth.User
	if err := json.Unmarshal([]byte(data.String), &user); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &user, nil
}
