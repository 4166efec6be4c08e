package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/storage"
)

// ClientService implements storage.ClientService.
type ClientService struct {
	store *Store
}

var _ storage.ClientService = (*ClientService)(nil)

type clientRow struct {
	client     *oauth.Client
	secretHash string
	user       sql.NullString
}

// AddClient registers or replaces a client. The secret is stored as a bcrypt
// hash; an empty secret registers a public client. user is the identity the
// client acts as for the client_credentials grant and may be nil.
func (s *Store) AddClient(ctx context.Context, client *oauth.Client, secret string, user *oauth.User) (err error) {
	ctx, done := s.observer.Start(ctx, "add_client")
	defer func() { done(err) }()

	if err := storage.ValidateClient(client); err != nil {
		return err
	}

	hash := ""
	if secret != "" {
		if hash, err = storage.HashClientSecret(secret); err != nil {
			return err
		}
	}

	grantTypes, err := json.Marshal(nonNil(client.GrantTypes))
	if err != nil {
		return err
	}
	redirectURIs, err := json.Marshal(nonNil(client.RedirectURIs))
	if err != nil {
		return err
	}
	extra, err := encodeJSON(client.Extra)
	if err != nil {
		return err
	}
	userData, err := encodeUser(user)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO clients (id, secret_hash, grant_types, redirect_uris,
		                     access_token_lifetime, refresh_token_lifetime, extra, user_data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			secret_hash = excluded.secret_hash,
			grant_types = excluded.grant_types,
			redirect_uris = excluded.redirect_uris,
			access_token_lifetime = excluded.access_token_lifetime,
			refresh_token_lifetime = excluded.refresh_token_lifetime,
			extra = excluded.extra,
			user_data = excluded.user_data`,
		client.ID, hash, string(grantTypes), string(redirectURIs),
		int64(client.AccessTokenLifetime), int64(client.RefreshTokenLifetime),
		extra, userData, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// DeleteClient removes a client with its codes and tokens.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (existed bool, err error) {
	ctx, done := s.observer.Start(ctx, "delete_client")
	defer func() { done(err) }()

	res, err := s.db.ExecContext(ctx, `DELETE FROM clients WHERE id = ?`, clientID)
	if err != nil {
		return false, fmt.Errorf("failed to delete client: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

// loadClient reads a client row with any querier (db or tx).
func loadClient(ctx context.Context, q querier, clientID string) (*clientRow, error) {
	var (
		row                             clientRow
		grantTypes, redirectURIs        string
		accessLifetime, refreshLifetime int64
		extra                           sql.NullString
	)
	err := q.QueryRowContext(ctx, `
		SELECT secret_hash, grant_types, redirect_uris, access_token_lifetime,
		       refresh_token_lifetime, extra, user_data
		FROM clients WHERE id = ?`, clientID).
		Scan(&row.secretHash, &grantTypes, &redirectURIs, &accessLifetime, &refreshLifetime, &extra, &row.user)
	if err != nil {
		return nil, mapNotFound(err, "client "+clientID)
	}

	client := &oauth.Client{
		ID:                   clientID,
		AccessTokenLifetime:  time.Duration(accessLifetime),
		RefreshTokenLifetime: time.Duration(refreshLifetime),
	}
	if err := json.Unmarshal([]byte(grantTypes), &client.GrantTypes); err != nil {
		return nil, fmt.Errorf("failed to decode grant types: %w", err)
	}
	if err := json.Unmarshal([]byte(redirectURIs), &client.RedirectURIs); err != nil {
		return nil, fmt.Errorf("failed to decode redirect URIs: %w", err)
	}
	if extra.Valid {
		if err := json.Unmarshal([]byte(extra.String), &client.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode client extra: %w", err)
		}
	}
	row.client = client
	return &row, nil
}

// Get returns a registered client.
func (c *ClientService) Get(ctx context.Context, clientID string) (client *oauth.Client, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	row, err := loadClient(ctx, s.db, clientID)
	if err != nil {
		return nil, err
	}
	return row.client, nil
}

// GetAuthenticated returns the client if clientSecret matches.
func (c *ClientService) GetAuthenticated(ctx context.Context, clientID, clientSecret string) (client *oauth.Client, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_authenticated_client")
	defer func() { done(err) }()

	row, err := loadClient(ctx, s.db, clientID)
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !storage.VerifyClientSecret(row.secretHash, clientSecret) {
		return nil, nil
	}
	return row.client, nil
}

// GetUser returns the user registered with the client.
func (c *ClientService) GetUser(ctx context.Context, client *oauth.Client) (user *oauth.User, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_client_user")
	defer func() { done(err) }()

	row, err := loadClient(ctx, s.db, client.ID)
	if err != nil {
		return nil, err
	}
	return decodeUser(row.user)
}
