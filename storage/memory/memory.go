package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/storage"
)

const storageType = "memory"

type clientRecord struct {
	client     *oauth.Client
	secretHash string
	user       *oauth.User
}

type userRecord struct {
	user         *oauth.User
	salt         string
	passwordHash string
}

// Store holds clients, users, authorization codes and tokens in memory.
// Its services are returned by Clients, Users, Codes and Tokens.
type Store struct {
	mu sync.RWMutex

	clients map[string]*clientRecord
	users   map[string]*userRecord // keyed by username

	codes map[string]*oauth.AuthorizationCode

	tokens        map[string]*oauth.Token        // access token -> token
	refreshTokens map[string]string              // refresh token -> access token
	codeTokens    map[string]map[string]struct{} // authorization code -> access tokens

	clientService *ClientService
	userService   *UserService
	codeService   *AuthorizationCodeService
	tokenService  *TokenService

	observer *storage.Observer

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// New creates a store with a one minute cleanup interval.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a store with a custom cleanup interval.
// A non-positive interval uses one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*clientRecord),
		users:           make(map[string]*userRecord),
		codes:           make(map[string]*oauth.AuthorizationCode),
		tokens:          make(map[string]*oauth.Token),
		refreshTokens:   make(map[string]string),
		codeTokens:      make(map[string]map[string]struct{}),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
		observer:        storage.NewObserver(storageType),
	}
	s.clientService = &ClientService{store: s}
	s.userService = &UserService{store: s}
	s.codeService = &AuthorizationCodeService{store: s}
	s.tokenService = &TokenService{store: s}

	go s.cleanupLoop()

	return s
}

// Clients returns the store's client service.
func (s *Store) Clients() *ClientService { return s.clientService }

// Users returns the store's user service.
func (s *Store) Users() *UserService { return s.userService }

// Codes returns the store's authorization code service.
func (s *Store) Codes() *AuthorizationCodeService { return s.codeService }

// Tokens returns the store's token service.
func (s *Store) Tokens() *TokenService { return s.tokenService }

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation enables spans and metrics for storage operations
// and reports the token and code counts as gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.SetInstrumentation(inst)

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.tokens))
		},
		func() int64 {
			s.mu.RLock()
			defer s.mu.RUnlock()
			return int64(len(s.codes))
		},
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// AddClient registers a client. The secret is stored as a bcrypt hash; an
// empty secret registers a public client. user is the identity the client
// acts as for the client_credentials grant and may be nil.
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

	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ID] = &clientRecord{client: client, secretHash: hash, user: user}
	s.logger.Debug("Saved client", "client_id", client.ID)
	return nil
}

// AddUser registers a user with a PBKDF2 password hash.
func (s *Store) AddUser(ctx context.Context, user *oauth.User, password string) (err error) {
	ctx, done := s.observer.Start(ctx, "add_user")
	defer func() { done(err) }()

	if user == nil || user.Username == "" {
		return errors.New("username cannot be empty")
	}
	salt, err := storage.GenerateSalt()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.Username] = &userRecord{
		user:         user,
		salt:         salt,
		passwordHash: storage.HashPassword(password, salt),
	}
	return nil
}

// ClientService implements storage.ClientService.
type ClientService struct {
	store *Store
}

var _ storage.ClientService = (*ClientService)(nil)

// Get returns a registered client.
func (c *ClientService) Get(ctx context.Context, clientID string) (client *oauth.Client, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_client")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", storage.ErrNotFound, clientID)
	}
	return rec.client, nil
}

// GetAuthenticated returns the client if clientSecret matches.
func (c *ClientService) GetAuthenticated(ctx context.Context, clientID, clientSecret string) (client *oauth.Client, err error) {
	s := c.store
	ctx, done := s.observer.Start(ctx, "get_authenticated_client")
	defer func() { done(err) }()

	s.mu.RLock()
	rec, ok := s.clients[clientID]
	s.mu.RUnlock()

	// bcrypt runs outside the lock
	if !ok || !storage.VerifyClientSecret(rec.secretHash, clientSecret) {
		return nil, nil
	}
	return rec.client, nil
}

// GetUser returns the user registered with the client.
func (c *ClientService) GetUser(_ context.Context, client *oauth.Client) (*oauth.User, error) {
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[client.ID]
	if !ok {
		return nil, nil
	}
	return rec.user, nil
}

// UserService implements storage.UserService.
type UserService struct {
	store *Store
}

var _ storage.UserService = (*UserService)(nil)

// GetAuthenticated returns the user if password matches.
func (u *UserService) GetAuthenticated(ctx context.Context, username, password string) (user *oauth.User, err error) {
	s := u.store
	ctx, done := s.observer.Start(ctx, "get_authenticated_user")
	defer func() { done(err) }()

	s.mu.RLock()
	rec, ok := s.users[username]
	s.mu.RUnlock()

	if !ok || !storage.VerifyPassword(password, rec.salt, rec.passwordHash) {
		return nil, nil
	}
	return rec.user, nil
}

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

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("%w: authorization code", storage.ErrNotFound)
	}
	cp := *stored
	cp.Scope = stored.Scope.Clone()
	return &cp, nil
}

// Save stores an authorization code.
func (a *AuthorizationCodeService) Save(ctx context.Context, authCode *oauth.AuthorizationCode) (err error) {
	s := a.store
	ctx, done := s.observer.Start(ctx, "save_authorization_code")
	defer func() { done(err) }()

	if authCode == nil || authCode.Code == "" {
		return errors.New("authorization code cannot be empty")
	}
	cp := *authCode
	cp.Scope = authCode.Scope.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[authCode.Code] = &cp
	return nil
}

// Revoke deletes an authorization code.
func (a *AuthorizationCodeService) Revoke(ctx context.Context, code string) (existed bool, err error) {
	s := a.store
	ctx, done := s.observer.Start(ctx, "revoke_authorization_code")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed = s.codes[code]
	delete(s.codes, code)
	return existed, nil
}

// TokenService implements storage.TokenService. Configure generation,
// lifetimes and scope acceptance through the embedded base.
type TokenService struct {
	storage.TokenServiceBase
	store *Store
}

var _ storage.TokenService = (*TokenService)(nil)

// GetToken returns the token record for an access token.
func (t *TokenService) GetToken(ctx context.Context, accessToken string) (token *oauth.Token, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "get_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	stored, ok := s.tokens[accessToken]
	if !ok {
		return nil, fmt.Errorf("%w: access token", storage.ErrNotFound)
	}
	return cloneToken(stored), nil
}

// GetRefreshToken returns the token record for a refresh token.
func (t *TokenService) GetRefreshToken(ctx context.Context, refreshToken string) (token *oauth.Token, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "get_refresh_token")
	defer func() { done(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	accessToken, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrNotFound)
	}
	return cloneToken(s.tokens[accessToken]), nil
}

// Save stores a token record and indexes it by refresh token and code.
func (t *TokenService) Save(ctx context.Context, token *oauth.Token) (err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "save_token")
	defer func() { done(err) }()

	if token == nil || token.AccessToken == "" {
		return errors.New("access token cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.AccessToken] = cloneToken(token)
	if token.RefreshToken != "" {
		s.refreshTokens[token.RefreshToken] = token.AccessToken
	}
	if token.Code != "" {
		if s.codeTokens[token.Code] == nil {
			s.codeTokens[token.Code] = make(map[string]struct{})
		}
		s.codeTokens[token.Code][token.AccessToken] = struct{}{}
	}
	return nil
}

// Revoke deletes a token record.
func (t *TokenService) Revoke(ctx context.Context, token *oauth.Token) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_token")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteTokenLocked(token.AccessToken), nil
}

// RevokeCode deletes every token issued for an authorization code.
func (t *TokenService) RevokeCode(ctx context.Context, code string) (existed bool, err error) {
	s := t.store
	ctx, done := s.observer.Start(ctx, "revoke_code_tokens")
	defer func() { done(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()
	for accessToken := range s.codeTokens[code] {
		if s.deleteTokenLocked(accessToken) {
			existed = true
		}
	}
	delete(s.codeTokens, code)
	if existed {
		s.logger.Warn("Revoked tokens issued for a reused authorization code")
	}
	return existed, nil
}

// deleteTokenLocked must be called with mu held.
func (s *Store) deleteTokenLocked(accessToken string) bool {
	token, ok := s.tokens[accessToken]
	if !ok {
		return false
	}
	delete(s.tokens, accessToken)
	if token.RefreshToken != "" && s.refreshTokens[token.RefreshToken] == accessToken {
		delete(s.refreshTokens, token.RefreshToken)
	}
	if token.Code != "" {
		if set := s.codeTokens[token.Code]; set != nil {
			delete(set, accessToken)
			if len(set) == 0 {
				delete(s.codeTokens, token.Code)
			}
		}
	}
	return true
}

func cloneToken(token *oauth.Token) *oauth.Token {
	if token == nil {
		return nil
	}
	cp := *token
	cp.Scope = token.Scope.Clone()
	return &cp
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup(time.Now())
		}
	}
}

// cleanup drops expired codes and tokens whose access and refresh tokens
// have both expired.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for code, authCode := range s.codes {
		if authCode.Expired(now) {
			delete(s.codes, code)
			cleaned++
		}
	}
	for accessToken, token := range s.tokens {
		if !token.AccessTokenExpired(now) {
			continue
		}
		if token.RefreshToken != "" && !token.RefreshTokenExpired(now) {
			continue
		}
		s.deleteTokenLocked(accessToken)
		cleaned++
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned)
	}
}
