package valkey

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "oauth:"

	storageType = "valkey"

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// tokenIDLogLength is the number of hash characters included in logs
	tokenIDLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store keeps authorization codes and tokens in Valkey. Records expire
// through key TTLs, so no cleanup loop is needed. Tokens and codes are
// stored under the SHA-256 of their value.
type Store struct {
	client   valkeygo.Client
	prefix   string
	logger   *slog.Logger
	observer *storage.Observer

	codeService  *AuthorizationCodeService
	tokenService *TokenService
}

// New connects to Valkey and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	s := &Store{
		client:   client,
		prefix:   prefix,
		logger:   logger,
		observer: storage.NewObserver(storageType),
	}
	s.codeService = &AuthorizationCodeService{store: s}
	s.tokenService = &TokenService{store: s}
	return s, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// Ping verifies the connection is still alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation enables spans and metrics for storage operations.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.observer.SetInstrumentation(inst)
}

// Codes returns the store's authorization code service.
func (s *Store) Codes() *AuthorizationCodeService { return s.codeService }

// Tokens returns the store's token service.
func (s *Store) Tokens() *TokenService { return s.tokenService }

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns {prefix}code:{sha256(code)}
func (s *Store) codeKey(codeHash string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, codeHash)
}

// tokenKey returns {prefix}token:{sha256(access token)}
func (s *Store) tokenKey(accessHash string) string {
	return fmt.Sprintf("%stoken:%s", s.prefix, accessHash)
}

// refreshKey returns {prefix}refresh:{sha256(refresh token)}, which holds the access token hash
func (s *Store) refreshKey(refreshHash string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, refreshHash)
}

// codeTokensKey returns {prefix}codetokens:{sha256(code)}, the SET of access token hashes issued for a code
func (s *Store) codeTokensKey(codeHash string) string {
	return fmt.Sprintf("%scodetokens:%s", s.prefix, codeHash)
}

// ============================================================
// Lua Scripts
// ============================================================
//
// Revocation touches the token record and its refresh and code indexes.
// Running it as a script keeps the indexes consistent when a refresh token
// is redeemed concurrently. Index keys are derived from the record inside
// the script, so the store assumes a single (non-cluster) Valkey node.

// luaRevokeToken deletes a token record and its index entries.
//
// KEYS[1] = token key
// ARGV[1] = key prefix
// ARGV[2] = access token hash
//
// Returns 1 if the record existed, 0 otherwise.
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 0
end

local record = cjson.decode(data)
redis.call('DEL', KEYS[1])

if record.refresh_hash then
    local refreshKey = ARGV[1] .. 'refresh:' .. record.refresh_hash
    if redis.call('GET', refreshKey) == ARGV[2] then
        redis.call('DEL', refreshKey)
    end
end

if record.code_hash then
    redis.call('SREM', ARGV[1] .. 'codetokens:' .. record.code_hash, ARGV[2])
end

return 1
`

// luaRevokeCodeTokens deletes every token record issued for an authorization code.
//
// KEYS[1] = code tokens set key
// ARGV[1] = key prefix
//
// Returns the number of token records deleted.
const luaRevokeCodeTokens = `
local members = redis.call('SMEMBERS', KEYS[1])
local revoked = 0

for _, accessHash in ipairs(members) do
    local tokenKey = ARGV[1] .. 'token:' .. accessHash
    local data = redis.call('GET', tokenKey)
    if data then
        local record = cjson.decode(data)
        if record.refresh_hash then
            redis.call('DEL', ARGV[1] .. 'refresh:' .. record.refresh_hash)
        end
        redis.call('DEL', tokenKey)
        revoked = revoked + 1
    end
end

redis.call('DEL', KEYS[1])
return revoked
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

type clientJSON struct {
	ID                   string         `json:"id"`
	GrantTypes           []string       `json:"grant_types,omitempty"`
	RedirectURIs         []string       `json:"redirect_uris,omitempty"`
	AccessTokenLifetime  time.Duration  `json:"access_token_lifetime,omitempty"`
	RefreshTokenLifetime time.Duration  `json:"refresh_token_lifetime,omitempty"`
	Extra                map[string]any `json:"extra,omitempty"`
}

func toClientJSON(client *oauth.Client) *clientJSON {
	if client == nil {
		return nil
	}
	return &clientJSON{
		ID:                   client.ID,
		GrantTypes:           client.GrantTypes,
		RedirectURIs:         client.RedirectURIs,
		AccessTokenLifetime:  client.AccessTokenLifetime,
		RefreshTokenLifetime: client.RefreshTokenLifetime,
		Extra:                client.Extra,
	}
}

func fromClientJSON(j *clientJSON) *oauth.Client {
	if j == nil {
		return nil
	}
	return &oauth.Client{
		ID:                   j.ID,
		GrantTypes:           j.GrantTypes,
		RedirectURIs:         j.RedirectURIs,
		AccessTokenLifetime:  j.AccessTokenLifetime,
		RefreshTokenLifetime: j.RefreshTokenLifetime,
		Extra:                j.Extra,
	}
}

type userJSON struct {
	ID       string         `json:"id"`
	Username string         `json:"username,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

func toUserJSON(user *oauth.User) *userJSON {
	if user == nil {
		return nil
	}
	return &userJSON{ID: user.ID, Username: user.Username, Extra: user.Extra}
}

func fromUserJSON(j *userJSON) *oauth.User {
	if j == nil {
		return nil
	}
	return &oauth.User{ID: j.ID, Username: j.Username, Extra: j.Extra}
}

// scopeString encodes a scope so that a nil scope survives a round trip.
func scopeString(scope *oauth.Scope) *string {
	if scope == nil {
		return nil
	}
	text := scope.String()
	return &text
}

func fromScopeString(text *string) (*oauth.Scope, error) {
	if text == nil {
		return nil, nil
	}
	scope, err := oauth.ParseScope(*text)
	if err != nil {
		return nil, err
	}
	if scope == nil {
		// an empty but present scope
		scope, _ = oauth.ScopeFrom()
	}
	return scope, nil
}

// unixNano returns t in Unix nanoseconds, 0 for the zero time.
func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// ============================================================
// Helper methods
// ============================================================

// isNilError reports whether err is Valkey's nil reply for a missing key.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}

// errExpired is returned by keyTTL when every expiry has passed.
var errExpired = errors.New("record already expired")

// keyTTL returns the TTL for a key that must live until the latest of
// expiries. A zero expiry never expires, so the result is 0 (no TTL).
// TTLs are rounded up to whole seconds.
func keyTTL(now time.Time, expiries ...time.Time) (time.Duration, error) {
	var latest time.Time
	for _, expiresAt := range expiries {
		if expiresAt.IsZero() {
			return 0, nil
		}
		if expiresAt.After(latest) {
			latest = expiresAt
		}
	}

	ttl := latest.Sub(now)
	if ttl <= 0 {
		return 0, errExpired
	}
	if rem := ttl % time.Second; rem != 0 {
		ttl += time.Second - rem
	}
	return ttl, nil
}

// setCmd builds a SET, with EX when ttl is positive.
func (s *Store) setCmd(key, value string, ttl time.Duration) valkeygo.Completed {
	if ttl > 0 {
		return s.client.B().Set().Key(key).Value(value).Ex(ttl).Build()
	}
	return s.client.B().Set().Key(key).Value(value).Build()
}
