package main

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds all configuration options
type Config struct {
	// Server config
	Addr       string   `long:"addr" env:"ADDR" default:":8080" description:"Address to listen on"`
	LogLevel   string   `long:"log-level" env:"LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	LogFormat  string   `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log output format"`
	SeedFile   string   `long:"seed" env:"SEED_FILE" description:"YAML file of clients and users to register at startup"`
	CORSOrigin []string `long:"cors-origin" env:"CORS_ORIGIN" env-delim:"," description:"Origins allowed to call the token endpoint from a browser"`

	// Endpoint config
	Realm          string `long:"realm" env:"REALM" default:"Service" description:"Realm used in WWW-Authenticate challenges"`
	HTTPS          bool   `long:"https" env:"HTTPS" description:"Send Strict-Transport-Security (set when served over TLS)"`
	TrustProxy     bool   `long:"trust-proxy" env:"TRUST_PROXY" description:"Honor X-Forwarded-For when resolving client IPs"`
	RateLimitRPS   int    `long:"rate-limit-rps" env:"RATE_LIMIT_RPS" default:"10" description:"Token endpoint requests per second per client IP (-1 disables)"`
	RateLimitBurst int    `long:"rate-limit-burst" env:"RATE_LIMIT_BURST" default:"20" description:"Token endpoint burst per client IP"`
	Audit          bool   `long:"audit" env:"AUDIT" description:"Log security audit events"`

	// Token config
	AccessTokenTTL  time.Duration `long:"access-token-ttl" env:"ACCESS_TOKEN_TTL" default:"1h" description:"Access token lifetime"`
	RefreshTokenTTL time.Duration `long:"refresh-token-ttl" env:"REFRESH_TOKEN_TTL" default:"336h" description:"Refresh token lifetime"`
	CodeTTL         time.Duration `long:"code-ttl" env:"CODE_TTL" default:"5m" description:"Authorization code lifetime"`
	JWTKey          string        `long:"jwt-key" env:"JWT_KEY" description:"HMAC key; when set, access tokens are HS256 JWTs"`
	JWTIssuer       string        `long:"jwt-issuer" env:"JWT_ISSUER" description:"iss claim of JWT access tokens"`

	// Storage config
	Store        string        `long:"store" env:"STORE" default:"memory" choice:"memory" choice:"sqlite" description:"Client and user storage backend"`
	TokenStore   string        `long:"token-store" env:"TOKEN_STORE" choice:"memory" choice:"sqlite" choice:"valkey" description:"Token and code storage backend (defaults to --store)"`
	CleanupEvery time.Duration `long:"cleanup-interval" env:"CLEANUP_INTERVAL" default:"1m" description:"How often expired tokens and codes are deleted"`

	SQLite struct {
		DSN string `long:"sqlite-dsn" env:"SQLITE_DSN" default:"file:oauth2.db" description:"SQLite data source name"`
	} `group:"SQLite Options"`

	Valkey struct {
		Addr      string `long:"valkey-addr" env:"VALKEY_ADDR" default:"localhost:6379" description:"Valkey address"`
		Password  string `long:"valkey-password" env:"VALKEY_PASSWORD" description:"Valkey password"`
		DB        int    `long:"valkey-db" env:"VALKEY_DB" default:"0" description:"Valkey database number"`
		KeyPrefix string `long:"valkey-prefix" env:"VALKEY_PREFIX" default:"oauth:" description:"Valkey key prefix"`
	} `group:"Valkey Options"`

	Telemetry struct {
		Enabled      bool `long:"telemetry" env:"TELEMETRY" description:"Enable OpenTelemetry spans and metrics"`
		LogClientIPs bool `long:"telemetry-client-ips" env:"TELEMETRY_CLIENT_IPS" description:"Include client IPs in spans"`
	} `group:"Telemetry Options"`
}

// LoadConfig parses configuration from environment variables and command line flags.
// It returns flags.ErrHelp (wrapped in *flags.Error) when help was requested.
func LoadConfig(args []string) (*Config, error) {
	var config Config

	parser := flags.NewParser(&config, flags.Default)
	parser.Usage = "[OPTIONS]"

	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if config.TokenStore == "" {
		config.TokenStore = config.Store
	}
	if config.TokenStore == "sqlite" && config.Store != "sqlite" {
		return nil, fmt.Errorf("--token-store=sqlite requires --store=sqlite")
	}
	if config.AccessTokenTTL <= 0 || config.CodeTTL <= 0 {
		return nil, fmt.Errorf("token and code lifetimes must be positive")
	}
	return &config, nil
}
