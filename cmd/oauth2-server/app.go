package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/udibo/oauth2-server/adapter/ginoauth"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/server"
	"github.com/udibo/oauth2-server/storage"
	"github.com/udibo/oauth2-server/storage/memory"
	"github.com/udibo/oauth2-server/storage/sqlite"
	"github.com/udibo/oauth2-server/storage/valkey"
)

// app is the wired server: stores, the authorization server and its router.
type app struct {
	config *Config
	logger *slog.Logger
	inst   *instrumentation.Instrumentation

	clients storage.ClientService
	users   storage.UserService
	tokens  storage.TokenService
	codes   storage.AuthorizationCodeService
	reg     registry

	server *server.AuthorizationServer
	router *gin.Engine

	// deleteExpired is set when the token store needs periodic cleanup
	deleteExpired func(ctx context.Context, now time.Time) (int64, error)

	pingers []func(ctx context.Context) error

	closers []func() error
}

func newApp(ctx context.Context, config *Config, logger *slog.Logger) (*app, error) {
	a := &app{config: config, logger: logger}
	if err := a.init(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) (err error) {
	config, logger := a.config, a.logger

	a.inst, err = instrumentation.New(instrumentation.Config{
		ServiceName:    "oauth2-server",
		ServiceVersion: version,
		Enabled:        config.Telemetry.Enabled,
		LogClientIPs:   config.Telemetry.LogClientIPs,
		SpanProcessors: spanProcessors(config, logger),
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.inst.Shutdown(ctx)
	})

	if err := a.openStores(); err != nil {
		return err
	}

	if config.SeedFile != "" {
		seed, err := LoadSeed(config.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, a.reg); err != nil {
			return err
		}
		logger.Info("Registered seed data", "clients", len(seed.Clients), "users", len(seed.Users))
	}

	a.server, err = server.NewAuthorizationServer(server.Options{
		ClientService:            a.clients,
		TokenService:             a.tokens,
		AuthorizationCodeService: a.codes,
		UserService:              a.users,
		Config: &server.Config{
			Realm:          config.Realm,
			TrustProxy:     config.TrustProxy,
			RateLimitRPS:   config.RateLimitRPS,
			RateLimitBurst: config.RateLimitBurst,
			HTTPS:          config.HTTPS,
			AuditEnabled:   config.Audit,
		},
		Logger:          logger,
		Instrumentation: a.inst,
	})
	if err != nil {
		return fmt.Errorf("failed to create authorization server: %w", err)
	}

	a.router = a.routes()
	return nil
}

// openStores sets up client and user storage, then token and code storage.
func (a *app) openStores() error {
	config := a.config

	var mem *memory.Store
	var db *sqlite.Store

	switch config.Store {
	case "sqlite":
		var err error
		if db, err = sqlite.Open(config.SQLite.DSN); err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		db.SetLogger(a.logger)
		db.SetInstrumentation(a.inst)
		if err := db.ApplyMigrations(); err != nil {
			return err
		}
		a.clients, a.users, a.reg = db.Clients(), db.Users(), db
		a.pingers = append(a.pingers, db.Ping)
		a.logger.Info("Using SQLite storage", "dsn", config.SQLite.DSN)
	default:
		mem = a.newMemoryStore()
		a.clients, a.users, a.reg = mem.Clients(), mem.Users(), mem
		a.logger.Warn("Using in-memory client storage (not persistent)")
	}

	switch config.TokenStore {
	case "sqlite":
		tokens, codes := db.Tokens(), db.Codes()
		a.configureLifetimes(&tokens.TokenServiceBase, &codes.AuthorizationCodeServiceBase)
		a.tokens, a.codes = tokens, codes
		a.deleteExpired = db.DeleteExpired
	case "valkey":
		store, err := valkey.New(valkey.Config{
			Address:   config.Valkey.Addr,
			Password:  config.Valkey.Password,
			DB:        config.Valkey.DB,
			KeyPrefix: config.Valkey.KeyPrefix,
			Logger:    a.logger,
		})
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() error {
			store.Close()
			return nil
		})
		store.SetInstrumentation(a.inst)
		a.pingers = append(a.pingers, store.Ping)
		tokens, codes := store.Tokens(), store.Codes()
		a.configureLifetimes(&tokens.TokenServiceBase, &codes.AuthorizationCodeServiceBase)
		a.tokens, a.codes = tokens, codes
	default:
		if mem == nil {
			mem = a.newMemoryStore()
		}
		tokens, codes := mem.Tokens(), mem.Codes()
		a.configureLifetimes(&tokens.TokenServiceBase, &codes.AuthorizationCodeServiceBase)
		a.tokens, a.codes = tokens, codes
	}
	return nil
}

func (a *app) newMemoryStore() *memory.Store {
	mem := memory.NewWithInterval(a.config.CleanupEvery)
	mem.SetLogger(a.logger)
	mem.SetInstrumentation(a.inst)
	a.closers = append(a.closers, func() error {
		mem.Stop()
		return nil
	})
	return mem
}

// configureLifetimes applies the configured TTLs and, with a JWT key, JWT access tokens.
func (a *app) configureLifetimes(tokens *storage.TokenServiceBase, codes *storage.AuthorizationCodeServiceBase) {
	tokens.AccessTokenLifetime = a.config.AccessTokenTTL
	tokens.RefreshTokenLifetime = a.config.RefreshTokenTTL
	codes.Lifetime = a.config.CodeTTL

	if a.config.JWTKey != "" {
		tokens.AccessTokenGenerator = &storage.JWTAccessTokenGenerator{
			Key:      []byte(a.config.JWTKey),
			Issuer:   a.config.JWTIssuer,
			Lifetime: a.config.AccessTokenTTL,
		}
		a.logger.Info("Issuing JWT access tokens", "issuer", a.config.JWTIssuer)
	}
}

// routes serves the endpoints through server.Handler, which rate limits the
// token endpoint, and protects /api with the gin adapter.
func (a *app) routes() *gin.Engine {
	h := server.NewHandler(a.server, a.authorizeHooks())
	a.closers = append(a.closers, func() error {
		h.Close()
		return nil
	})

	router := gin.New()
	router.Use(gin.Recovery(), ginoauth.RequestID(), accessLog(a.logger))

	cors := ginoauth.CORS(a.config.CORSOrigin...)
	router.POST(server.TokenPath, cors, gin.WrapF(h.ServeToken))
	router.OPTIONS(server.TokenPath, cors)
	router.GET(server.AuthorizePath, gin.WrapF(h.ServeAuthorization))
	router.POST(server.AuthorizePath, gin.WrapF(h.ServeAuthorization))

	router.GET("/healthz", a.health)

	api := router.Group("/api", ginoauth.Authenticate(a.server.ResourceServer, nil))
	api.GET("/me", me)
	return router
}

// cleanupExpired deletes expired records every interval until ctx is done.
func (a *app) cleanupExpired(ctx context.Context) error {
	if a.deleteExpired == nil {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(a.config.CleanupEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := a.deleteExpired(ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Failed to delete expired records", "error", err)
			}
		}
	}
}

// Close releases stores and flushes telemetry, in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
