// Command oauth2-server runs a standalone OAuth 2.0 authorization server.
//
// It serves the token and authorize endpoints plus a protected /api/me
// resource, with clients and users loaded from a YAML seed file:
//
//	oauth2-server --store=sqlite --seed=seed.yaml --audit
//
// Users sign in at the authorize endpoint with HTTP Basic credentials.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/jessevdk/go-flags"
)

var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	gin.SetMode(gin.ReleaseMode)

	m := graceful.NewManager()

	a, err := newApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	m.AddRunningJob(func(ctx context.Context) error {
		logger.Info("OAuth2 server listening",
			"addr", cfg.Addr,
			"store", cfg.Store,
			"token_store", cfg.TokenStore,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			return err
		}
		return nil
	})

	m.AddRunningJob(a.cleanupExpired)

	m.AddShutdownJob(func() error {
		logger.Info("Shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		return a.Close()
	})

	<-m.Done()
	logger.Info("Server stopped")
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
