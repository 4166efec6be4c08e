package server

import (
	"log/slog"

	"github.com/udibo/oauth2-server/security"
)

// Default configuration values
const (
	DefaultRealm            = "Service"
	DefaultRateLimitRPS     = 10
	DefaultRateLimitBurst   = 20
	DefaultTrustedProxies   = 1
	rateLimitRetryAfterSecs = "60"
)

// Config holds the endpoint configuration shared by the servers and Handler.
type Config struct {
	// Realm is used in WWW-Authenticate challenges (default: "Service")
	Realm string

	// TrustProxy honors X-Forwarded-For and X-Real-IP when resolving client IPs.
	// Only enable behind a proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies in front of the server (default: 1)
	TrustedProxyCount int

	// RateLimitRPS is the token endpoint rate per client IP (default: 10).
	// A negative value disables rate limiting.
	RateLimitRPS int

	// RateLimitBurst is the token endpoint burst per client IP (default: 20)
	RateLimitBurst int

	// HTTPS adds Strict-Transport-Security to endpoint responses
	HTTPS bool

	// AuditEnabled logs security events through security.Auditor (default: false)
	AuditEnabled bool
}

// applyDefaults fills unset fields and warns about insecure settings.
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	if config == nil {
		config = &Config{}
	}
	if config.Realm == "" {
		config.Realm = DefaultRealm
	}
	if config.TrustedProxyCount <= 0 {
		config.TrustedProxyCount = DefaultTrustedProxies
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = DefaultRateLimitRPS
	}
	if config.RateLimitBurst <= 0 {
		config.RateLimitBurst = DefaultRateLimitBurst
	}

	if config.TrustProxy {
		logger.Warn("Trusting proxy headers for client IPs; make sure a proxy overwrites X-Forwarded-For",
			"trusted_proxy_count", config.TrustedProxyCount)
	}
	if !config.HTTPS {
		logger.Info("HTTPS disabled, Strict-Transport-Security will not be sent")
	}
	return config
}

// newRateLimiter returns nil when rate limiting is disabled.
func (c *Config) newRateLimiter(logger *slog.Logger) *security.RateLimiter {
	if c.RateLimitRPS < 0 {
		return nil
	}
	return security.NewRateLimiter(c.RateLimitRPS, c.RateLimitBurst, logger)
}
