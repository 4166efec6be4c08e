// Package security provides the security plumbing around the OAuth endpoints:
// audit logging with hashed user identifiers, per-identifier rate limiting,
// client IP extraction, request IDs and response security headers.
//
// # Rate Limiting
//
// RateLimiter is a token bucket per identifier (typically the client IP) with
// LRU eviction so memory stays bounded under distributed attacks.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//	    // respond with temporarily_unavailable
//	}
package security
