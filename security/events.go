package security

// Event type constants for security audit logging.
const (
	// EventTokenIssued is logged when the token endpoint issues a token
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged for a new token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token record is revoked
	EventTokenRevoked = "token_revoked"

	// EventAuthorizationCodeIssued is logged when the authorize endpoint issues a code
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when an already exchanged code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventAuthFailure is logged when client, user or token authentication fails
	EventAuthFailure = "auth_failure"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)
