package server

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/security"
)

// Endpoint paths served by Handler.Routes
const (
	TokenPath     = "/token"
	AuthorizePath = "/authorize"
)

// AuthorizeHooks are the application callbacks used by the authorize endpoint.
type AuthorizeHooks struct {
	// SetAuthorization loads the session user and the scope they authorized
	SetAuthorization SetAuthorizationFunc

	// Login is called when there is no user; typically redirects to a login page
	Login AuthorizeFunc

	// Consent is called when the user has not authorized the requested scope
	Consent AuthorizeFunc
}

// Handler binds an AuthorizationServer to net/http.
type Handler struct {
	server      *AuthorizationServer
	hooks       AuthorizeHooks
	rateLimiter *security.RateLimiter
}

// NewHandler creates a net/http handler for srv. Call Close to stop the rate limiter.
func NewHandler(srv *AuthorizationServer, hooks AuthorizeHooks) *Handler {
	return &Handler{
		server:      srv,
		hooks:       hooks,
		rateLimiter: srv.Config.newRateLimiter(srv.Logger),
	}
}

// Close releases the handler's background resources.
func (h *Handler) Close() {
	if h.rateLimiter != nil {
		h.rateLimiter.Stop()
		h.server.Logger.Debug("Token endpoint rate limiter stopped",
			"tracked", h.rateLimiter.Len(),
			"evictions", h.rateLimiter.Evictions())
	}
}

// Routes returns a mux serving the token and authorize endpoints with
// request IDs attached.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+TokenPath, h.ServeToken)
	mux.HandleFunc("GET "+AuthorizePath, h.ServeAuthorization)
	mux.HandleFunc("POST "+AuthorizePath, h.ServeAuthorization)
	return security.RequestIDMiddleware(mux)
}

// ServeToken handles POST /token.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, clientIP := h.withClientIP(r)
	r, span := h.startSpan(r, "http.token")
	ctx := r.Context()

	resp := oauth.NewResponse()
	if h.rateLimiter != nil && !h.rateLimiter.Allow(clientIP) {
		h.server.Logger.WarnContext(ctx, "Token endpoint rate limit exceeded", "ip", clientIP)
		h.server.Auditor.LogRateLimitExceeded(ctx, clientIP)
		if h.server.instrumentation != nil {
			h.server.instrumentation.Metrics().RecordRateLimitExceeded(ctx, "ip")
		}
		resp.SetNoStore()
		resp.Header.Set("Retry-After", rateLimitRetryAfterSecs)
		h.server.ErrorHandler(ctx, resp, oauth.ErrTemporarilyUnavailable("rate limit exceeded"))
	} else {
		h.server.Token(oauth.NewRequest(r), resp)
	}
	h.write(w, r, span, resp, TokenPath, start)
}

// ServeAuthorization handles GET and POST /authorize.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	r, _ = h.withClientIP(r)
	r, span := h.startSpan(r, "http.authorize")

	resp := oauth.NewResponse()
	h.server.Authorize(oauth.NewRequest(r), resp, h.hooks.SetAuthorization, h.hooks.Login, h.hooks.Consent)
	h.write(w, r, span, resp, AuthorizePath, start)
}

// ValidateToken returns middleware that requires a bearer token carrying
// requiredScope (any valid token when nil). The token is available to next
// through TokenFromContext.
func (h *Handler) ValidateToken(requiredScope *oauth.Scope) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			r, _ = h.withClientIP(r)

			var authorized *oauth.Token
			resp := oauth.NewResponse()
			h.server.Authenticate(oauth.NewRequest(r), resp, func(token *oauth.Token) error {
				authorized = token
				return nil
			}, nil, requiredScope)

			if authorized == nil {
				h.write(w, r, nil, resp, r.URL.Path, start)
				return
			}
			for key, values := range resp.Header {
				w.Header()[key] = values
			}
			next.ServeHTTP(w, r.WithContext(WithToken(r.Context(), authorized)))
		})
	}
}

func (h *Handler) withClientIP(r *http.Request) (*http.Request, string) {
	clientIP := security.GetClientIP(r, h.server.Config.TrustProxy, h.server.Config.TrustedProxyCount)
	return r.WithContext(security.WithClientIP(r.Context(), clientIP)), clientIP
}

// startSpan starts the span covering an endpoint request. It returns a nil
// span when tracing is disabled.
func (h *Handler) startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	if h.server.tracer == nil {
		return r, nil
	}
	ctx, span := h.server.tracer.Start(r.Context(), name)
	return r.WithContext(ctx), span
}

func (h *Handler) write(w http.ResponseWriter, r *http.Request, span trace.Span, resp *oauth.Response, endpoint string, start time.Time) {
	ctx := r.Context()
	security.SetSecurityHeaders(w.Header(), h.server.Config.HTTPS)
	if err := resp.Write(ctx, w); err != nil {
		h.server.Logger.ErrorContext(ctx, "Failed to write response",
			"endpoint", endpoint,
			"error", err)
	}

	inst := h.server.instrumentation
	if inst == nil {
		return
	}
	inst.Metrics().RecordHTTPRequest(ctx, r.Method, endpoint, resp.Status,
		float64(time.Since(start).Microseconds())/1000)

	if span == nil {
		return
	}
	instrumentation.AddHTTPAttributes(span, r.Method, endpoint, resp.Status)
	if inst.ShouldLogClientIPs() {
		instrumentation.AddSecurityAttributes(span, security.GetClientIPFromContext(ctx))
	}
	if resp.Status >= http.StatusInternalServerError {
		instrumentation.SetSpanError(span, http.StatusText(resp.Status))
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

type tokenContextKey struct{}

// WithToken returns a copy of ctx carrying an authenticated token.
func WithToken(ctx context.Context, token *oauth.Token) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the token stored by ValidateToken.
func TokenFromContext(ctx context.Context) (*oauth.Token, bool) {
	token, ok := ctx.Value(tokenContextKey{}).(*oauth.Token)
	return token, ok && token != nil
}
