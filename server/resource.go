package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/storage"
)

// Scope advertising headers set by Authenticate
const (
	HeaderOAuthScopes         = "X-OAuth-Scopes"
	HeaderAcceptedOAuthScopes = "X-Accepted-OAuth-Scopes"
)

// AccessTokenFunc returns the access token presented with a request, or ""
// when there is none. requireRefresh is true on the single retry made after
// the first token was rejected, for sources that can refresh their token.
type AccessTokenFunc func(req *oauth.Request, requireRefresh bool) (string, error)

// Next is the continuation run by Authenticate once the request is authorized.
type Next func(token *oauth.Token) error

// ResourceServerOptions configures a ResourceServer.
type ResourceServerOptions struct {
	// TokenService resolves access tokens (required)
	TokenService storage.TokenService

	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Now overrides time.Now for expiry checks
	Now func() time.Time
}

// ResourceServer authenticates bearer-token requests for protected resources.
type ResourceServer struct {
	tokens storage.TokenService

	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

// NewResourceServer creates a resource server.
func NewResourceServer(opts ResourceServerOptions) (*ResourceServer, error) {
	if opts.TokenService == nil {
		return nil, errors.New("token service is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	config := applyDefaults(opts.Config, logger)
	auditor := opts.Auditor
	if auditor == nil && config.AuditEnabled {
		auditor = security.NewAuditor(logger, true)
		auditor.SetInstrumentation(opts.Instrumentation)
	}

	rs := &ResourceServer{
		tokens:          opts.TokenService,
		Config:          config,
		Logger:          logger,
		Auditor:         auditor,
		instrumentation: opts.Instrumentation,
		now:             now,
	}
	if opts.Instrumentation != nil {
		rs.tracer = opts.Instrumentation.Tracer("server")
	}
	return rs, nil
}

// GetAccessToken returns the bearer token from the Authorization header or,
// for form POST requests, the access_token body parameter. The header wins.
func (rs *ResourceServer) GetAccessToken(req *oauth.Request, _ bool) (string, error) {
	if token, ok := bearerToken(req.Header.Get("Authorization")); ok {
		return token, nil
	}
	if req.Method == http.MethodPost && req.HasBody() && oauth.IsFormContentType(req.Header.Get("Content-Type")) {
		return req.Body().Get("access_token"), nil
	}
	return "", nil
}

func bearerToken(authorization string) (string, bool) {
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetToken resolves an access token, rejecting unknown and expired tokens.
func (rs *ResourceServer) GetToken(ctx context.Context, accessToken string) (*oauth.Token, error) {
	token, err := storage.Absent(rs.tokens.GetToken(ctx, accessToken))
	if err != nil {
		return nil, err
	}
	if token == nil || token.AccessTokenExpired(rs.now()) {
		return nil, oauth.ErrAccessDenied("invalid access_token")
	}
	return token, nil
}

// GetTokenForRequest resolves the request's access token once per request.
// When the token is rejected with access_denied, getAccessToken is asked once
// more with requireRefresh set. A nil getAccessToken uses GetAccessToken.
func (rs *ResourceServer) GetTokenForRequest(req *oauth.Request, getAccessToken AccessTokenFunc) (*oauth.Token, error) {
	if token, resolved := req.CachedToken(); resolved {
		if token == nil {
			return nil, oauth.ErrAccessDenied("authentication required")
		}
		return token, nil
	}
	if getAccessToken == nil {
		getAccessToken = rs.GetAccessToken
	}

	token, err := rs.resolveToken(req, getAccessToken, false)
	if err != nil && oauth.HasCode(err, oauth.ErrorCodeAccessDenied) {
		token, err = rs.resolveToken(req, getAccessToken, true)
	}
	if err != nil {
		req.SetToken(nil)
		return nil, err
	}
	req.SetToken(token)
	return token, nil
}

func (rs *ResourceServer) resolveToken(req *oauth.Request, getAccessToken AccessTokenFunc, requireRefresh bool) (*oauth.Token, error) {
	accessToken, err := getAccessToken(req, requireRefresh)
	if err != nil {
		return nil, err
	}
	if accessToken == "" {
		return nil, oauth.ErrAccessDenied("authentication required")
	}
	req.AccessToken = accessToken
	return rs.GetToken(req.Context(), accessToken)
}

// Authenticate authorizes a request for a protected resource and runs next
// with its token. When requiredScope is not nil the token's scope must
// contain it. Scope headers are set on resp in every case; failures,
// including errors returned by next, are written to resp by ErrorHandler.
func (rs *ResourceServer) Authenticate(req *oauth.Request, resp *oauth.Response, next Next, getAccessToken AccessTokenFunc, requiredScope *oauth.Scope) {
	ctx, span := rs.startSpan(req.Context(), "server.authenticate")
	defer span.End()

	token, err := rs.GetTokenForRequest(req, getAccessToken)
	if err == nil && requiredScope != nil && !token.Scope.Has(requiredScope) {
		err = oauth.ErrAccessDenied("insufficient scope")
	}

	resp.Header.Set(HeaderAcceptedOAuthScopes, requiredScope.String())
	if token != nil {
		resp.Header.Set(HeaderOAuthScopes, token.Scope.String())
	} else {
		resp.Header.Set(HeaderOAuthScopes, "")
	}

	if err == nil && next != nil {
		instrumentation.AddOAuthFlowAttributes(span, clientID(token.Client), userID(token.User), token.Scope.String())
		err = next(token)
	}
	if err != nil {
		code := oauth.AsOAuthError(err).Code
		if rs.instrumentation != nil {
			rs.instrumentation.Metrics().RecordAuthenticationFailure(ctx, code)
		}
		instrumentation.RecordError(span, err)
		rs.ErrorHandler(ctx, resp, err)
		return
	}
	instrumentation.SetSpanSuccess(span)
}

// ErrorHandler writes err to resp as an OAuth error body. Errors that are not
// OAuth errors become server_error. 401 responses carry a Basic challenge.
func (rs *ResourceServer) ErrorHandler(ctx context.Context, resp *oauth.Response, err error) {
	oauthErr := oauth.AsOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		rs.Logger.ErrorContext(ctx, "OAuth request failed",
			"error", oauthErr.Code,
			"description", oauthErr.Description,
			"cause", oauthErr.Cause)
	} else {
		rs.Logger.DebugContext(ctx, "OAuth request rejected",
			"error", oauthErr.Code,
			"description", oauthErr.Description)
	}

	resp.Status = oauthErr.Status
	if resp.Status == http.StatusUnauthorized {
		resp.Header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", rs.Config.Realm))
	}
	resp.Body = oauthErr.Response()
}

func (rs *ResourceServer) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if rs.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return rs.tracer.Start(ctx, name)
}

func (rs *ResourceServer) spanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if rs.tracer != nil {
		span.SetAttributes(attrs...)
	}
}

func clientID(client *oauth.Client) string {
	if client == nil {
		return ""
	}
	return client.ID
}

func userID(user *oauth.User) string {
	if user == nil {
		return ""
	}
	return user.ID
}
