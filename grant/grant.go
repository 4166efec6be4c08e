package grant

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/storage"
)

// Grant exchanges a credential presented at the token endpoint for a token.
type Grant interface {
	// Type returns the grant_type value the grant serves
	Type() string

	// GetAuthenticatedClient authenticates the client making the token request
	GetAuthenticatedClient(ctx context.Context, req *oauth.Request) (*oauth.Client, error)

	// Token issues and saves a token for an authenticated client
	Token(ctx context.Context, req *oauth.Request, client *oauth.Client) (*oauth.Token, error)
}

// Options holds the collaborators shared by every grant.
type Options struct {
	// ClientService authenticates clients (required)
	ClientService storage.ClientService

	// TokenService issues and persists tokens (required)
	TokenService storage.TokenService

	// AllowRefreshToken overrides whether the grant issues refresh tokens.
	// Only client_credentials disables them by default.
	AllowRefreshToken *bool

	// ParseScope builds requested scopes; defaults to oauth.ParseScope
	ParseScope func(text string) (*oauth.Scope, error)

	// Logger defaults to slog.Default()
	Logger *slog.Logger

	// Auditor records security events; nil disables auditing
	Auditor *security.Auditor

	// Instrumentation adds spans and metrics; nil disables them
	Instrumentation *instrumentation.Instrumentation

	// Now overrides time.Now for expiry checks
	Now func() time.Time
}

// Bool returns a pointer to v, for Options.AllowRefreshToken.
func Bool(v bool) *bool {
	return &v
}

// Base implements the operations shared by every grant.
type Base struct {
	grantType         string
	clientService     storage.ClientService
	tokenService      storage.TokenService
	allowRefreshToken bool
	parseScope        func(text string) (*oauth.Scope, error)

	logger          *slog.Logger
	auditor         *security.Auditor
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	now             func() time.Time
}

func newBase(grantType string, opts Options, allowRefreshByDefault bool) (Base, error) {
	if opts.ClientService == nil {
		return Base{}, errors.New("client service is required")
	}
	if opts.TokenService == nil {
		return Base{}, errors.New("token service is required")
	}

	b := Base{
		grantType:         grantType,
		clientService:     opts.ClientService,
		tokenService:      opts.TokenService,
		allowRefreshToken: allowRefreshByDefault,
		parseScope:        opts.ParseScope,
		logger:            opts.Logger,
		auditor:           opts.Auditor,
		instrumentation:   opts.Instrumentation,
		now:               opts.Now,
	}
	if opts.AllowRefreshToken != nil {
		b.allowRefreshToken = *opts.AllowRefreshToken
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.now == nil {
		b.now = time.Now
	}
	if b.parseScope == nil {
		b.parseScope = oauth.ParseScope
	}
	if b.instrumentation != nil {
		b.tracer = b.instrumentation.Tracer("grant")
	}
	return b, nil
}

// Type returns the grant_type value.
func (b *Base) Type() string {
	return b.grantType
}

// AllowsRefreshToken reports whether issued tokens carry a refresh token.
func (b *Base) AllowsRefreshToken() bool {
	return b.allowRefreshToken
}

// ParseScope parses a requested scope. Empty text means no scope.
func (b *Base) ParseScope(text string) (*oauth.Scope, error) {
	return b.parseScope(text)
}

// AcceptedScope asks the token service which scope will be granted.
func (b *Base) AcceptedScope(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (*oauth.Scope, error) {
	accepted, ok, err := b.tokenService.AcceptedScope(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, oauth.ErrInvalidScope("invalid scope")
	}
	return accepted, nil
}

// ClientCredentials are the credentials a client authenticates with.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
}

// GetClientCredentials extracts client credentials from HTTP Basic
// authentication, or from the form body when no Authorization header is sent.
// A malformed Authorization header is rejected rather than ignored.
func (b *Base) GetClientCredentials(req *oauth.Request) (*ClientCredentials, error) {
	if len(req.Header.Values("Authorization")) > 0 {
		return basicCredentials(req.Header)
	}

	if !req.HasBody() {
		return nil, oauth.ErrInvalidRequest("request body required")
	}
	body := req.Body()
	clientID := body.Get("client_id")
	if clientID == "" {
		return nil, oauth.ErrInvalidClient("client authentication required")
	}
	return &ClientCredentials{
		ClientID:     clientID,
		ClientSecret: body.Get("client_secret"),
	}, nil
}

func basicCredentials(header http.Header) (*ClientCredentials, error) {
	username, password, ok := (&http.Request{Header: header}).BasicAuth()
	if !ok {
		return nil, oauth.ErrInvalidClient("authorization header is malformed")
	}

	// credentials are form-encoded before base64 encoding
	clientID, err := url.QueryUnescape(username)
	if err != nil {
		return nil, oauth.ErrInvalidClient("authorization header is malformed")
	}
	clientSecret, err := url.QueryUnescape(password)
	if err != nil {
		return nil, oauth.ErrInvalidClient("authorization header is malformed")
	}
	if clientID == "" {
		return nil, oauth.ErrInvalidClient("client authentication required")
	}
	return &ClientCredentials{ClientID: clientID, ClientSecret: clientSecret}, nil
}

// GetAuthenticatedClient resolves the request's client credentials and
// authenticates them with the client service.
func (b *Base) GetAuthenticatedClient(ctx context.Context, req *oauth.Request) (*oauth.Client, error) {
	creds, err := b.GetClientCredentials(req)
	if err != nil {
		return nil, err
	}

	client, err := storage.Absent(b.clientService.GetAuthenticated(ctx, creds.ClientID, creds.ClientSecret))
	if err != nil {
		return nil, err
	}
	if client == nil {
		b.logger.Debug("Client authentication failed", "client_id", creds.ClientID)
		b.auditor.LogAuthFailure(ctx, "", creds.ClientID, "invalid_client_credentials")
		return nil, oauth.ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// GenerateToken builds a token for client, user and scope. It is not saved.
func (b *Base) GenerateToken(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (*oauth.Token, error) {
	accessToken, err := b.tokenService.GenerateAccessToken(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}
	accessExpiresAt, err := b.tokenService.AccessTokenExpiresAt(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}

	token := &oauth.Token{
		AccessToken:          accessToken,
		AccessTokenExpiresAt: accessExpiresAt,
		Client:               client,
		User:                 user,
		Scope:                scope,
	}

	if !b.allowRefreshToken {
		return token, nil
	}

	refreshToken, err := b.tokenService.GenerateRefreshToken(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}
	if refreshToken == "" {
		return token, nil
	}
	refreshExpiresAt, err := b.tokenService.RefreshTokenExpiresAt(ctx, client, user, scope)
	if err != nil {
		return nil, err
	}
	token.RefreshToken = refreshToken
	token.RefreshTokenExpiresAt = refreshExpiresAt
	return token, nil
}

// issue saves a new token and records its issuance.
func (b *Base) issue(ctx context.Context, token *oauth.Token) (*oauth.Token, error) {
	if err := b.tokenService.Save(ctx, token); err != nil {
		return nil, err
	}

	clientID := token.Client.ID
	userID := ""
	if token.User != nil {
		userID = token.User.ID
	}
	withRefresh := token.RefreshToken != ""

	b.auditor.LogTokenIssued(ctx, b.grantType, userID, clientID, token.Scope.String(), withRefresh)
	if b.instrumentation != nil {
		b.instrumentation.Metrics().RecordTokenIssued(ctx, b.grantType, clientID, withRefresh)
	}
	return token, nil
}

func (b *Base) startSpan(ctx context.Context, client *oauth.Client) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	ctx, span := b.tracer.Start(ctx, "grant."+b.grantType,
		trace.WithAttributes(attribute.String(instrumentation.AttrGrantType, b.grantType)))
	if client != nil {
		span.SetAttributes(attribute.String(instrumentation.AttrClientID, client.ID))
	}
	return ctx, span
}

// endSpan finishes a span started by startSpan, recording err.
func (b *Base) endSpan(span trace.Span, token *oauth.Token, err error) {
	if b.tracer == nil {
		return
	}
	if err != nil {
		instrumentation.RecordError(span, err)
		if oauthErr := oauth.AsOAuthError(err); oauthErr != nil {
			span.SetAttributes(attribute.String(instrumentation.AttrError, oauthErr.Code))
		}
	} else {
		if token != nil && token.User != nil {
			span.SetAttributes(attribute.String(instrumentation.AttrUserID, token.User.ID))
		}
		instrumentation.SetSpanSuccess(span)
	}
	span.End()
}

func requireBody(req *oauth.Request) error {
	if !req.HasBody() {
		return oauth.ErrInvalidRequest("request body required")
	}
	return nil
}
