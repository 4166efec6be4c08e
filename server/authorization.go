package server

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
	"github.com/udibo/oauth2-server/grant"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/internal/util"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/storage"
)

// SetAuthorizationFunc is called by Authorize once the request is valid. It
// resolves the current session, setting req.User and req.AuthorizedScope.
type SetAuthorizationFunc func(req *oauth.Request) error

// AuthorizeFunc handles an authorization request the server cannot complete:
// login when there is no user, consent when the user has not authorized the
// requested scope. It usually renders a page or redirects to one.
type AuthorizeFunc func(req *oauth.Request, resp *oauth.Response) error

// CodeGrant is a grant that can issue authorization codes.
type CodeGrant interface {
	grant.Grant
	ParseScope(text string) (*oauth.Scope, error)
	AcceptedScope(ctx context.Context, client *oauth.Client, user *oauth.User, scope *oauth.Scope) (*oauth.Scope, error)
	ChallengeMethods() oauth.ChallengeMethods
	GenerateAuthorizationCode(ctx context.Context, r grant.CodeRequest) (*oauth.AuthorizationCode, error)
}

// Options configures an AuthorizationServer.
type Options struct {
	// ClientService resolves clients (required)
	ClientService storage.ClientService

	// TokenService issues and resolves tokens (required)
	TokenService storage.TokenService

	// AuthorizationCodeService enables the authorization_code grant and the authorize endpoint
	AuthorizationCodeService storage.AuthorizationCodeService

	// UserService enables the password grant
	UserService storage.UserService

	// Grants replaces the grants built from the services, keyed by grant_type
	Grants map[string]grant.Grant

	// ChallengeMethods overrides the PKCE methods accepted by the authorization_code grant
	ChallengeMethods oauth.ChallengeMethods

	// ParseScope overrides how the default grants parse requested scopes
	ParseScope func(text string) (*oauth.Scope, error)

	Config          *Config
	Logger          *slog.Logger
	Auditor         *security.Auditor
	Instrumentation *instrumentation.Instrumentation

	// Now overrides time.Now
	Now func() time.Time
}

// AuthorizationServer serves the token and authorize endpoints and
// authenticates resource requests.
type AuthorizationServer struct {
	*ResourceServer
	clients storage.ClientService
	grants  map[string]grant.Grant
}

// NewAuthorizationServer creates an authorization server. Unless opts.Grants
// is set, it serves client_credentials and refresh_token, plus
// authorization_code and password when their services are configured.
func NewAuthorizationServer(opts Options) (*AuthorizationServer, error) {
	if opts.ClientService == nil {
		return nil, errors.New("client service is required")
	}
	rs, err := NewResourceServer(ResourceServerOptions{
		TokenService:    opts.TokenService,
		Config:          opts.Config,
		Logger:          opts.Logger,
		Auditor:         opts.Auditor,
		Instrumentation: opts.Instrumentation,
		Now:             opts.Now,
	})
	if err != nil {
		return nil, err
	}

	grants := opts.Grants
	if grants == nil {
		if grants, err = defaultGrants(opts, rs); err != nil {
			return nil, err
		}
	}

	return &AuthorizationServer{
		ResourceServer: rs,
		clients:        opts.ClientService,
		grants:         grants,
	}, nil
}

func defaultGrants(opts Options, rs *ResourceServer) (map[string]grant.Grant, error) {
	gopts := grant.Options{
		ClientService:   opts.ClientService,
		TokenService:    opts.TokenService,
		ParseScope:      opts.ParseScope,
		Logger:          rs.Logger,
		Auditor:         rs.Auditor,
		Instrumentation: rs.instrumentation,
		Now:             rs.now,
	}

	grants := make(map[string]grant.Grant)

	clientCredentials, err := grant.NewClientCredentialsGrant(gopts)
	if err != nil {
		return nil, err
	}
	grants[clientCredentials.Type()] = clientCredentials

	refresh, err := grant.NewRefreshTokenGrant(gopts)
	if err != nil {
		return nil, err
	}
	grants[refresh.Type()] = refresh

	if opts.AuthorizationCodeService != nil {
		code, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
			Options:                  gopts,
			AuthorizationCodeService: opts.AuthorizationCodeService,
			ChallengeMethods:         opts.ChallengeMethods,
		})
		if err != nil {
			return nil, err
		}
		grants[code.Type()] = code
	}
	if opts.UserService != nil {
		password, err := grant.NewPasswordGrant(grant.PasswordOptions{
			Options:     gopts,
			UserService: opts.UserService,
		})
		if err != nil {
			return nil, err
		}
		grants[password.Type()] = password
	}
	return grants, nil
}

// Grant returns the grant serving grantType.
func (as *AuthorizationServer) Grant(grantType string) (grant.Grant, bool) {
	g, ok := as.grants[grantType]
	return g, ok
}

// Token handles a token endpoint request. The result is always a JSON body
// with Cache-Control: no-store, never a redirect.
func (as *AuthorizationServer) Token(req *oauth.Request, resp *oauth.Response) {
	ctx, span := as.startSpan(req.Context(), "server.token")
	defer span.End()

	resp.SetNoStore()

	token, grantType, err := as.token(ctx, req)
	if err != nil {
		code := oauth.AsOAuthError(err).Code
		if as.instrumentation != nil {
			as.instrumentation.Metrics().RecordTokenError(ctx, grantType, code)
		}
		as.spanAttributes(span, attribute.String(instrumentation.AttrError, code))
		as.ErrorHandler(ctx, resp, err)
		return
	}

	as.spanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantType))
	resp.Status = http.StatusOK
	resp.Body = oauth.NewTokenResponse(token, as.now())
}

func (as *AuthorizationServer) token(ctx context.Context, req *oauth.Request) (*oauth.Token, string, error) {
	if req.Method != http.MethodPost {
		return nil, "", oauth.ErrInvalidRequest("method must be POST")
	}
	if !oauth.IsFormContentType(req.Header.Get("Content-Type")) {
		return nil, "", oauth.ErrInvalidRequest("content-type header must be application/x-www-form-urlencoded")
	}

	grantType := req.Body().Get("grant_type")
	if grantType == "" {
		return nil, "", oauth.ErrInvalidRequest("grant_type parameter required")
	}
	g, ok := as.grants[grantType]
	if !ok {
		return nil, grantType, oauth.ErrUnsupportedGrantType("invalid grant_type")
	}

	client, err := g.GetAuthenticatedClient(ctx, req)
	if err != nil {
		return nil, grantType, err
	}
	if !client.AllowsGrant(grantType) {
		as.Auditor.LogAuthFailure(ctx, "", client.ID, "grant_type_not_allowed")
		return nil, grantType, oauth.ErrUnauthorizedClient("client is not authorized to use this grant_type")
	}

	token, err := g.Token(ctx, req, client)
	return token, grantType, err
}

// authorizeRequest tracks the redirect target of an authorization request
// once the client and redirect URI have been validated.
type authorizeRequest struct {
	client   *oauth.Client
	redirect *url.URL
	query    url.Values
}

// Authorize handles an authorization request for the code response type.
//
// Until the client and redirect URI are validated, errors are written as JSON.
// After that they are reported to the client through the redirect URI, with
// the state echoed back. An access_denied failure is instead handed to login
// (no user yet) or consent (user did not authorize the scope) when provided.
func (as *AuthorizationServer) Authorize(req *oauth.Request, resp *oauth.Response, setAuthorization SetAuthorizationFunc, login, consent AuthorizeFunc) {
	ctx, span := as.startSpan(req.Context(), "server.authorize")
	defer span.End()

	ar := &authorizeRequest{}
	authCode, err := as.authorize(ctx, req, ar, setAuthorization)
	if err != nil {
		as.authorizeError(ctx, req, resp, ar, err, login, consent)
		return
	}

	ar.query.Set("code", authCode.Code)
	ar.redirect.RawQuery = ar.query.Encode()
	resp.Redirect(ar.redirect)

	if as.instrumentation != nil {
		as.instrumentation.Metrics().RecordAuthorization(ctx, ar.client.ID, "code_issued")
	}
}

// authorizeParams returns the query parameters, overridden by form body values.
func authorizeParams(req *oauth.Request) url.Values {
	params := req.Query()
	if req.HasBody() && oauth.IsFormContentType(req.Header.Get("Content-Type")) {
		for key, values := range req.Body() {
			params[key] = values
		}
	}
	return params
}

func (as *AuthorizationServer) authorize(ctx context.Context, req *oauth.Request, ar *authorizeRequest, setAuthorization SetAuthorizationFunc) (*oauth.AuthorizationCode, error) {
	codeGrant, ok := as.grants[oauth.GrantTypeAuthorizationCode].(CodeGrant)
	if !ok {
		return nil, oauth.ErrServerError("authorization_code grant not configured")
	}

	params := authorizeParams(req)

	clientID := params.Get("client_id")
	if clientID == "" {
		return nil, oauth.ErrInvalidRequest("client_id parameter required")
	}
	client, err := storage.Absent(as.clients.Get(ctx, clientID))
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, oauth.ErrInvalidClient("client not found")
	}
	if !client.AllowsGrant(oauth.GrantTypeAuthorizationCode) {
		return nil, oauth.ErrUnauthorizedClient("client is not authorized to use the authorization_code grant")
	}
	if len(client.RedirectURIs) == 0 {
		return nil, oauth.ErrUnauthorizedClient("client has no redirect_uri")
	}

	redirectURI := params.Get("redirect_uri")
	redirectURIProvided := redirectURI != ""
	switch {
	case redirectURIProvided && !client.HasRedirectURI(redirectURI):
		as.Logger.DebugContext(ctx, "Unregistered redirect_uri",
			"client_id", client.ID,
			"redirect_uri", sanitizeURIForLogging(redirectURI))
		return nil, oauth.ErrInvalidRequest("redirect_uri not authorized")
	case !redirectURIProvided && len(client.RedirectURIs) > 1:
		return nil, oauth.ErrInvalidRequest("redirect_uri parameter required")
	case !redirectURIProvided:
		redirectURI = client.RedirectURIs[0]
	}
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return nil, oauth.ErrServerError("registered redirect_uri is invalid").WithCause(err)
	}

	// errors from here on are reported through the redirect URI
	ar.client = client
	ar.redirect = redirect
	ar.query = redirect.Query()
	span := trace.SpanFromContext(ctx)
	as.spanAttributes(span,
		attribute.String(instrumentation.AttrClientID, client.ID),
		attribute.String(instrumentation.AttrRedirectURI, sanitizeURIForLogging(redirectURI)))

	state := params.Get("state")
	if state == "" {
		return nil, oauth.ErrInvalidRequest("state parameter required")
	}
	ar.query.Set("state", state)

	responseType := params.Get("response_type")
	as.spanAttributes(span, attribute.String(instrumentation.AttrResponseType, responseType))
	switch responseType {
	case oauth.ResponseTypeCode:
	case "":
		return nil, oauth.ErrInvalidRequest("response_type parameter required")
	default:
		return nil, oauth.ErrUnsupportedResponseType("response_type not supported")
	}

	scope, err := codeGrant.ParseScope(params.Get("scope"))
	if err != nil {
		return nil, err
	}

	challenge := params.Get("code_challenge")
	challengeMethod := params.Get("code_challenge_method")
	if challenge == "" && challengeMethod != "" {
		return nil, oauth.ErrInvalidRequest("code_challenge parameter required")
	}
	if challenge != "" {
		if challengeMethod == "" {
			challengeMethod = oauth.PKCEMethodPlain
		}
		if !codeGrant.ChallengeMethods().Supports(challengeMethod) {
			return nil, oauth.ErrInvalidRequest("unsupported code_challenge_method")
		}
	}

	req.AuthorizeParameters = &oauth.AuthorizeParameters{
		ResponseType:        oauth.ResponseTypeCode,
		Client:              client,
		RedirectURI:         redirectURI,
		State:               state,
		Scope:               scope,
		Challenge:           challenge,
		ChallengeMethod:     challengeMethod,
		RedirectURIProvided: redirectURIProvided,
	}

	if setAuthorization != nil {
		if err := setAuthorization(req); err != nil {
			return nil, err
		}
	}

	if req.User == nil {
		return nil, oauth.ErrAccessDenied("authentication required")
	}
	accepted, err := codeGrant.AcceptedScope(ctx, client, req.User, scope)
	if err != nil {
		return nil, err
	}
	if accepted != nil && (req.AuthorizedScope == nil || !req.AuthorizedScope.Has(accepted)) {
		return nil, oauth.ErrAccessDenied("not authorized")
	}

	codeRedirectURI := ""
	if redirectURIProvided {
		codeRedirectURI = redirectURI
	}
	return codeGrant.GenerateAuthorizationCode(ctx, grant.CodeRequest{
		Client:          client,
		User:            req.User,
		Scope:           accepted,
		RedirectURI:     codeRedirectURI,
		Challenge:       challenge,
		ChallengeMethod: challengeMethod,
	})
}

func (as *AuthorizationServer) authorizeError(ctx context.Context, req *oauth.Request, resp *oauth.Response, ar *authorizeRequest, err error, login, consent AuthorizeFunc) {
	outcome := "error"
	if oauth.HasCode(err, oauth.ErrorCodeAccessDenied) && req.AuthorizeParameters != nil {
		handler, name := consent, "consent"
		if req.User == nil {
			handler, name = login, "login"
		}
		if handler != nil {
			handlerErr := handler(req, resp)
			if handlerErr == nil {
				as.recordAuthorization(ctx, ar, name)
				return
			}
			as.Logger.DebugContext(ctx, "Authorization "+name+" handler failed", "error", handlerErr)
			wrapped := *oauth.AsOAuthError(handlerErr)
			wrapped.Cause = errors.Join(err, wrapped.Cause)
			err = &wrapped
		}
	}
	as.recordAuthorization(ctx, ar, outcome)

	if ar.redirect == nil {
		as.ErrorHandler(ctx, resp, err)
		return
	}

	oauthErr := oauth.AsOAuthError(err)
	if oauthErr.Status >= http.StatusInternalServerError {
		as.Logger.ErrorContext(ctx, "Authorization request failed",
			"error", oauthErr.Code,
			"description", oauthErr.Description,
			"cause", oauthErr.Cause)
	}
	ar.query.Set("error", oauthErr.Code)
	if oauthErr.Description != "" {
		ar.query.Set("error_description", oauthErr.Description)
	}
	if oauthErr.URI != "" {
		ar.query.Set("error_uri", oauthErr.URI)
	}
	ar.redirect.RawQuery = ar.query.Encode()
	resp.Redirect(ar.redirect)
}

func (as *AuthorizationServer) recordAuthorization(ctx context.Context, ar *authorizeRequest, outcome string) {
	if as.instrumentation == nil {
		return
	}
	clientID := ""
	if ar.client != nil {
		clientID = ar.client.ID
	}
	as.instrumentation.Metrics().RecordAuthorization(ctx, clientID, outcome)
}

const maxLoggedURILength = 100

// sanitizeURIForLogging strips the query, fragment and userinfo from a URI.
func sanitizeURIForLogging(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		if len(uri) > maxLoggedURILength {
			return util.SafeTruncate(uri, maxLoggedURILength) + "...[truncated]"
		}
		return uri
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""
	parsed.User = nil
	return parsed.String()
}
