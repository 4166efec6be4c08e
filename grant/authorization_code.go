package grant

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/instrumentation"
	"github.com/udibo/oauth2-server/storage"
)

// AuthorizationCodeOptions configures an AuthorizationCodeGrant.
type AuthorizationCodeOptions struct {
	Options

	// AuthorizationCodeService issues and consumes codes (required)
	AuthorizationCodeService storage.AuthorizationCodeService

	// ChallengeMethods are the supported PKCE methods; defaults to S256 only
	ChallengeMethods oauth.ChallengeMethods
}

// AuthorizationCodeGrant exchanges an authorization code for a token.
// Codes are single use: a code is revoked before any token is issued for it,
// and presenting it again revokes the tokens it produced.
type AuthorizationCodeGrant struct {
	Base
	codes            storage.AuthorizationCodeService
	challengeMethods oauth.ChallengeMethods
}

// NewAuthorizationCodeGrant creates the authorization_code grant.
// Refresh tokens are issued unless disabled.
func NewAuthorizationCodeGrant(opts AuthorizationCodeOptions) (*AuthorizationCodeGrant, error) {
	if opts.AuthorizationCodeService == nil {
		return nil, errors.New("authorization code service is required")
	}
	base, err := newBase(oauth.GrantTypeAuthorizationCode, opts.Options, true)
	if err != nil {
		return nil, err
	}
	methods := opts.ChallengeMethods
	if methods == nil {
		methods = oauth.DefaultChallengeMethods()
	}
	return &AuthorizationCodeGrant{
		Base:             base,
		codes:            opts.AuthorizationCodeService,
		challengeMethods: methods,
	}, nil
}

// ChallengeMethods returns the supported PKCE challenge methods.
func (g *AuthorizationCodeGrant) ChallengeMethods() oauth.ChallengeMethods {
	return g.challengeMethods
}

// CodeRequest describes an authorization code to issue.
type CodeRequest struct {
	Client          *oauth.Client
	User            *oauth.User
	Scope           *oauth.Scope
	RedirectURI     string
	Challenge       string
	ChallengeMethod string
}

// GenerateAuthorizationCode issues and saves an authorization code.
func (g *AuthorizationCodeGrant) GenerateAuthorizationCode(ctx context.Context, r CodeRequest) (*oauth.AuthorizationCode, error) {
	code, err := g.codes.GenerateCode(ctx, r.Client, r.User, r.Scope)
	if err != nil {
		return nil, err
	}
	expiresAt, err := g.codes.ExpiresAt(ctx, r.Client, r.User, r.Scope)
	if err != nil {
		return nil, err
	}

	authCode := &oauth.AuthorizationCode{
		Code:            code,
		ExpiresAt:       expiresAt,
		Client:          r.Client,
		User:            r.User,
		Scope:           r.Scope,
		RedirectURI:     r.RedirectURI,
		Challenge:       r.Challenge,
		ChallengeMethod: r.ChallengeMethod,
	}
	if err := g.codes.Save(ctx, authCode); err != nil {
		return nil, err
	}

	userID := ""
	if r.User != nil {
		userID = r.User.ID
	}
	g.auditor.LogCodeIssued(ctx, userID, r.Client.ID, r.Scope.String(), r.Challenge != "")
	return authCode, nil
}

// Token exchanges the code in the request body for a token.
func (g *AuthorizationCodeGrant) Token(ctx context.Context, req *oauth.Request, client *oauth.Client) (token *oauth.Token, err error) {
	ctx, span := g.startSpan(ctx, client)
	defer func() { g.endSpan(span, token, err) }()

	if err := requireBody(req); err != nil {
		return nil, err
	}
	body := req.Body()
	code := body.Get("code")
	if code == "" {
		return nil, oauth.ErrInvalidRequest("code parameter required")
	}

	reused, err := g.tokenService.RevokeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if reused {
		g.logger.Warn("Authorization code reuse detected, issued tokens revoked", "client_id", client.ID)
		g.auditor.LogCodeReuse(ctx, client.ID)
		g.auditor.LogTokenRevoked(ctx, "", client.ID, "code_reuse")
		instrumentation.SetSpanAttributes(trace.SpanFromContext(ctx), attribute.Bool(instrumentation.AttrCodeReuse, true))
		if g.instrumentation != nil {
			g.instrumentation.Metrics().RecordCodeReuseDetected(ctx)
		}
		return nil, oauth.ErrInvalidGrant("code already used")
	}

	authCode, err := storage.Absent(g.codes.Get(ctx, code))
	if err != nil {
		return nil, err
	}
	if authCode == nil || authCode.Expired(g.now()) {
		return nil, oauth.ErrInvalidGrant("invalid code")
	}
	// only the caller that deletes the code may exchange it
	existed, err := g.codes.Revoke(ctx, code)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, oauth.ErrInvalidGrant("invalid code")
	}

	if authCode.Client == nil || authCode.Client.ID != client.ID {
		g.logger.Debug("Authorization code client mismatch", "client_id", client.ID)
		g.auditor.LogAuthFailure(ctx, "", client.ID, "client_id_mismatch")
		return nil, oauth.ErrInvalidClient("code was issued to another client")
	}

	if err := checkRedirectURI(authCode, body.Get("redirect_uri")); err != nil {
		return nil, err
	}
	if err := g.verifyChallenge(ctx, authCode, body.Get("code_verifier")); err != nil {
		return nil, err
	}

	token, err = g.GenerateToken(ctx, client, authCode.User, authCode.Scope)
	if err != nil {
		return nil, err
	}
	token.Code = code
	return g.issue(ctx, token)
}

// checkRedirectURI requires redirect_uri to be repeated exactly when the
// authorization request included one, and absent otherwise.
func checkRedirectURI(authCode *oauth.AuthorizationCode, redirectURI string) error {
	switch {
	case authCode.RedirectURI == "" && redirectURI != "":
		return oauth.ErrInvalidGrant("redirect_uri not expected")
	case authCode.RedirectURI != "" && redirectURI == "":
		return oauth.ErrInvalidGrant("redirect_uri parameter required")
	case authCode.RedirectURI != redirectURI:
		return oauth.ErrInvalidGrant("incorrect redirect_uri")
	}
	return nil
}

func (g *AuthorizationCodeGrant) verifyChallenge(ctx context.Context, authCode *oauth.AuthorizationCode, verifier string) error {
	if authCode.Challenge == "" {
		if verifier != "" {
			return oauth.ErrInvalidGrant("code_verifier not expected")
		}
		return nil
	}
	if verifier == "" {
		return oauth.ErrInvalidRequest("code_verifier parameter required")
	}

	method := authCode.ChallengeMethod
	if method == "" {
		method = oauth.PKCEMethodPlain
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), method)
	ok, err := g.challengeMethods.Verify(method, authCode.Challenge, verifier)
	if err != nil {
		return err
	}
	if !ok {
		if g.instrumentation != nil {
			g.instrumentation.Metrics().RecordPKCEValidationFailed(ctx, method)
		}
		g.auditor.LogAuthFailure(ctx, "", authCode.Client.ID, "pkce_verification_failed")
		return oauth.ErrInvalidGrant("incorrect code_verifier")
	}
	return nil
}
