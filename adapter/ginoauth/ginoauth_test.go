package ginoauth_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/adapter/ginoauth"
	"github.com/udibo/oauth2-server/internal/testutil"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/server"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, testutil.Fixtures) {
	t.Helper()
	store, fixtures := testutil.NewStore(t)
	srv, err := server.NewAuthorizationServer(server.Options{
		ClientService:            store.Clients(),
		TokenService:             store.Tokens(),
		AuthorizationCodeService: store.Codes(),
		Config:                   &server.Config{RateLimitRPS: -1},
		Logger:                   slog.New(slog.DiscardHandler),
	})
	require.NoError(t, err)

	require.NoError(t, store.Tokens().Save(context.Background(), &oauth.Token{
		AccessToken:          "at",
		AccessTokenExpiresAt: time.Now().Add(time.Hour),
		Client:               fixtures.Client,
		User:                 fixtures.User,
		Scope:                oauth.MustScope("read"),
	}))

	router := gin.New()
	router.Use(ginoauth.RequestID())
	router.POST("/token", ginoauth.CORS("https://app.example.com"), ginoauth.Token(srv))
	router.OPTIONS("/token", ginoauth.CORS("https://app.example.com"))
	router.GET("/authorize", ginoauth.Authorize(srv, server.AuthorizeHooks{
		SetAuthorization: func(req *oauth.Request) error {
			req.User = fixtures.User
			req.AuthorizedScope = oauth.MustScope("read")
			return nil
		},
	}))
	api := router.Group("/api", ginoauth.Authenticate(srv.ResourceServer, oauth.MustScope("read")))
	api.GET("/me", func(c *gin.Context) {
		token, ok := ginoauth.GetToken(c)
		require.True(t, ok)
		fromCtx, ok := server.TokenFromContext(c.Request.Context())
		require.True(t, ok)
		assert.Same(t, token, fromCtx)
		c.JSON(http.StatusOK, gin.H{"user": token.User.ID})
	})
	return router, fixtures
}

func TestToken(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, testutil.FormRequest("/token", url.Values{
		"grant_type": {"client_credentials"},
	}, testutil.ServiceClientID, testutil.ServiceSecret))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get(security.RequestIDHeader))

	var body oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Bearer", body.TokenType)
	assert.NotEmpty(t, body.AccessToken)
}

func TestToken_Error(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, testutil.FormRequest("/token", url.Values{
		"grant_type": {"client_credentials"},
	}, testutil.ServiceClientID, "wrong"))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Basic realm="Service"`, rec.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"error":"invalid_client","error_description":"client authentication failed"}`, rec.Body.String())
}

func TestCORS(t *testing.T) {
	router, _ := newRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/token", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAuthorize(t *testing.T) {
	router, _ := newRouter(t)
	challenge, err := oauth.S256Challenge(oauth.GenerateVerifier())
	require.NoError(t, err)

	query := url.Values{
		"client_id":             {testutil.ClientID},
		"redirect_uri":          {testutil.RedirectURI},
		"response_type":         {"code"},
		"state":                 {"abc"},
		"scope":                 {"read"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/authorize?"+query.Encode(), nil))

	require.Equal(t, http.StatusFound, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "abc", location.Query().Get("state"))
	assert.NotEmpty(t, location.Query().Get("code"))
}

func TestAuthenticate(t *testing.T) {
	router, _ := newRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, testutil.BearerRequest("/api/me", "at"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"user":"`+testutil.UserID+`"}`, rec.Body.String())
	assert.Equal(t, "read", rec.Header().Get("X-OAuth-Scopes"))

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, testutil.BearerRequest("/api/me", "missing"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"access_denied","error_description":"invalid access_token"}`, rec.Body.String())
}
