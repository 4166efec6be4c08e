// Package ginoauth serves the authorization and resource servers as gin handlers.
//
//	router := gin.New()
//	router.Use(ginoauth.RequestID())
//	router.POST("/token", ginoauth.Token(srv))
//	router.GET("/authorize", ginoauth.Authorize(srv, hooks))
//	api := router.Group("/api", ginoauth.Authenticate(srv.ResourceServer, oauth.MustScope("read")))
package ginoauth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/server"
)

// TokenKey is the gin context key holding the authenticated *oauth.Token.
const TokenKey = "oauth.token"

// Token serves the token endpoint.
func Token(srv *server.AuthorizationServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := newRequest(c)
		resp := oauth.NewResponse()
		srv.Token(req, resp)
		write(c, srv.ResourceServer, resp)
	}
}

// Authorize serves the authorize endpoint.
func Authorize(srv *server.AuthorizationServer, hooks server.AuthorizeHooks) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := newRequest(c)
		resp := oauth.NewResponse()
		srv.Authorize(req, resp, hooks.SetAuthorization, hooks.Login, hooks.Consent)
		write(c, srv.ResourceServer, resp)
	}
}

// Authenticate requires a bearer token carrying requiredScope, or any valid
// token when requiredScope is nil. Rejected requests are aborted with an
// OAuth error; accepted ones expose the token through GetToken.
func Authenticate(rs *server.ResourceServer, requiredScope *oauth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := newRequest(c)
		resp := oauth.NewResponse()

		var authorized *oauth.Token
		rs.Authenticate(req, resp, func(token *oauth.Token) error {
			authorized = token
			return nil
		}, nil, requiredScope)

		if authorized == nil {
			write(c, rs, resp)
			c.Abort()
			return
		}
		for key, values := range resp.Header {
			c.Writer.Header()[key] = values
		}
		c.Set(TokenKey, authorized)
		c.Request = c.Request.WithContext(server.WithToken(c.Request.Context(), authorized))
		c.Next()
	}
}

// GetToken returns the token stored by Authenticate.
func GetToken(c *gin.Context) (*oauth.Token, bool) {
	value, ok := c.Get(TokenKey)
	if !ok {
		return nil, false
	}
	token, ok := value.(*oauth.Token)
	return token, ok && token != nil
}

// RequestID propagates X-Request-ID the same way security.RequestIDMiddleware does.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(security.RequestIDHeader)
		if !security.IsValidRequestID(requestID) {
			requestID = security.GenerateRequestID()
		}
		c.Header(security.RequestIDHeader, requestID)
		c.Request = c.Request.WithContext(security.WithRequestID(c.Request.Context(), requestID))
		c.Next()
	}
}

// CORS allows browser clients from origins to call the token endpoint.
// An empty origins list allows none.
func CORS(origins ...string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(origins))
	for _, origin := range origins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if _, ok := allowed[origin]; ok && origin != "" {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")
			c.Header("Access-Control-Max-Age", "86400")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func newRequest(c *gin.Context) *oauth.Request {
	ctx := security.WithClientIP(c.Request.Context(), c.ClientIP())
	c.Request = c.Request.WithContext(ctx)
	return oauth.NewRequest(c.Request)
}

func write(c *gin.Context, rs *server.ResourceServer, resp *oauth.Response) {
	security.SetSecurityHeaders(c.Writer.Header(), rs.Config.HTTPS)
	if err := resp.Write(c.Request.Context(), c.Writer); err != nil {
		rs.Logger.ErrorContext(c.Request.Context(), "Failed to write response",
			"path", c.FullPath(),
			"error", err)
		_ = c.Error(err)
	}
}
