package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	oauth "github.com/udibo/oauth2-server"
	"github.com/udibo/oauth2-server/adapter/ginoauth"
	"github.com/udibo/oauth2-server/security"
	"github.com/udibo/oauth2-server/server"
)

// authorizeHooks signs users in with HTTP Basic credentials. The demo has no
// login page or consent screen: a signed-in user authorizes the requested scope.
func (a *app) authorizeHooks() server.AuthorizeHooks {
	return server.AuthorizeHooks{
		SetAuthorization: func(req *oauth.Request) error {
			username, password, ok := (&http.Request{Header: req.Header}).BasicAuth()
			if !ok {
				return nil
			}
			user, err := a.users.GetAuthenticated(req.Context(), username, password)
			if err != nil {
				return err
			}
			if user == nil {
				a.server.Auditor.LogAuthFailure(req.Context(), username, req.AuthorizeParameters.Client.ID, "invalid_user_credentials")
				return nil
			}
			req.User = user
			req.AuthorizedScope = req.AuthorizeParameters.Scope
			return nil
		},
		Login: func(req *oauth.Request, resp *oauth.Response) error {
			resp.Status = http.StatusUnauthorized
			resp.Header.Set("WWW-Authenticate", `Basic realm="`+a.server.Config.Realm+`", charset="UTF-8"`)
			resp.Body = oauth.ErrorResponse{Error: oauth.ErrorCodeAccessDenied, ErrorDescription: "authentication required"}
			return nil
		},
	}
}

// health reports whether the stores are reachable.
func (a *app) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	for _, ping := range a.pingers {
		if err := ping(ctx); err != nil {
			a.logger.Warn("Health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// me describes the bearer token of the request.
func me(c *gin.Context) {
	token, _ := ginoauth.GetToken(c)
	body := gin.H{
		"client_id": token.Client.ID,
		"scope":     token.Scope.String(),
	}
	if token.User != nil {
		body["user_id"] = token.User.ID
		body["username"] = token.User.Username
	}
	if !token.AccessTokenExpiresAt.IsZero() {
		body["expires_at"] = token.AccessTokenExpiresAt.UTC().Format(time.RFC3339)
	}
	c.JSON(http.StatusOK, body)
}

// accessLog logs each request after it is served.
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
			"request_id", c.Writer.Header().Get(security.RequestIDHeader))
	}
}
