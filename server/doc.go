// Package server implements the OAuth 2.0 endpoints on top of the grant and
// storage packages.
//
// ResourceServer authenticates requests for protected resources with bearer
// tokens and enforces scopes. AuthorizationServer adds the token endpoint,
// which dispatches to a grant.Grant by grant_type, and the authorize
// endpoint, which issues authorization codes after delegating login and
// consent to the caller.
//
// Both servers work on the transport-neutral oauth.Request and oauth.Response
// ports and never write to the network themselves. Handler binds them to
// net/http:
//
//	srv, err := server.NewAuthorizationServer(server.Options{
//		ClientService:            store.Clients(),
//		TokenService:             store.Tokens(),
//		AuthorizationCodeService: store.Codes(),
//	})
//	h := server.NewHandler(srv, server.AuthorizeHooks{SetAuthorization: session.Load, Login: showLogin})
//	mux.HandleFunc("POST /token", h.ServeToken)
//	mux.Handle("/api/", h.ValidateToken(oauth.MustScope("read"))(api))
package server
