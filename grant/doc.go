// Package grant implements the OAuth 2.0 grant types served by the token endpoint.
//
// Each grant authenticates the requesting client and exchanges a credential
// (authorization code, client credentials, refresh token or resource owner
// password) for a Token, using the storage ports from the storage package:
//
//	codeGrant, err := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
//		Options: grant.Options{
//			ClientService: clients,
//			TokenService:  tokens,
//		},
//		AuthorizationCodeService: codes,
//	})
//
// Grants never write responses; failures are returned as *oauth.OAuthError
// (or as foreign errors from storage, which the server wraps as server_error).
package grant
