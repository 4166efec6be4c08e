// Package memory provides an in-memory implementation of the storage ports.
//
// A single Store backs all four services, so the token service can find the
// tokens issued for an authorization code. Maps are guarded by a
// sync.RWMutex and expired codes and tokens are removed by a background
// cleanup loop.
//
// It is suitable for development, testing and single-instance deployments.
// Use storage/sqlite or storage/valkey when tokens must survive restarts or
// be shared between instances.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	_ = store.AddClient(ctx, &oauth.Client{ID: "app", GrantTypes: []string{"authorization_code"}}, "secret", nil)
//	grant, _ := grant.NewAuthorizationCodeGrant(grant.AuthorizationCodeOptions{
//		Options: grant.Options{ClientService: store.Clients(), TokenService: store.Tokens()},
//		AuthorizationCodeService: store.Codes(),
//	})
package memory
