// Package valkey stores authorization codes and tokens in Valkey.
//
// Valkey is wire-compatible with Redis, so any Redis server works. Clients
// and users are usually few and long-lived; keep them in the sqlite or
// memory store and pair them with this package's services:
//
//	store, err := valkey.New(valkey.Config{Address: "localhost:6379"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
//
//	srv, err := server.NewAuthorizationServer(server.Options{
//		ClientService:            clients,
//		TokenService:             store.Tokens(),
//		AuthorizationCodeService: store.Codes(),
//	})
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth:"). Tokens and codes
// appear only as SHA-256 hex digests:
//
//	{prefix}code:{hash}         -> JSON(authorization code), TTL until expiry
//	{prefix}token:{hash}        -> JSON(token record), TTL until the later expiry
//	{prefix}refresh:{hash}      -> access token hash, TTL until refresh expiry
//	{prefix}codetokens:{hash}   -> SET of access token hashes issued for a code
//
// Tokens without an expiry are stored without a TTL.
//
// # Atomic Operations
//
// Token revocation runs as Lua scripts so that a record and its indexes
// are removed together. Code revocation is a single DEL, so exactly one
// concurrent exchange of a code observes that the code existed.
//
// The scripts derive index keys from the stored record, which requires a
// single Valkey node rather than a cluster.
package valkey
