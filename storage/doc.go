// Package storage defines the persistence ports the OAuth servers depend on.
//
// The servers never store anything themselves. Applications provide:
//   - ClientService: looks up and authenticates clients
//   - UserService: authenticates resource owners for the password grant
//   - AuthorizationCodeService: issues, persists and revokes authorization codes
//   - TokenService: issues, persists and revokes access and refresh tokens
//
// The *Base types supply default code and token generation, lifetimes and
// scope acceptance. Embed them and implement only the persistence methods.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlite: SQLite storage with embedded migrations
//   - storage/valkey: Valkey/Redis-compatible storage for tokens and codes
package storage
