// Package sqlite provides SQLite-backed implementations of the storage
// services using the pure-Go modernc.org/sqlite driver.
//
// The schema is managed by golang-migrate with migrations embedded in the
// binary:
//
//	store, err := sqlite.Open("file:oauth.db")
//	if err != nil { ... }
//	if err := store.ApplyMigrations(); err != nil { ... }
//
// Access tokens, refresh tokens and authorization codes are stored as
// SHA-256 hashes. Client secrets use bcrypt and user passwords PBKDF2.
// Expired rows are removed by DeleteExpired, which callers run periodically.
package sqlite
