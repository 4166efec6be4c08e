// Package migrations embeds the SQL schema migrations for storage/sqlite.
package migrations

import "embed"

// Migrations holds the numbered up and down migration files.
//
//go:embed *.sql
var Migrations embed.FS
