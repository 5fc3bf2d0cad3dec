// Package dbmigrations exposes the embedded SQL migrations for the Postgres event store.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations.
//
//go:embed *.sql
var Files embed.FS
