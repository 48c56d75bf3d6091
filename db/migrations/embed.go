// Package dbmigrations exposes embedded SQL migrations for the order desk binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into order desk binaries.
//
//go:embed *.sql
var Files embed.FS
