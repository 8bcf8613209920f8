// Package dbmigrations exposes embedded SQL migrations for audiosum binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into audiosum binaries.
//
//go:embed *.sql
var Files embed.FS
