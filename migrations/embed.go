// Package migrations embeds the schema for both storage backends.
package migrations

import (
	"embed"
	"io/fs"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Postgres returns the migration set applied by `caseload-server migrate up`.
func Postgres() fs.FS {
	sub, _ := fs.Sub(files, "postgres")
	return sub
}

// SQLite returns the migration set applied when the embedded store opens.
func SQLite() fs.FS {
	sub, _ := fs.Sub(files, "sqlite")
	return sub
}
