package store

import "embed"

// EmbeddedMigrations contains the run history schema, compiled into the binary.
//
//go:embed migrations/*.sql
var EmbeddedMigrations embed.FS
