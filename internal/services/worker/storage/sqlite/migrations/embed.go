// Package migrations embeds the worker SQLite schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
