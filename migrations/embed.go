// Package migrations embeds the forward-only SQL migration set applied by
// internal/db.Connect and exercised directly by integration tests that need
// a schema without going through the full connect path.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
