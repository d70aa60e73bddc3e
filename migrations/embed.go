// Package migrations embeds the SQL schema for the PostgreSQL verification
// journal.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
