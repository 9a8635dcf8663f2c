// Package migrations embeds the SQL migration files for the credential store.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
