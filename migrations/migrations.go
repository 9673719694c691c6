// Package migrations embeds the schema applied by postgresql.Client.Migrate
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
