// Package migrations embeds the SQL schema so the agent binary is
// self-contained; the agent runs from an unpredictable working directory on
// the device where ./migrations/ does not exist.
package migrations

import "embed"

// FS contains all *.sql migration files embedded at compile time.
//
//go:embed *.sql
var FS embed.FS
