// Package migrations ships the audit schema with the binaries.
package migrations

import "embed"

//go:embed *.sql
var Files embed.FS
