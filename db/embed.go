// Package db provides the embedded ledger schema.
package db

import _ "embed"

// Schema creates the processed and pending order tables. It is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
