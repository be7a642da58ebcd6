// Package migrations holds the Postgres schema for call records, wallets, the
// wallet ledger and audit events.
package migrations

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

//go:embed schema.sql
var Schema string

// Apply runs the schema. Every statement is IF NOT EXISTS so Apply can run on
// each start.
func Apply(ctx context.Context, db *sql.DB) error {
	// No args: pgx sends this through the simple protocol, which accepts
	// multiple statements.
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
