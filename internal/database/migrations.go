package database

import (
	"context"
	"fmt"
	"strings"
)

// migration defines a single idempotent schema migration.
type migration struct {
	name  string
	sql   string
	check string // query that returns true if the migration is already applied
}

// migrations is the ordered list of schema migrations to apply on top of
// schemaSQL. Each must be idempotent (use IF NOT EXISTS, IF EXISTS, etc.).
var migrations = []migration{
	{
		name: "add acquisitions descriptive columns",
		sql: `ALTER TABLE acquisitions
			ADD COLUMN IF NOT EXISTS composer text NOT NULL DEFAULT '',
			ADD COLUMN IF NOT EXISTS pianist text NOT NULL DEFAULT '',
			ADD COLUMN IF NOT EXISTS piece text NOT NULL DEFAULT '',
			ADD COLUMN IF NOT EXISTS movement text NOT NULL DEFAULT ''`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'acquisitions' AND column_name = 'movement')`,
	},
	{
		name:  "add acquisitions.integrity_retry",
		sql:   `ALTER TABLE acquisitions ADD COLUMN IF NOT EXISTS integrity_retry boolean NOT NULL DEFAULT false`,
		check: `SELECT EXISTS (SELECT 1 FROM information_schema.columns WHERE table_name = 'acquisitions' AND column_name = 'integrity_retry')`,
	},
	{
		name:  "add acquisitions piece_id index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_acquisitions_piece ON acquisitions (piece_id, finished_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_acquisitions_piece')`,
	},
	{
		name:  "add runs started_at index",
		sql:   `CREATE INDEX IF NOT EXISTS idx_runs_started ON runs (started_at DESC)`,
		check: `SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = 'idx_runs_started')`,
	},
}

// Migrate runs all pending schema migrations.
// For each migration, it first checks whether the change is already present.
// If not, it attempts to apply it. If the apply fails (e.g. insufficient
// privileges), the error is returned and the caller should treat it as fatal
// since the ledger inserts depend on these columns existing.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if m.check != "" {
			var exists bool
			if err := db.Pool.QueryRow(ctx, m.check).Scan(&exists); err == nil && exists {
				continue
			}
		}
		pending = append(pending, m)
	}

	if len(pending) == 0 {
		return nil
	}

	applied := 0
	for _, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{
				failed:  m,
				pending: pending[applied:],
				err:     err,
			}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
		applied++
	}
	db.log.Info().Int("applied", applied).Msg("schema migrations complete")
	return nil
}

// MigrationError is returned when a migration fails.
// It includes the SQL needed to apply all remaining migrations manually.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Run the following SQL as a database superuser to fix this:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen re-run classicap-dl.")
	return b.String()
}

func (e *MigrationError) Unwrap() error {
	return e.err
}
