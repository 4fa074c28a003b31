package database

import "context"

// schemaSQL creates the ledger tables on a fresh database.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id       uuid PRIMARY KEY,
    manifest     text NOT NULL,
    output       text NOT NULL,
    store_type   text NOT NULL,
    workers      int NOT NULL,
    started_at   timestamptz NOT NULL,
    finished_at  timestamptz,
    total        int NOT NULL DEFAULT 0,
    succeeded    int NOT NULL DEFAULT 0,
    existing     int NOT NULL DEFAULT 0,
    skipped      int NOT NULL DEFAULT 0,
    failed       int NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS acquisitions (
    id              bigserial PRIMARY KEY,
    run_id          uuid NOT NULL REFERENCES runs (run_id) ON DELETE CASCADE,
    piece_id        text NOT NULL,
    line            int NOT NULL,
    source_url      text NOT NULL,
    start_seconds   double precision NOT NULL,
    end_seconds     double precision NOT NULL,
    status          text NOT NULL,
    error_kind      text NOT NULL DEFAULT '',
    reason          text NOT NULL DEFAULT '',
    segment_key     text NOT NULL DEFAULT '',
    bytes           bigint NOT NULL DEFAULT 0,
    attempts        int NOT NULL DEFAULT 0,
    duration_ms     bigint NOT NULL DEFAULT 0,
    finished_at     timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_acquisitions_run ON acquisitions (run_id);
`

// InitSchema applies the full schema on a fresh database.
// It checks whether the "acquisitions" table exists as a proxy for whether
// the schema has been loaded. If present, it's a no-op.
func (db *DB) InitSchema(ctx context.Context) error {
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'acquisitions')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	if _, err := db.Pool.Exec(ctx, schemaSQL); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied successfully")
	return nil
}
