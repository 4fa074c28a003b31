package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// RunRow is one acquisition run.
type RunRow struct {
	RunID      string     `json:"run_id"`
	Manifest   string     `json:"manifest"`
	Output     string     `json:"output"`
	StoreType  string     `json:"store_type"`
	Workers    int        `json:"workers"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Existing   int        `json:"existing"`
	Skipped    int        `json:"skipped"`
	Failed     int        `json:"failed"`
}

// AcquisitionRow is one recorded row outcome.
type AcquisitionRow struct {
	RunID          string
	PieceID        string
	Line           int
	SourceURL      string
	StartSeconds   float64
	EndSeconds     float64
	Status         string
	ErrorKind      string
	Reason         string
	SegmentKey     string
	Bytes          int64
	Attempts       int
	DurationMs     int64
	FinishedAt     time.Time
	Composer       string
	Pianist        string
	Piece          string
	Movement       string
	IntegrityRetry bool
}

// StartRun inserts the run header. Acquisition rows reference it.
func (db *DB) StartRun(ctx context.Context, r RunRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO runs (run_id, manifest, output, store_type, workers, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.RunID, r.Manifest, r.Output, r.StoreType, r.Workers, r.StartedAt,
	)
	return err
}

// FinishRun records the final counts of a run.
func (db *DB) FinishRun(ctx context.Context, r RunRow) error {
	finished := time.Now()
	if r.FinishedAt != nil {
		finished = *r.FinishedAt
	}
	_, err := db.Pool.Exec(ctx, `
		UPDATE runs
		SET finished_at = $2, total = $3, succeeded = $4, existing = $5, skipped = $6, failed = $7
		WHERE run_id = $1`,
		r.RunID, finished, r.Total, r.Succeeded, r.Existing, r.Skipped, r.Failed,
	)
	return err
}

// InsertAcquisitions batch-inserts row outcomes using CopyFrom.
func (db *DB) InsertAcquisitions(ctx context.Context, rows []AcquisitionRow) (int64, error) {
	copyRows := make([][]any, len(rows))
	for i, r := range rows {
		copyRows[i] = []any{
			r.RunID, r.PieceID, r.Line, r.SourceURL, r.StartSeconds, r.EndSeconds,
			r.Status, r.ErrorKind, r.Reason, r.SegmentKey, r.Bytes, r.Attempts,
			r.DurationMs, r.FinishedAt, r.Composer, r.Pianist, r.Piece, r.Movement,
			r.IntegrityRetry,
		}
	}

	return db.Pool.CopyFrom(ctx,
		pgx.Identifier{"acquisitions"},
		[]string{
			"run_id", "piece_id", "line", "source_url", "start_seconds", "end_seconds",
			"status", "error_kind", "reason", "segment_key", "bytes", "attempts",
			"duration_ms", "finished_at", "composer", "pianist", "piece", "movement",
			"integrity_retry",
		},
		pgx.CopyFromRows(copyRows),
	)
}

// RecentRuns returns the newest runs first.
func (db *DB) RecentRuns(ctx context.Context, limit int) ([]RunRow, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT run_id::text, manifest, output, store_type, workers, started_at, finished_at,
			total, succeeded, existing, skipped, failed
		FROM runs
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRow
	for rows.Next() {
		var r RunRow
		if err := rows.Scan(&r.RunID, &r.Manifest, &r.Output, &r.StoreType, &r.Workers,
			&r.StartedAt, &r.FinishedAt, &r.Total, &r.Succeeded, &r.Existing, &r.Skipped, &r.Failed); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
