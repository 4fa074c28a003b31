package database

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/classicap/classicap-dl/internal/batch"
	"github.com/rs/zerolog"
)

// ledgerStore is the subset of DB the ledger writes through.
type ledgerStore interface {
	StartRun(ctx context.Context, r RunRow) error
	FinishRun(ctx context.Context, r RunRow) error
	InsertAcquisitions(ctx context.Context, rows []AcquisitionRow) (int64, error)
}

const (
	ledgerBatchSize     = 100
	ledgerFlushInterval = 2 * time.Second
	ledgerWriteTimeout  = 10 * time.Second
)

// Ledger records row outcomes across runs. Outcomes are batched so workers
// never wait on the database; a failed insert is logged and does not fail
// the row. Counters accumulate over the life of the process.
type Ledger struct {
	store ledgerStore
	log   zerolog.Logger

	mu      sync.Mutex
	batcher *batch.Batcher[AcquisitionRow] // nil outside Begin/Finish

	written atomic.Int64
	failed  atomic.Int64
}

// NewLedger creates a ledger writing through store.
func NewLedger(store ledgerStore, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

// Begin inserts the run header and opens a batch for its outcomes.
func (l *Ledger) Begin(ctx context.Context, r RunRow) error {
	if err := l.store.StartRun(ctx, r); err != nil {
		return err
	}
	l.mu.Lock()
	l.batcher = batch.New[AcquisitionRow](ledgerBatchSize, ledgerFlushInterval, l.flush)
	l.mu.Unlock()
	return nil
}

// Record queues one outcome for insertion. Outcomes recorded outside a run
// are counted as lost.
func (l *Ledger) Record(o acquire.Outcome) {
	l.mu.Lock()
	b := l.batcher
	l.mu.Unlock()
	if b == nil || !b.Add(AcquisitionFromOutcome(o)) {
		l.failed.Add(1)
	}
}

// Finish drains queued outcomes and writes the run totals.
func (l *Ledger) Finish(ctx context.Context, s *acquire.Summary) error {
	l.mu.Lock()
	b := l.batcher
	l.batcher = nil
	l.mu.Unlock()
	if b != nil {
		b.Stop()
	}
	finished := s.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	err := l.store.FinishRun(ctx, RunRow{
		RunID:      s.RunID,
		FinishedAt: &finished,
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		Existing:   s.Existing,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
	})
	l.log.Info().
		Int64("written", l.written.Load()).
		Int64("failed", l.failed.Load()).
		Msg("ledger closed")
	return err
}

// Stats returns the number of outcomes written and lost since start.
func (l *Ledger) Stats() (written, failed int64) {
	return l.written.Load(), l.failed.Load()
}

func (l *Ledger) flush(rows []AcquisitionRow) {
	ctx, cancel := context.WithTimeout(context.Background(), ledgerWriteTimeout)
	defer cancel()
	n, err := l.store.InsertAcquisitions(ctx, rows)
	if err != nil {
		l.failed.Add(int64(len(rows)))
		l.log.Error().Err(err).Int("rows", len(rows)).Msg("ledger insert failed")
		return
	}
	l.written.Add(n)
	l.log.Debug().Int64("rows", n).Msg("ledger batch written")
}

// AcquisitionFromOutcome converts an outcome into a ledger row.
func AcquisitionFromOutcome(o acquire.Outcome) AcquisitionRow {
	finished := o.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	return AcquisitionRow{
		RunID:          o.RunID,
		PieceID:        o.Row.ID,
		Line:           o.Row.Line,
		SourceURL:      o.Row.URL,
		StartSeconds:   o.Row.Start,
		EndSeconds:     o.Row.End,
		Status:         string(o.Status),
		ErrorKind:      o.ErrorKind(),
		Reason:         o.Reason,
		SegmentKey:     o.Key,
		Bytes:          o.Bytes,
		Attempts:       o.Attempts,
		DurationMs:     o.Duration.Milliseconds(),
		FinishedAt:     finished,
		Composer:       o.Row.Composer,
		Pianist:        o.Row.Pianist,
		Piece:          o.Row.Piece,
		Movement:       o.Row.Movement,
		IntegrityRetry: o.IntegrityRetry,
	}
}
