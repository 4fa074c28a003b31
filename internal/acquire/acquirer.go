// Package acquire turns manifest rows into audio segments. Each row runs an
// independent fetch, clip, store pipeline on a bounded worker pool; a failing
// row never aborts the batch.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/classicap/classicap-dl/internal/manifest"
	"github.com/classicap/classicap-dl/internal/media"
	"github.com/classicap/classicap-dl/internal/storage"
	"github.com/rs/zerolog"
)

// Policy decides what happens to a row whose segment is already stored.
type Policy string

const (
	// PolicySkip leaves the stored segment alone and performs no fetch.
	PolicySkip Policy = "skip"
	// PolicyOverwrite re-acquires the segment and replaces it.
	PolicyOverwrite Policy = "overwrite"
)

// SegmentExt is the file extension of acquired segments.
const SegmentExt = ".wav"

// Key returns the store key for an identifier.
func Key(id string) string { return id + SegmentExt }

// OutcomeFunc is called once for every finished row. It is called from
// worker goroutines and must be safe for concurrent use.
type OutcomeFunc func(Outcome)

// Options configures the acquirer.
type Options struct {
	Store   storage.SegmentStore
	Fetcher media.Fetcher
	Clipper media.Clipper

	RunID          string
	Workers        int
	Policy         Policy
	RowTimeout     time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
	MinBytes       int64
	IntegrityCheck bool
	TempDir        string

	OnOutcome OutcomeFunc
	Log       zerolog.Logger
}

// Acquirer runs manifest rows through the fetch, clip, store pipeline.
type Acquirer struct {
	opts Options
	log  zerolog.Logger

	total     atomic.Int64
	inFlight  atomic.Int64
	succeeded atomic.Int64
	existing  atomic.Int64
	skipped   atomic.Int64
	failed    atomic.Int64
}

// New creates an acquirer. Zero-valued options get the defaults of the
// command line tool.
func New(opts Options) *Acquirer {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Policy == "" {
		opts.Policy = PolicySkip
	}
	if opts.RowTimeout <= 0 {
		opts.RowTimeout = 10 * time.Minute
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	return &Acquirer{
		opts: opts,
		log:  opts.Log,
	}
}

// Progress is a point-in-time view of a run.
type Progress struct {
	RunID     string `json:"run_id"`
	Total     int64  `json:"total"`
	InFlight  int64  `json:"in_flight"`
	Succeeded int64  `json:"succeeded"`
	Existing  int64  `json:"existing"`
	Skipped   int64  `json:"skipped"`
	Failed    int64  `json:"failed"`
}

// Done is the number of rows with a recorded outcome.
func (p Progress) Done() int64 { return p.Succeeded + p.Existing + p.Skipped + p.Failed }

// Progress returns the counters of the current (or last) run.
func (a *Acquirer) Progress() Progress {
	return Progress{
		RunID:     a.opts.RunID,
		Total:     a.total.Load(),
		InFlight:  a.inFlight.Load(),
		Succeeded: a.succeeded.Load(),
		Existing:  a.existing.Load(),
		Skipped:   a.skipped.Load(),
		Failed:    a.failed.Load(),
	}
}

// Workers returns the size of the worker pool.
func (a *Acquirer) Workers() int { return a.opts.Workers }

// Run acquires every valid row of m. Rows rejected by the manifest parser are
// reported as skipped. When the integrity check is enabled, rows whose
// segment is missing afterwards are retried once, sequentially.
func (a *Acquirer) Run(ctx context.Context, m *manifest.Manifest) *Summary {
	a.reset()
	started := time.Now()
	a.total.Store(int64(len(m.Rows) + len(m.Invalid)))

	a.log.Info().
		Str("run_id", a.opts.RunID).
		Int("rows", len(m.Rows)).
		Int("invalid", len(m.Invalid)).
		Int("workers", a.opts.Workers).
		Str("policy", string(a.opts.Policy)).
		Msg("acquisition started")

	outcomes := make([]Outcome, 0, len(m.Rows)+len(m.Invalid))
	for _, pe := range m.Invalid {
		o := Outcome{
			RunID:      a.opts.RunID,
			Row:        manifest.Row{ID: pe.ID, Line: pe.Line},
			Status:     StatusSkipped,
			Reason:     pe.Reason,
			Err:        pe,
			FinishedAt: time.Now(),
		}
		if pe.ID != "" {
			o.Key = Key(pe.ID)
		}
		a.record(o)
		outcomes = append(outcomes, o)
	}

	results := a.runRows(ctx, m.Rows)
	if a.opts.IntegrityCheck && ctx.Err() == nil {
		results = a.verifyIntegrity(ctx, m.Rows, results)
	}
	outcomes = append(outcomes, results...)

	s := NewSummary(a.opts.RunID, outcomes)
	s.StartedAt = started
	s.FinishedAt = time.Now()

	a.log.Info().
		Str("run_id", a.opts.RunID).
		Int("succeeded", s.Succeeded).
		Int("existing", s.Existing).
		Int("skipped", s.Skipped).
		Int("failed", s.Failed).
		Dur("elapsed", s.FinishedAt.Sub(started)).
		Msg("acquisition finished")
	return s
}

// runRows processes rows on the worker pool. Outcomes are returned in row
// order regardless of completion order.
func (a *Acquirer) runRows(ctx context.Context, rows []manifest.Row) []Outcome {
	results := make([]Outcome, len(rows))
	jobs := make(chan int)
	var wg sync.WaitGroup

	for w := 0; w < a.opts.Workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := a.log.With().Int("worker", id).Logger()
			for i := range jobs {
				o := a.process(ctx, log, rows[i], i+1, len(rows))
				a.record(o)
				results[i] = o
			}
		}(w)
	}

	dispatched := 0
dispatch:
	for ; dispatched < len(rows); dispatched++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case jobs <- dispatched:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(jobs)
	wg.Wait()

	// Rows never handed to a worker fail with the cancellation cause.
	for i := dispatched; i < len(rows); i++ {
		o := Outcome{
			RunID:      a.opts.RunID,
			Row:        rows[i],
			Key:        Key(rows[i].ID),
			Status:     StatusFailed,
			Reason:     "not started: " + ctx.Err().Error(),
			Err:        ctx.Err(),
			FinishedAt: time.Now(),
		}
		a.record(o)
		results[i] = o
	}
	return results
}

// verifyIntegrity retries, once and in order, every row whose segment is not
// in the store after the main pass. Rows skipped as invalid are not retried.
func (a *Acquirer) verifyIntegrity(ctx context.Context, rows []manifest.Row, results []Outcome) []Outcome {
	var missing []int
	for i, o := range results {
		if o.Status == StatusSkipped {
			continue
		}
		if !a.opts.Store.Exists(ctx, o.Key) {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		a.log.Info().Int("segments", len(rows)).Msg("integrity check passed")
		return results
	}

	a.log.Warn().Int("missing", len(missing)).Msg("integrity check found missing segments, retrying")
	recovered := 0
	for n, i := range missing {
		if ctx.Err() != nil {
			break
		}
		prev := results[i]
		a.unrecord(prev)
		o := a.process(ctx, a.log, rows[i], n+1, len(missing))
		o.IntegrityRetry = true
		a.record(o)
		results[i] = o
		if o.Status == StatusSucceeded || o.Status == StatusExisting {
			recovered++
		}
	}
	a.log.Info().Int("recovered", recovered).Int("missing", len(missing)).Msg("integrity retry finished")
	return results
}

// process runs one row through the pipeline. It never returns an error: the
// failure is carried in the outcome.
func (a *Acquirer) process(ctx context.Context, log zerolog.Logger, row manifest.Row, n, total int) Outcome {
	start := time.Now()
	o := Outcome{
		RunID: a.opts.RunID,
		Row:   row,
		Key:   Key(row.ID),
	}
	finish := func(status Status, err error) Outcome {
		o.Status = status
		o.Err = err
		if err != nil && o.Reason == "" {
			o.Reason = err.Error()
		}
		o.Duration = time.Since(start)
		o.FinishedAt = time.Now()
		return o
	}

	log = log.With().Str("id", row.ID).Int("line", row.Line).Logger()
	log.Debug().Int("n", n).Int("total", total).Str("url", row.URL).Msg("processing row")

	if !manifest.SafeID(row.ID) || row.Start < 0 || row.Start >= row.End {
		o.Reason = fmt.Sprintf("invalid row: id=%q start=%.3f end=%.3f", row.ID, row.Start, row.End)
		return finish(StatusSkipped, nil)
	}

	if a.opts.Policy == PolicySkip && a.opts.Store.Exists(ctx, o.Key) {
		o.Reason = "already exists"
		return finish(StatusExisting, nil)
	}

	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)

	rowCtx, cancel := context.WithTimeout(ctx, a.opts.RowTimeout)
	defer cancel()

	tmp, err := os.MkdirTemp(a.opts.TempDir, "classicap-*")
	if err != nil {
		return finish(StatusFailed, &WriteError{Key: o.Key, Err: fmt.Errorf("temp dir: %w", err)})
	}
	defer os.RemoveAll(tmp)

	src, attempts, err := a.fetch(rowCtx, log, row.URL, tmp)
	o.Attempts = attempts
	if err != nil {
		return finish(StatusFailed, &FetchError{URL: row.URL, Err: a.describe(rowCtx, err)})
	}

	clipped := filepath.Join(tmp, o.Key)
	if err := a.opts.Clipper.Clip(rowCtx, src, clipped, row.Start, row.End); err != nil {
		return finish(StatusFailed, &ClipError{Err: a.describe(rowCtx, err)})
	}

	info, err := os.Stat(clipped)
	if err != nil {
		return finish(StatusFailed, &ClipError{Err: fmt.Errorf("output not created: %w", err)})
	}
	if info.Size() < a.opts.MinBytes {
		return finish(StatusFailed, &ClipError{Err: fmt.Errorf("output too small (%d bytes, minimum %d)", info.Size(), a.opts.MinBytes)})
	}

	if err := a.opts.Store.Put(rowCtx, o.Key, clipped, storage.ContentTypeWAV); err != nil {
		return finish(StatusFailed, &WriteError{Key: o.Key, Err: a.describe(rowCtx, err)})
	}

	o.Bytes = info.Size()
	return finish(StatusSucceeded, nil)
}

// fetch downloads the row's source, retrying fetch failures with a fixed
// backoff. Cancellation and invalid URLs are not retried.
func (a *Acquirer) fetch(ctx context.Context, log zerolog.Logger, url, dir string) (string, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= a.opts.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(a.opts.RetryBackoff):
			case <-ctx.Done():
				return "", attempts, ctx.Err()
			}
			// Start each attempt from an empty directory.
			os.RemoveAll(dir)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", attempts, err
			}
			log.Info().Int("attempt", attempt+1).Msg("retrying fetch")
		}

		attempts++
		path, err := a.opts.Fetcher.Fetch(ctx, url, dir)
		if err == nil {
			return path, attempts, nil
		}
		lastErr = err
		log.Debug().Err(err).Int("attempt", attempt+1).Msg("fetch attempt failed")

		if ctx.Err() != nil || errors.Is(err, media.ErrInvalidURL) {
			break
		}
	}
	return "", attempts, lastErr
}

// describe replaces a bare context error with a message naming the row timeout.
func (a *Acquirer) describe(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("timed out after %s: %w", a.opts.RowTimeout, err)
	}
	return err
}

func (a *Acquirer) record(o Outcome) {
	switch o.Status {
	case StatusSucceeded:
		a.succeeded.Add(1)
		a.log.Info().Str("id", o.Row.ID).Int64("bytes", o.Bytes).Dur("took", o.Duration).Msg("segment acquired")
	case StatusExisting:
		a.existing.Add(1)
		a.log.Debug().Str("id", o.Row.ID).Msg("segment already present, skipping")
	case StatusSkipped:
		a.skipped.Add(1)
		a.log.Warn().Str("id", o.Row.ID).Int("line", o.Row.Line).Str("reason", o.Reason).Msg("row skipped")
	case StatusFailed:
		a.failed.Add(1)
		a.log.Warn().Str("id", o.Row.ID).Str("kind", errorKind(o.Err)).Str("reason", o.Reason).Msg("row failed")
	}
	if a.opts.OnOutcome != nil {
		a.opts.OnOutcome(o)
	}
}

// unrecord backs a superseded outcome out of the progress counters before the
// integrity retry records its replacement.
func (a *Acquirer) unrecord(o Outcome) {
	switch o.Status {
	case StatusSucceeded:
		a.succeeded.Add(-1)
	case StatusExisting:
		a.existing.Add(-1)
	case StatusSkipped:
		a.skipped.Add(-1)
	case StatusFailed:
		a.failed.Add(-1)
	}
}

func (a *Acquirer) reset() {
	a.total.Store(0)
	a.inFlight.Store(0)
	a.succeeded.Store(0)
	a.existing.Store(0)
	a.skipped.Store(0)
	a.failed.Store(0)
}
