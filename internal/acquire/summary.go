package acquire

import (
	"fmt"
	"io"
	"time"

	"github.com/classicap/classicap-dl/internal/manifest"
)

// Status is the final state of one manifest row.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusExisting  Status = "existing"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome records what happened to one row.
type Outcome struct {
	RunID          string
	Row            manifest.Row
	Status         Status
	Reason         string
	Err            error
	Key            string
	Bytes          int64
	Attempts       int
	Duration       time.Duration
	FinishedAt     time.Time
	IntegrityRetry bool
}

// ErrorKind returns "fetch", "clip", "write", "other", or "" for outcomes
// without an error.
func (o Outcome) ErrorKind() string { return errorKind(o.Err) }

// Summary aggregates the outcomes of a run.
type Summary struct {
	RunID      string
	Total      int
	Succeeded  int
	Existing   int
	Skipped    int
	Failed     int
	Outcomes   []Outcome
	StartedAt  time.Time
	FinishedAt time.Time
}

// NewSummary counts outcomes by status.
func NewSummary(runID string, outcomes []Outcome) *Summary {
	s := &Summary{RunID: runID, Total: len(outcomes), Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSucceeded:
			s.Succeeded++
		case StatusExisting:
			s.Existing++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
	}
	return s
}

// Failures returns the failed outcomes in manifest order.
func (s *Summary) Failures() []Outcome {
	return s.filter(StatusFailed)
}

// SkippedRows returns the skipped outcomes in manifest order.
func (s *Summary) SkippedRows() []Outcome {
	return s.filter(StatusSkipped)
}

func (s *Summary) filter(status Status) []Outcome {
	var out []Outcome
	for _, o := range s.Outcomes {
		if o.Status == status {
			out = append(out, o)
		}
	}
	return out
}

// ExitCode is 0 when no row failed and 1 otherwise. Skipped rows do not
// affect it.
func (s *Summary) ExitCode() int {
	if s.Failed > 0 {
		return 1
	}
	return 0
}

// Print writes the human-readable run report.
func (s *Summary) Print(w io.Writer) {
	fmt.Fprintf(w, "\nSummary (run %s)\n", s.RunID)
	fmt.Fprintf(w, "  total:     %d\n", s.Total)
	fmt.Fprintf(w, "  succeeded: %d\n", s.Succeeded)
	fmt.Fprintf(w, "  existing:  %d\n", s.Existing)
	fmt.Fprintf(w, "  skipped:   %d\n", s.Skipped)
	fmt.Fprintf(w, "  failed:    %d\n", s.Failed)
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  elapsed:   %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
	if skipped := s.SkippedRows(); len(skipped) > 0 {
		fmt.Fprintln(w, "\nSkipped rows:")
		for _, o := range skipped {
			fmt.Fprintf(w, "  line %d %s: %s\n", o.Row.Line, displayID(o.Row.ID), o.Reason)
		}
	}
	if failures := s.Failures(); len(failures) > 0 {
		fmt.Fprintln(w, "\nFailed rows:")
		for _, o := range failures {
			fmt.Fprintf(w, "  %s (%s): %s\n", o.Row.ID, o.Row.Label(), o.Reason)
		}
	}
}

func displayID(id string) string {
	if id == "" {
		return "(no id)"
	}
	return id
}

// Record is the JSON view of an outcome served by the status API and
// published over MQTT.
type Record struct {
	RunID          string    `json:"run_id"`
	ID             string    `json:"id"`
	Line           int       `json:"line"`
	URL            string    `json:"url,omitempty"`
	Start          float64   `json:"start"`
	End            float64   `json:"end"`
	Composer       string    `json:"composer,omitempty"`
	Pianist        string    `json:"pianist,omitempty"`
	Piece          string    `json:"piece,omitempty"`
	Movement       string    `json:"movement,omitempty"`
	Status         Status    `json:"status"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Key            string    `json:"key,omitempty"`
	Bytes          int64     `json:"bytes,omitempty"`
	Attempts       int       `json:"attempts"`
	DurationMs     int64     `json:"duration_ms"`
	IntegrityRetry bool      `json:"integrity_retry,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Record returns the JSON view of o.
func (o Outcome) Record() Record {
	return Record{
		RunID:          o.RunID,
		ID:             o.Row.ID,
		Line:           o.Row.Line,
		URL:            o.Row.URL,
		Start:          o.Row.Start,
		End:            o.Row.End,
		Composer:       o.Row.Composer,
		Pianist:        o.Row.Pianist,
		Piece:          o.Row.Piece,
		Movement:       o.Row.Movement,
		Status:         o.Status,
		ErrorKind:      o.ErrorKind(),
		Reason:         o.Reason,
		Key:            o.Key,
		Bytes:          o.Bytes,
		Attempts:       o.Attempts,
		DurationMs:     o.Duration.Milliseconds(),
		IntegrityRetry: o.IntegrityRetry,
		FinishedAt:     o.FinishedAt,
	}
}

// Totals is the JSON view of a summary's counters.
type Totals struct {
	RunID      string    `json:"run_id"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Existing   int       `json:"existing"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	FailedIDs  []string  `json:"failed_ids,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	ElapsedMs  int64     `json:"elapsed_ms"`
}

// Totals returns the JSON view of s.
func (s *Summary) Totals() Totals {
	t := Totals{
		RunID:      s.RunID,
		Total:      s.Total,
		Succeeded:  s.Succeeded,
		Existing:   s.Existing,
		Skipped:    s.Skipped,
		Failed:     s.Failed,
		StartedAt:  s.StartedAt,
		FinishedAt: s.FinishedAt,
	}
	if !s.StartedAt.IsZero() && !s.FinishedAt.IsZero() {
		t.ElapsedMs = s.FinishedAt.Sub(s.StartedAt).Milliseconds()
	}
	for _, o := range s.Failures() {
		t.FailedIDs = append(t.FailedIDs, o.Row.ID)
	}
	return t
}
