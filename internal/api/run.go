package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/classicap/classicap-dl/internal/database"
)

// Run states reported by /api/v1/run.
const (
	StateIdle     = "idle"
	StateRunning  = "running"
	StateFinished = "finished"
)

// RunSource exposes live counters of an acquisition run.
type RunSource interface {
	Progress() acquire.Progress
	Workers() int
}

// RunHistory lists past runs. It is backed by the ledger when a database is
// configured.
type RunHistory interface {
	RecentRuns(ctx context.Context, limit int) ([]database.RunRow, error)
}

// RunStatus is the body of GET /api/v1/run.
type RunStatus struct {
	State     string            `json:"state"`
	Manifest  string            `json:"manifest,omitempty"`
	StartedAt *time.Time        `json:"started_at,omitempty"`
	Progress  *acquire.Progress `json:"progress,omitempty"`
	Last      *acquire.Totals   `json:"last,omitempty"`
	Runs      int               `json:"runs"`
}

// RunState tracks the current and last run. In watch mode the same state
// spans many runs.
type RunState struct {
	mu        sync.RWMutex
	source    RunSource
	state     string
	manifest  string
	startedAt time.Time
	last      *acquire.Totals
	runs      int
}

func NewRunState() *RunState {
	return &RunState{state: StateIdle}
}

// Begin marks a run as started.
func (s *RunState) Begin(src RunSource, manifest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.source = src
	s.state = StateRunning
	s.manifest = manifest
	s.startedAt = time.Now()
	s.runs++
}

// End records the summary of the finished run.
func (s *RunState) End(sum *acquire.Summary) {
	t := sum.Totals()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateFinished
	s.last = &t
}

// Snapshot returns the current status.
func (s *RunState) Snapshot() RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := RunStatus{
		State:    s.state,
		Manifest: s.manifest,
		Last:     s.last,
		Runs:     s.runs,
	}
	if !s.startedAt.IsZero() {
		started := s.startedAt
		st.StartedAt = &started
	}
	if s.source != nil {
		p := s.source.Progress()
		st.Progress = &p
	}
	return st
}

// Progress returns the counters of the current run, or zero values before
// the first run.
func (s *RunState) Progress() acquire.Progress {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return acquire.Progress{}
	}
	return src.Progress()
}

// Workers returns the worker pool size of the current run.
func (s *RunState) Workers() int {
	s.mu.RLock()
	src := s.source
	s.mu.RUnlock()
	if src == nil {
		return 0
	}
	return src.Workers()
}

func (s *RunState) handleGet(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.Snapshot())
}

type runsHandler struct {
	history RunHistory
}

func (h runsHandler) list(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := h.history.RecentRuns(r.Context(), p.Limit)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to list runs", err.Error())
		return
	}
	if runs == nil {
		runs = []database.RunRow{}
	}
	WriteJSON(w, http.StatusOK, ListResponse[database.RunRow]{Items: runs, Total: len(runs), Limit: p.Limit})
}
