package api

import (
	"net/http"
	"sync"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/go-chi/chi/v5"
)

// OutcomeLog keeps the most recent row outcomes in memory for the status
// API. When full, the oldest records are dropped.
type OutcomeLog struct {
	mu      sync.RWMutex
	records []acquire.Record
	limit   int
}

// NewOutcomeLog creates a log holding at most limit records.
func NewOutcomeLog(limit int) *OutcomeLog {
	if limit < 1 {
		limit = 10000
	}
	return &OutcomeLog{limit: limit}
}

// Record appends an outcome. Safe for concurrent use.
func (l *OutcomeLog) Record(o acquire.Outcome) {
	rec := o.Record()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.records) >= l.limit {
		n := copy(l.records, l.records[1:])
		l.records = l.records[:n]
	}
	l.records = append(l.records, rec)
}

// Reset drops all records, e.g. when a new run starts.
func (l *OutcomeLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = nil
}

// List returns a page of records in completion order, optionally filtered by
// status, and the total number of matches.
func (l *OutcomeLog) List(status acquire.Status, p Pagination) ([]acquire.Record, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var matched []acquire.Record
	for _, rec := range l.records {
		if status == "" || rec.Status == status {
			matched = append(matched, rec)
		}
	}
	total := len(matched)
	if p.Offset >= total {
		return []acquire.Record{}, total
	}
	end := p.Offset + p.Limit
	if end > total {
		end = total
	}
	return matched[p.Offset:end], total
}

// Get returns the latest record for an identifier.
func (l *OutcomeLog) Get(id string) (acquire.Record, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.records) - 1; i >= 0; i-- {
		if l.records[i].ID == id {
			return l.records[i], true
		}
	}
	return acquire.Record{}, false
}

var validStatuses = map[acquire.Status]bool{
	acquire.StatusSucceeded: true,
	acquire.StatusExisting:  true,
	acquire.StatusSkipped:   true,
	acquire.StatusFailed:    true,
}

func (l *OutcomeLog) handleList(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := acquire.Status(r.URL.Query().Get("status"))
	if status != "" && !validStatuses[status] {
		WriteErrorDetail(w, http.StatusBadRequest, "invalid status", "must be one of succeeded, existing, skipped, failed")
		return
	}
	items, total := l.List(status, p)
	WriteJSON(w, http.StatusOK, ListResponse[acquire.Record]{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

func (l *OutcomeLog) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := l.Get(id)
	if !ok {
		WriteError(w, http.StatusNotFound, "outcome not found")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}
