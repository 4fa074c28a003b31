// Package manifest reads the segment manifest: a CSV file with one row per
// segment mapping an identifier to a remote source URL and a time range.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
)

// Header aliases for the required columns. The first entry is the canonical
// name used by the published dataset manifest.
var (
	idColumns    = []string{"piece_id", "identifier", "id"}
	urlColumns   = []string{"youtube_url", "source_url", "url"}
	startColumns = []string{"start_time", "start", "start_seconds"}
	endColumns   = []string{"end_time", "end", "end_seconds"}
)

// ErrNoValidRows is returned by Load when the manifest has data rows but none
// of them passed validation.
var ErrNoValidRows = errors.New("manifest has no valid rows")

// Row is one segment entry.
type Row struct {
	ID    string
	URL   string
	Start float64 // seconds
	End   float64 // seconds

	Composer string
	Pianist  string
	Piece    string
	Movement string

	// Extra holds every column not recognised above, keyed by lowercase header.
	Extra map[string]string

	// Line is the 1-based line number in the source file (header is line 1).
	Line int
}

// Label is a short human-readable description for logs and summaries.
func (r Row) Label() string {
	parts := make([]string, 0, 3)
	for _, s := range []string{r.Composer, r.Piece, r.Movement} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " - ")
}

// ParseError describes a row that was rejected during parsing.
type ParseError struct {
	Line   int
	ID     string
	Reason string
}

func (e *ParseError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("line %d (%s): %s", e.Line, e.ID, e.Reason)
	}
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Manifest is the parsed result: valid rows in file order plus the rows that
// were rejected.
type Manifest struct {
	Path    string
	Columns []string
	Rows    []Row
	Invalid []*ParseError
}

// Load opens and parses the manifest at path. File-level problems (missing
// file, missing header, missing required columns) and a manifest whose data
// rows are all invalid are returned as errors. A header-only manifest is
// valid and yields zero rows.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	m.Path = path

	if len(m.Rows) == 0 && len(m.Invalid) > 0 {
		return m, fmt.Errorf("%s: %w (%d rejected, first: %v)", path, ErrNoValidRows, len(m.Invalid), m.Invalid[0])
	}
	return m, nil
}

// Parse reads a manifest from r. Row-level problems never fail the parse;
// they are collected in Manifest.Invalid.
func Parse(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("empty manifest: missing header row")
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	cols := make([]string, len(header))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		cols[i] = strings.ToLower(h)
	}

	idx, err := resolveColumns(cols)
	if err != nil {
		return nil, err
	}

	m := &Manifest{Columns: cols}
	seen := make(map[string]int)

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				m.Invalid = append(m.Invalid, csvError(pe))
				continue
			}
			return nil, fmt.Errorf("read row: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if isBlank(record) {
			continue
		}

		row, perr := parseRecord(record, cols, idx, line)
		if perr != nil {
			m.Invalid = append(m.Invalid, perr)
			continue
		}
		if first, dup := seen[row.ID]; dup {
			m.Invalid = append(m.Invalid, &ParseError{
				Line:   line,
				ID:     row.ID,
				Reason: fmt.Sprintf("duplicate identifier (first seen on line %d)", first),
			})
			continue
		}
		seen[row.ID] = line
		m.Rows = append(m.Rows, row)
	}

	return m, nil
}

// csvError converts a record the CSV reader could not split. An unterminated
// quote consumes every following line, so the reason names the whole span.
func csvError(pe *csv.ParseError) *ParseError {
	start := pe.StartLine
	if start == 0 {
		start = pe.Line
	}
	reason := pe.Err.Error()
	if pe.Line > start {
		reason = fmt.Sprintf("%s (lines %d-%d unreadable, %d lines lost)", reason, start, pe.Line, pe.Line-start+1)
	}
	return &ParseError{Line: start, Reason: reason}
}

// Filter returns a copy of the manifest restricted to the given identifiers,
// in manifest order, plus any requested identifiers that were not found.
func (m *Manifest) Filter(ids []string) (*Manifest, []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			want[id] = false
		}
	}

	out := &Manifest{Path: m.Path, Columns: m.Columns}
	for _, row := range m.Rows {
		if _, ok := want[row.ID]; ok {
			want[row.ID] = true
			out.Rows = append(out.Rows, row)
		}
	}
	for _, inv := range m.Invalid {
		if _, ok := want[inv.ID]; ok {
			want[inv.ID] = true
			out.Invalid = append(out.Invalid, inv)
		}
	}

	var missing []string
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if found, ok := want[id]; ok && !found {
			missing = append(missing, id)
			want[id] = true // report once
		}
	}
	return out, missing
}

type columnIndex struct {
	id, url, start, end int
}

func resolveColumns(cols []string) (columnIndex, error) {
	var idx columnIndex
	var missing []string
	find := func(aliases []string) int {
		for _, a := range aliases {
			for i, c := range cols {
				if c == a {
					return i
				}
			}
		}
		missing = append(missing, aliases[0])
		return -1
	}
	idx.id = find(idColumns)
	idx.url = find(urlColumns)
	idx.start = find(startColumns)
	idx.end = find(endColumns)
	if len(missing) > 0 {
		return idx, fmt.Errorf("missing required column(s): %s", strings.Join(missing, ", "))
	}
	return idx, nil
}

func parseRecord(record, cols []string, idx columnIndex, line int) (Row, *ParseError) {
	if len(record) != len(cols) {
		return Row{}, &ParseError{
			Line:   line,
			Reason: fmt.Sprintf("expected %d fields, got %d", len(cols), len(record)),
		}
	}

	field := func(i int) string { return strings.TrimSpace(record[i]) }
	row := Row{
		ID:   field(idx.id),
		URL:  field(idx.url),
		Line: line,
	}
	fail := func(format string, args ...any) (Row, *ParseError) {
		return Row{}, &ParseError{Line: line, ID: row.ID, Reason: fmt.Sprintf(format, args...)}
	}

	if row.ID == "" {
		return fail("empty identifier")
	}
	if !SafeID(row.ID) {
		return fail("identifier %q is not usable as a file name", row.ID)
	}
	if row.URL == "" {
		return fail("empty source URL")
	}

	var err error
	if row.Start, err = ParseTimestamp(field(idx.start)); err != nil {
		return fail("start: %v", err)
	}
	if row.End, err = ParseTimestamp(field(idx.end)); err != nil {
		return fail("end: %v", err)
	}
	if row.Start < 0 {
		return fail("start %.3f is negative", row.Start)
	}
	if row.Start >= row.End {
		return fail("start %.3f is not before end %.3f", row.Start, row.End)
	}

	for i, c := range cols {
		if i == idx.id || i == idx.url || i == idx.start || i == idx.end {
			continue
		}
		v := field(i)
		switch c {
		case "composer":
			row.Composer = v
		case "pianist", "performer":
			row.Pianist = v
		case "piece", "piece_name", "title":
			row.Piece = v
		case "movement":
			row.Movement = v
		default:
			if row.Extra == nil {
				row.Extra = make(map[string]string)
			}
			row.Extra[c] = v
		}
	}
	return row, nil
}

// SafeID reports whether id can be used as a file name stem without escaping
// the output directory.
func SafeID(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	if strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return false
	}
	return true
}

// ParseTimestamp accepts plain seconds ("75", "75.5") or clock notation
// ("1:15", "00:01:15.5").
func ParseTimestamp(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timestamp")
	}
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		return v, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var total float64
	for i, p := range parts {
		last := i == len(parts)-1
		var v float64
		var err error
		if last {
			v, err = strconv.ParseFloat(p, 64)
		} else {
			var n int
			n, err = strconv.Atoi(p)
			v = float64(n)
		}
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		if i > 0 && v >= 60 {
			return 0, fmt.Errorf("invalid timestamp %q: field %q out of range", s, p)
		}
		total = total*60 + v
	}
	return total, nil
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
