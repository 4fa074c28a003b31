package manifest

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const header = "piece_id,youtube_url,start_time,end_time,composer,pianist,piece,movement,audio_filename\n"

func TestParse(t *testing.T) {
	t.Run("valid_rows_in_order", func(t *testing.T) {
		src := header +
			"chopin_op28_4,https://www.youtube.com/watch?v=abc,10,42.5,Chopin,Argerich,Prelude Op. 28,No. 4 in E minor,chopin_op28_4.wav\n" +
			"bach_bwv846,https://youtu.be/xyz,0:05,1:02.25,Bach,Gould,WTC I,Prelude in C,bach_bwv846.wav\n"
		m, err := Parse(strings.NewReader(src))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(m.Rows) != 2 {
			t.Fatalf("rows = %d, want 2 (invalid: %v)", len(m.Rows), m.Invalid)
		}
		r := m.Rows[0]
		if r.ID != "chopin_op28_4" || r.Start != 10 || r.End != 42.5 {
			t.Errorf("row 0 = %+v", r)
		}
		if r.Composer != "Chopin" || r.Pianist != "Argerich" || r.Movement != "No. 4 in E minor" {
			t.Errorf("metadata not captured: %+v", r)
		}
		if r.Extra["audio_filename"] != "chopin_op28_4.wav" {
			t.Errorf("Extra[audio_filename] = %q", r.Extra["audio_filename"])
		}
		if r.Line != 2 {
			t.Errorf("Line = %d, want 2", r.Line)
		}
		b := m.Rows[1]
		if b.Start != 5 || b.End != 62.25 {
			t.Errorf("clock timestamps parsed as %v-%v, want 5-62.25", b.Start, b.End)
		}
	})

	t.Run("header_aliases", func(t *testing.T) {
		src := "ID,URL,Start,End\nseg1,https://example.com/a,1,2\n"
		m, err := Parse(strings.NewReader(src))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(m.Rows) != 1 || m.Rows[0].ID != "seg1" {
			t.Fatalf("rows = %+v", m.Rows)
		}
	})

	t.Run("header_only", func(t *testing.T) {
		m, err := Parse(strings.NewReader(header))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(m.Rows) != 0 || len(m.Invalid) != 0 {
			t.Errorf("rows=%d invalid=%d, want 0/0", len(m.Rows), len(m.Invalid))
		}
	})

	t.Run("missing_required_column", func(t *testing.T) {
		_, err := Parse(strings.NewReader("piece_id,youtube_url,start_time\na,b,1\n"))
		if err == nil || !strings.Contains(err.Error(), "end_time") {
			t.Errorf("err = %v, want missing end_time", err)
		}
	})

	t.Run("empty_input", func(t *testing.T) {
		if _, err := Parse(strings.NewReader("")); err == nil {
			t.Error("expected error for empty input")
		}
	})

	t.Run("utf8_bom_header", func(t *testing.T) {
		src := "\ufeffpiece_id,youtube_url,start_time,end_time\na,https://x.test/v,0,1\n"
		m, err := Parse(strings.NewReader(src))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if len(m.Rows) != 1 {
			t.Errorf("rows = %d, want 1", len(m.Rows))
		}
	})
}

func TestParseRejectsInvalidRows(t *testing.T) {
	tests := []struct {
		name   string
		line   string
		reason string
	}{
		{"start_after_end", "a,https://x.test/v,10,5,,,,,", "not before end"},
		{"start_equals_end", "a,https://x.test/v,5,5,,,,,", "not before end"},
		{"negative_start", "a,https://x.test/v,-1,5,,,,,", "negative"},
		{"non_numeric_start", "a,https://x.test/v,soon,5,,,,,", "start"},
		{"non_numeric_end", "a,https://x.test/v,1,later,,,,,", "end"},
		{"nan_end", "a,https://x.test/v,1,NaN,,,,,", "end"},
		{"bad_clock", "a,https://x.test/v,1:75,2:00,,,,,", "start"},
		{"empty_id", ",https://x.test/v,1,2,,,,,", "empty identifier"},
		{"path_id", "../etc,https://x.test/v,1,2,,,,,", "file name"},
		{"empty_url", "a,,1,2,,,,,", "empty source URL"},
		{"short_row", "a,https://x.test/v,1", "expected 9 fields"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := header + tt.line + "\nok,https://x.test/ok,0,30,,,,,\n"
			m, err := Parse(strings.NewReader(src))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(m.Invalid) != 1 {
				t.Fatalf("invalid = %v, want exactly one", m.Invalid)
			}
			if !strings.Contains(m.Invalid[0].Reason, tt.reason) {
				t.Errorf("reason = %q, want mention of %q", m.Invalid[0].Reason, tt.reason)
			}
			if m.Invalid[0].Line != 2 {
				t.Errorf("Line = %d, want 2", m.Invalid[0].Line)
			}
			// Later rows are still parsed.
			if len(m.Rows) != 1 || m.Rows[0].ID != "ok" {
				t.Errorf("rows = %+v, want the trailing valid row", m.Rows)
			}
		})
	}
}

func TestParseDuplicateIdentifier(t *testing.T) {
	src := header +
		"a,https://x.test/1,0,10,,,,,\n" +
		"a,https://x.test/2,0,10,,,,,\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Rows) != 1 || m.Rows[0].URL != "https://x.test/1" {
		t.Errorf("rows = %+v, want first occurrence only", m.Rows)
	}
	if len(m.Invalid) != 1 || !strings.Contains(m.Invalid[0].Reason, "duplicate") {
		t.Errorf("invalid = %v, want duplicate", m.Invalid)
	}
}

func TestParseUnterminatedQuoteReportsSpan(t *testing.T) {
	src := header +
		"a,https://x.test/1,0,10,,,,,\n" +
		"b,\"https://x.test/2,0,10,,,,,\n" +
		"c,https://x.test/3,0,10,,,,,\n" +
		"d,https://x.test/4,0,10,,,,,\n"
	m, err := Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Rows) != 1 || m.Rows[0].ID != "a" {
		t.Errorf("rows = %+v, want only a", m.Rows)
	}
	if len(m.Invalid) != 1 {
		t.Fatalf("invalid = %v, want one error", m.Invalid)
	}
	pe := m.Invalid[0]
	if pe.Line != 3 {
		t.Errorf("Line = %d, want 3 (where the quote opened)", pe.Line)
	}
	if !strings.Contains(pe.Reason, "lines 3-5") || !strings.Contains(pe.Reason, "3 lines lost") {
		t.Errorf("Reason = %q, want the unreadable span", pe.Reason)
	}
}

func TestParseMalformedURLIsNotAParseError(t *testing.T) {
	m, err := Parse(strings.NewReader(header + "a,not a url,0,10,,,,,\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(m.Rows) != 1 {
		t.Errorf("rows = %d, want 1: URL problems surface at fetch time", len(m.Rows))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing_file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.csv"))
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("err = %v, want ErrNotExist", err)
		}
	})

	t.Run("all_rows_invalid", func(t *testing.T) {
		path := writeFile(t, dir, "bad.csv", header+"a,https://x.test,10,5,,,,,\n")
		_, err := Load(path)
		if !errors.Is(err, ErrNoValidRows) {
			t.Errorf("err = %v, want ErrNoValidRows", err)
		}
	})

	t.Run("header_only_is_not_fatal", func(t *testing.T) {
		path := writeFile(t, dir, "empty.csv", header)
		m, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(m.Rows) != 0 || m.Path != path {
			t.Errorf("manifest = %+v", m)
		}
	})

	t.Run("mixed", func(t *testing.T) {
		path := writeFile(t, dir, "mixed.csv", header+
			"a,https://x.test/a,0,10,,,,,\n"+
			"b,https://x.test/b,10,5,,,,,\n"+
			"c,https://x.test/c,3,9,,,,,\n")
		m, err := Load(path)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(m.Rows) != 2 || len(m.Invalid) != 1 {
			t.Errorf("rows=%d invalid=%d, want 2/1", len(m.Rows), len(m.Invalid))
		}
	})
}

func TestFilter(t *testing.T) {
	m, err := Parse(strings.NewReader(header +
		"a,https://x.test/a,0,10,,,,,\n" +
		"b,https://x.test/b,0,10,,,,,\n" +
		"c,https://x.test/c,10,5,,,,,\n" +
		"d,https://x.test/d,0,10,,,,,\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out, missing := m.Filter([]string{"d", " a ", "zzz", "c", "zzz"})
	if len(out.Rows) != 2 || out.Rows[0].ID != "a" || out.Rows[1].ID != "d" {
		t.Errorf("rows = %+v, want [a d] in manifest order", out.Rows)
	}
	if len(out.Invalid) != 1 || out.Invalid[0].ID != "c" {
		t.Errorf("invalid = %v, want c", out.Invalid)
	}
	if len(missing) != 1 || missing[0] != "zzz" {
		t.Errorf("missing = %v, want [zzz]", missing)
	}
}

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"0", 0, false},
		{"12.5", 12.5, false},
		{"1:15", 75, false},
		{"01:02:03.5", 3723.5, false},
		{"", 0, true},
		{"abc", 0, true},
		{"1:2:3:4", 0, true},
		{"1:60", 0, true},
		{"Inf", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseTimestamp(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseTimestamp(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSafeID(t *testing.T) {
	for id, want := range map[string]bool{
		"chopin_op28_4": true,
		"Op. 10 No. 3":  true,
		"":              false,
		".":             false,
		"..":            false,
		"a/b":           false,
		`a\b`:           false,
	} {
		if got := SafeID(id); got != want {
			t.Errorf("SafeID(%q) = %v, want %v", id, got, want)
		}
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
