package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func startWatcher(t *testing.T, path string, fn func(context.Context)) (*Watcher, context.CancelFunc, <-chan error) {
	t.Helper()
	w, err := New(path, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx, fn) }()

	select {
	case <-w.watching:
	case err := <-errc:
		t.Fatalf("Run: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher never became ready")
	}
	return w, cancel, errc
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pieces.csv")
	if err := os.WriteFile(path, []byte("piece_id,youtube_url,start_time,end_time\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	w, cancel, errc := startWatcher(t, path, func(context.Context) { calls.Add(1) })
	defer cancel()

	// A burst of writes inside the debounce window is one run.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(path, []byte("piece_id,youtube_url,start_time,end_time\na,https://youtu.be/a,0,10\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })

	// Let any straggling timer fire, then confirm no extra run happened.
	time.Sleep(150 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("calls after burst = %d, want 1", got)
	}

	// A later change triggers another run.
	if err := os.WriteFile(path, []byte("changed\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() == 2 })
	if w.Runs() != 2 {
		t.Errorf("Runs = %d, want 2", w.Runs())
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Run did not return after cancel")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pieces.csv")
	if err := os.WriteFile(path, []byte("x\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	_, cancel, _ := startWatcher(t, path, func(context.Context) { calls.Add(1) })
	defer cancel()

	if err := os.WriteFile(filepath.Join(dir, "other.csv"), []byte("y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("calls = %d, want 0 for unrelated file", got)
	}
}

func TestWatcherSeesRenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pieces.csv")
	if err := os.WriteFile(path, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var calls atomic.Int64
	_, cancel, _ := startWatcher(t, path, func(context.Context) { calls.Add(1) })
	defer cancel()

	tmp := filepath.Join(dir, ".pieces.csv.swp")
	if err := os.WriteFile(tmp, []byte("new\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return calls.Load() == 1 })
}

func TestWatcherMissingDirectory(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "nope", "pieces.csv"), 0, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Run(context.Background(), func(context.Context) {}); err == nil {
		t.Error("expected error watching a missing directory")
	}
}

func TestScheduleDropsStaleTimer(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "pieces.csv"), 20*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	trigger := make(chan struct{}, 2)

	w.schedule(trigger)

	// Let the timer fire while its callback is blocked on mu, then schedule
	// again before the callback gets the lock.
	w.mu.Lock()
	time.Sleep(60 * time.Millisecond)
	w.scheduleLocked(trigger)
	w.mu.Unlock()

	time.Sleep(120 * time.Millisecond)
	if got := len(trigger); got != 1 {
		t.Errorf("queued runs = %d, want 1", got)
	}
}
