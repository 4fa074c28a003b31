package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/classicap/classicap-dl/internal/config"
	"github.com/rs/zerolog"
)

// fakeRemote is an in-memory stand-in for S3Store.
type fakeRemote struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	puts    int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{objects: make(map[string][]byte)}
}

func (f *fakeRemote) Put(ctx context.Context, key, srcPath, ct string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return f.putErr
	}
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

func (f *fakeRemote) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeRemote) Exists(ctx context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeRemote) get(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "audio") // created on first Put
	s := NewLocalStore(dir)

	if s.Exists(ctx, "a.wav") {
		t.Fatal("Exists before Put")
	}
	if s.LocalPath("a.wav") != "" {
		t.Fatal("LocalPath before Put should be empty")
	}

	src := writeTemp(t, "RIFF-segment-data")
	if err := s.Put(ctx, "a.wav", src, ContentTypeWAV); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !s.Exists(ctx, "a.wav") {
		t.Error("Exists after Put = false")
	}
	if got := s.LocalPath("a.wav"); got != filepath.Join(dir, "a.wav") {
		t.Errorf("LocalPath = %q", got)
	}

	r, err := s.Open(ctx, "a.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "RIFF-segment-data" {
		t.Errorf("content = %q", data)
	}

	// No temp files left behind.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
	if s.Type() != "local" {
		t.Errorf("Type = %q", s.Type())
	}
}

func TestLocalStoreOverwrite(t *testing.T) {
	ctx := context.Background()
	s := NewLocalStore(t.TempDir())
	if err := s.Put(ctx, "a.wav", writeTemp(t, "first"), ContentTypeWAV); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, "a.wav", writeTemp(t, "second"), ContentTypeWAV); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(s.LocalPath("a.wav"))
	if string(data) != "second" {
		t.Errorf("content = %q, want second", data)
	}
}

func TestLocalStorePutMissingSource(t *testing.T) {
	s := NewLocalStore(t.TempDir())
	err := s.Put(context.Background(), "a.wav", filepath.Join(t.TempDir(), "missing"), ContentTypeWAV)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
	if s.Exists(context.Background(), "a.wav") {
		t.Error("segment must not exist after failed Put")
	}
}

func TestLocalStoreExistsIgnoresDirectories(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "x.wav"), 0o755); err != nil {
		t.Fatal(err)
	}
	if NewLocalStore(dir).Exists(context.Background(), "x.wav") {
		t.Error("a directory named like a segment is not a segment")
	}
}

func TestTieredStoreSyncMirror(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	s := NewTieredStore(remote, NewLocalStore(t.TempDir()), nil, zerolog.Nop())

	if err := s.Put(ctx, "a.wav", writeTemp(t, "pcm"), ContentTypeWAV); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if data, ok := remote.get("a.wav"); !ok || string(data) != "pcm" {
		t.Errorf("remote object = %q, %v", data, ok)
	}
	if s.Type() != "tiered" {
		t.Errorf("Type = %q", s.Type())
	}
}

func TestTieredStoreRemoteFailureIsNotFatal(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.putErr = errors.New("s3 down")
	s := NewTieredStore(remote, NewLocalStore(t.TempDir()), nil, zerolog.Nop())

	if err := s.Put(ctx, "a.wav", writeTemp(t, "pcm"), ContentTypeWAV); err != nil {
		t.Fatalf("Put should succeed when only the mirror fails: %v", err)
	}
	if !s.Exists(ctx, "a.wav") {
		t.Error("segment should exist locally")
	}
}

func TestTieredStoreRestoresFromRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.objects["a.wav"] = []byte("from-s3")
	local := NewLocalStore(t.TempDir())
	s := NewTieredStore(remote, local, nil, zerolog.Nop())

	if !s.Exists(ctx, "a.wav") {
		t.Fatal("Exists = false, want true for remote-only segment")
	}
	data, err := os.ReadFile(local.LocalPath("a.wav"))
	if err != nil || string(data) != "from-s3" {
		t.Errorf("restored content = %q, %v", data, err)
	}

	if s.Exists(ctx, "missing.wav") {
		t.Error("Exists = true for a segment in neither backend")
	}
}

func TestTieredStoreOpenFallsBackToRemote(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.objects["b.wav"] = []byte("remote-only")
	s := NewTieredStore(remote, NewLocalStore(t.TempDir()), nil, zerolog.Nop())

	r, err := s.Open(ctx, "b.wav")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	data, _ := io.ReadAll(r)
	r.Close()
	if string(data) != "remote-only" {
		t.Errorf("content = %q", data)
	}
	if s.LocalPath("b.wav") == "" {
		t.Error("segment should be cached locally after Open")
	}
}

func TestAsyncUploaderDrainsOnStop(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	local := NewLocalStore(t.TempDir())
	u := NewAsyncUploader(remote, local, 16, zerolog.Nop())
	s := NewTieredStore(remote, local, u, zerolog.Nop())
	u.Start(2)

	for _, key := range []string{"a.wav", "b.wav", "c.wav"} {
		if err := s.Put(ctx, key, writeTemp(t, key), ContentTypeWAV); err != nil {
			t.Fatalf("Put %s: %v", key, err)
		}
	}
	u.Stop()

	uploaded, failed, dropped := u.Stats()
	if uploaded != 3 || failed != 0 || dropped != 0 {
		t.Errorf("stats = %d/%d/%d, want 3/0/0", uploaded, failed, dropped)
	}
	for _, key := range []string{"a.wav", "b.wav", "c.wav"} {
		if _, ok := remote.get(key); !ok {
			t.Errorf("%s not mirrored", key)
		}
	}

	// Enqueue after Stop is dropped, not a panic on a closed channel.
	u.Enqueue("late.wav", ContentTypeWAV)
	if _, _, dropped := u.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestAsyncUploaderQueueFull(t *testing.T) {
	u := NewAsyncUploader(newFakeRemote(), NewLocalStore(t.TempDir()), 1, zerolog.Nop())
	// No workers started: the second job cannot be buffered.
	u.Enqueue("a.wav", ContentTypeWAV)
	u.Enqueue("b.wav", ContentTypeWAV)
	if _, _, dropped := u.Stats(); dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestNewLocalOnly(t *testing.T) {
	dir := t.TempDir()
	store, uploader, err := New(config.S3Config{}, dir, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if store.Type() != "local" || uploader != nil {
		t.Errorf("store=%s uploader=%v, want local/nil", store.Type(), uploader)
	}
}

func TestNewCreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data", "audio")
	if _, _, err := New(config.S3Config{}, dir, zerolog.Nop()); err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("output dir not created: %v", err)
	}
}

func TestNewRejectsUnusableOutputDir(t *testing.T) {
	file := writeTemp(t, "not a directory")
	if _, _, err := New(config.S3Config{}, file, zerolog.Nop()); err == nil {
		t.Fatal("expected error when the output path is a regular file")
	}
	if _, _, err := New(config.S3Config{}, filepath.Join(file, "audio"), zerolog.Nop()); err == nil {
		t.Fatal("expected error when the output path is under a regular file")
	}
}

func TestReconcileRemirrorsFailedUploads(t *testing.T) {
	ctx := context.Background()
	remote := newFakeRemote()
	remote.putErr = errors.New("s3 down")
	local := NewLocalStore(t.TempDir())
	u := NewAsyncUploader(remote, local, 16, zerolog.Nop())
	s := NewTieredStore(remote, local, u, zerolog.Nop())
	u.Start(1)

	if err := s.Put(ctx, "a.wav", writeTemp(t, "pcm-a"), ContentTypeWAV); err != nil {
		t.Fatal(err)
	}
	u.Stop()
	if _, failed, _ := u.Stats(); failed != 1 {
		t.Fatalf("failed uploads = %d, want 1", failed)
	}

	// The next run sees the segment locally and never uploads it again.
	remote.mu.Lock()
	remote.putErr = nil
	remote.mu.Unlock()
	if !s.Exists(ctx, "a.wav") {
		t.Fatal("segment should exist locally")
	}
	if _, ok := remote.get("a.wav"); ok {
		t.Fatal("remote should not have the segment yet")
	}

	st, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Checked != 1 || st.Uploaded != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v, want 1 checked, 1 uploaded", st)
	}
	if data, ok := remote.get("a.wav"); !ok || string(data) != "pcm-a" {
		t.Errorf("remote a.wav = %q, %v", data, ok)
	}

	// A second pass finds nothing to do.
	st, _ = s.Reconcile(ctx)
	if st.Uploaded != 0 || st.Checked != 1 {
		t.Errorf("second pass stats = %+v", st)
	}
}

func TestReconcileSkipsQueuedAndForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	remote := newFakeRemote()
	local := NewLocalStore(dir)
	// No workers: enqueued keys stay pending.
	u := NewAsyncUploader(remote, local, 16, zerolog.Nop())
	s := NewTieredStore(remote, local, u, zerolog.Nop())

	if err := s.Put(ctx, "queued.wav", writeTemp(t, "q"), ContentTypeWAV); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"notes.txt", ".segment-123.tmp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.wav"), 0o755); err != nil {
		t.Fatal(err)
	}

	st, err := s.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if st.Checked != 0 || st.Uploaded != 0 {
		t.Errorf("stats = %+v, want nothing checked", st)
	}
	if remote.puts != 0 {
		t.Errorf("puts = %d, want 0", remote.puts)
	}
}

func TestReconcileMissingDir(t *testing.T) {
	s := NewTieredStore(newFakeRemote(), NewLocalStore(filepath.Join(t.TempDir(), "absent")), nil, zerolog.Nop())
	if _, err := s.Reconcile(context.Background()); err != nil {
		t.Errorf("Reconcile on a missing dir: %v", err)
	}
}

func TestObjectKey(t *testing.T) {
	if got := objectKey("", "a.wav"); got != "segments/a.wav" {
		t.Errorf("objectKey = %q", got)
	}
	if got := objectKey("classicap/v1", "a.wav"); got != "classicap/v1/segments/a.wav" {
		t.Errorf("objectKey = %q", got)
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "src.wav")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
