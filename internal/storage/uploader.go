package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// AsyncUploader mirrors segments to S3 in the background so workers are not
// blocked on object-store latency. Segments are already in the local output
// directory before being enqueued here.
type AsyncUploader struct {
	remote   remoteStore
	local    *LocalStore
	ch       chan uploadJob
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopped  atomic.Bool
	stopOnce sync.Once
	queued   sync.Map // key -> struct{}, until a worker finishes it

	uploaded atomic.Int64
	failed   atomic.Int64
	dropped  atomic.Int64
}

type uploadJob struct {
	key         string
	contentType string
}

// NewAsyncUploader creates an async S3 uploader with the given buffer size.
func NewAsyncUploader(remote remoteStore, local *LocalStore, bufferSize int, log zerolog.Logger) *AsyncUploader {
	return &AsyncUploader{
		remote: remote,
		local:  local,
		ch:     make(chan uploadJob, bufferSize),
		log:    log.With().Str("component", "async-uploader").Logger(),
	}
}

// Enqueue adds an upload job. Non-blocking: drops with a warning if the queue
// is full or the uploader is stopped. Dropped and failed uploads are retried
// by TieredStore.Reconcile.
func (u *AsyncUploader) Enqueue(key, contentType string) {
	if u.stopped.Load() {
		u.dropped.Add(1)
		return
	}
	u.queued.Store(key, struct{}{})
	select {
	case u.ch <- uploadJob{key: key, contentType: contentType}:
	default:
		u.queued.Delete(key)
		u.dropped.Add(1)
		u.log.Warn().Str("key", key).Msg("upload queue full, skipping S3 mirror (segment safe on disk)")
	}
}

// Start launches worker goroutines.
func (u *AsyncUploader) Start(workers int) {
	for i := 0; i < workers; i++ {
		u.wg.Add(1)
		go u.worker()
	}
	u.log.Info().Int("workers", workers).Int("buffer", cap(u.ch)).Msg("async uploader started")
}

// Stop closes the queue and waits for queued uploads to finish.
func (u *AsyncUploader) Stop() {
	u.stopped.Store(true)
	u.stopOnce.Do(func() { close(u.ch) })
	u.wg.Wait()
	u.log.Info().
		Int64("uploaded", u.uploaded.Load()).
		Int64("failed", u.failed.Load()).
		Int64("dropped", u.dropped.Load()).
		Msg("async uploader stopped")
}

// Stats returns uploaded, failed and dropped counts.
func (u *AsyncUploader) Stats() (uploaded, failed, dropped int64) {
	return u.uploaded.Load(), u.failed.Load(), u.dropped.Load()
}

// pending reports whether key is queued or being uploaded.
func (u *AsyncUploader) pending(key string) bool {
	_, ok := u.queued.Load(key)
	return ok
}

func (u *AsyncUploader) worker() {
	defer u.wg.Done()
	for job := range u.ch {
		u.upload(job)
		u.queued.Delete(job.key)
	}
}

func (u *AsyncUploader) upload(job uploadJob) {
	path := u.local.LocalPath(job.key)
	if path == "" {
		u.failed.Add(1)
		u.log.Error().Str("key", job.key).Msg("segment vanished before upload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := u.remote.Put(ctx, job.key, path, job.contentType); err != nil {
		u.failed.Add(1)
		u.log.Error().Err(err).Str("key", job.key).Msg("async S3 upload failed (segment safe on disk)")
		return
	}
	u.uploaded.Add(1)
}
