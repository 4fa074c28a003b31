package storage

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
)

// remoteStore is the subset of S3Store the tiered store and uploader need.
type remoteStore interface {
	Put(ctx context.Context, key, srcPath, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) bool
}

// TieredStore combines the local output directory (source of truth) with S3
// (mirror). Write path: save locally first, then mirror to S3 through the
// async uploader. Read path: local first, S3 fallback with cache-on-read.
type TieredStore struct {
	remote   remoteStore
	local    *LocalStore
	uploader *AsyncUploader
	log      zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + S3-mirror store. A nil
// uploader mirrors synchronously.
func NewTieredStore(remote remoteStore, local *LocalStore, uploader *AsyncUploader, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		remote:   remote,
		local:    local,
		uploader: uploader,
		log:      log.With().Str("component", "tiered-store").Logger(),
	}
}

// Put writes to local disk first (fatal on failure), then mirrors to S3
// (warning on failure).
func (s *TieredStore) Put(ctx context.Context, key, srcPath, ct string) error {
	if err := s.local.Put(ctx, key, srcPath, ct); err != nil {
		return err
	}
	if s.uploader != nil {
		s.uploader.Enqueue(key, ct)
		return nil
	}
	if err := s.remote.Put(ctx, key, s.local.LocalPath(key), ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("S3 mirror write failed")
	}
	return nil
}

func (s *TieredStore) LocalPath(key string) string {
	return s.local.LocalPath(key)
}

// Open returns a reader for the segment. Checks local disk first, then falls
// back to S3. On S3 hit, the file is cached locally for future reads.
func (s *TieredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.local.Open(ctx, key); err == nil {
		return r, nil
	}
	if err := s.restore(ctx, key); err != nil {
		return nil, err
	}
	return s.local.Open(ctx, key)
}

// Exists reports whether the segment is present locally. A segment that only
// exists in S3 is restored into the output directory first, so a re-run on a
// fresh machine repopulates the output without re-fetching from the source.
func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	if !s.remote.Exists(ctx, key) {
		return false
	}
	if err := s.restore(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to restore segment from S3")
		return false
	}
	return true
}

func (s *TieredStore) Type() string { return "tiered" }

func (s *TieredStore) restore(ctx context.Context, key string) error {
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return err
	}
	defer r.Close()

	tmp, err := os.CreateTemp("", "classicap-restore-*.wav")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := s.local.Put(ctx, key, tmp.Name(), ContentTypeWAV); err != nil {
		return err
	}
	s.log.Debug().Str("key", key).Msg("segment restored from S3")
	return nil
}
