package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/classicap/classicap-dl/internal/config"
	"github.com/rs/zerolog"
)

// ContentTypeWAV is the content type of acquired segments.
const ContentTypeWAV = "audio/wav"

// SegmentStore abstracts where acquired segments are kept.
type SegmentStore interface {
	// Put stores the file at srcPath under key ("<identifier>.wav").
	// The segment becomes visible under key only once fully written.
	Put(ctx context.Context, key, srcPath, contentType string) error

	// LocalPath returns the local filesystem path if the segment exists on disk.
	// Returns "" if not available locally.
	LocalPath(key string) string

	// Open returns a reader for the segment.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists checks if a segment exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local", "s3", or "tiered".
	Type() string
}

// New creates a SegmentStore based on config. The returned uploader is nil
// unless tiered mode is active; the caller must Start it and Stop it before
// exiting so queued S3 uploads drain.
// The output directory is created unless segments go to S3 only.
// Returns an error if the output directory is unusable or S3 is configured
// but unreachable.
func New(cfg config.S3Config, outputDir string, log zerolog.Logger) (SegmentStore, *AsyncUploader, error) {
	if !cfg.Enabled() || cfg.LocalCache {
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create output dir: %w", err)
		}
	}
	if !cfg.Enabled() {
		return NewLocalStore(outputDir), nil, nil
	}

	s3store, err := NewS3Store(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	if !cfg.LocalCache {
		return s3store, nil, nil
	}

	// Tiered mode: local primary + async S3 mirror
	local := NewLocalStore(outputDir)
	uploader := NewAsyncUploader(s3store, local, 256, log)
	return NewTieredStore(s3store, local, uploader, log), uploader, nil
}
