package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ReconcileStats counts the work of one reconcile pass.
type ReconcileStats struct {
	Checked  int
	Uploaded int
	Failed   int
}

// Reconcile scans the output directory for segments missing from S3 and
// uploads them. It picks up async uploads that failed, were dropped from a
// full queue, or were lost to a crash. Keys still queued in the uploader are
// left to it.
func (s *TieredStore) Reconcile(ctx context.Context) (ReconcileStats, error) {
	var st ReconcileStats

	entries, err := os.ReadDir(s.local.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("read output dir: %w", err)
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return st, ctx.Err()
		}
		name := e.Name()
		if e.IsDir() || !strings.EqualFold(filepath.Ext(name), ".wav") || strings.HasPrefix(name, ".") {
			continue
		}
		if s.uploader != nil && s.uploader.pending(name) {
			continue
		}
		st.Checked++

		headCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		exists := s.remote.Exists(headCtx, name)
		cancel()
		if exists {
			continue
		}

		putCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		err := s.remote.Put(putCtx, name, filepath.Join(s.local.dir, name), ContentTypeWAV)
		cancel()
		if err != nil {
			st.Failed++
			s.log.Warn().Err(err).Str("key", name).Msg("reconcile upload failed")
			continue
		}
		st.Uploaded++
	}

	if st.Uploaded > 0 || st.Failed > 0 {
		s.log.Info().
			Int("uploaded", st.Uploaded).
			Int("failed", st.Failed).
			Int("checked", st.Checked).
			Msg("reconcile complete")
	}
	return st, nil
}
