package api

import (
	"context"
	"io"
	"net/http"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/classicap/classicap-dl/internal/manifest"
	"github.com/classicap/classicap-dl/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// presigner is implemented by stores that can hand out direct download URLs.
type presigner interface {
	URL(ctx context.Context, key string) (string, error)
}

type segmentsHandler struct {
	store storage.SegmentStore
}

// get serves an acquired segment. S3-only stores redirect to a presigned
// URL; local and tiered stores stream the file.
func (h segmentsHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !manifest.SafeID(id) {
		WriteError(w, http.StatusBadRequest, "invalid identifier")
		return
	}
	key := acquire.Key(id)

	if h.store.LocalPath(key) != "" {
		http.ServeFile(w, r, h.store.LocalPath(key))
		return
	}
	if !h.store.Exists(r.Context(), key) {
		WriteError(w, http.StatusNotFound, "segment not found")
		return
	}
	if p, ok := h.store.(presigner); ok {
		url, err := p.URL(r.Context(), key)
		if err == nil {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("presign failed, streaming instead")
	}

	rc, err := h.store.Open(r.Context(), key)
	if err != nil {
		WriteErrorDetail(w, http.StatusInternalServerError, "failed to open segment", err.Error())
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", storage.ContentTypeWAV)
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
