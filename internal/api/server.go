// Package api serves the optional status HTTP endpoint of a running
// acquisition.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/classicap/classicap-dl/internal/metrics"
	"github.com/classicap/classicap-dl/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Options struct {
	Addr     string
	Token    string
	Version  string
	State    *RunState
	Outcomes *OutcomeLog
	Store    storage.SegmentStore
	History  RunHistory // nil without a database
	Checks   map[string]HealthCheck
	Log      zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewRouter builds the status API routes.
func NewRouter(opts Options, startTime time.Time) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)

	// Health and metrics: no auth
	r.Get("/api/v1/health", NewHealthHandler(opts.Checks, opts.Version, startTime).ServeHTTP)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(opts.Token))

		if opts.State != nil {
			r.Get("/api/v1/run", opts.State.handleGet)
		}
		if opts.Outcomes != nil {
			r.Get("/api/v1/outcomes", opts.Outcomes.handleList)
			r.Get("/api/v1/outcomes/{id}", opts.Outcomes.handleGet)
		}
		if opts.Store != nil {
			r.Get("/api/v1/segments/{id}", segmentsHandler{store: opts.Store}.get)
		}
		if opts.History != nil {
			r.Get("/api/v1/runs", runsHandler{history: opts.History}.list)
		}
	})

	return r
}

func NewServer(opts Options) *Server {
	return &Server{
		http: &http.Server{
			Addr:         opts.Addr,
			Handler:      NewRouter(opts, time.Now()),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		log: opts.Log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
