package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "classicap"

// HTTP metrics, incremented by middleware.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed by the status server.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

// Acquisition metrics (incremented from the acquirer's outcome callback).
var (
	SegmentsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "segments_total",
		Help:      "Manifest rows processed, by final status.",
	}, []string{"status"})

	RowErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "row_errors_total",
		Help:      "Failed rows by error kind (fetch, clip, write, other).",
	}, []string{"kind"})

	FetchAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fetch_attempts_total",
		Help:      "Total yt-dlp fetch attempts, including retries.",
	})

	IntegrityRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_retries_total",
		Help:      "Rows re-acquired by the integrity pass.",
	})

	SegmentSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_processing_seconds",
		Help:      "Wall time to fetch, clip and store one segment.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s → ~17min
	})

	SegmentBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "segment_size_bytes",
		Help:      "Size of stored segments in bytes.",
		Buckets:   prometheus.ExponentialBuckets(100<<10, 2, 10), // 100KiB → ~50MiB
	})

	LastRunTimestamp = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_finished_timestamp_seconds",
		Help:      "Unix time the last acquisition run finished.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SegmentsTotal,
		RowErrorsTotal,
		FetchAttemptsTotal,
		IntegrityRetriesTotal,
		SegmentSeconds,
		SegmentBytes,
		LastRunTimestamp,
	)
}

// ObserveOutcome records one row outcome.
func ObserveOutcome(o acquire.Outcome) {
	SegmentsTotal.WithLabelValues(string(o.Status)).Inc()
	FetchAttemptsTotal.Add(float64(o.Attempts))
	if o.IntegrityRetry {
		IntegrityRetriesTotal.Inc()
	}
	switch o.Status {
	case acquire.StatusSucceeded:
		SegmentSeconds.Observe(o.Duration.Seconds())
		SegmentBytes.Observe(float64(o.Bytes))
	case acquire.StatusFailed:
		RowErrorsTotal.WithLabelValues(o.ErrorKind()).Inc()
	}
}

// ObserveSummary records the end of a run.
func ObserveSummary(s *acquire.Summary) {
	t := s.FinishedAt
	if t.IsZero() {
		t = time.Now()
	}
	LastRunTimestamp.Set(float64(t.Unix()))
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Push sends the default registry to a Prometheus Pushgateway. A batch run
// exits before any scrape, so this is how its metrics survive. Counters are
// cumulative for the process, so the group is keyed by instance and each push
// replaces the previous one.
func Push(ctx context.Context, url, instance string) error {
	return push.New(url, "classicap_dl").
		Gatherer(prometheus.DefaultGatherer).
		Grouping("instance", instance).
		PushContext(ctx)
}

// InstrumentHandler returns middleware that records HTTP request metrics.
// It uses chi's route pattern as the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			pattern = rctx.RoutePattern()
		}
		status := strconv.Itoa(sw.status)

		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
