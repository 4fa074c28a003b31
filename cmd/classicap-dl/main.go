package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/classicap/classicap-dl/internal/api"
	"github.com/classicap/classicap-dl/internal/config"
	"github.com/classicap/classicap-dl/internal/database"
	"github.com/classicap/classicap-dl/internal/manifest"
	"github.com/classicap/classicap-dl/internal/media"
	"github.com/classicap/classicap-dl/internal/metrics"
	"github.com/classicap/classicap-dl/internal/notify"
	"github.com/classicap/classicap-dl/internal/storage"
	"github.com/classicap/classicap-dl/internal/watch"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var version = "dev"

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1 // at least one row failed
	exitFatal  = 2 // configuration, manifest or startup error
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		manifestPath = flag.String("manifest", "", "Manifest CSV path (or MANIFEST_PATH)")
		outputDir    = flag.String("output", "", "Output directory for segments (or OUTPUT_DIR)")
		workers      = flag.Int("workers", 0, "Parallel downloads (or WORKERS, default 1)")
		ids          = flag.String("ids", "", "Comma-separated identifiers to acquire (default: all rows)")
		overwrite    = flag.Bool("overwrite", false, "Re-acquire segments that already exist")
		envFile      = flag.String("env-file", "", "Path to .env file (default .env)")
		logLevel     = flag.String("log-level", "", "Log level: debug, info, warn, error (or LOG_LEVEL)")
		watchMode    = flag.Bool("watch", false, "Keep running and re-acquire when the manifest changes")
		checkOnly    = flag.Bool("check", false, "Check yt-dlp and ffmpeg, then exit")
		showVersion  = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("classicap-dl", version)
		return exitOK
	}

	// Config
	cfg, err := config.Load(config.Overrides{
		EnvFile:      *envFile,
		ManifestPath: *manifestPath,
		OutputDir:    *outputDir,
		Workers:      *workers,
		Overwrite:    *overwrite,
		LogLevel:     *logLevel,
	})
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("failed to load config")
		return exitFatal
	}

	log := newLogger(cfg, os.Stderr)

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !*checkOnly {
		if err := cfg.Validate(); err != nil {
			log.Error().Err(err).Msg("invalid configuration")
			return exitFatal
		}
	}

	// External tools
	ytdlpPath, err := media.EnsureYTDLP(ctx, cfg.YTDLPPath, cfg.YTDLPAutoInstall, log.With().Str("component", "media").Logger())
	if err != nil && !*checkOnly {
		log.Error().Err(err).Msg("yt-dlp unavailable")
		return exitFatal
	}
	tools, err := media.CheckDependencies(ctx, ytdlpPath, cfg.FFmpegPath)
	for _, t := range tools {
		log.Info().Str("tool", t.Name).Str("path", t.Path).Str("version", t.Version).Msg("dependency found")
	}
	if err != nil {
		log.Error().Err(err).Msg("dependency check failed")
		return exitFatal
	}
	if *checkOnly {
		return exitOK
	}

	log.Info().
		Str("version", version).
		Str("manifest", cfg.ManifestPath).
		Str("output", cfg.OutputDir).
		Int("workers", cfg.Workers).
		Str("policy", cfg.ExistingPolicy).
		Msg("classicap-dl starting")

	// Segment store
	storeLog := log.With().Str("component", "store").Logger()
	store, uploader, err := storage.New(cfg.S3, cfg.OutputDir, storeLog)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize segment store")
		return exitFatal
	}
	var uploads metrics.UploadStats
	if uploader != nil {
		uploader.Start(cfg.S3.UploadWorkers)
		defer uploader.Stop()
		uploads = uploader
	}
	log.Info().Str("type", store.Type()).Msg("segment store ready")

	// Run ledger
	var db *database.DB
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "ledger").Logger()
		db, err = database.Connect(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect to database")
			return exitFatal
		}
		defer db.Close()
		if err := db.InitSchema(ctx); err != nil {
			log.Error().Err(err).Msg("failed to initialize schema")
			return exitFatal
		}
		if err := db.Migrate(ctx); err != nil {
			var me *database.MigrationError
			if errors.As(err, &me) {
				fmt.Fprintln(os.Stderr, me.Error())
			}
			log.Error().Err(err).Msg("schema migration failed")
			return exitFatal
		}
	}

	// Event publisher
	var mq *notify.Client
	if cfg.MQTTBrokerURL != "" {
		mqttLog := log.With().Str("component", "mqtt").Logger()
		mq, err = notify.Connect(notify.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			Log:         mqttLog,
		})
		if err != nil {
			log.Warn().Err(err).Msg("mqtt unavailable, outcome events disabled")
			mq = nil
		} else {
			defer mq.Close()
		}
	}

	state := api.NewRunState()
	outcomes := api.NewOutcomeLog(0)

	sources := metrics.Sources{Run: state, Uploads: uploads}
	var ledger *database.Ledger
	var history api.RunHistory
	if db != nil {
		ledger = database.NewLedger(db, log.With().Str("component", "ledger").Logger())
		history = db
		sources.Pool = db.Pool
		sources.Ledger = ledger
	}
	if mq != nil {
		sources.Events = mq
	}
	prometheus.MustRegister(metrics.NewCollector(sources))

	// Status server
	if cfg.StatusAddr != "" {
		srv := api.NewServer(api.Options{
			Addr:     cfg.StatusAddr,
			Token:    cfg.StatusToken,
			Version:  version,
			State:    state,
			Outcomes: outcomes,
			Store:    store,
			History:  history,
			Checks:   healthChecks(cfg, db, mq),
			Log:      log.With().Str("component", "http").Logger(),
		})
		go func() {
			if err := srv.Start(); err != nil {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http server shutdown error")
			}
		}()
	}

	r := &runner{
		cfg:      cfg,
		ids:      splitIDs(*ids),
		store:    store,
		fetcher:  media.NewYTDLP(ytdlpPath, log.With().Str("component", "media").Logger()),
		clipper:  &media.FFmpeg{Path: cfg.FFmpegPath, SampleRate: cfg.SampleRate, Channels: cfg.Channels, Fade: cfg.FadeDuration},
		ledger:   ledger,
		mq:       mq,
		state:    state,
		outcomes: outcomes,
		instance: instanceName(),
		out:      os.Stdout,
		log:      log,
	}
	if t, ok := store.(*storage.TieredStore); ok {
		r.mirror = t
	}

	code := r.once(ctx)
	if !*watchMode {
		return code
	}

	w, err := watch.New(cfg.ManifestPath, watch.DefaultDebounce, log.With().Str("component", "watcher").Logger())
	if err != nil {
		log.Error().Err(err).Msg("failed to watch manifest")
		return exitFatal
	}
	if err := w.Run(ctx, func(ctx context.Context) { r.once(ctx) }); err != nil {
		log.Error().Err(err).Msg("manifest watcher failed")
		return exitFatal
	}
	log.Info().Int64("reruns", w.Runs()).Msg("classicap-dl stopped")
	return exitOK
}

// mirror re-uploads segments missing from the S3 mirror.
type mirror interface {
	Reconcile(ctx context.Context) (storage.ReconcileStats, error)
}

// runner performs one acquisition pass over the manifest.
type runner struct {
	cfg      *config.Config
	ids      []string
	store    storage.SegmentStore
	mirror   mirror // nil unless the store is tiered
	fetcher  media.Fetcher
	clipper  media.Clipper
	ledger   *database.Ledger
	mq       *notify.Client
	state    *api.RunState
	outcomes *api.OutcomeLog
	instance string
	out      io.Writer
	log      zerolog.Logger
}

func (r *runner) once(ctx context.Context) int {
	runID := uuid.NewString()
	log := r.log.With().Str("run_id", runID).Logger()

	m, err := manifest.Load(r.cfg.ManifestPath)
	if err != nil {
		log.Error().Err(err).Str("manifest", r.cfg.ManifestPath).Msg("failed to load manifest")
		return exitFatal
	}
	filtered := len(r.ids) > 0
	if filtered {
		var missing []string
		m, missing = m.Filter(r.ids)
		if len(missing) > 0 {
			log.Warn().Strs("ids", missing).Msg("identifiers not found in manifest")
		}
	}

	recording := false
	if r.ledger != nil {
		err := r.ledger.Begin(ctx, database.RunRow{
			RunID:     runID,
			Manifest:  r.cfg.ManifestPath,
			Output:    r.cfg.OutputDir,
			StoreType: r.store.Type(),
			Workers:   r.cfg.Workers,
			StartedAt: time.Now(),
		})
		if err != nil {
			log.Warn().Err(err).Msg("failed to record run, ledger disabled for this run")
		} else {
			recording = true
		}
	}

	r.outcomes.Reset()
	a := acquire.New(acquire.Options{
		Store:          r.store,
		Fetcher:        r.fetcher,
		Clipper:        r.clipper,
		RunID:          runID,
		Workers:        r.cfg.Workers,
		Policy:         acquire.Policy(r.cfg.ExistingPolicy),
		RowTimeout:     r.cfg.RowTimeout,
		RetryAttempts:  r.cfg.RetryAttempts,
		RetryBackoff:   r.cfg.RetryBackoff,
		MinBytes:       r.cfg.MinOutputBytes,
		IntegrityCheck: r.cfg.IntegrityCheck && !filtered,
		OnOutcome: func(o acquire.Outcome) {
			metrics.ObserveOutcome(o)
			r.outcomes.Record(o)
			if recording {
				r.ledger.Record(o)
			}
			if r.mq != nil {
				r.mq.PublishOutcome(o)
			}
		},
		Log: log.With().Str("component", "acquirer").Logger(),
	})

	r.state.Begin(a, r.cfg.ManifestPath)
	s := a.Run(ctx, m)
	r.state.End(s)
	metrics.ObserveSummary(s)
	s.Print(r.out)

	if r.mirror != nil && ctx.Err() == nil {
		if _, err := r.mirror.Reconcile(ctx); err != nil {
			log.Warn().Err(err).Msg("S3 mirror reconcile failed")
		}
	}

	// Reporting must finish even when ctx was cancelled mid-run.
	reportCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if recording {
		if err := r.ledger.Finish(reportCtx, s); err != nil {
			log.Warn().Err(err).Msg("failed to record run totals")
		}
	}
	if r.mq != nil {
		if err := r.mq.PublishSummary(s); err != nil {
			log.Warn().Err(err).Msg("failed to publish summary")
		}
	}
	if r.cfg.PushgatewayURL != "" {
		if err := metrics.Push(reportCtx, r.cfg.PushgatewayURL, r.instance); err != nil {
			log.Warn().Err(err).Msg("failed to push metrics")
		}
	}

	return s.ExitCode()
}

// instanceName keys pushed metrics to this process's host.
func instanceName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "classicap-dl"
}

// newLogger writes to w, which is stderr in production: stdout carries the
// run summary.
func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.LogFormat == "json" {
		return zerolog.New(w).With().Timestamp().Logger().Level(level)
	}
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	return zerolog.New(out).With().Timestamp().Logger().Level(level)
}

func healthChecks(cfg *config.Config, db *database.DB, mq *notify.Client) map[string]api.HealthCheck {
	checks := map[string]api.HealthCheck{
		"output_dir": func(context.Context) error {
			info, err := os.Stat(cfg.OutputDir)
			if errors.Is(err, os.ErrNotExist) {
				return errors.New("missing")
			}
			if err != nil {
				return err
			}
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", cfg.OutputDir)
			}
			return nil
		},
	}
	if db != nil {
		checks["database"] = db.HealthCheck
	}
	if mq != nil {
		checks["mqtt"] = func(context.Context) error {
			if !mq.IsConnected() {
				return errors.New("disconnected")
			}
			return nil
		}
	}
	return checks
}

func splitIDs(raw string) []string {
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
