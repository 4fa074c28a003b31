package metrics

import (
	"github.com/classicap/classicap-dl/internal/acquire"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// RunStats provides the metrics collector access to acquirer state.
type RunStats interface {
	Progress() acquire.Progress
	Workers() int
}

// UploadStats provides the async S3 uploader counters.
type UploadStats interface {
	Stats() (uploaded, failed, dropped int64)
}

// LedgerStats provides the run ledger counters.
type LedgerStats interface {
	Stats() (written, failed int64)
}

// EventStats provides the MQTT publisher counters.
type EventStats interface {
	Stats() (published, failed int64)
}

// Sources are the live components a Collector reads. Any field may be nil;
// the matching gauges then report 0.
type Sources struct {
	Pool    *pgxpool.Pool
	Run     RunStats
	Uploads UploadStats
	Ledger  LedgerStats
	Events  EventStats
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	src Sources

	rowsTotal       *prometheus.Desc
	rowsDone        *prometheus.Desc
	rowsInFlight    *prometheus.Desc
	workers         *prometheus.Desc
	s3Uploads       *prometheus.Desc
	ledgerRows      *prometheus.Desc
	mqttPublishes   *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,
		rowsTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "run", "rows"),
			"Rows in the current run.",
			nil, nil,
		),
		rowsDone: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "run", "rows_done"),
			"Rows of the current run with a recorded outcome.",
			nil, nil,
		),
		rowsInFlight: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "run", "rows_in_flight"),
			"Rows currently being fetched, clipped or stored.",
			nil, nil,
		),
		workers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "run", "workers"),
			"Size of the acquisition worker pool.",
			nil, nil,
		),
		s3Uploads: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "s3", "uploads"),
			"Async S3 mirror uploads by result.",
			[]string{"result"}, nil,
		),
		ledgerRows: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "ledger", "rows"),
			"Outcome rows handed to the run ledger, by result.",
			[]string{"result"}, nil,
		),
		mqttPublishes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mqtt", "publishes"),
			"MQTT event publishes, by result.",
			[]string{"result"}, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rowsTotal
	ch <- c.rowsDone
	ch <- c.rowsInFlight
	ch <- c.workers
	ch <- c.s3Uploads
	ch <- c.ledgerRows
	ch <- c.mqttPublishes
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	var p acquire.Progress
	var workers int
	if c.src.Run != nil {
		p = c.src.Run.Progress()
		workers = c.src.Run.Workers()
	}
	ch <- prometheus.MustNewConstMetric(c.rowsTotal, prometheus.GaugeValue, float64(p.Total))
	ch <- prometheus.MustNewConstMetric(c.rowsDone, prometheus.GaugeValue, float64(p.Done()))
	ch <- prometheus.MustNewConstMetric(c.rowsInFlight, prometheus.GaugeValue, float64(p.InFlight))
	ch <- prometheus.MustNewConstMetric(c.workers, prometheus.GaugeValue, float64(workers))

	var uploaded, failed, dropped int64
	if c.src.Uploads != nil {
		uploaded, failed, dropped = c.src.Uploads.Stats()
	}
	ch <- prometheus.MustNewConstMetric(c.s3Uploads, prometheus.GaugeValue, float64(uploaded), "uploaded")
	ch <- prometheus.MustNewConstMetric(c.s3Uploads, prometheus.GaugeValue, float64(failed), "failed")
	ch <- prometheus.MustNewConstMetric(c.s3Uploads, prometheus.GaugeValue, float64(dropped), "dropped")

	var written, lost int64
	if c.src.Ledger != nil {
		written, lost = c.src.Ledger.Stats()
	}
	ch <- prometheus.MustNewConstMetric(c.ledgerRows, prometheus.GaugeValue, float64(written), "written")
	ch <- prometheus.MustNewConstMetric(c.ledgerRows, prometheus.GaugeValue, float64(lost), "lost")

	var published, pubFailed int64
	if c.src.Events != nil {
		published, pubFailed = c.src.Events.Stats()
	}
	ch <- prometheus.MustNewConstMetric(c.mqttPublishes, prometheus.GaugeValue, float64(published), "published")
	ch <- prometheus.MustNewConstMetric(c.mqttPublishes, prometheus.GaugeValue, float64(pubFailed), "failed")

	// Database pool stats
	if c.src.Pool != nil {
		stat := c.src.Pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
