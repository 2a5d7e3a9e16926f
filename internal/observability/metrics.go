package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "uscrn_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for the ingestion service.
type Metrics struct {
	CyclesTotal      *prometheus.CounterVec // labels: result={completed,stopped}
	CycleDuration    prometheus.Histogram
	SkippedTicks     prometheus.Counter
	SchedulerRunning prometheus.Gauge
	CycleInProgress  prometheus.Gauge
	LastCycleSuccess prometheus.Gauge

	// Per-file metrics.
	Files          *prometheus.CounterVec // labels: outcome={succeeded,failed,skipped,unchanged,rejected,filtered}
	FetchErrors    *prometheus.CounterVec // labels: kind={untrusted_origin,timeout,status,transport}
	ListErrors     prometheus.Counter
	DownloadBytes  prometheus.Counter
	RowsInserted   prometheus.Counter
	RowsUpdated    prometheus.Counter
	ParseFailures  prometheus.Counter
	RepeatedFailed prometheus.Gauge

	// Side outputs.
	PublishErrors prometheus.Counter
	ArchiveErrors prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles by result.",
		}, []string{"result"}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a complete ingestion cycle.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		SkippedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_skipped_ticks_total",
			Help:      "Ticks skipped because a cycle was still running.",
		}),
		SchedulerRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 when the scheduler loop is active, 0 when shut down.",
		}),
		CycleInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cycle_in_progress",
			Help:      "1 while an ingestion cycle is running.",
		}),
		LastCycleSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_cycle_completed_timestamp_seconds",
			Help:      "Unix time at which the last cycle finished without being stopped.",
		}),
		Files: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_total",
			Help:      "Files handled by outcome.",
		}, []string{"outcome"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Download failures by kind.",
		}, []string{"kind"}),
		ListErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "list_errors_total",
			Help:      "Directory listings that could not be retrieved.",
		}),
		DownloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes of file content downloaded.",
		}),
		RowsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_inserted_total",
			Help:      "Observation rows inserted.",
		}),
		RowsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observations_updated_total",
			Help:      "Observation rows overwritten by a re-import.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Lines that could not be parsed.",
		}),
		RepeatedFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "files_repeatedly_failing",
			Help:      "Files whose consecutive failed attempts reached the alert threshold in the last cycle.",
		}),
		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Ingestion events that could not be published.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_errors_total",
			Help:      "Parquet archives that could not be written.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CyclesTotal,
		m.CycleDuration,
		m.SkippedTicks,
		m.SchedulerRunning,
		m.CycleInProgress,
		m.LastCycleSuccess,
		m.Files,
		m.FetchErrors,
		m.ListErrors,
		m.DownloadBytes,
		m.RowsInserted,
		m.RowsUpdated,
		m.ParseFailures,
		m.RepeatedFailed,
		m.PublishErrors,
		m.ArchiveErrors,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
