package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the availability engine.
// All methods are safe on a nil receiver so components can run without metrics.
type Metrics struct {
	// Check outcomes by status and source
	ChecksTotal *prometheus.CounterVec

	// RDAP request latency by HTTP status code
	FetchDuration *prometheus.HistogramVec

	// Cache lookups by tier ("memory", "persistent") and outcome ("hit", "miss", "error")
	CacheLookups *prometheus.CounterVec

	// Checks currently in flight across all runs
	InFlight prometheus.Gauge

	// Bootstrap directory refreshes by outcome ("ok", "error")
	BootstrapRefreshes *prometheus.CounterVec

	// Session batch flushes by outcome and rows written
	BatchFlushes *prometheus.CounterVec
	BatchRows    prometheus.Counter

	// Runs started/finished
	RunsTotal *prometheus.CounterVec
}

// New registers all availability metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainhunter_checks_total",
			Help: "Total domain checks by resulting status and source",
		}, []string{"status", "source"}),

		FetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "domainhunter_rdap_fetch_duration_seconds",
			Help:    "Duration of RDAP lookups by HTTP status code",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 1.5, 2, 2.5, 5},
		}, []string{"code"}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainhunter_cache_lookups_total",
			Help: "Cache lookups by tier and outcome",
		}, []string{"tier", "outcome"}),

		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "domainhunter_checks_in_flight",
			Help: "Number of domain checks currently in flight",
		}),

		BootstrapRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainhunter_rdap_bootstrap_refreshes_total",
			Help: "RDAP bootstrap directory refreshes by outcome",
		}, []string{"outcome"}),

		BatchFlushes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainhunter_session_batch_flushes_total",
			Help: "Result batch flushes to the persistent cache by outcome",
		}, []string{"outcome"}),

		BatchRows: f.NewCounter(prometheus.CounterOpts{
			Name: "domainhunter_session_batch_rows_total",
			Help: "Definitive results written by session batch flushes",
		}),

		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "domainhunter_runs_total",
			Help: "Check runs by terminal state (done, stopped, error)",
		}, []string{"state"}),
	}
}

func (m *Metrics) IncrementCheck(status, source string) {
	if m != nil {
		m.ChecksTotal.WithLabelValues(status, source).Inc()
	}
}

// ObserveFetch records an RDAP round trip.
func (m *Metrics) ObserveFetch(code int, d time.Duration) {
	if m != nil {
		m.FetchDuration.WithLabelValues(strconv.Itoa(code)).Observe(d.Seconds())
	}
}

func (m *Metrics) RecordCacheLookup(tier, outcome string) {
	if m != nil {
		m.CacheLookups.WithLabelValues(tier, outcome).Inc()
	}
}

func (m *Metrics) IncInFlight() {
	if m != nil {
		m.InFlight.Inc()
	}
}

func (m *Metrics) DecInFlight() {
	if m != nil {
		m.InFlight.Dec()
	}
}

func (m *Metrics) RecordBootstrapRefresh(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.BootstrapRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordBatchFlush(rows int, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.BatchFlushes.WithLabelValues("error").Inc()
		return
	}
	m.BatchFlushes.WithLabelValues("ok").Inc()
	m.BatchRows.Add(float64(rows))
}

func (m *Metrics) RecordRun(state string) {
	if m != nil {
		m.RunsTotal.WithLabelValues(state).Inc()
	}
}
