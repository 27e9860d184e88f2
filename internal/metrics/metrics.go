// Package metrics exposes Prometheus collectors for the ingestion pipeline.
//
// Metrics implements core.Observer so the coordinator can report job events
// without importing Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JonMunkholm/opmerge/internal/core"
)

const namespace = "opmerge"

// Metrics holds every collector. Build one per registry.
type Metrics struct {
	reg prometheus.Gatherer

	jobsTotal        *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	rejectedTotal    prometheus.Counter
	convertDuration  *prometheus.HistogramVec
	recordsTotal     *prometheus.CounterVec
	operatorRecords  *prometheus.CounterVec
	rowsAppended     prometheus.Counter
	datasetRows      prometheus.Gauge
	mergeDuration    prometheus.Histogram
	lockWait         prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	warehouseRows    prometheus.Counter
	warehouseLoadDur prometheus.Histogram
}

// New registers collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Finished ingestion jobs by terminal status.",
		}, []string{"status"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of ingestion jobs from staging to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
		rejectedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Submissions rejected because a job was already processing.",
		}),
		convertDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "convert_duration_seconds",
			Help:      "Duration of external converter runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 13),
		}, []string{"result"}),
		recordsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Enriched records by classification.",
		}, []string{"class"}),
		operatorRecords: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operator_records_total",
			Help:      "Matched domestic records by operator.",
		}, []string{"operator"}),
		rowsAppended: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_appended_total",
			Help:      "Rows appended to the master dataset.",
		}),
		datasetRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dataset_rows",
			Help:      "Rows in the master dataset after the last append.",
		}),
		mergeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_duration_seconds",
			Help:      "Duration of dataset appends including lock wait.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
		lockWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the dataset lock marker.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		warehouseRows: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "warehouse_rows_loaded_total",
			Help:      "Rows copied into the Postgres warehouse.",
		}),
		warehouseLoadDur: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "warehouse_load_duration_seconds",
			Help:      "Duration of warehouse loads.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// JobRejected implements core.Observer.
func (m *Metrics) JobRejected() { m.rejectedTotal.Inc() }

// JobFinished implements core.Observer.
func (m *Metrics) JobFinished(status core.JobStatus, elapsed time.Duration) {
	m.jobsTotal.WithLabelValues(string(status)).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

// Converted implements core.Observer.
func (m *Metrics) Converted(elapsed time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.convertDuration.WithLabelValues(result).Observe(elapsed.Seconds())
}

// Enriched implements core.Observer.
func (m *Metrics) Enriched(s core.EnrichStats) {
	m.recordsTotal.WithLabelValues("matched").Add(float64(s.Matched))
	m.recordsTotal.WithLabelValues("unmatched").Add(float64(s.Unmatched))
	m.recordsTotal.WithLabelValues("foreign").Add(float64(s.Foreign))
	for op, n := range s.ByOperator {
		m.operatorRecords.WithLabelValues(op).Add(float64(n))
	}
}

// Appended implements core.Observer.
func (m *Metrics) Appended(r core.AppendResult) {
	m.rowsAppended.Add(float64(r.NewRows))
	m.datasetRows.Set(float64(r.TotalRows))
	m.mergeDuration.Observe(r.Duration.Seconds())
	m.lockWait.Observe(r.LockWait.Seconds())
}

// WarehouseLoaded records one warehouse load.
func (m *Metrics) WarehouseLoaded(rows int64, elapsed time.Duration) {
	m.warehouseRows.Add(float64(rows))
	m.warehouseLoadDur.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Middleware counts requests by method and status code.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

var _ core.Observer = (*Metrics)(nil)
