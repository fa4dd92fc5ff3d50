// Package metrics exposes dispatcher counters to prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SirClappington/chunkq/internal/domain"
)

// Recorder owns a private registry so tests and processes never share state.
type Recorder struct {
	registry *prometheus.Registry

	chunks        *prometheus.CounterVec
	records       *prometheus.CounterVec
	chunkDuration *prometheus.HistogramVec
	bisections    *prometheus.CounterVec
	failures      *prometheus.CounterVec
	enqueued      *prometheus.CounterVec
	runs          *prometheus.CounterVec
}

func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_chunks_total",
			Help: "Chunk executions by outcome.",
		}, []string{"batch", "outcome"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_records_total",
			Help: "Records processed by committed sub-batches.",
		}, []string{"batch"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunkq_chunk_duration_seconds",
			Help:    "Duration of chunk executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"batch", "outcome"}),
		bisections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_bisections_total",
			Help: "Failed chunks halved and resubmitted.",
		}, []string{"batch"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_terminal_failures_total",
			Help: "Jobs appended to the failure ledger.",
		}, []string{"batch"}),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_jobs_enqueued_total",
			Help: "Jobs dispatched by top-level runs.",
		}, []string{"batch"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chunkq_runs_total",
			Help: "Top-level runs by status.",
		}, []string{"batch", "status"}),
	}
	registry.MustRegister(r.chunks, r.records, r.chunkDuration, r.bisections, r.failures, r.enqueued, r.runs)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// ObserveChunk records one chunk execution.
func (r *Recorder) ObserveChunk(batch string, out domain.Outcome, took time.Duration) {
	kind := out.Kind.String()
	r.chunks.WithLabelValues(batch, kind).Inc()
	r.chunkDuration.WithLabelValues(batch, kind).Observe(took.Seconds())
	if n := out.Total(); n > 0 {
		r.records.WithLabelValues(batch).Add(float64(n))
	}
}

func (r *Recorder) Bisected(batch string) { r.bisections.WithLabelValues(batch).Inc() }

func (r *Recorder) Failed(batch string) { r.failures.WithLabelValues(batch).Inc() }

func (r *Recorder) Enqueued(batch string, jobs int) {
	r.enqueued.WithLabelValues(batch).Add(float64(jobs))
}

func (r *Recorder) Run(batch, status string) { r.runs.WithLabelValues(batch, status).Inc() }
