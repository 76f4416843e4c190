// Package metrics provides Prometheus instrumentation for ingestion and merges.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder holds every collector the service exports.
type Recorder struct {
	recordsTotal  *prometheus.CounterVec
	batchesTotal  *prometheus.CounterVec
	mergesTotal   *prometheus.CounterVec
	mergeDuration prometheus.Histogram
	mergedRows    prometheus.Histogram
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		recordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairmerge_records_total",
				Help: "File records written by the ingestion recorder, by bucket",
			},
			[]string{"bucket"},
		),
		batchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairmerge_batches_total",
				Help: "Notification batches handled, by status",
			},
			[]string{"status"},
		),
		mergesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pairmerge_merge_cycles_total",
				Help: "Merge cycles by outcome",
			},
			[]string{"outcome"},
		),
		mergeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pairmerge_merge_duration_seconds",
				Help:    "Duration of merge cycles in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		mergedRows: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pairmerge_merged_rows",
				Help:    "Rows written per merged artifact",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
	}
}

// ObserveRecord counts one persisted file record.
func (r *Recorder) ObserveRecord(bucket string) {
	if r == nil {
		return
	}
	r.recordsTotal.WithLabelValues(bucket).Inc()
}

// ObserveBatch counts a handled notification batch.
func (r *Recorder) ObserveBatch(success bool) {
	if r == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	r.batchesTotal.WithLabelValues(status).Inc()
}

// ObserveMerge records the outcome of one merge cycle.
func (r *Recorder) ObserveMerge(outcome string, rows int, duration time.Duration) {
	if r == nil {
		return
	}
	r.mergesTotal.WithLabelValues(outcome).Inc()
	r.mergeDuration.Observe(duration.Seconds())
	if outcome == "merged" {
		r.mergedRows.Observe(float64(rows))
	}
}
