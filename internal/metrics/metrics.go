// Package metrics exposes the Prometheus instrumentation for the data
// engine pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the pipeline updates. A single
// instance is created at startup and shared by reference.
type Metrics struct {
	registry *prometheus.Registry

	PublishedTotal    *prometheus.CounterVec
	HandlerPanics     prometheus.Counter
	DroppedDuplicates *prometheus.CounterVec
	SequenceGaps      *prometheus.CounterVec
	CrossedBooks      *prometheus.CounterVec
	InvalidDeltas     *prometheus.CounterVec
	BarsEmitted       *prometheus.CounterVec
	ResyncRequests    *prometheus.CounterVec
	IntakeDepth       *prometheus.GaugeVec
	CatalogAppendErrs prometheus.Counter
	CatalogDropped    prometheus.Counter
	RequestDuration   prometheus.Histogram
}

// New builds the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		PublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "bus",
			Name: "published_total", Help: "Messages published per data type.",
		}, []string{"data_type"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "bus",
			Name: "handler_panics_total", Help: "Subscriber handlers that panicked during delivery.",
		}),
		DroppedDuplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "engine",
			Name: "dropped_duplicates_total", Help: "Messages dropped as duplicate or stale by sequence.",
		}, []string{"venue"}),
		SequenceGaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "book",
			Name: "sequence_gaps_total", Help: "Sequence gaps detected per venue.",
		}, []string{"venue"}),
		CrossedBooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "book",
			Name: "crossed_books_total", Help: "Crossed-book faults detected per venue.",
		}, []string{"venue"}),
		InvalidDeltas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "book",
			Name: "invalid_deltas_total", Help: "Deltas referencing unknown levels or orders.",
		}, []string{"venue"}),
		BarsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "bars",
			Name: "emitted_total", Help: "Closed bars emitted per aggregation method.",
		}, []string{"aggregation"}),
		ResyncRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "engine",
			Name: "resync_requests_total", Help: "Snapshot resync requests issued per venue.",
		}, []string{"venue"}),
		IntakeDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "datacore", Subsystem: "engine",
			Name: "intake_depth", Help: "Buffered messages per client intake channel.",
		}, []string{"client_id"}),
		CatalogAppendErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "catalog",
			Name: "append_errors_total", Help: "Failed catalog appends.",
		}),
		CatalogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "datacore", Subsystem: "catalog",
			Name: "dropped_total", Help: "Records dropped from the async append queue on overflow.",
		}),
		RequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "datacore", Subsystem: "engine",
			Name: "request_duration_seconds", Help: "Historical request duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.PublishedTotal, m.HandlerPanics, m.DroppedDuplicates,
		m.SequenceGaps, m.CrossedBooks, m.InvalidDeltas, m.BarsEmitted,
		m.ResyncRequests, m.IntakeDepth, m.CatalogAppendErrs,
		m.CatalogDropped, m.RequestDuration,
	)
	return m
}

// Registry returns the underlying registry for scrape-handler wiring.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
