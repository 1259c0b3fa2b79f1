package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	listings     *prometheus.CounterVec
	aggregations *prometheus.CounterVec
	sources      *prometheus.CounterVec
	consensus    *prometheus.GaugeVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a recorder registered with the default Prometheus registry.
func New() *Recorder {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a recorder registered with reg.
func NewWithRegistry(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		listings: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleguard_listing_validations_total",
				Help: "Total number of listing validations by outcome",
			},
			[]string{"valid"},
		),
		aggregations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleguard_aggregations_total",
				Help: "Total number of oracle aggregations by result",
			},
			[]string{"result"},
		),
		sources: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleguard_source_quotes_total",
				Help: "Quote source responses by classification",
			},
			[]string{"source", "class"},
		),
		consensus: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "settleguard_consensus_value",
				Help: "Last consensus median per metric",
			},
			[]string{"metric"},
		),
		errorsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settleguard_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settleguard_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordListingValidation counts one pass through the listing gate.
func (r *Recorder) RecordListingValidation(valid bool) {
	r.listings.WithLabelValues(strconv.FormatBool(valid)).Inc()
}

// RecordAggregation counts one aggregation by result.
func (r *Recorder) RecordAggregation(result string) {
	r.aggregations.WithLabelValues(result).Inc()
}

// RecordSourceOutcome counts one source response as accepted, mismatched or failed.
func (r *Recorder) RecordSourceOutcome(source, class string) {
	r.sources.WithLabelValues(source, class).Inc()
}

// RecordConsensus records the last consensus value for a metric.
func (r *Recorder) RecordConsensus(metric string, value float64) {
	r.consensus.WithLabelValues(metric).Set(value)
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
