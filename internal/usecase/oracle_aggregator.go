package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	applogger "SettleGuard/pkg/logger"
)

const (
	AggregationOK            = "ok"
	AggregationInvalidPolicy = "invalid_policy"
	AggregationNoQuorum      = "no_quorum"

	SourceAccepted   = "accepted"
	SourceMismatched = "mismatched"
	SourceFailed     = "failed"
)

const msgInvalidMinSources = "minSources must be an integer greater than or equal to 1"

var tracer = otel.Tracer("SettleGuard/usecase")

// AggregatorOption configures OracleAggregator.
type AggregatorOption func(*OracleAggregator)

// WithAggregatorMetrics sets the metrics sink.
func WithAggregatorMetrics(m domrepo.Metrics) AggregatorOption {
	return func(a *OracleAggregator) {
		if m != nil {
			a.metrics = m
		}
	}
}

// WithAggregatorLogger sets the logger.
func WithAggregatorLogger(l *applogger.Logger) AggregatorOption {
	return func(a *OracleAggregator) {
		if l != nil {
			a.logger = l
		}
	}
}

// OracleAggregator queries quote sources in parallel and reduces the accepted
// quotes to a median. It holds no per-call state and is safe for concurrent use.
type OracleAggregator struct {
	metrics domrepo.Metrics
	logger  *applogger.Logger
}

func NewOracleAggregator(opts ...AggregatorOption) *OracleAggregator {
	a := &OracleAggregator{
		metrics: domrepo.NopMetrics{},
		logger:  applogger.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type fetchOutcome struct {
	quote models.OracleQuote
	err   error
}

// Collect fetches one quote per source and waits for every source to settle.
// Accepted quotes keep the order of sources regardless of completion order;
// failures and metric mismatches are reported as diagnostics.
func (a *OracleAggregator) Collect(ctx context.Context, sources []domrepo.QuoteSource, metric string) ([]models.OracleQuote, []string) {
	outcomes := make([]fetchOutcome, len(sources))

	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src domrepo.QuoteSource) {
			defer wg.Done()
			outcomes[i] = fetch(ctx, src, metric)
		}(i, src)
	}
	wg.Wait()

	quotes := make([]models.OracleQuote, 0, len(sources))
	var diags []string
	for i, out := range outcomes {
		id := sourceID(sources[i], i)
		switch {
		case out.err != nil:
			diags = append(diags, fmt.Sprintf("adapter %s failed: %v", id, out.err))
			a.metrics.RecordSourceOutcome(id, SourceFailed)
			a.logger.Warn("quote source failed",
				applogger.String("source", id),
				applogger.String("metric", metric),
				applogger.Error(out.err),
			)
		case out.quote.Metric != metric:
			diags = append(diags, fmt.Sprintf("adapter %s returned mismatched metric '%s'", id, out.quote.Metric))
			a.metrics.RecordSourceOutcome(id, SourceMismatched)
			a.logger.Warn("quote source returned mismatched metric",
				applogger.String("source", id),
				applogger.String("metric", metric),
				applogger.String("returned", out.quote.Metric),
			)
		default:
			quotes = append(quotes, out.quote)
			a.metrics.RecordSourceOutcome(id, SourceAccepted)
		}
	}
	return quotes, diags
}

// Aggregate enforces the quorum policy over Collect and computes the
// consensus. It never returns a Go error: every failure is described in the
// response.
func (a *OracleAggregator) Aggregate(ctx context.Context, sources []domrepo.QuoteSource, metric string, policy models.OracleAggregationPolicy) models.OracleAggregationResponse {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "oracle.aggregate")
	defer span.End()
	span.SetAttributes(
		attribute.String("oracle.metric", metric),
		attribute.Int("oracle.sources", len(sources)),
		attribute.Int("oracle.min_sources", policy.MinSources),
	)

	resp := a.aggregate(ctx, sources, metric, policy)

	result := AggregationOK
	switch {
	case resp.OK:
		a.metrics.RecordConsensus(metric, resp.Result.Median)
		span.SetAttributes(attribute.Float64("oracle.median", resp.Result.Median))
	case len(resp.Errors) == 1 && resp.Errors[0] == msgInvalidMinSources:
		result = AggregationInvalidPolicy
	default:
		result = AggregationNoQuorum
	}
	if !resp.OK {
		span.SetStatus(codes.Error, resp.Errors[0])
		a.logger.Error("oracle aggregation failed",
			applogger.String("metric", metric),
			applogger.String("result", result),
			applogger.Strings("errors", resp.Errors),
		)
	}
	a.metrics.RecordAggregation(result)
	a.metrics.RecordLatency("oracle_aggregate", time.Since(start).Seconds())
	return resp
}

func (a *OracleAggregator) aggregate(ctx context.Context, sources []domrepo.QuoteSource, metric string, policy models.OracleAggregationPolicy) models.OracleAggregationResponse {
	if policy.MinSources < 1 {
		return models.OracleAggregationResponse{OK: false, Errors: []string{msgInvalidMinSources}}
	}

	quotes, diags := a.Collect(ctx, sources, metric)

	if len(quotes) < policy.MinSources {
		errs := make([]string, 0, len(diags)+1)
		errs = append(errs, fmt.Sprintf("insufficient valid quotes: required %d, got %d", policy.MinSources, len(quotes)))
		errs = append(errs, diags...)
		return models.OracleAggregationResponse{OK: false, Errors: errs}
	}

	values := make([]float64, len(quotes))
	for i, q := range quotes {
		values[i] = q.Value
	}
	lo, hi := Bounds(values)

	if diags == nil {
		diags = []string{}
	}
	return models.OracleAggregationResponse{
		OK: true,
		Result: &models.OracleAggregateResult{
			Metric: metric,
			Quotes: quotes,
			Median: Median(values),
			Min:    lo,
			Max:    hi,
		},
		Errors: diags,
	}
}

// fetch isolates a single source: a panic is reported like any other failure.
func fetch(ctx context.Context, src domrepo.QuoteSource, metric string) (out fetchOutcome) {
	if src == nil {
		return fetchOutcome{err: fmt.Errorf("source is nil")}
	}
	defer func() {
		if r := recover(); r != nil {
			out = fetchOutcome{err: fmt.Errorf("panic: %v", r)}
		}
	}()
	q, err := src.FetchQuote(ctx, metric)
	return fetchOutcome{quote: q, err: err}
}

func sourceID(src domrepo.QuoteSource, i int) string {
	if src == nil {
		return fmt.Sprintf("#%d", i)
	}
	return src.SourceID()
}

// Median of values; the input is not modified. Even-length inputs yield the
// mean of the two middle values. Returns 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// Bounds returns min and max of a non-empty slice.
func Bounds(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
