package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
)

type fakeSource struct {
	id     string
	metric string
	value  float64
	err    error
	delay  time.Duration
	panics bool
	calls  int32
}

func (f *fakeSource) SourceID() string { return f.id }

func (f *fakeSource) FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.panics {
		panic("adapter exploded")
	}
	if f.err != nil {
		return models.OracleQuote{}, f.err
	}
	m := f.metric
	if m == "" {
		m = metric
	}
	return models.OracleQuote{SourceID: f.id, Metric: m, Value: f.value, ObservedAt: "2026-01-04T00:00:00Z"}, nil
}

func quoting(id string, v float64) *fakeSource { return &fakeSource{id: id, value: v} }

func asSources(fs ...*fakeSource) []domrepo.QuoteSource {
	out := make([]domrepo.QuoteSource, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}

type recordingMetrics struct {
	domrepo.NopMetrics
	mu           sync.Mutex
	listings     []bool
	aggregations []string
	sources      map[string]string
	consensus    map[string]float64
	errs         []string
}

func (m *recordingMetrics) RecordListingValidation(valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings = append(m.listings, valid)
}

func (m *recordingMetrics) RecordAggregation(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregations = append(m.aggregations, result)
}

func (m *recordingMetrics) RecordSourceOutcome(source, class string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sources == nil {
		m.sources = map[string]string{}
	}
	m.sources[source] = class
}

func (m *recordingMetrics) RecordConsensus(metric string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consensus == nil {
		m.consensus = map[string]float64{}
	}
	m.consensus[metric] = value
}

func (m *recordingMetrics) RecordError(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, kind)
}

func TestAggregateMedianOfThree(t *testing.T) {
	agg := NewOracleAggregator()

	resp := agg.Aggregate(context.Background(),
		asSources(quoting("a", 12), quoting("b", 18), quoting("c", 15)),
		"weekly_tvl", models.OracleAggregationPolicy{MinSources: 2})

	require.True(t, resp.OK, "errors: %v", resp.Errors)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "weekly_tvl", resp.Result.Metric)
	assert.Equal(t, 15.0, resp.Result.Median)
	assert.Equal(t, 12.0, resp.Result.Min)
	assert.Equal(t, 18.0, resp.Result.Max)
	assert.Len(t, resp.Result.Quotes, 3)
	assert.NotNil(t, resp.Errors)
	assert.Empty(t, resp.Errors)
}

func TestAggregateQuorumShortfall(t *testing.T) {
	agg := NewOracleAggregator()
	failing := &fakeSource{id: "b", err: errors.New("connection refused")}

	resp := agg.Aggregate(context.Background(),
		asSources(quoting("a", 10), failing),
		"weekly_tvl", models.OracleAggregationPolicy{MinSources: 2})

	assert.False(t, resp.OK)
	assert.Nil(t, resp.Result)
	require.Len(t, resp.Errors, 2)
	assert.Contains(t, resp.Errors[0], "insufficient valid quotes")
	assert.Equal(t, "insufficient valid quotes: required 2, got 1", resp.Errors[0])
	assert.Equal(t, "adapter b failed: connection refused", resp.Errors[1])
}

func TestAggregateDropsMismatchedMetric(t *testing.T) {
	agg := NewOracleAggregator()
	wrong := &fakeSource{id: "rogue", metric: "daily_volume", value: 1e9}

	resp := agg.Aggregate(context.Background(),
		asSources(wrong, quoting("good", 42)),
		"weekly_tvl", models.OracleAggregationPolicy{MinSources: 1})

	require.True(t, resp.OK)
	require.Len(t, resp.Result.Quotes, 1)
	assert.Equal(t, "good", resp.Result.Quotes[0].SourceID)
	assert.Equal(t, 42.0, resp.Result.Median)
	assert.Equal(t, 42.0, resp.Result.Max)
	assert.Equal(t, []string{"adapter rogue returned mismatched metric 'daily_volume'"}, resp.Errors)
}

func TestAggregateRejectsNonPositiveQuorum(t *testing.T) {
	for _, minSources := range []int{0, -3} {
		src := quoting("a", 1)
		agg := NewOracleAggregator()

		resp := agg.Aggregate(context.Background(), asSources(src), "m", models.OracleAggregationPolicy{MinSources: minSources})

		assert.False(t, resp.OK)
		assert.Equal(t, []string{"minSources must be an integer greater than or equal to 1"}, resp.Errors)
		assert.Zero(t, atomic.LoadInt32(&src.calls), "no fetch may be attempted")
	}
}

func TestAggregateToleratesFailureWhenQuorumHolds(t *testing.T) {
	agg := NewOracleAggregator()

	resp := agg.Aggregate(context.Background(),
		asSources(quoting("a", 3), &fakeSource{id: "b", err: context.DeadlineExceeded}, quoting("c", 5)),
		"m", models.OracleAggregationPolicy{MinSources: 2})

	require.True(t, resp.OK)
	assert.Equal(t, 4.0, resp.Result.Median)
	assert.Equal(t, []string{"adapter b failed: context deadline exceeded"}, resp.Errors)
}

func TestAggregatePanickingSourceIsAFailure(t *testing.T) {
	agg := NewOracleAggregator()

	resp := agg.Aggregate(context.Background(),
		asSources(&fakeSource{id: "boom", panics: true}, quoting("a", 7)),
		"m", models.OracleAggregationPolicy{MinSources: 1})

	require.True(t, resp.OK)
	assert.Equal(t, []string{"adapter boom failed: panic: adapter exploded"}, resp.Errors)
}

func TestCollectKeepsSourceOrderNotArrivalOrder(t *testing.T) {
	agg := NewOracleAggregator()
	slow := &fakeSource{id: "slow", value: 1, delay: 60 * time.Millisecond}
	mid := &fakeSource{id: "mid", value: 2, delay: 30 * time.Millisecond}
	fast := &fakeSource{id: "fast", value: 3}

	quotes, diags := agg.Collect(context.Background(), asSources(slow, mid, fast), "m")

	assert.Empty(t, diags)
	require.Len(t, quotes, 3)
	assert.Equal(t, "slow", quotes[0].SourceID)
	assert.Equal(t, "mid", quotes[1].SourceID)
	assert.Equal(t, "fast", quotes[2].SourceID)
}

func TestCollectRunsSourcesConcurrently(t *testing.T) {
	agg := NewOracleAggregator()
	var fs []*fakeSource
	for i := 0; i < 8; i++ {
		fs = append(fs, &fakeSource{id: string(rune('a' + i)), value: float64(i), delay: 50 * time.Millisecond})
	}

	start := time.Now()
	quotes, _ := agg.Collect(context.Background(), asSources(fs...), "m")

	assert.Len(t, quotes, 8)
	assert.Less(t, time.Since(start), 300*time.Millisecond)
}

func TestCollectWaitsForEverySource(t *testing.T) {
	agg := NewOracleAggregator()
	fast := &fakeSource{id: "fast", err: errors.New("down")}
	slow := &fakeSource{id: "slow", value: 9, delay: 40 * time.Millisecond}

	quotes, diags := agg.Collect(context.Background(), asSources(fast, slow), "m")

	require.Len(t, quotes, 1)
	assert.Equal(t, "slow", quotes[0].SourceID)
	assert.Equal(t, []string{"adapter fast failed: down"}, diags)
}

func TestAggregateIsDeterministic(t *testing.T) {
	agg := NewOracleAggregator()
	build := func() []domrepo.QuoteSource {
		return asSources(
			&fakeSource{id: "a", value: 5, delay: 20 * time.Millisecond},
			&fakeSource{id: "b", value: 1},
			&fakeSource{id: "c", value: 3, delay: 10 * time.Millisecond},
		)
	}

	first := agg.Aggregate(context.Background(), build(), "m", models.OracleAggregationPolicy{MinSources: 3})
	second := agg.Aggregate(context.Background(), build(), "m", models.OracleAggregationPolicy{MinSources: 3})

	assert.Equal(t, first, second)
}

func TestAggregateRecordsMetrics(t *testing.T) {
	m := &recordingMetrics{}
	agg := NewOracleAggregator(WithAggregatorMetrics(m))

	agg.Aggregate(context.Background(),
		asSources(quoting("a", 2), &fakeSource{id: "b", metric: "x"}, &fakeSource{id: "c", err: errors.New("down")}),
		"m", models.OracleAggregationPolicy{MinSources: 1})
	agg.Aggregate(context.Background(), nil, "m", models.OracleAggregationPolicy{MinSources: 1})
	agg.Aggregate(context.Background(), nil, "m", models.OracleAggregationPolicy{})

	assert.Equal(t, []string{AggregationOK, AggregationNoQuorum, AggregationInvalidPolicy}, m.aggregations)
	assert.Equal(t, map[string]string{"a": SourceAccepted, "b": SourceMismatched, "c": SourceFailed}, m.sources)
	assert.Equal(t, 2.0, m.consensus["m"])
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   float64
	}{
		{"empty", nil, 0},
		{"single", []float64{7}, 7},
		{"odd", []float64{9, 1, 5}, 5},
		{"even", []float64{4, 1, 3, 2}, 2.5},
		{"outlier", []float64{100, 101, 99, 1e12}, 100.5},
		{"negative", []float64{-2, -8}, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := append([]float64(nil), tt.values...)
			assert.Equal(t, tt.want, Median(in))
			assert.Equal(t, tt.values, in, "input must not be reordered")
		})
	}
}

func TestMedianWithinBounds(t *testing.T) {
	sets := [][]float64{{1}, {3, 1}, {5, 5, 5}, {0.1, 0.2, 0.3, 10}, {-1, 2, -3, 4, -5}}
	for _, values := range sets {
		lo, hi := Bounds(values)
		med := Median(values)
		assert.GreaterOrEqual(t, med, lo)
		assert.LessOrEqual(t, med, hi)
	}
}

type ctxSource struct{ id string }

func (s ctxSource) SourceID() string { return s.id }

func (s ctxSource) FetchQuote(ctx context.Context, _ string) (models.OracleQuote, error) {
	<-ctx.Done()
	return models.OracleQuote{}, ctx.Err()
}

func TestAggregateClassifiesCancelledSourceAsFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	srcs := append(asSources(quoting("a", 5)), ctxSource{id: "slow"})

	resp := NewOracleAggregator().Aggregate(ctx, srcs, "m", models.OracleAggregationPolicy{MinSources: 1})

	require.True(t, resp.OK)
	assert.Equal(t, 5.0, resp.Result.Median)
	assert.Equal(t, []string{"adapter slow failed: context deadline exceeded"}, resp.Errors)
}
