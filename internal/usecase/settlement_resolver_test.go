package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/internal/repository"
	"SettleGuard/pkg/cache"
)

// uriSources resolves data sources to fakes keyed by URI.
type uriSources map[string]*fakeSource

func (u uriSources) Resolve(ds models.DataSource) domrepo.QuoteSource {
	if f, ok := u[ds.URI]; ok {
		return f
	}
	return &fakeSource{id: ds.Name, err: errors.New("unknown uri")}
}

func (u uriSources) ForSpec(spec models.SettlementSpec) []domrepo.QuoteSource {
	out := make([]domrepo.QuoteSource, 0, len(spec.DataSources))
	for _, ds := range spec.DataSources {
		out = append(out, u.Resolve(ds))
	}
	return out
}

type failingAudit struct{}

func (failingAudit) RecordOutcome(context.Context, *models.SettlementOutcome) error {
	return errors.New("clickhouse down")
}

func (failingAudit) Outcomes(context.Context, string, time.Time, time.Time, int) ([]*models.SettlementOutcome, error) {
	return nil, errors.New("clickhouse down")
}

func (failingAudit) Health(context.Context) error { return errors.New("clickhouse down") }

type capturePublisher struct {
	published []*models.SettlementOutcome
	err       error
}

func (p *capturePublisher) PublishOutcome(_ context.Context, o *models.SettlementOutcome) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, o)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

type resolverFixture struct {
	resolver  *SettlementResolver
	listings  *repository.MemoryListingStore
	audit     domrepo.AuditStore
	publisher *capturePublisher
	cache     *cache.MemoryCache
	metrics   *recordingMetrics
}

var fixedNow = time.Date(2026, 4, 5, 6, 7, 8, 0, time.UTC)

func newResolverFixture(t *testing.T, sources uriSources, cfg ResolverConfig) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		listings:  repository.NewMemoryListingStore(),
		audit:     repository.NewMemoryAuditStore(10),
		publisher: &capturePublisher{},
		cache:     cache.NewMemoryCache(),
		metrics:   &recordingMetrics{},
	}
	t.Cleanup(func() { _ = f.cache.Close() })
	f.build(sources, cfg)
	return f
}

func (f *resolverFixture) build(sources uriSources, cfg ResolverConfig) {
	f.resolver = NewSettlementResolver(
		f.listings,
		sources,
		NewOracleAggregator(WithAggregatorMetrics(f.metrics)),
		NewListingValidator(f.metrics, nil),
		f.audit,
		f.publisher,
		f.cache,
		f.metrics,
		nil,
		cfg,
	)
	f.resolver.now = func() time.Time { return fixedNow }
}

func threeFeeds() uriSources {
	return uriSources{
		"https://api.llama.fi/tvl": quoting("defillama", 10),
		"https://api.dune.com/tvl": quoting("dune", 14),
		"https://tvl.example/feed": quoting("extra", 30),
	}
}

func TestSaveListingStoresValidListing(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})

	res, rec, err := f.resolver.SaveListing(context.Background(), []byte(validListingJSON))

	require.NoError(t, err)
	require.True(t, res.Valid)
	require.NotNil(t, rec)
	assert.Equal(t, fixedNow, rec.ListedAt)

	stored, err := f.resolver.Listing(context.Background(), "tvl-weekly-001")
	require.NoError(t, err)
	assert.Equal(t, "tvl-weekly-001", stored.Listing.MarketID)
}

func TestSaveListingSkipsInvalidListing(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})
	body := replaceOnce(validListingJSON, `"disputeWindowHours": 48`, `"disputeWindowHours": 6`)

	res, rec, err := f.resolver.SaveListing(context.Background(), []byte(body))

	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Nil(t, rec)
	_, err = f.resolver.Listing(context.Background(), "tvl-weekly-001")
	assert.ErrorIs(t, err, domrepo.ErrListingNotFound)
}

func TestResolveAggregatesListedSources(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})
	_, _, err := f.resolver.SaveListing(context.Background(), []byte(validListingJSON))
	require.NoError(t, err)

	out, err := f.resolver.Resolve(context.Background(), "tvl-weekly-001", 0)

	require.NoError(t, err)
	assert.Equal(t, "weekly_tvl", out.Metric)
	assert.Equal(t, 2, out.Policy.MinSources, "binary markets default to a quorum of 2")
	assert.Equal(t, []string{"defillama", "dune"}, out.Sources)
	require.True(t, out.Response.OK, "errors: %v", out.Response.Errors)
	assert.Equal(t, 12.0, out.Response.Result.Median)
	assert.Equal(t, fixedNow, out.ResolvedAt)

	require.Len(t, f.publisher.published, 1)
	hist, err := f.resolver.History(context.Background(), "tvl-weekly-001", fixedNow.Add(-time.Hour), fixedNow, 10)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	latest, err := f.resolver.Latest(context.Background(), "tvl-weekly-001")
	require.NoError(t, err)
	assert.Equal(t, 12.0, latest.Response.Result.Median)
}

func TestResolveQuorumPrecedence(t *testing.T) {
	tests := []struct {
		name     string
		cfgMin   int
		override int
		want     int
		ok       bool
	}{
		{"contract default", 0, 0, 2, true},
		{"config override", 1, 0, 1, true},
		{"request override wins", 1, 3, 3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newResolverFixture(t, threeFeeds(), ResolverConfig{MinSources: tt.cfgMin})
			_, _, err := f.resolver.SaveListing(context.Background(), []byte(validListingJSON))
			require.NoError(t, err)

			out, err := f.resolver.Resolve(context.Background(), "tvl-weekly-001", tt.override)

			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Policy.MinSources)
			assert.Equal(t, tt.ok, out.Response.OK)
		})
	}
}

func TestResolveConditionalDefaultsToThree(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})
	c := validCandidate()
	c.ContractType = models.ContractConditional
	c.Settlement.DataSources = append(c.Settlement.DataSources, models.DataSource{Name: "extra", URI: "https://tvl.example/feed"})
	require.NoError(t, f.listings.Save(context.Background(), &models.ListingRecord{Listing: c, ListedAt: fixedNow}))

	out, err := f.resolver.Resolve(context.Background(), c.MarketID, 0)

	require.NoError(t, err)
	assert.Equal(t, 3, out.Policy.MinSources)
	assert.True(t, out.Response.OK)
	assert.Equal(t, 14.0, out.Response.Result.Median)
}

func TestResolveQuorumFailureIsStillAnOutcome(t *testing.T) {
	sources := threeFeeds()
	sources["https://api.dune.com/tvl"] = &fakeSource{id: "dune", err: errors.New("503")}
	f := newResolverFixture(t, sources, ResolverConfig{})
	_, _, err := f.resolver.SaveListing(context.Background(), []byte(validListingJSON))
	require.NoError(t, err)

	out, err := f.resolver.Resolve(context.Background(), "tvl-weekly-001", 0)

	require.NoError(t, err)
	assert.False(t, out.Response.OK)
	assert.Equal(t, []string{"insufficient valid quotes: required 2, got 1", "adapter dune failed: 503"}, out.Response.Errors)
	assert.Len(t, f.publisher.published, 1, "failed resolutions are published too")
}

func TestResolveUnknownMarket(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})

	_, err := f.resolver.Resolve(context.Background(), "nope", 0)

	assert.ErrorIs(t, err, domrepo.ErrListingNotFound)
	_, err = f.resolver.Latest(context.Background(), "nope")
	assert.ErrorIs(t, err, domrepo.ErrOutcomeNotFound)
}

func TestResolveSideEffectFailuresDoNotChangeOutcome(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})
	f.audit = failingAudit{}
	f.publisher.err = errors.New("broker down")
	f.build(threeFeeds(), ResolverConfig{})
	_, _, err := f.resolver.SaveListing(context.Background(), []byte(validListingJSON))
	require.NoError(t, err)

	out, err := f.resolver.Resolve(context.Background(), "tvl-weekly-001", 0)

	require.NoError(t, err)
	assert.True(t, out.Response.OK)
	assert.Contains(t, f.metrics.errs, "audit_record")
	assert.Contains(t, f.metrics.errs, "outcome_publish")

	latest, err := f.resolver.Latest(context.Background(), "tvl-weekly-001")
	require.NoError(t, err, "the cache still receives the outcome")
	assert.Equal(t, out.Response.Result.Median, latest.Response.Result.Median)
}

func TestHistoryIsNeverNil(t *testing.T) {
	f := newResolverFixture(t, threeFeeds(), ResolverConfig{})

	hist, err := f.resolver.History(context.Background(), "m", fixedNow.Add(-time.Hour), fixedNow, 10)

	require.NoError(t, err)
	assert.NotNil(t, hist)
	assert.Empty(t, hist)
}
