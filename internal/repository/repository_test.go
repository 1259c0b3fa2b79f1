package repository

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
)

func listing(id string, at time.Time) *models.ListingRecord {
	return &models.ListingRecord{
		Listing: models.MarketListingCandidate{
			MarketID:     id,
			Title:        "t",
			ContractType: models.ContractBinary,
			Settlement: models.SettlementSpec{
				MetricName:         "weekly_tvl",
				MetricDescription:  "d",
				DataSources:        []models.DataSource{{Name: "a", URI: "https://a"}, {Name: "b", URI: "https://b"}},
				DisputeWindowHours: 48,
				ChallengeBondUSD:   100,
			},
			ManipulationMitigations: []string{"x", "y"},
			ActionMapping:           models.ActionInformational,
		},
		ListedAt: at,
	}
}

func TestMemoryListingStoreSaveGet(t *testing.T) {
	s := NewMemoryListingStore()
	ctx := context.Background()
	rec := listing("m1", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, s.Save(ctx, rec))
	rec.Listing.Title = "mutated after save"

	got, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "t", got.Listing.Title)
	assert.Equal(t, []string{}, got.Warnings)
	assert.Equal(t, 48, got.Listing.Settlement.DisputeWindowHours)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, domrepo.ErrListingNotFound))
}

func TestMemoryListingStoreUpsertAndList(t *testing.T) {
	s := NewMemoryListingStore()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Save(ctx, listing("old", base)))
	require.NoError(t, s.Save(ctx, listing("new", base.Add(time.Hour))))
	require.NoError(t, s.Save(ctx, listing("old", base.Add(2*time.Hour))))

	all, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].Listing.MarketID)
	assert.Equal(t, "new", all[1].Listing.MarketID)

	one, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestMemoryListingStoreRejectsEmptyMarketID(t *testing.T) {
	s := NewMemoryListingStore()
	assert.Error(t, s.Save(context.Background(), listing("", time.Now())))
	assert.Error(t, s.Save(context.Background(), nil))
}

func TestDecodeListingRoundTrip(t *testing.T) {
	rec := listing("m1", time.Date(2026, 2, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)))
	rec.Warnings = []string{"w"}

	l, w, err := encodeListing(rec)
	require.NoError(t, err)
	got, err := decodeListing(l, w, rec.ListedAt)
	require.NoError(t, err)

	assert.Equal(t, rec.Listing, got.Listing)
	assert.Equal(t, []string{"w"}, got.Warnings)
	assert.Equal(t, time.UTC, got.ListedAt.Location())
}

func outcome(id string, at time.Time, ok bool) *models.SettlementOutcome {
	o := &models.SettlementOutcome{
		MarketID:   id,
		Metric:     "weekly_tvl",
		Policy:     models.OracleAggregationPolicy{MinSources: 2},
		Sources:    []string{"a", "b"},
		ResolvedAt: at,
		Response:   models.OracleAggregationResponse{OK: ok, Errors: []string{}},
	}
	if ok {
		o.Response.Result = &models.OracleAggregateResult{
			Metric: "weekly_tvl",
			Quotes: []models.OracleQuote{{SourceID: "a", Metric: "weekly_tvl", Value: 1}, {SourceID: "b", Metric: "weekly_tvl", Value: 3}},
			Median: 2, Min: 1, Max: 3,
		}
	} else {
		o.Response.Errors = []string{"insufficient valid quotes: required 2, got 0"}
	}
	return o
}

func TestMemoryAuditStoreRangeAndOrder(t *testing.T) {
	s := NewMemoryAuditStore(10)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.RecordOutcome(ctx, outcome("m1", base.Add(time.Duration(i)*time.Hour), true)))
	}
	require.NoError(t, s.RecordOutcome(ctx, outcome("m2", base, true)))

	got, err := s.Outcomes(ctx, "m1", base.Add(time.Hour), base.Add(3*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, base.Add(3*time.Hour), got[0].ResolvedAt)
	assert.Equal(t, base.Add(time.Hour), got[2].ResolvedAt)

	limited, err := s.Outcomes(ctx, "m1", base, base.Add(24*time.Hour), 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.NoError(t, s.Health(ctx))
}

func TestMemoryAuditStoreIsBounded(t *testing.T) {
	s := NewMemoryAuditStore(2)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.RecordOutcome(ctx, outcome("m1", base.Add(time.Duration(i)*time.Minute), false)))
	}

	got, err := s.Outcomes(ctx, "m1", base, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base.Add(3*time.Minute), got[0].ResolvedAt)
}

func TestNewAuditRow(t *testing.T) {
	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	row, err := newAuditRow(outcome("m1", at, true))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), row.ok)
	require.NotNil(t, row.median)
	assert.Equal(t, 2.0, *row.median)
	assert.Equal(t, uint16(2), row.quotes)
	assert.Equal(t, uint16(2), row.minSources)

	var decoded models.SettlementOutcome
	require.NoError(t, json.Unmarshal([]byte(row.payload), &decoded))
	assert.Equal(t, "m1", decoded.MarketID)

	failed, err := newAuditRow(outcome("m1", at, false))
	require.NoError(t, err)
	assert.Equal(t, uint8(0), failed.ok)
	assert.Nil(t, failed.median)
	assert.Equal(t, []string{"insufficient valid quotes: required 2, got 0"}, failed.errors)

	_, err = newAuditRow(&models.SettlementOutcome{})
	assert.Error(t, err)
}

func TestAuditSchemaTargetsDatabase(t *testing.T) {
	stmts := AuditSchema("sg")
	require.Len(t, stmts, 2)
	assert.Contains(t, stmts[0], "CREATE DATABASE IF NOT EXISTS sg")
	assert.Contains(t, stmts[1], "sg.settlement_outcomes")
}

type fakeProducer struct {
	topic string
	key   []byte
	value interface{}
}

func (p *fakeProducer) Publish(_ context.Context, topic string, key []byte, value interface{}) error {
	p.topic, p.key, p.value = topic, key, value
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestKafkaSettlementPublisherKeysByMarket(t *testing.T) {
	fp := &fakeProducer{}
	p := &KafkaSettlementPublisher{producer: fp, topic: "settlement.outcomes"}
	o := outcome("m1", time.Now(), true)

	require.NoError(t, p.PublishOutcome(context.Background(), o))
	assert.Equal(t, "settlement.outcomes", fp.topic)
	assert.Equal(t, []byte("m1"), fp.key)
	assert.Same(t, o, fp.value)

	assert.Error(t, p.PublishOutcome(context.Background(), &models.SettlementOutcome{}))
}
