package repository

import (
	"context"
	"errors"
	"time"

	"SettleGuard/internal/domain/models"
)

var (
	ErrListingNotFound = errors.New("listing not found")
	ErrOutcomeNotFound = errors.New("settlement outcome not found")
)

// QuoteSource is any provider that can return one observation for a metric.
// Implementations own their own timeouts; callers pass ctx through untouched.
type QuoteSource interface {
	SourceID() string
	FetchQuote(ctx context.Context, metric string) (models.OracleQuote, error)
}

// SourceResolver maps the data sources named in a settlement spec to
// concrete quote sources.
type SourceResolver interface {
	ForSpec(spec models.SettlementSpec) []QuoteSource
	Resolve(ds models.DataSource) QuoteSource
}

type ListingStore interface {
	Save(ctx context.Context, rec *models.ListingRecord) error
	Get(ctx context.Context, marketID string) (*models.ListingRecord, error)
	List(ctx context.Context, limit int) ([]*models.ListingRecord, error)
}

// AuditStore keeps an append-only trail of settlement resolutions.
type AuditStore interface {
	RecordOutcome(ctx context.Context, o *models.SettlementOutcome) error
	Outcomes(ctx context.Context, marketID string, from, to time.Time, limit int) ([]*models.SettlementOutcome, error)
	Health(ctx context.Context) error
}

type SettlementPublisher interface {
	PublishOutcome(ctx context.Context, o *models.SettlementOutcome) error
	Close() error
}

type Metrics interface {
	RecordListingValidation(valid bool)
	RecordAggregation(result string)
	RecordSourceOutcome(source, class string)
	RecordConsensus(metric string, value float64)
	RecordError(kind string)
	RecordLatency(op string, seconds float64)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) RecordListingValidation(bool)       {}
func (NopMetrics) RecordAggregation(string)           {}
func (NopMetrics) RecordSourceOutcome(string, string) {}
func (NopMetrics) RecordConsensus(string, float64)    {}
func (NopMetrics) RecordError(string)                 {}
func (NopMetrics) RecordLatency(string, float64)      {}
