package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	"SettleGuard/pkg/cache"
	applogger "SettleGuard/pkg/logger"
)

const defaultOutcomeTTL = 24 * time.Hour

// OutcomeCacheKey is the cache key of a market's latest settlement outcome.
func OutcomeCacheKey(marketID string) string {
	return "settlement:" + marketID
}

// ResolverConfig holds the resolution knobs taken from configuration.
type ResolverConfig struct {
	// MinSources overrides the per-contract quorum when > 0.
	MinSources int
	OutcomeTTL time.Duration
}

// SettlementResolver couples the listing registry with the oracle aggregator:
// it resolves a listed market against the sources its settlement names.
type SettlementResolver struct {
	listings   domrepo.ListingStore
	sources    domrepo.SourceResolver
	aggregator *OracleAggregator
	validator  *ListingValidator
	audit      domrepo.AuditStore
	publisher  domrepo.SettlementPublisher
	cache      cache.Service
	metrics    domrepo.Metrics
	logger     *applogger.Logger
	cfg        ResolverConfig
	now        func() time.Time
}

func NewSettlementResolver(
	listings domrepo.ListingStore,
	sources domrepo.SourceResolver,
	aggregator *OracleAggregator,
	validator *ListingValidator,
	audit domrepo.AuditStore,
	publisher domrepo.SettlementPublisher,
	c cache.Service,
	metrics domrepo.Metrics,
	logger *applogger.Logger,
	cfg ResolverConfig,
) *SettlementResolver {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = defaultOutcomeTTL
	}
	return &SettlementResolver{
		listings:   listings,
		sources:    sources,
		aggregator: aggregator,
		validator:  validator,
		audit:      audit,
		publisher:  publisher,
		cache:      c,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SaveListing runs the listing gate over raw JSON and stores the normalized
// listing when it passes. The record is nil when the listing was rejected.
func (r *SettlementResolver) SaveListing(ctx context.Context, data []byte) (models.ListingValidationResult, *models.ListingRecord, error) {
	res := r.validator.ValidateJSON(data)
	if !res.Valid {
		return res, nil, nil
	}

	rec := &models.ListingRecord{
		Listing:  *res.Normalized,
		Warnings: res.Warnings,
		ListedAt: r.now(),
	}
	if err := r.listings.Save(ctx, rec); err != nil {
		r.metrics.RecordError("listing_save")
		return res, nil, fmt.Errorf("save listing: %w", err)
	}
	r.logger.Info("market listed",
		applogger.String("market_id", rec.Listing.MarketID),
		applogger.String("contract_type", string(rec.Listing.ContractType)),
		applogger.Int("warnings", len(rec.Warnings)),
	)
	return res, rec, nil
}

func (r *SettlementResolver) Listing(ctx context.Context, marketID string) (*models.ListingRecord, error) {
	return r.listings.Get(ctx, marketID)
}

// Listings returns the most recently listed markets first.
func (r *SettlementResolver) Listings(ctx context.Context, limit int) ([]*models.ListingRecord, error) {
	out, err := r.listings.List(ctx, limit)
	if err != nil {
		r.metrics.RecordError("listing_list")
		return nil, err
	}
	if out == nil {
		out = []*models.ListingRecord{}
	}
	return out, nil
}

// Resolve aggregates the quotes for a listed market. override > 0 replaces
// the quorum. A failed aggregation is still an outcome; the error is
// reserved for unknown markets and listing lookups.
func (r *SettlementResolver) Resolve(ctx context.Context, marketID string, override int) (*models.SettlementOutcome, error) {
	ctx, span := tracer.Start(ctx, "settlement.resolve")
	defer span.End()
	span.SetAttributes(attribute.String("settlement.market_id", marketID))

	rec, err := r.listings.Get(ctx, marketID)
	if err != nil {
		if !errors.Is(err, domrepo.ErrListingNotFound) {
			r.metrics.RecordError("listing_get")
		}
		return nil, err
	}
	spec := rec.Listing.Settlement

	srcs := r.sources.ForSpec(spec)
	ids := make([]string, len(srcs))
	for i, s := range srcs {
		ids[i] = s.SourceID()
	}

	policy := models.OracleAggregationPolicy{MinSources: r.quorum(rec.Listing.ContractType, override)}
	resp := r.aggregator.Aggregate(ctx, srcs, spec.MetricName, policy)

	outcome := &models.SettlementOutcome{
		MarketID:   rec.Listing.MarketID,
		Metric:     spec.MetricName,
		Policy:     policy,
		Sources:    ids,
		Response:   resp,
		ResolvedAt: r.now(),
	}
	r.record(ctx, outcome)

	r.logger.Info("market resolved",
		applogger.String("market_id", outcome.MarketID),
		applogger.String("metric", outcome.Metric),
		applogger.Int("min_sources", policy.MinSources),
		applogger.Bool("ok", resp.OK),
	)
	return outcome, nil
}

func (r *SettlementResolver) quorum(ct models.ContractType, override int) int {
	switch {
	case override > 0:
		return override
	case r.cfg.MinSources > 0:
		return r.cfg.MinSources
	default:
		return models.RequiredSources(ct)
	}
}

// record fans the outcome out to audit, broker and cache. Failures are
// logged and counted only.
func (r *SettlementResolver) record(ctx context.Context, o *models.SettlementOutcome) {
	if r.audit != nil {
		if err := r.audit.RecordOutcome(ctx, o); err != nil {
			r.infraError("audit_record", o.MarketID, err)
		}
	}
	if r.publisher != nil {
		if err := r.publisher.PublishOutcome(ctx, o); err != nil {
			r.infraError("outcome_publish", o.MarketID, err)
		}
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, OutcomeCacheKey(o.MarketID), o, r.cfg.OutcomeTTL); err != nil {
			r.infraError("outcome_cache", o.MarketID, err)
		}
	}
}

func (r *SettlementResolver) infraError(kind, marketID string, err error) {
	r.metrics.RecordError(kind)
	r.logger.Error("settlement side effect failed",
		applogger.String("kind", kind),
		applogger.String("market_id", marketID),
		applogger.Error(err),
	)
}

// Latest returns the most recent cached outcome of a market.
func (r *SettlementResolver) Latest(ctx context.Context, marketID string) (*models.SettlementOutcome, error) {
	if r.cache == nil {
		return nil, domrepo.ErrOutcomeNotFound
	}
	o, err := cache.GetTyped[models.SettlementOutcome](ctx, r.cache, OutcomeCacheKey(marketID))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, domrepo.ErrOutcomeNotFound
	}
	if err != nil {
		r.metrics.RecordError("outcome_cache")
		return nil, fmt.Errorf("latest outcome %s: %w", marketID, err)
	}
	return &o, nil
}

// History returns audited outcomes of a market in [from, to], newest first.
func (r *SettlementResolver) History(ctx context.Context, marketID string, from, to time.Time, limit int) ([]*models.SettlementOutcome, error) {
	if r.audit == nil {
		return []*models.SettlementOutcome{}, nil
	}
	out, err := r.audit.Outcomes(ctx, marketID, from, to, limit)
	if err != nil {
		r.metrics.RecordError("audit_query")
		return nil, fmt.Errorf("outcome history %s: %w", marketID, err)
	}
	if out == nil {
		out = []*models.SettlementOutcome{}
	}
	return out, nil
}

// Ready reports whether the audit trail is reachable.
func (r *SettlementResolver) Ready(ctx context.Context) error {
	if r.audit == nil {
		return nil
	}
	return r.audit.Health(ctx)
}
