package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	pkgkafka "SettleGuard/pkg/kafka"
	applogger "SettleGuard/pkg/logger"
	"SettleGuard/pkg/validate"
)

type marketResolver interface {
	Resolve(ctx context.Context, marketID string, override int) (*models.SettlementOutcome, error)
}

// ResolveRequestHandler consumes resolution requests from Kafka.
type ResolveRequestHandler struct {
	topic    string
	resolver marketResolver
	metrics  domrepo.Metrics
	logger   *applogger.Logger
}

func NewResolveRequestHandler(topic string, resolver marketResolver, metrics domrepo.Metrics, logger *applogger.Logger) *ResolveRequestHandler {
	if metrics == nil {
		metrics = domrepo.NopMetrics{}
	}
	if logger == nil {
		logger = applogger.Nop()
	}
	return &ResolveRequestHandler{topic: topic, resolver: resolver, metrics: metrics, logger: logger}
}

func (h *ResolveRequestHandler) Topic() string { return h.topic }

// incoming message schema: {marketId, minSources?}
func (h *ResolveRequestHandler) Handle(ctx context.Context, b []byte) error {
	var req models.ResolveRequest
	if err := json.Unmarshal(b, &req); err != nil {
		h.metrics.RecordError("consumer_unmarshal")
		return fmt.Errorf("decode resolve request: %w", err)
	}
	req.MarketID = strings.TrimSpace(req.MarketID)
	if err := validate.Struct(ctx, &req); err != nil {
		h.metrics.RecordError("consumer_validate")
		return fmt.Errorf("invalid resolve request: %s", strings.Join(validate.Messages(err), "; "))
	}

	start := time.Now()
	outcome, err := h.resolver.Resolve(ctx, req.MarketID, req.MinSources)
	h.metrics.RecordLatency("consumer_resolve", time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, domrepo.ErrListingNotFound) {
			h.metrics.RecordError("consumer_unknown_market")
		}
		return fmt.Errorf("resolve %s: %w", req.MarketID, err)
	}

	h.logger.Debug("resolve request handled",
		applogger.String("market_id", outcome.MarketID),
		applogger.Bool("ok", outcome.Response.OK),
	)
	return nil
}

var _ pkgkafka.MessageHandler = (*ResolveRequestHandler)(nil)
