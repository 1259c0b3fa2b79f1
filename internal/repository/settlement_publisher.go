package repository

import (
	"context"
	"fmt"

	"SettleGuard/internal/domain/models"
	domrepo "SettleGuard/internal/domain/repository"
	pkgkafka "SettleGuard/pkg/kafka"
)

type outcomePublisher interface {
	Publish(ctx context.Context, topic string, key []byte, value interface{}) error
	Close() error
}

// KafkaSettlementPublisher publishes outcomes keyed by market id, so every
// outcome of one market lands on the same partition.
type KafkaSettlementPublisher struct {
	producer outcomePublisher
	topic    string
}

// NewKafkaSettlementPublisher creates a Kafka publisher for outcomes.
func NewKafkaSettlementPublisher(producer *pkgkafka.Producer, topic string) *KafkaSettlementPublisher {
	return &KafkaSettlementPublisher{producer: producer, topic: topic}
}

func (p *KafkaSettlementPublisher) PublishOutcome(ctx context.Context, o *models.SettlementOutcome) error {
	if o == nil || o.MarketID == "" {
		return fmt.Errorf("outcome requires a market id")
	}
	return p.producer.Publish(ctx, p.topic, []byte(o.MarketID), o)
}

func (p *KafkaSettlementPublisher) Close() error {
	if p.producer != nil {
		return p.producer.Close()
	}
	return nil
}

// NopSettlementPublisher drops outcomes; used when Kafka is disabled.
type NopSettlementPublisher struct{}

func (NopSettlementPublisher) PublishOutcome(context.Context, *models.SettlementOutcome) error {
	return nil
}

func (NopSettlementPublisher) Close() error { return nil }

var (
	_ domrepo.SettlementPublisher = (*KafkaSettlementPublisher)(nil)
	_ domrepo.SettlementPublisher = NopSettlementPublisher{}
)
