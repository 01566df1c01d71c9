// Package publisher announces corpus changes on Kafka. Publishing goes
// through a circuit breaker so a dead broker costs one fast failure per
// upload instead of a full write timeout.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/resilience"
)

// Producer is satisfied by *kafka.Producer.
type Producer interface {
	Publish(ctx context.Context, event kafka.Event) error
}

type Publisher struct {
	producer Producer
	breaker  *resilience.CircuitBreaker
	timeout  time.Duration
	logger   *slog.Logger
}

// New wraps producer with breaker. The breaker's name shows up in logs and
// in the circuit_breaker_state metric.
func New(producer Producer, breaker *resilience.CircuitBreaker) *Publisher {
	return &Publisher{
		producer: producer,
		breaker:  breaker,
		timeout:  5 * time.Second,
		logger:   slog.Default().With("component", "publisher"),
	}
}

// CorpusReplaced announces that an upload became the active corpus.
func (p *Publisher) CorpusReplaced(ctx context.Context, event ingestion.CorpusEvent) error {
	event.Type = ingestion.EventCorpusReplaced
	return p.publish(ctx, event.DocumentID, event)
}

// CorpusCleared announces that the corpus was emptied.
func (p *Publisher) CorpusCleared(ctx context.Context, version uint64, requestID string) error {
	return p.publish(ctx, "cleared", ingestion.CorpusEvent{
		Type:      ingestion.EventCorpusCleared,
		Version:   version,
		RequestID: requestID,
	})
}

func (p *Publisher) publish(ctx context.Context, key string, event ingestion.CorpusEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	err := p.breaker.Execute(func() error {
		return resilience.WithTimeout(ctx, p.timeout, "publish-"+event.Type, func(ctx context.Context) error {
			return p.producer.Publish(ctx, kafka.Event{Key: key, Type: event.Type, Value: event})
		})
	})
	if err != nil {
		p.logger.Warn("corpus event not published",
			"type", event.Type,
			"version", event.Version,
			"breaker", p.breaker.GetState().String(),
			"error", err,
		)
		return fmt.Errorf("publishing %s: %w", event.Type, err)
	}
	p.logger.Debug("corpus event published", "type", event.Type, "version", event.Version)
	return nil
}
