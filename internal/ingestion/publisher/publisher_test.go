package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/resilience"
)

type fakeProducer struct {
	mu     sync.Mutex
	err    error
	events []kafka.Event
	calls  int
}

func (f *fakeProducer) Publish(_ context.Context, e kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, e)
	return nil
}

func TestCorpusReplaced(t *testing.T) {
	prod := &fakeProducer{}
	p := New(prod, resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{}))
	err := p.CorpusReplaced(context.Background(), ingestion.CorpusEvent{
		DocumentID: "doc-1",
		Filename:   "loans.pdf",
		Chunks:     7,
		Version:    2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(prod.events) != 1 {
		t.Fatalf("events = %d", len(prod.events))
	}
	e := prod.events[0]
	payload := e.Value.(ingestion.CorpusEvent)
	if e.Key != "doc-1" || e.Type != ingestion.EventCorpusReplaced || payload.Type != ingestion.EventCorpusReplaced {
		t.Errorf("event = %+v", e)
	}
	if payload.OccurredAt.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestCorpusCleared(t *testing.T) {
	prod := &fakeProducer{}
	p := New(prod, resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{}))
	if err := p.CorpusCleared(context.Background(), 9, "req-1"); err != nil {
		t.Fatal(err)
	}
	payload := prod.events[0].Value.(ingestion.CorpusEvent)
	if payload.Type != ingestion.EventCorpusCleared || payload.Version != 9 || payload.RequestID != "req-1" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestBreakerStopsCallingDeadBroker(t *testing.T) {
	prod := &fakeProducer{err: errors.New("dial tcp: connection refused")}
	p := New(prod, resilience.NewCircuitBreaker("test", resilience.CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
	}))
	for i := 0; i < 5; i++ {
		if err := p.CorpusCleared(context.Background(), uint64(i), ""); err == nil {
			t.Fatalf("attempt %d succeeded", i)
		}
	}
	if prod.calls != 2 {
		t.Errorf("producer called %d times, want 2", prod.calls)
	}
	err := p.CorpusCleared(context.Background(), 6, "")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v", err)
	}
}
