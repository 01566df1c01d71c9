package cache

import (
	"context"
	"errors"
	"path"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/corpus"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

type memoryBackend struct {
	mu      sync.Mutex
	data    map[string]string
	failGet bool
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]string)}
}

func (m *memoryBackend) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGet {
		return "", errors.New("connection reset")
	}
	v, ok := m.data[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = string(value.([]byte))
	return nil
}

func (m *memoryBackend) FlushByPattern(_ context.Context, pattern string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k := range m.data {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.data, k)
			n++
		}
	}
	return n, nil
}

var sample = retrieval.RetrievalResult{
	Chunks: []retrieval.DocumentChunk{
		{ID: "chunk-0", Text: "Loan processing fee is 2%.", PageNumber: 1, ChunkIndex: 0},
	},
	HasRelevantResults: true,
	RelevanceScore:     0.27,
}

const gen1 = "epoch-a:1"

func fixed(result retrieval.RetrievalResult, generation string) func() (retrieval.RetrievalResult, string) {
	return func() (retrieval.RetrievalResult, string) { return result, generation }
}

func TestKey(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		ga, gb string
		ka, kb int
		same   bool
	}{
		{"identical", "processing fee", "processing fee", gen1, gen1, 5, 5, true},
		{"case and punctuation", "Processing FEE?", "processing fee", gen1, gen1, 5, 5, true},
		{"term order", "fee processing", "processing fee", gen1, gen1, 5, 5, true},
		{"short words dropped", "the processing fee", "processing fee", gen1, gen1, 5, 5, true},
		{"version bump", "processing fee", "processing fee", gen1, "epoch-a:2", 5, 5, false},
		{"other epoch same version", "processing fee", "processing fee", gen1, "epoch-b:1", 5, 5, false},
		{"different k", "processing fee", "processing fee", gen1, gen1, 5, 3, false},
		{"repeated term", "fee fee", "fee", gen1, gen1, 5, 5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			same := Key(tt.ga, tt.a, tt.ka) == Key(tt.gb, tt.b, tt.kb)
			if same != tt.same {
				t.Errorf("keys equal = %v, want %v", same, tt.same)
			}
		})
	}
}

func TestGetOrCompute(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(newMemoryBackend(), time.Minute, metrics.NewWithRegistry(reg, reg))
	ctx := context.Background()
	calls := 0
	compute := func() (retrieval.RetrievalResult, string) {
		calls++
		return sample, gen1
	}

	got, hit := c.GetOrCompute(ctx, gen1, "processing fee", 5, compute)
	if hit || calls != 1 {
		t.Fatalf("first call: hit=%v calls=%d", hit, calls)
	}
	got, hit = c.GetOrCompute(ctx, gen1, "Processing fee!", 5, compute)
	if !hit || calls != 1 {
		t.Fatalf("second call: hit=%v calls=%d", hit, calls)
	}
	if got.RelevanceScore != sample.RelevanceScore || got.Chunks[0] != sample.Chunks[0] {
		t.Errorf("cached result = %+v", got)
	}

	if _, hit = c.GetOrCompute(ctx, "epoch-a:2", "processing fee", 5, fixed(sample, "epoch-a:2")); hit {
		t.Error("new corpus version served a stale entry")
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 2 {
		t.Errorf("stats = %d/%d", hits, misses)
	}
}

// A restarted process, or a second replica, starts its store at version 0
// again. Its first ingest must not be answered from entries the previous
// store left in the shared backend.
func TestRestartedStoreMissesPreviousEntries(t *testing.T) {
	backend := newMemoryBackend()
	ctx := context.Background()
	filler := []retrieval.DocumentChunk{
		{ID: "chunk-1", Text: "Disbursal takes two working days.", PageNumber: 1, ChunkIndex: 1},
		{ID: "chunk-2", Text: "Cats are mammals.", PageNumber: 1, ChunkIndex: 2},
	}
	withLead := func(text string) []retrieval.DocumentChunk {
		return append([]retrieval.DocumentChunk{{ID: "chunk-0", Text: text, PageNumber: 1}}, filler...)
	}

	oldStore := corpus.New(corpus.WithLogger(logger.Discard()))
	oldStore.Ingest(withLead("Old lender processing fee is 5%."))
	oldCache := New(backend, time.Minute, nil)
	got, _ := oldCache.GetOrCompute(ctx, oldStore.Generation(), "processing fee", 3, func() (retrieval.RetrievalResult, string) {
		return oldStore.RetrieveInGeneration("processing fee", 3)
	})
	if got.Chunks[0].Text != "Old lender processing fee is 5%." {
		t.Fatalf("old store top chunk = %q", got.Chunks[0].Text)
	}

	newStore := corpus.New(corpus.WithLogger(logger.Discard()))
	newStore.Ingest(withLead("New lender processing fee is 2%."))
	if newStore.Version() != oldStore.Version() {
		t.Fatalf("versions = %d, %d", oldStore.Version(), newStore.Version())
	}
	newCache := New(backend, time.Minute, nil)
	got, hit := newCache.GetOrCompute(ctx, newStore.Generation(), "processing fee", 3, func() (retrieval.RetrievalResult, string) {
		return newStore.RetrieveInGeneration("processing fee", 3)
	})
	if hit {
		t.Error("new store was served the previous store's entry")
	}
	if len(got.Chunks) == 0 || got.Chunks[0].Text != "New lender processing fee is 2%." {
		t.Errorf("top chunk = %+v", got.Chunks)
	}
}

func TestResultFromNewerCorpusNotStoredUnderOlderKey(t *testing.T) {
	backend := newMemoryBackend()
	c := New(backend, time.Minute, nil)
	ctx := context.Background()

	got, hit := c.GetOrCompute(ctx, gen1, "fee", 5, fixed(sample, "epoch-a:2"))
	if hit || got.RelevanceScore != sample.RelevanceScore {
		t.Fatalf("hit=%v result=%+v", hit, got)
	}
	if len(backend.data) != 0 {
		t.Errorf("stored %d entries for a mismatched generation", len(backend.data))
	}
}

func TestEmptyResultStaysNonNil(t *testing.T) {
	c := New(newMemoryBackend(), time.Minute, nil)
	ctx := context.Background()
	empty := fixed(retrieval.EmptyResult(), gen1)
	c.GetOrCompute(ctx, gen1, "quantum", 5, empty)
	got, hit := c.GetOrCompute(ctx, gen1, "quantum", 5, empty)
	if !hit || got.Chunks == nil {
		t.Errorf("hit=%v chunks=%v", hit, got.Chunks)
	}
}

func TestBackendFailureIsMiss(t *testing.T) {
	backend := newMemoryBackend()
	backend.failGet = true
	c := New(backend, time.Minute, nil)
	got, hit := c.GetOrCompute(context.Background(), gen1, "fee", 5, fixed(sample, gen1))
	if hit || got.RelevanceScore != sample.RelevanceScore {
		t.Errorf("hit=%v result=%+v", hit, got)
	}
}

func TestInvalidate(t *testing.T) {
	backend := newMemoryBackend()
	backend.data["unrelated"] = "x"
	c := New(backend, time.Minute, nil)
	ctx := context.Background()
	c.GetOrCompute(ctx, gen1, "fee", 5, fixed(sample, gen1))
	if err := c.Invalidate(ctx); err != nil {
		t.Fatal(err)
	}
	if len(backend.data) != 1 {
		t.Errorf("remaining keys = %v", backend.data)
	}
}

func TestConcurrentMissesComputeOnce(t *testing.T) {
	c := New(newMemoryBackend(), time.Minute, nil)
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func() (retrieval.RetrievalResult, string) {
		calls.Add(1)
		<-release
		return sample, gen1
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.GetOrCompute(context.Background(), gen1, "fee", 5, compute)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := calls.Load(); n < 1 || n > 8 {
		t.Fatalf("compute calls = %d", n)
	}
	if n := calls.Load(); n != 1 {
		t.Logf("compute ran %d times; late arrivals missed the shared flight", n)
	}
}
