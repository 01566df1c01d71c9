package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/corpus"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
)

type fakeCache struct {
	entries       map[string]retrieval.RetrievalResult
	hits, misses  int64
	invalidations int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]retrieval.RetrievalResult)}
}

func (f *fakeCache) GetOrCompute(_ context.Context, generation string, query string, topK int, compute func() (retrieval.RetrievalResult, string)) (retrieval.RetrievalResult, bool) {
	key := fmt.Sprintf("%s|%s|%d", generation, query, topK)
	if res, ok := f.entries[key]; ok {
		f.hits++
		return res, true
	}
	f.misses++
	res, scored := compute()
	if scored == generation {
		f.entries[key] = res
	}
	return res, false
}

func (f *fakeCache) Invalidate(context.Context) error {
	f.invalidations++
	f.entries = make(map[string]retrieval.RetrievalResult)
	return nil
}

func (f *fakeCache) Stats() (int64, int64) { return f.hits, f.misses }

type fakePublisher struct{ versions []uint64 }

func (f *fakePublisher) CorpusCleared(_ context.Context, version uint64, _ string) error {
	f.versions = append(f.versions, version)
	return nil
}

type fakeLedger struct{ cleared int }

func (f *fakeLedger) MarkCleared(context.Context) error {
	f.cleared++
	return nil
}

type fakeTracker struct{ events []any }

func (f *fakeTracker) Track(e any) { f.events = append(f.events, e) }

var loanChunks = []retrieval.DocumentChunk{
	{ID: "c0", Text: "Loan processing fee is 2%.", PageNumber: 1, ChunkIndex: 0},
	{ID: "c1", Text: "Disbursal takes 48 hours.", PageNumber: 1, ChunkIndex: 1},
	{ID: "c2", Text: "Cats are mammals.", PageNumber: 2, ChunkIndex: 2},
}

func newStore() *corpus.Store {
	return corpus.New(corpus.WithLogger(logger.Discard()))
}

func get(h http.HandlerFunc, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeResult(t *testing.T, rec *httptest.ResponseRecorder) retrieval.RetrievalResult {
	t.Helper()
	var res retrieval.RetrievalResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return res
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestRetrieveRelevant(t *testing.T) {
	store := newStore()
	store.Ingest(loanChunks)
	reg := prometheus.NewRegistry()
	tracker := &fakeTracker{}
	h := New(store, 3, 10, Options{Metrics: metrics.NewWithRegistry(reg, reg), Collector: tracker})

	rec := get(h.Retrieve, "/api/v1/retrieve?q=processing+fee")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if got := rec.Header().Get("X-Cache"); got != CacheDisabled {
		t.Errorf("X-Cache = %q, want %q", got, CacheDisabled)
	}
	res := decodeResult(t, rec)
	if !res.HasRelevantResults || len(res.Chunks) != 3 || res.Chunks[0].ID != "c0" {
		t.Errorf("result = %+v", res)
	}
	if got := counterValue(t, reg, "retrievals_total", "gate", metrics.GateRelevant); got != 1 {
		t.Errorf("relevant retrievals = %v, want 1", got)
	}
	if len(tracker.events) != 1 {
		t.Fatalf("tracked %d events, want 1", len(tracker.events))
	}
	ev, ok := tracker.events[0].(analytics.RetrievalEvent)
	if !ok || ev.Query != "processing fee" || ev.TopK != 3 || !ev.Relevant {
		t.Errorf("event = %+v", tracker.events[0])
	}
}

func TestRetrieveIrrelevantAndNotReady(t *testing.T) {
	store := newStore()
	reg := prometheus.NewRegistry()
	h := New(store, 3, 10, Options{Metrics: metrics.NewWithRegistry(reg, reg)})

	res := decodeResult(t, get(h.Retrieve, "/api/v1/retrieve?q=processing+fee"))
	if res.Chunks == nil || len(res.Chunks) != 0 || res.HasRelevantResults {
		t.Errorf("empty store result = %+v", res)
	}
	if got := counterValue(t, reg, "retrievals_total", "gate", metrics.GateNotReady); got != 1 {
		t.Errorf("not_ready retrievals = %v, want 1", got)
	}

	store.Ingest(loanChunks)
	res = decodeResult(t, get(h.Retrieve, "/api/v1/retrieve?q=weather+forecast"))
	if res.HasRelevantResults || res.RelevanceScore != 0 {
		t.Errorf("unrelated query result = %+v", res)
	}
	if got := counterValue(t, reg, "retrievals_total", "gate", metrics.GateIrrelevant); got != 1 {
		t.Errorf("irrelevant retrievals = %v, want 1", got)
	}
}

func TestRetrieveTopK(t *testing.T) {
	store := newStore()
	store.Ingest(loanChunks)
	h := New(store, 2, 2, Options{})

	tests := []struct {
		target string
		status int
		chunks int
	}{
		{"/api/v1/retrieve?q=fee", http.StatusOK, 2},
		{"/api/v1/retrieve?q=fee&k=1", http.StatusOK, 1},
		{"/api/v1/retrieve?q=fee&k=50", http.StatusOK, 2},
		{"/api/v1/retrieve?q=fee&k=0", http.StatusBadRequest, 0},
		{"/api/v1/retrieve?q=fee&k=-3", http.StatusBadRequest, 0},
		{"/api/v1/retrieve?q=fee&k=abc", http.StatusBadRequest, 0},
		{"/api/v1/retrieve", http.StatusBadRequest, 0},
		{"/api/v1/retrieve?q=+++", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := get(h.Retrieve, tt.target)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			if res := decodeResult(t, rec); len(res.Chunks) != tt.chunks {
				t.Errorf("chunks = %d, want %d", len(res.Chunks), tt.chunks)
			}
		})
	}
}

func TestRetrieveCache(t *testing.T) {
	store := newStore()
	store.Ingest(loanChunks)
	cache := newFakeCache()
	h := New(store, 3, 10, Options{Cache: cache})

	first := get(h.Retrieve, "/api/v1/retrieve?q=disbursal")
	second := get(h.Retrieve, "/api/v1/retrieve?q=disbursal")
	if got := first.Header().Get("X-Cache"); got != CacheMiss {
		t.Errorf("first X-Cache = %q, want miss", got)
	}
	if got := second.Header().Get("X-Cache"); got != CacheHit {
		t.Errorf("second X-Cache = %q, want hit", got)
	}
	if decodeResult(t, first).Chunks[0].ID != decodeResult(t, second).Chunks[0].ID {
		t.Error("cached result differs from computed one")
	}

	store.Ingest([]retrieval.DocumentChunk{{ID: "n0", Text: "Disbursal is instant now.", PageNumber: 1}})
	third := get(h.Retrieve, "/api/v1/retrieve?q=disbursal")
	if got := third.Header().Get("X-Cache"); got != CacheMiss {
		t.Errorf("after re-ingest X-Cache = %q, want miss", got)
	}
	if res := decodeResult(t, third); len(res.Chunks) != 1 || res.Chunks[0].ID != "n0" {
		t.Errorf("after re-ingest result = %+v", res)
	}

	var stats map[string]any
	if err := json.NewDecoder(get(h.CacheStats, "/api/v1/cache/stats").Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats["hits"] != float64(1) || stats["misses"] != float64(2) {
		t.Errorf("cache stats = %v", stats)
	}
}

func TestRetrieveCacheSharedAcrossStores(t *testing.T) {
	cache := newFakeCache()
	oldStore := newStore()
	oldStore.Ingest(loanChunks)
	oldHandler := New(oldStore, 3, 10, Options{Cache: cache})
	if res := decodeResult(t, get(oldHandler.Retrieve, "/api/v1/retrieve?q=processing+fee")); res.Chunks[0].ID != "c0" {
		t.Fatalf("old store result = %+v", res)
	}

	replaced := []retrieval.DocumentChunk{
		{ID: "n0", Text: "New lender processing fee is 1%.", PageNumber: 1, ChunkIndex: 0},
		{ID: "n1", Text: "Disbursal is instant.", PageNumber: 1, ChunkIndex: 1},
		{ID: "n2", Text: "Dogs are mammals.", PageNumber: 1, ChunkIndex: 2},
	}
	fresh := newStore()
	fresh.Ingest(replaced)
	newHandler := New(fresh, 3, 10, Options{Cache: cache})
	rec := get(newHandler.Retrieve, "/api/v1/retrieve?q=processing+fee")
	if got := rec.Header().Get("X-Cache"); got != CacheMiss {
		t.Errorf("X-Cache = %q, want miss", got)
	}
	if res := decodeResult(t, rec); res.Chunks[0].ID != "n0" {
		t.Errorf("top chunk = %q, want n0", res.Chunks[0].ID)
	}
}

func TestChunksListing(t *testing.T) {
	store := newStore()
	h := New(store, 3, 10, Options{})

	var listing ChunkListing
	if err := json.NewDecoder(get(h.Chunks, "/api/v1/corpus/chunks").Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Version != 0 || listing.Chunks == nil || len(listing.Chunks) != 0 {
		t.Errorf("empty listing = %+v", listing)
	}

	store.Ingest(loanChunks)
	rec := get(h.Chunks, "/api/v1/corpus/chunks")
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatal(err)
	}
	if listing.Version != 1 || len(listing.Chunks) != len(loanChunks) {
		t.Fatalf("listing = %+v", listing)
	}
	for i, c := range listing.Chunks {
		if c != loanChunks[i] {
			t.Errorf("chunk %d = %+v, want %+v", i, c, loanChunks[i])
		}
	}
}

func TestCacheStatsDisabled(t *testing.T) {
	h := New(newStore(), 3, 10, Options{})
	var body map[string]string
	if err := json.NewDecoder(get(h.CacheStats, "/api/v1/cache/stats").Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "disabled" {
		t.Errorf("body = %v", body)
	}
}

func TestCorpusAndClear(t *testing.T) {
	store := newStore()
	store.Ingest(loanChunks)
	cache := newFakeCache()
	pub := &fakePublisher{}
	led := &fakeLedger{}
	tracker := &fakeTracker{}
	reg := prometheus.NewRegistry()
	h := New(store, 3, 10, Options{
		Cache:     cache,
		Publisher: pub,
		Ledger:    led,
		Collector: tracker,
		Metrics:   metrics.NewWithRegistry(reg, reg),
	})

	var stats retrieval.Stats
	if err := json.NewDecoder(get(h.Corpus, "/api/v1/corpus").Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if !stats.Ready || stats.Chunks != 3 {
		t.Fatalf("stats = %+v", stats)
	}
	before := stats.Version

	rec := httptest.NewRecorder()
	h.ClearCorpus(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/corpus", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}
	if stats.Ready || stats.Chunks != 0 || stats.Version <= before {
		t.Errorf("stats after clear = %+v (version before %d)", stats, before)
	}
	if store.IsReady() {
		t.Error("store still ready after clear")
	}
	if cache.invalidations != 1 || led.cleared != 1 {
		t.Errorf("invalidations = %d, ledger clears = %d", cache.invalidations, led.cleared)
	}
	if len(pub.versions) != 1 || pub.versions[0] != stats.Version {
		t.Errorf("published versions = %v, want [%d]", pub.versions, stats.Version)
	}
	if len(tracker.events) != 1 {
		t.Fatalf("tracked %d events", len(tracker.events))
	}
	if _, ok := tracker.events[0].(analytics.ClearEvent); !ok {
		t.Errorf("event = %T, want ClearEvent", tracker.events[0])
	}

	res := decodeResult(t, get(h.Retrieve, "/api/v1/retrieve?q=processing+fee"))
	if len(res.Chunks) != 0 || res.HasRelevantResults {
		t.Errorf("retrieve after clear = %+v", res)
	}
}

func TestContext(t *testing.T) {
	store := newStore()
	store.Ingest(loanChunks)
	h := New(store, 3, 10, Options{})

	var body struct {
		Context  string `json:"context"`
		Relevant bool   `json:"relevant"`
		Chunks   int    `json:"chunks"`
	}
	rec := get(h.Context, "/api/v1/context?q=processing+fee&k=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	want := "Relevant knowledge base information:\n- Loan processing fee is 2%."
	if !body.Relevant || body.Context != want || body.Chunks != 1 {
		t.Errorf("body = %+v, want context %q", body, want)
	}

	body.Context, body.Relevant = "unset", true
	if err := json.NewDecoder(get(h.Context, "/api/v1/context?q=weather").Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Relevant || body.Context != "" {
		t.Errorf("irrelevant body = %+v", body)
	}

	var withSystem map[string]any
	if err := json.NewDecoder(get(h.Context, "/api/v1/context?q=disbursal+hours&system=You+are+Finwise.").Body).Decode(&withSystem); err != nil {
		t.Fatal(err)
	}
	if p, _ := withSystem["prompt"].(string); !strings.HasPrefix(p, "You are Finwise.\n\nRelevant knowledge base information:") {
		t.Errorf("prompt = %q", withSystem["prompt"])
	}

	if rec := get(h.Context, "/api/v1/context"); rec.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", rec.Code)
	}
}
