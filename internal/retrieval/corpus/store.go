// Package corpus holds the active chunk collection and answers queries
// against it. The collection lives in an immutable snapshot that is swapped
// atomically on every ingest or clear, so a query always works on exactly
// one corpus. The most recent ingest replaces everything before it.
package corpus

import (
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/scorer"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/tokenizer"
)

// DefaultRelevanceThreshold separates "some lexical overlap" from "none".
const DefaultRelevanceThreshold = 0.1

type snapshot struct {
	chunks    []retrieval.DocumentChunk
	terms     [][]string
	version   uint64
	updatedAt time.Time
}

// Store owns the corpus. The zero value is not usable; call New.
type Store struct {
	epoch     string
	current   atomic.Pointer[snapshot]
	writeMu   sync.Mutex
	threshold float64
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRelevanceThreshold overrides DefaultRelevanceThreshold.
func WithRelevanceThreshold(threshold float64) Option {
	return func(s *Store) { s.threshold = threshold }
}

// WithLogger sets the logger used for ingest and clear events.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		epoch:     uuid.NewString(),
		threshold: DefaultRelevanceThreshold,
		logger:    slog.Default().With("component", "corpus-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(&snapshot{})
	return s
}

// Ingest replaces the whole corpus with chunks, including with an empty
// slice. The caller's slice is copied and may be reused afterwards. The
// returned Stats describe the snapshot this call installed, even if another
// Ingest or Clear has replaced it since.
func (s *Store) Ingest(chunks []retrieval.DocumentChunk) retrieval.Stats {
	owned := make([]retrieval.DocumentChunk, len(chunks))
	copy(owned, chunks)
	terms := make([][]string, len(owned))
	for i, c := range owned {
		terms[i] = tokenizer.Tokenize(c.Text)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	prev := s.current.Load()
	next := &snapshot{
		chunks:    owned,
		terms:     terms,
		version:   prev.version + 1,
		updatedAt: time.Now().UTC(),
	}
	s.current.Store(next)
	s.logger.Info("corpus replaced",
		"chunks", len(owned),
		"previous_chunks", len(prev.chunks),
		"version", next.version,
	)
	return next.stats()
}

// Clear empties the corpus and returns the Stats of the empty snapshot.
func (s *Store) Clear() retrieval.Stats {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	prev := s.current.Load()
	next := &snapshot{
		version:   prev.version + 1,
		updatedAt: time.Now().UTC(),
	}
	s.current.Store(next)
	s.logger.Info("corpus cleared", "previous_chunks", len(prev.chunks), "version", next.version)
	return next.stats()
}

// IsReady reports whether the corpus holds at least one chunk.
func (s *Store) IsReady() bool {
	return len(s.current.Load().chunks) > 0
}

// Retrieve scores every chunk against query and returns the best topK with
// the relevance gate applied. A non-positive topK returns no chunks.
func (s *Store) Retrieve(query string, topK int) retrieval.RetrievalResult {
	return s.gate(s.rank(s.current.Load(), query, topK))
}

// RetrieveInGeneration is Retrieve that also reports the generation of the
// snapshot the result was computed on.
func (s *Store) RetrieveInGeneration(query string, topK int) (retrieval.RetrievalResult, string) {
	snap := s.current.Load()
	return s.gate(s.rank(snap, query, topK)), s.generation(snap)
}

// RetrieveScored is Retrieve with the per-chunk scores kept, for callers
// that want to show them.
func (s *Store) RetrieveScored(query string, topK int) ([]retrieval.ScoredChunk, retrieval.RetrievalResult) {
	snap := s.current.Load()
	scored := s.rank(snap, query, topK)
	return scored, s.gate(scored)
}

func (s *Store) rank(snap *snapshot, query string, topK int) []retrieval.ScoredChunk {
	if len(snap.chunks) == 0 || topK <= 0 {
		return nil
	}
	scores := scorer.ScoreTokens(tokenizer.Tokenize(query), snap.terms)
	order := scorer.Rank(scores)
	if topK < len(order) {
		order = order[:topK]
	}
	scored := make([]retrieval.ScoredChunk, len(order))
	for i, idx := range order {
		scored[i] = retrieval.ScoredChunk{Chunk: snap.chunks[idx], Score: scores[idx]}
	}
	return scored
}

func (s *Store) gate(scored []retrieval.ScoredChunk) retrieval.RetrievalResult {
	result := retrieval.EmptyResult()
	if len(scored) == 0 {
		return result
	}
	for _, sc := range scored {
		result.Chunks = append(result.Chunks, sc.Chunk)
	}
	result.RelevanceScore = scored[0].Score
	result.HasRelevantResults = result.RelevanceScore >= s.threshold
	return result
}

// Stats describes the current corpus.
func (s *Store) Stats() retrieval.Stats {
	return s.current.Load().stats()
}

func (snap *snapshot) stats() retrieval.Stats {
	return retrieval.Stats{
		Ready:     len(snap.chunks) > 0,
		Chunks:    len(snap.chunks),
		Version:   snap.version,
		UpdatedAt: snap.updatedAt,
	}
}

// Version increases on every Ingest and Clear.
func (s *Store) Version() uint64 {
	return s.current.Load().version
}

// Generation identifies the current snapshot across processes: the store's
// random epoch plus its version. Versions restart at zero with every Store,
// so anything keyed on the corpus outside this process (the Redis result
// cache) must use Generation rather than Version.
func (s *Store) Generation() string {
	return s.generation(s.current.Load())
}

func (s *Store) generation(snap *snapshot) string {
	return s.epoch + ":" + strconv.FormatUint(snap.version, 10)
}

// Threshold returns the relevance gate threshold.
func (s *Store) Threshold() float64 {
	return s.threshold
}

// Chunks returns a copy of the current corpus together with the Stats of
// the same snapshot.
func (s *Store) Chunks() ([]retrieval.DocumentChunk, retrieval.Stats) {
	snap := s.current.Load()
	out := make([]retrieval.DocumentChunk, len(snap.chunks))
	copy(out, snap.chunks)
	return out, snap.stats()
}
