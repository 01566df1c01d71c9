// Package handler serves the query and readiness endpoints of the
// retrieval service.
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/corpus"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/prompt"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/tracing"
)

// Values of the X-Cache response header.
const (
	CacheHit      = "hit"
	CacheMiss     = "miss"
	CacheDisabled = "disabled"
)

type ResultCache interface {
	GetOrCompute(ctx context.Context, generation string, query string, topK int, compute func() (retrieval.RetrievalResult, string)) (retrieval.RetrievalResult, bool)
	Invalidate(ctx context.Context) error
	Stats() (hits, misses int64)
}

type ClearPublisher interface {
	CorpusCleared(ctx context.Context, version uint64, requestID string) error
}

type ClearRecorder interface {
	MarkCleared(ctx context.Context) error
}

type Tracker interface {
	Track(event any)
}

// Options carries the optional collaborators. Leave a field nil when the
// dependency is not configured.
type Options struct {
	Cache     ResultCache
	Publisher ClearPublisher
	Ledger    ClearRecorder
	Collector Tracker
	Metrics   *metrics.Metrics
}

type Handler struct {
	store       *corpus.Store
	defaultTopK int
	maxTopK     int
	opts        Options
	logger      *slog.Logger
}

func New(store *corpus.Store, defaultTopK, maxTopK int, opts Options) *Handler {
	return &Handler{
		store:       store,
		defaultTopK: defaultTopK,
		maxTopK:     maxTopK,
		opts:        opts,
		logger:      slog.Default().With("component", "retrieval-handler"),
	}
}

// Retrieve serves GET /api/v1/retrieve?q=<text>&k=<n>.
func (h *Handler) Retrieve(w http.ResponseWriter, r *http.Request) {
	result, ok := h.query(w, r, "retrieve")
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Context serves GET /api/v1/context?q=<text>&k=<n>[&system=<prompt>]: the
// block a chat caller appends to its system message, empty when the gate
// fails. With system set, the combined prompt is returned as well.
func (h *Handler) Context(w http.ResponseWriter, r *http.Request) {
	result, ok := h.query(w, r, "context")
	if !ok {
		return
	}
	block, relevant := prompt.BuildContext(result)
	body := map[string]any{
		"context":        block,
		"relevant":       relevant,
		"relevanceScore": result.RelevanceScore,
		"chunks":         len(result.Chunks),
	}
	if system := r.URL.Query().Get("system"); system != "" {
		body["prompt"] = prompt.AppendContext(system, result)
	}
	h.writeJSON(w, http.StatusOK, body)
}

// query parses q and k, runs the retrieval through the cache and records
// metrics and analytics. On a bad request it writes the error and returns
// false; otherwise the X-Cache header is already set.
func (h *Handler) query(w http.ResponseWriter, r *http.Request, name string) (retrieval.RetrievalResult, bool) {
	start := time.Now()
	ctx, span := tracing.StartSpan(r.Context(), name, middleware.GetRequestID(r.Context()))
	defer span.Finish()
	log := logger.FromContext(ctx)

	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		h.writeError(w, http.StatusBadRequest, "query parameter 'q' is required")
		return retrieval.RetrievalResult{}, false
	}
	topK, err := h.parseTopK(r.URL.Query().Get("k"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return retrieval.RetrievalResult{}, false
	}

	version := h.store.Version()
	generation := h.store.Generation()
	compute := func() (retrieval.RetrievalResult, string) {
		_, scoreSpan := tracing.StartChildSpan(ctx, "score")
		defer scoreSpan.End()
		return h.store.RetrieveInGeneration(query, topK)
	}

	var result retrieval.RetrievalResult
	cacheStatus := CacheDisabled
	if h.opts.Cache != nil {
		_, cacheSpan := tracing.StartChildSpan(ctx, "cache")
		var hit bool
		result, hit = h.opts.Cache.GetOrCompute(ctx, generation, query, topK, compute)
		cacheStatus = CacheMiss
		if hit {
			cacheStatus = CacheHit
		}
		cacheSpan.SetAttr("status", cacheStatus)
		cacheSpan.End()
	} else {
		result, _ = compute()
	}
	latency := time.Since(start)
	span.SetAttr("returned", len(result.Chunks))
	span.SetAttr("relevant", result.HasRelevantResults)

	h.observe(result, cacheStatus, latency)
	log.Info("retrieval completed",
		"endpoint", name,
		"query", query,
		"top_k", topK,
		"returned", len(result.Chunks),
		"relevance_score", result.RelevanceScore,
		"relevant", result.HasRelevantResults,
		"cache", cacheStatus,
		"corpus_version", version,
		"latency_ms", latency.Milliseconds(),
	)
	if h.opts.Collector != nil {
		h.opts.Collector.Track(analytics.RetrievalEvent{
			Type:          analytics.EventRetrieval,
			Query:         query,
			Terms:         tokenizer.Tokenize(query),
			TopK:          topK,
			Returned:      len(result.Chunks),
			TopScore:      result.RelevanceScore,
			Relevant:      result.HasRelevantResults,
			CacheStatus:   cacheStatus,
			CorpusVersion: version,
			LatencyMs:     latency.Milliseconds(),
			Timestamp:     time.Now().UTC(),
			RequestID:     middleware.GetRequestID(ctx),
		})
	}

	w.Header().Set("X-Cache", cacheStatus)
	return result, true
}

// Corpus serves GET /api/v1/corpus, the readiness boundary polled by the UI.
func (h *Handler) Corpus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Stats())
}

// ChunkListing is the body of GET /api/v1/corpus/chunks.
type ChunkListing struct {
	Version uint64                    `json:"version"`
	Chunks  []retrieval.DocumentChunk `json:"chunks"`
}

// Chunks serves GET /api/v1/corpus/chunks: every chunk of the active corpus
// in ingestion order, with the version they belong to.
func (h *Handler) Chunks(w http.ResponseWriter, r *http.Request) {
	chunks, stats := h.store.Chunks()
	h.writeJSON(w, http.StatusOK, ChunkListing{Version: stats.Version, Chunks: chunks})
}

// ClearCorpus serves DELETE /api/v1/corpus.
func (h *Handler) ClearCorpus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := logger.FromContext(ctx)

	stats := h.store.Clear()
	if h.opts.Metrics != nil {
		h.opts.Metrics.ObserveCorpus(stats.Chunks, stats.Version)
	}

	sideCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if h.opts.Cache != nil {
		if err := h.opts.Cache.Invalidate(sideCtx); err != nil {
			log.Warn("cache invalidation after clear failed", "error", err)
		}
	}
	if h.opts.Ledger != nil {
		if err := h.opts.Ledger.MarkCleared(sideCtx); err != nil {
			log.Error("ledger clear failed", "error", err)
		}
	}
	if h.opts.Publisher != nil {
		if err := h.opts.Publisher.CorpusCleared(sideCtx, stats.Version, middleware.GetRequestID(ctx)); err != nil {
			log.Warn("corpus cleared event not published", "error", err)
		}
	}
	if h.opts.Collector != nil {
		h.opts.Collector.Track(analytics.ClearEvent{
			Type:          analytics.EventCorpusCleared,
			CorpusVersion: stats.Version,
			Timestamp:     time.Now().UTC(),
			RequestID:     middleware.GetRequestID(ctx),
		})
	}

	log.Info("corpus cleared", "version", stats.Version)
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) CacheStats(w http.ResponseWriter, r *http.Request) {
	if h.opts.Cache == nil {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}

	hits, misses := h.opts.Cache.Stats()
	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"hits":     hits,
		"misses":   misses,
		"total":    total,
		"hit_rate": fmt.Sprintf("%.1f%%", hitRate),
	})
}

func (h *Handler) parseTopK(raw string) (int, error) {
	if raw == "" {
		return h.defaultTopK, nil
	}
	k, err := strconv.Atoi(raw)
	if err != nil || k < 1 {
		return 0, fmt.Errorf("k must be a positive integer")
	}
	return min(k, h.maxTopK), nil
}

func (h *Handler) observe(result retrieval.RetrievalResult, cacheStatus string, latency time.Duration) {
	m := h.opts.Metrics
	if m == nil {
		return
	}
	gate := metrics.GateIrrelevant
	switch {
	case len(result.Chunks) == 0 && !h.store.IsReady():
		gate = metrics.GateNotReady
	case result.HasRelevantResults:
		gate = metrics.GateRelevant
	}
	m.RetrievalsTotal.WithLabelValues(gate).Inc()
	m.RetrievalLatency.WithLabelValues(cacheStatus).Observe(latency.Seconds())
	if gate != metrics.GateNotReady {
		m.RetrievalTopScore.Observe(result.RelevanceScore)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
