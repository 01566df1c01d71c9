package analytics

import (
	"sort"
	"sync"
	"time"
)

const maxLatencySamples = 10000

type AggregatedStats struct {
	TotalRetrievals     int64        `json:"total_retrievals"`
	RelevantRetrievals  int64        `json:"relevant_retrievals"`
	RelevantRate        float64      `json:"relevant_rate"`
	CacheHits           int64        `json:"cache_hits"`
	CacheMisses         int64        `json:"cache_misses"`
	TotalIngestions     int64        `json:"total_ingestions"`
	CorpusClears        int64        `json:"corpus_clears"`
	AvgLatencyMs        float64      `json:"avg_latency_ms"`
	P50LatencyMs        int64        `json:"p50_latency_ms"`
	P95LatencyMs        int64        `json:"p95_latency_ms"`
	P99LatencyMs        int64        `json:"p99_latency_ms"`
	TopQueries          []QueryCount `json:"top_queries"`
	UnansweredQueries   []QueryCount `json:"unanswered_queries"`
	RetrievalsPerMinute float64      `json:"retrievals_per_minute"`
	LastIngestion       *time.Time   `json:"last_ingestion,omitempty"`
}

type QueryCount struct {
	Query string `json:"query"`
	Count int64  `json:"count"`
}

// Aggregator keeps running totals of retrieval and ingestion events for the
// lifetime of the process. Queries that failed the relevance gate are
// counted separately as gaps in the knowledge base.
type Aggregator struct {
	mu                sync.Mutex
	totalRetrievals   int64
	relevant          int64
	cacheHits         int64
	cacheMisses       int64
	ingestions        int64
	clears            int64
	latencies         []int64
	nextLatency       int
	queryCounts       map[string]int64
	unansweredQueries map[string]int64
	lastIngestion     time.Time
	startTime         time.Time
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		latencies:         make([]int64, 0, 1024),
		queryCounts:       make(map[string]int64),
		unansweredQueries: make(map[string]int64),
		startTime:         time.Now(),
	}
}

// Record folds one event into the totals. Unknown types are ignored.
func (a *Aggregator) Record(event any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch e := event.(type) {
	case RetrievalEvent:
		a.recordRetrieval(e)
	case IngestionEvent:
		a.ingestions++
		a.lastIngestion = e.Timestamp
	case ClearEvent:
		a.clears++
	}
}

func (a *Aggregator) recordRetrieval(e RetrievalEvent) {
	a.totalRetrievals++
	switch e.CacheStatus {
	case "hit":
		a.cacheHits++
	case "miss":
		a.cacheMisses++
	}
	if len(a.latencies) < maxLatencySamples {
		a.latencies = append(a.latencies, e.LatencyMs)
	} else {
		a.latencies[a.nextLatency] = e.LatencyMs
		a.nextLatency = (a.nextLatency + 1) % maxLatencySamples
	}
	a.queryCounts[e.Query]++
	if e.Relevant {
		a.relevant++
	} else {
		a.unansweredQueries[e.Query]++
	}
}

func (a *Aggregator) Stats() AggregatedStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := AggregatedStats{
		TotalRetrievals:    a.totalRetrievals,
		RelevantRetrievals: a.relevant,
		CacheHits:          a.cacheHits,
		CacheMisses:        a.cacheMisses,
		TotalIngestions:    a.ingestions,
		CorpusClears:       a.clears,
	}
	if a.totalRetrievals > 0 {
		stats.RelevantRate = float64(a.relevant) / float64(a.totalRetrievals)
	}
	if len(a.latencies) > 0 {
		sorted := make([]int64, len(a.latencies))
		copy(sorted, a.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var sum int64
		for _, l := range sorted {
			sum += l
		}
		stats.AvgLatencyMs = float64(sum) / float64(len(sorted))
		stats.P50LatencyMs = percentile(sorted, 50)
		stats.P95LatencyMs = percentile(sorted, 95)
		stats.P99LatencyMs = percentile(sorted, 99)
	}
	stats.TopQueries = topN(a.queryCounts, 10)
	stats.UnansweredQueries = topN(a.unansweredQueries, 10)
	if elapsed := time.Since(a.startTime).Minutes(); elapsed > 0 {
		stats.RetrievalsPerMinute = float64(a.totalRetrievals) / elapsed
	}
	if !a.lastIngestion.IsZero() {
		t := a.lastIngestion
		stats.LastIngestion = &t
	}
	return stats
}

func percentile(sorted []int64, pct int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := (pct * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// topN returns the n most frequent queries, ties broken alphabetically.
func topN(counts map[string]int64, n int) []QueryCount {
	result := make([]QueryCount, 0, len(counts))
	for query, count := range counts {
		result = append(result, QueryCount{Query: query, Count: count})
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Count != result[j].Count {
			return result[i].Count > result[j].Count
		}
		return result[i].Query < result[j].Query
	})
	if len(result) > n {
		result = result[:n]
	}
	return result
}
