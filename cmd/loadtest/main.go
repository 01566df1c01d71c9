// Command loadtest drives concurrent queries against a running retrieval
// service and prints throughput, latency percentiles, relevance-gate and
// cache outcomes.
//
// Usage:
//
//	go run ./cmd/loadtest -url http://localhost:8080 -seed docs/loan-policy.pdf
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval"
)

type Config struct {
	BaseURL     string
	Concurrency int
	Duration    time.Duration
	TopK        int
	SeedPath    string
	Queries     []string
}

type Stats struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	relevantCount atomic.Int64
	cacheHits     atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats() *Stats {
	return &Stats{
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

// Record stores one request outcome. statusCode is 0 for transport errors.
func (s *Stats) Record(duration time.Duration, statusCode int, relevant, cacheHit bool) {
	s.totalRequests.Add(1)
	if statusCode == 0 {
		s.errorCount.Add(1)
		return
	}
	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}
	if relevant {
		s.relevantCount.Add(1)
	}
	if cacheHit {
		s.cacheHits.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "base URL of the retrieval service")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	topK := flag.Int("k", 5, "chunks requested per query")
	seed := flag.String("seed", "", "document to upload before the run (optional)")
	flag.Parse()

	cfg := Config{
		BaseURL:     *baseURL,
		Concurrency: *concurrency,
		Duration:    *duration,
		TopK:        *topK,
		SeedPath:    *seed,
		Queries: []string{
			"what is the processing fee",
			"loan prepayment charges",
			"how long does disbursal take",
			"minimum balance for savings account",
			"fixed deposit interest rate",
			"senior citizen benefits",
			"credit card annual fee",
			"late payment penalty",
			"emi calculation",
			"documents required for a home loan",
			"tds on interest",
			"premature withdrawal penalty",
			"weather tomorrow",
			"best pizza in town",
		},
	}

	fmt.Println("=== Retrieval Load Test ===")
	fmt.Printf("Target:      %s\n", cfg.BaseURL)
	fmt.Printf("Concurrency: %d\n", cfg.Concurrency)
	fmt.Printf("Duration:    %s\n", cfg.Duration)
	fmt.Printf("Queries:     %d unique, k=%d\n", len(cfg.Queries), cfg.TopK)
	fmt.Println()

	client := &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        cfg.Concurrency * 2,
			MaxIdleConnsPerHost: cfg.Concurrency * 2,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	if cfg.SeedPath != "" {
		if err := upload(client, cfg.BaseURL, cfg.SeedPath); err != nil {
			fmt.Fprintf(os.Stderr, "seeding corpus: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Seeded corpus from %s\n\n", cfg.SeedPath)
	}

	stats := runLoadTest(client, cfg)
	if !printReport(stats, cfg.Duration) {
		os.Exit(1)
	}
}

func upload(client *http.Client, baseURL, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	target := fmt.Sprintf("%s/api/v1/documents?filename=%s", baseURL, url.QueryEscape(filepath.Base(path)))
	resp, err := client.Post(target, "application/octet-stream", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upload returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}

func runLoadTest(client *http.Client, cfg Config) *Stats {
	stats := NewStats()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	fmt.Print("Running")

	for w := 0; w < cfg.Concurrency; w++ {
		queryIdx := w
		g.Go(func() error {
			for ctx.Err() == nil {
				query := cfg.Queries[queryIdx%len(cfg.Queries)]
				queryIdx++
				retrieveOnce(ctx, client, cfg, query, stats)
			}
			return nil
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				fmt.Print(".")
			}
		}
	})

	_ = g.Wait()
	fmt.Println(" done!")
	fmt.Println()
	return stats
}

func retrieveOnce(ctx context.Context, client *http.Client, cfg Config, query string, stats *Stats) {
	target := fmt.Sprintf("%s/api/v1/retrieve?q=%s&k=%d", cfg.BaseURL, url.QueryEscape(query), cfg.TopK)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		panic(fmt.Sprintf("creating request: %v", err))
	}

	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		// requests cut off by the end of the run are not failures
		if ctx.Err() == nil {
			stats.Record(duration, 0, false, false)
		}
		return
	}
	defer resp.Body.Close()

	var result retrieval.RetrievalResult
	if resp.StatusCode == http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(&result)
	}
	io.Copy(io.Discard, resp.Body)
	stats.Record(duration, resp.StatusCode, result.HasRelevantResults, resp.Header.Get("X-Cache") == "hit")
}

func printReport(stats *Stats, duration time.Duration) bool {
	total := stats.totalRequests.Load()
	success := stats.successCount.Load()
	errs := stats.errorCount.Load()

	fmt.Println("=== Results ===")
	fmt.Printf("Total Requests:  %d\n", total)
	fmt.Printf("Successful:      %d\n", success)
	fmt.Printf("Errors:          %d\n", errs)

	if total > 0 {
		fmt.Printf("Error Rate:      %.2f%%\n", float64(errs)/float64(total)*100)
		fmt.Printf("Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}
	if success > 0 {
		fmt.Printf("Relevant:        %.1f%%\n", float64(stats.relevantCount.Load())/float64(success)*100)
		fmt.Printf("Cache Hits:      %.1f%%\n", float64(stats.cacheHits.Load())/float64(success)*100)
	}

	stats.latenciesMu.Lock()
	latencies := slices.Clone(stats.latencies)
	stats.latenciesMu.Unlock()

	if len(latencies) > 0 {
		slices.Sort(latencies)

		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))

		fmt.Println()
		fmt.Println("=== Latency ===")
		fmt.Printf("Min:    %s\n", latencies[0])
		fmt.Printf("Avg:    %s\n", avg)
		fmt.Printf("P50:    %s\n", percentile(latencies, 50))
		fmt.Printf("P90:    %s\n", percentile(latencies, 90))
		fmt.Printf("P95:    %s\n", percentile(latencies, 95))
		fmt.Printf("P99:    %s\n", percentile(latencies, 99))
		fmt.Printf("Max:    %s\n", latencies[len(latencies)-1])

		var sumSquared float64
		for _, l := range latencies {
			diff := float64(l - avg)
			sumSquared += diff * diff
		}
		fmt.Printf("StdDev: %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	fmt.Println()
	fmt.Println("=== Status Codes ===")
	stats.statusCodesMu.Lock()
	codes := make([]int, 0, len(stats.statusCodes))
	for code := range stats.statusCodes {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		fmt.Printf("  %d: %d\n", code, stats.statusCodes[code].Load())
	}
	stats.statusCodesMu.Unlock()

	if total == 0 {
		fmt.Println()
		fmt.Println("WARNING: No requests completed. Is the service running?")
		return false
	}
	return true
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[max(0, min(idx, len(sorted)-1))]
}
