// Command retriever starts the knowledge-base retrieval service.
//
// A document uploaded via POST /api/v1/documents becomes the active corpus,
// replacing whatever was there before. GET /api/v1/retrieve answers queries
// against it with TF-IDF ranking and a relevance gate. Redis, PostgreSQL and
// Kafka are optional: each one is used only when enabled in the config.
//
// Usage:
//
//	go run ./cmd/retriever [-config configs/development.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/extractor"
	ingesthandler "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/handler"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/ledger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/ingestion/publisher"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/cache"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/chunker"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/corpus"
	retrievehandler "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/internal/retrieval/handler"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/resilience"
	"github.com/Adithya-Monish-Kumar-K/finwise-retrieval/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to read .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	tracing.SetEnabled(cfg.Tracing.Enabled)
	tracing.SetSampleRate(cfg.Tracing.SampleRate)

	if err := run(cfg); err != nil {
		slog.Error("retrieval service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("retrieval service stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting retrieval service",
		"port", cfg.Server.Port,
		"chunk_size", cfg.Retrieval.ChunkSize,
		"chunk_overlap", cfg.Retrieval.ChunkOverlap,
		"relevance_threshold", cfg.Retrieval.RelevanceThreshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	store := corpus.New(corpus.WithRelevanceThreshold(cfg.Retrieval.RelevanceThreshold))
	ch := chunker.New(cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
	m.ObserveCorpus(0, store.Version())

	checker := health.NewChecker()
	checker.Register("corpus", func(ctx context.Context) health.ComponentHealth {
		stats := store.Stats()
		if !stats.Ready {
			return health.ComponentHealth{Status: health.StatusUp, Message: "empty"}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: fmt.Sprintf("%d chunks, version %d", stats.Chunks, stats.Version)}
	})

	var (
		ingestOpts   = ingesthandler.Options{Metrics: m}
		retrieveOpts = retrievehandler.Options{Metrics: m}
	)

	var redisPinger health.Pinger
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, query caching disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache := cache.New(redisClient, cfg.Redis.CacheTTL, m)
			// Entries left by an earlier process describe a corpus this one
			// never loaded.
			if err := queryCache.Invalidate(ctx); err != nil {
				slog.Warn("startup cache invalidation failed", "error", err)
			}
			ingestOpts.Cache = queryCache
			retrieveOpts.Cache = queryCache
			redisPinger = redisClient
			slog.Info("query cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	checker.Register("redis", health.PingCheck(redisPinger))

	var ledgerPinger health.Pinger
	if cfg.Postgres.Enabled {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, upload ledger disabled", "error", err)
		} else {
			defer db.Close()
			l := ledger.New(db, ledger.WithTimeout(cfg.Ingestion.LedgerTimeout))
			if err := l.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("preparing ledger schema: %w", err)
			}
			ingestOpts.Ledger = l
			retrieveOpts.Ledger = l
			ledgerPinger = l
			slog.Info("upload ledger enabled", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
		}
	}
	checker.Register("postgres", health.PingCheck(ledgerPinger))

	var (
		kafkaPinger     health.Pinger
		analyticsOutput analytics.Publisher
	)
	if cfg.Kafka.Enabled {
		corpusProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.CorpusEvents)
		defer corpusProducer.Close()
		analyticsProducer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.AnalyticsEvents)
		defer analyticsProducer.Close()

		breaker := resilience.NewCircuitBreaker("corpus-events", resilience.CircuitBreakerConfig{
			OnStateChange: func(name string, _, to resilience.State) {
				m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			},
		})
		m.CircuitBreakerState.WithLabelValues(breaker.Name()).Set(float64(resilience.StateClosed))

		pub := publisher.New(corpusProducer, breaker)
		ingestOpts.Publisher = pub
		retrieveOpts.Publisher = pub
		analyticsOutput = analyticsProducer
		kafkaPinger = corpusProducer
		slog.Info("kafka publishing enabled",
			"brokers", cfg.Kafka.Brokers,
			"corpus_topic", cfg.Kafka.Topics.CorpusEvents,
			"analytics_topic", cfg.Kafka.Topics.AnalyticsEvents,
		)
	}
	checker.Register("kafka", health.PingCheck(kafkaPinger))

	aggregator := analytics.NewAggregator()
	collector := analytics.NewCollector(analyticsOutput, aggregator, 10000)
	collector.Start(ctx)
	defer collector.Close()
	ingestOpts.Collector = collector
	retrieveOpts.Collector = collector

	ingest := ingesthandler.New(store, extractor.DefaultRegistry(), ch, cfg.Ingestion.MaxUploadBytes, ingestOpts)
	retrieve := retrievehandler.New(store, cfg.Retrieval.DefaultTopK, cfg.Retrieval.MaxTopK, retrieveOpts)
	analyticsH := analytics.NewHandler(aggregator)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/documents", ingest.Ingest)
	mux.HandleFunc("GET /api/v1/documents", ingest.Recent)
	mux.HandleFunc("GET /api/v1/retrieve", retrieve.Retrieve)
	mux.HandleFunc("GET /api/v1/context", retrieve.Context)
	mux.HandleFunc("GET /api/v1/corpus", retrieve.Corpus)
	mux.HandleFunc("GET /api/v1/corpus/chunks", retrieve.Chunks)
	mux.HandleFunc("DELETE /api/v1/corpus", retrieve.ClearCorpus)
	mux.HandleFunc("GET /api/v1/cache/stats", retrieve.CacheStats)
	mux.HandleFunc("GET /api/v1/analytics", analyticsH.Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.Server.RequestTimeout)(chain)
	chain = middleware.Metrics(m)(chain)
	chain = middleware.CORS(middleware.DefaultCORSConfig(cfg.Server.AllowedOrigins))(chain)
	chain = middleware.RequestID(chain)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      chain,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var shutdownMetrics func(context.Context) error
	if cfg.Metrics.Enabled {
		shutdownMetrics = metrics.StartServer(cfg.Metrics.Port, m.Handler())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("retrieval service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		if err := server.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		if shutdownMetrics != nil {
			if err := shutdownMetrics(shutdownCtx); err != nil {
				errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
			}
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
