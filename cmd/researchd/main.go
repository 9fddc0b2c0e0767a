// researchd — an MCP research server with a durable job queue, streaming
// event fan-out, and hybrid retrieval.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/peregrine-ai/researchd/internal/cache"
	"github.com/peregrine-ai/researchd/internal/config"
	"github.com/peregrine-ai/researchd/internal/dispatch"
	"github.com/peregrine-ai/researchd/internal/embed"
	"github.com/peregrine-ai/researchd/internal/events"
	"github.com/peregrine-ai/researchd/internal/httpserver"
	"github.com/peregrine-ai/researchd/internal/janitor"
	"github.com/peregrine-ai/researchd/internal/mcpserver"
	"github.com/peregrine-ai/researchd/internal/metrics"
	"github.com/peregrine-ai/researchd/internal/pipeline"
	"github.com/peregrine-ai/researchd/internal/provider"
	"github.com/peregrine-ai/researchd/internal/store"
	"github.com/peregrine-ai/researchd/internal/telemetry"
	"github.com/peregrine-ai/researchd/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	stdio := flag.Bool("stdio", false, "serve MCP over stdio instead of HTTP")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel, *stdio)
	defer func() { _ = logger.Sync() }()

	httpserver.Version = version
	httpserver.Commit = commit
	mcpserver.Version = version

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Fatal("init tracing", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	m := metrics.New()

	if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
		logger.Fatal("create data dir", zap.String("dir", cfg.DataDir), zap.Error(err))
	}
	dbPath := filepath.Join(cfg.DataDir, "researchd.db")
	st, err := store.Open(dbPath, store.Options{
		VectorDim:        embed.Dim,
		RetryAttempts:    cfg.Store.RetryAttempts,
		RetryBase:        cfg.Store.RetryBase,
		MaxDocContentLen: cfg.Store.MaxDocContentLen,
		OnRetry: func(op string) {
			m.StoreRetriesTotal.WithLabelValues(op).Inc()
		},
	}, logger.Named("store"))
	if err != nil {
		logger.Fatal("open store", zap.String("path", dbPath), zap.Error(err))
	}
	defer func() { _ = st.Close() }()
	logger.Info("store opened", zap.String("path", dbPath))

	embedder, err := embed.New(cfg.Embed)
	if err != nil {
		logger.Fatal("init embedder", zap.Error(err))
	}

	llm, err := provider.New(cfg.LLM)
	if err != nil {
		logger.Fatal("init llm provider", zap.Error(err))
	}
	logger.Info("llm provider configured", zap.String("provider", llm.Name()))

	bus := events.New(st, events.Options{
		ReplayWindow:    cfg.Events.ReplayWindow,
		SubscriberQueue: cfg.Events.SubscriberQueue,
		OnPublish:       func(eventType string) { m.EventsPublishedTotal.WithLabelValues(eventType).Inc() },
		OnDrop:          func(string) { m.SubscriberDropsTotal.Inc() },
	}, logger)

	resultCache := cache.New(st, cache.Options{
		TTL:                 cfg.Cache.TTL,
		MaxEntries:          cfg.Cache.MaxEntries,
		SimilarityThreshold: cfg.Cache.SimilarityThreshold,
	}, logger)

	pool := worker.New(st, bus, m, worker.Options{
		Concurrency:       cfg.Workers.Concurrency,
		LeaseTimeout:      cfg.Workers.LeaseTimeout,
		HeartbeatInterval: cfg.Workers.HeartbeatInterval,
		PollInterval:      cfg.Workers.PollInterval,
		MaxAttempts:       cfg.Workers.MaxAttempts,
	}, logger)

	weights := store.Weights{BM25: cfg.Search.WeightBM25, Vec: cfg.Search.WeightVec}
	bm25 := store.BM25Params{K1: cfg.Search.BM25K1, B: cfg.Search.BM25B}

	pipe := pipeline.New(st, resultCache, embedder, llm, bus, m, pipeline.Options{
		MaxAgents:      cfg.Pipeline.MaxAgents,
		Parallelism:    cfg.Pipeline.Parallelism,
		ContextReports: cfg.Pipeline.ContextReports,
		Model:          cfg.LLM.Model,
		LowCostModel:   cfg.LLM.LowCostModel,
		FingerprintLen: cfg.Jobs.FingerprintLength,
		Weights:        weights,
		BM25:           bm25,
	}, logger)
	pipe.RegisterAll(pool)

	dispatcher, err := dispatch.New(st, bus, pool, embedder, m, dispatch.Options{
		IdempotencyWindow: cfg.Jobs.IdempotencyWindow,
		MaxRetries:        cfg.Workers.MaxAttempts,
		FingerprintLen:    cfg.Jobs.FingerprintLength,
		ExternalURL:       cfg.ExternalURL,
		Weights:           weights,
		BM25:              bm25,
	}, logger)
	if err != nil {
		logger.Fatal("init dispatcher", zap.Error(err))
	}
	pipe.SetSubmitter(dispatcher)

	jan := janitor.New(logger)
	mustAdd := func(name, schedule string, run func(ctx context.Context) error) {
		if err := jan.Add(name, schedule, run); err != nil {
			logger.Fatal("register maintenance task", zap.Error(err))
		}
	}
	mustAdd("reap-terminal-jobs", "@every 5m", func(ctx context.Context) error {
		n, err := st.ReapTerminal(ctx, cfg.Jobs.TTL)
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("reaped terminal jobs", zap.Int64("count", n))
		}
		return nil
	})
	mustAdd("prune-cache", fmt.Sprintf("@every %s", cfg.Cache.PruneInterval), func(ctx context.Context) error {
		_, err := resultCache.Prune(ctx)
		return err
	})

	pool.Start(ctx)
	jan.Start(ctx)

	mcpSrv := mcpserver.New(dispatcher, logger)

	if *stdio {
		logger.Info("serving MCP over stdio", zap.String("version", version))
		if err := mcpSrv.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stdio transport failed", zap.Error(err))
		}
	} else {
		httpSrv := httpserver.New(cfg, dispatcher, bus, m, mcpSrv.Handler(), logger)
		if err := httpSrv.Run(ctx); err != nil {
			logger.Error("http server failed", zap.Error(err))
		}
	}

	// Drain: stop claiming, let running handlers observe cancellation,
	// then wait for their terminal writes.
	cancel()
	pool.Wait()
	jan.Wait()
	logger.Info("shutdown complete")
}

// buildLogger configures zap at the requested level. The stdio transport
// owns stdout, so logs always go to stderr.
func buildLogger(level string, stdio bool) *zap.Logger {
	lvl := zapcore.InfoLevel
	_ = lvl.Set(level)

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if stdio {
		// Quieter by default on stdio so MCP clients see clean frames.
		if lvl < zapcore.WarnLevel {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		}
	}
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
