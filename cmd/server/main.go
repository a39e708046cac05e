// Package main is the entry point for the semantic cache server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zakariaf/ragcache/internal/cache"
	"github.com/zakariaf/ragcache/internal/config"
	"github.com/zakariaf/ragcache/internal/embedding"
	"github.com/zakariaf/ragcache/internal/metrics"
	"github.com/zakariaf/ragcache/internal/observability"
	"github.com/zakariaf/ragcache/internal/pipeline"
	"github.com/zakariaf/ragcache/internal/pricing"
	"github.com/zakariaf/ragcache/internal/provider"
	"github.com/zakariaf/ragcache/internal/provider/anthropic"
	"github.com/zakariaf/ragcache/internal/provider/openai"
	"github.com/zakariaf/ragcache/internal/resilience"
	"github.com/zakariaf/ragcache/internal/vectorstore"
	"github.com/zakariaf/ragcache/pkg/errors"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      cfg.Server.LogLevel,
		JSONFormat: cfg.Server.LogJSON,
	})
	slog.SetDefault(logger)
	logger.Info("starting ragcache", "listen_addr", cfg.Server.ListenAddr)

	// Pricing table, optionally hot-reloaded from disk.
	priceRegistry := pricing.NewRegistry(logger)
	if cfg.Pricing.Path != "" {
		if err := priceRegistry.Watch(cfg.Pricing.Path); err != nil {
			return fmt.Errorf("pricing file: %w", err)
		}
		defer priceRegistry.Close()
	}
	tracker := pricing.NewTracker(priceRegistry)

	// Vector store pool. The exact and semantic tiers both live in Qdrant.
	qdrantBase := fmt.Sprintf("http://%s:%d", cfg.Vector.Host, cfg.Vector.Port)
	pool, err := vectorstore.NewPool(func() (vectorstore.Store, error) {
		return vectorstore.NewQdrantStore(vectorstore.QdrantConfig{
			APIBase:    qdrantBase,
			APIKey:     cfg.Vector.APIKey,
			Collection: cfg.Vector.Collection,
			Timeout:    cfg.Vector.Timeout,
		})
	}, vectorstore.PoolConfig{
		MinSize:         cfg.Pool.MinSize,
		MaxSize:         cfg.Pool.MaxSize,
		IdleTimeout:     cfg.Pool.IdleTimeout,
		MaxLifetime:     cfg.Pool.MaxLifetime,
		AcquireTimeout:  cfg.Pool.AcquireTimeout,
		JanitorInterval: cfg.Pool.JanitorInterval,
	}, logger)
	if err != nil {
		return fmt.Errorf("create vector store pool: %w", err)
	}
	defer pool.Close()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()
	err = pool.WithConn(startupCtx, func(store vectorstore.Store) error {
		return store.EnsureCollection(startupCtx, cfg.Embedding.Dimension, vectorstore.DistanceCosine)
	})
	if err != nil {
		return fmt.Errorf("ensure collection: %w", err)
	}

	// Embedder: OpenAI when a key is configured, local hashing otherwise,
	// wrapped with the LRU cache and batch coalescing.
	embedder, closeEmbedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return fmt.Errorf("create embedder: %w", err)
	}
	defer closeEmbedder()

	similarityCache, err := cache.New(pool, embedder, cache.Config{
		MaxSize:       cfg.Cache.MaxSize,
		EvictionBatch: cfg.Cache.EvictionBatch,
		Optimizer: cache.OptimizerConfig{
			InitialThreshold: cfg.Cache.InitialThreshold,
			MinThreshold:     cfg.Cache.MinThreshold,
			MaxThreshold:     cfg.Cache.MaxThreshold,
			AdjustmentRate:   0.01,
			TargetHitRate:    cfg.Cache.TargetHitRate,
			HitRateTolerance: cfg.Cache.HitRateTolerance,
			MinTTL:           cfg.Cache.TTL.Min,
			BaseTTL:          cfg.Cache.TTL.Base,
			MaxTTL:           cfg.Cache.TTL.Max,
			CacheWorthyFloor: cfg.Cache.CacheWorthyFloor,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("create cache: %w", err)
	}

	registry, err := buildProviders(cfg)
	if err != nil {
		return fmt.Errorf("configure providers: %w", err)
	}

	manager := resilience.NewManager(resilience.ManagerConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		},
		RPMFor: cfg.Rate.RPMFor,
	})
	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:  cfg.Retry.MaxAttempts,
		InitialDelay: cfg.Retry.InitialDelay,
		MaxDelay:     cfg.Retry.MaxDelay,
		Base:         cfg.Retry.Base,
		Jitter:       cfg.Retry.Jitter,
	}, logger)

	dispatcher, err := provider.NewDispatcher(provider.DispatcherConfig{
		Registry:    registry,
		Strategy:    provider.PreferredStrategy{},
		Resilience:  manager,
		Retrier:     retrier,
		Tracker:     tracker,
		Logger:      logger,
		MaxFallback: cfg.Cache.MaxFallback,
	})
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promRegistry)

	pipe, err := pipeline.New(similarityCache, dispatcher, pipeline.Config{
		ParallelTimeout: cfg.Pipeline.ParallelTimeout,
		ContinueOnError: cfg.Pipeline.ContinueOnError,
		LatencyWindow:   cfg.Pipeline.LatencyWindow,
	}, logger, m)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("POST /v1/query", queryHandler(pipe, logger))
	mux.Handle("GET /healthz", healthHandler(pool))
	mux.Handle("GET /stats", statsHandler(similarityCache, pipe, pool, tracker, manager))
	mux.Handle("GET /metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

func buildEmbedder(cfg *config.Config, logger *slog.Logger) (embedding.Embedder, func(), error) {
	var base embedding.Embedder
	switch {
	case cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey != "":
		oa, err := embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:    cfg.Embedding.APIKey,
			APIBase:   cfg.Embedding.APIBase,
			Model:     cfg.Embedding.Model,
			Dimension: cfg.Embedding.Dimension,
			Normalize: cfg.Embedding.Normalize,
			Timeout:   cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		base = oa
	default:
		logger.Warn("no embedding API key configured, using local hash embedder")
		base = embedding.NewLocalEmbedder(cfg.Embedding.Dimension)
	}

	cached, err := embedding.NewCachedEmbedder(base, embedding.CacheConfig{
		MaxEntries:    cfg.Embedding.CacheSize,
		Normalize:     cfg.Embedding.Normalize,
		ItemMaxSizeKB: cfg.Embedding.CacheItemMaxSizeKB,
	})
	if err != nil {
		return nil, nil, err
	}

	batcher := embedding.NewBatchingEmbedder(cached, embedding.BatcherConfig{
		BatchSize: cfg.Embedding.BatchSize,
		MaxWait:   cfg.Embedding.MaxWait,
	}, logger)
	return batcher, batcher.Close, nil
}

func buildProviders(cfg *config.Config) (*provider.Registry, error) {
	registry := provider.NewRegistry()
	for _, pc := range cfg.Providers {
		var p provider.Provider
		var err error
		switch pc.Type {
		case "openai":
			p, err = openai.New(openai.Config{
				Name:         pc.Name,
				APIKey:       pc.APIKey,
				BaseURL:      pc.APIBase,
				DefaultModel: pc.Model,
				Timeout:      pc.Timeout,
			})
		case "anthropic":
			p, err = anthropic.New(anthropic.Config{
				Name:         pc.Name,
				APIKey:       pc.APIKey,
				BaseURL:      pc.APIBase,
				DefaultModel: pc.Model,
				Timeout:      pc.Timeout,
			})
		default:
			err = fmt.Errorf("unsupported provider type %q", pc.Type)
		}
		if err != nil {
			return nil, err
		}
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	if registry.Len() == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	return registry, nil
}

func queryHandler(pipe *pipeline.Pipeline, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Query       string   `json:"query"`
			Provider    string   `json:"provider"`
			Model       string   `json:"model"`
			MaxTokens   int      `json:"max_tokens"`
			Temperature float64  `json:"temperature"`
			UseExact    *bool    `json:"use_exact"`
			UseSemantic *bool    `json:"use_semantic"`
			TimeoutMS   int      `json:"timeout_ms"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, errors.ValidationFault("invalid JSON body"))
			return
		}

		req := pipeline.Request{
			Query:       body.Query,
			Provider:    body.Provider,
			Model:       body.Model,
			MaxTokens:   body.MaxTokens,
			Temperature: body.Temperature,
			UseExact:    true,
			UseSemantic: true,
		}
		if body.UseExact != nil {
			req.UseExact = *body.UseExact
		}
		if body.UseSemantic != nil {
			req.UseSemantic = *body.UseSemantic
		}

		ctx := r.Context()
		if body.TimeoutMS > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(body.TimeoutMS)*time.Millisecond)
			defer cancel()
		}

		resp, err := pipe.Process(ctx, req)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	})
}

func healthHandler(pool *vectorstore.Pool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		err := pool.WithConn(ctx, func(store vectorstore.Store) error {
			return store.Ping(ctx)
		})
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "degraded", "error": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
}

func statsHandler(c *cache.Cache, pipe *pipeline.Pipeline, pool *vectorstore.Pool, tracker *pricing.Tracker, manager *resilience.Manager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"cache":    c.Stats(),
			"latency":  pipe.LatencyStats(),
			"pool":     pool.Stats(),
			"cost":     tracker.Summary(),
			"breakers": manager.BreakerStates(),
		})
	})
}

func statusFor(err error) int {
	switch errors.KindOf(err) {
	case errors.KindValidationFault, errors.KindContextExceeded:
		return http.StatusBadRequest
	case errors.KindBudgetExceeded:
		return http.StatusTooManyRequests
	case errors.KindCancelled:
		return 499 // client closed request
	case errors.KindCircuitOpen, errors.KindUpstreamFault:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, pipeline.ErrorBodyFor(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
