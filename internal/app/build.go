package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chatmem/internal/config"
	"github.com/ent0n29/chatmem/internal/consolidation"
	"github.com/ent0n29/chatmem/internal/conversation"
	"github.com/ent0n29/chatmem/internal/httpapi"
	"github.com/ent0n29/chatmem/internal/ingest"
	"github.com/ent0n29/chatmem/internal/llm"
	"github.com/ent0n29/chatmem/internal/memory"
	"github.com/ent0n29/chatmem/internal/observability"
	"github.com/ent0n29/chatmem/internal/rehydrate"
	"github.com/ent0n29/chatmem/internal/sweep"
	"github.com/ent0n29/chatmem/internal/turncache"
)

type BuildResult struct {
	Config        config.Config
	Store         memory.Store
	LLM           llm.Client
	Engine        *consolidation.Engine
	Rehydrator    *rehydrate.Rehydrator
	Conversations *conversation.Service
	Sweeper       *sweep.Scheduler
	API           *httpapi.Server
	Metrics       *observability.Metrics
	Logger        *zap.Logger

	// Cleanup should be called on shutdown to release the store connection.
	Cleanup func() error
}

// Build wires every component from cfg. The caller owns the logger.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	client, err := llm.NewAdapter(cfg.LLM())
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("llm adapter init failed: %w", err)
	}

	ingestor, err := ingest.New(store, cfg.DedupeCacheSize, metrics, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	engine := consolidation.New(store, client, client, consolidation.Config{
		Thresholds:    cfg.Thresholds(),
		BlockSize:     cfg.BlockSize,
		InlineTimeout: cfg.InlineTimeout,
		Redactor:      cfg.Redactor(),
	}, metrics, logger)

	rehydrator := rehydrate.New(store, cfg.RehydrateTurns)
	cache := turncache.New(cfg.CacheTurns, cfg.CacheTTL)
	conversations := conversation.NewService(
		ingestor,
		engine,
		rehydrator,
		cache,
		client,
		conversation.Config{ResetKeywords: cfg.ResetKeywords},
		metrics,
		logger,
	)

	sweeper := sweep.New(engine, store, sweep.Config{
		Interval:         cfg.SweepInterval,
		MaxConversations: cfg.SweepConversations,
		MaxRounds:        cfg.SweepRounds,
		Concurrency:      cfg.SweepConcurrency,
	}, metrics, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Store:         store,
		Ingestor:      ingestor,
		Engine:        engine,
		Conversations: conversations,
		Sweeper:       sweeper,
		Metrics:       metrics,
		Logger:        logger,
	})

	logger.Info("components ready",
		zap.String("store_mode", memory.Backend(store)),
		zap.String("llm_model", client.Model()),
		zap.Duration("inline_threshold", cfg.Thresholds().Inline),
		zap.Bool("sweep_enabled", cfg.Thresholds().SweepEnabled()),
		zap.Int("block_size", cfg.BlockSize),
	)

	cleanup := func() error {
		var errs []string
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:        cfg,
		Store:         store,
		LLM:           client,
		Engine:        engine,
		Rehydrator:    rehydrator,
		Conversations: conversations,
		Sweeper:       sweeper,
		API:           api,
		Metrics:       metrics,
		Logger:        logger,
		Cleanup:       cleanup,
	}, nil
}
