package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/engramlabs/engram/internal/config"
	"github.com/engramlabs/engram/internal/convlog"
	"github.com/engramlabs/engram/internal/dreaming"
	"github.com/engramlabs/engram/internal/embedding"
	"github.com/engramlabs/engram/internal/knowledge"
	"github.com/engramlabs/engram/internal/llm"
	"github.com/engramlabs/engram/internal/mcp"
	"github.com/engramlabs/engram/internal/memory"
	"github.com/engramlabs/engram/internal/observability"
	"github.com/engramlabs/engram/internal/tools"
)

// defaultConfigFile is used when neither --config nor ENGRAM_CONFIG
// names a file.
const defaultConfigFile = "engram.yaml"

// loadConfig resolves the config path from the flag, ENGRAM_CONFIG,
// then the default file. A missing default file is not an error; the
// server starts on built-in defaults.
func loadConfig(flagValue string) (*config.Config, error) {
	cfg, _, err := loadConfigFrom(flagValue)
	return cfg, err
}

// loadConfigFrom also reports the file the config came from; path is
// empty when built-in defaults were used.
func loadConfigFrom(flagValue string) (*config.Config, string, error) {
	path := flagValue
	if path == "" {
		path = os.Getenv("ENGRAM_CONFIG")
	}
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); errors.Is(err, os.ErrNotExist) {
			return config.Default(), "", nil
		}
		path = defaultConfigFile
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// runtime holds every wired component behind the CLI commands.
type runtime struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	prom    *prometheus.Registry

	embedder  *embedding.Service
	convLog   *convlog.Store
	memory    *memory.Orchestrator
	knowledge *knowledge.Base
	pipeline  *dreaming.Pipeline
	scheduler *dreaming.Scheduler
	server    *mcp.Server

	tracerShutdown func(context.Context) error
}

// buildRuntime wires the full component graph: embedding service,
// memory tiers, knowledge base, conversation log, dreaming pipeline,
// tool registry, and the MCP server on top.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	prom := prometheus.NewRegistry()
	metrics := observability.NewMetrics(prom)
	_, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "engram",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	embedder := embedding.NewService(cfg.Embedding, cfg.DataDir, logger, metrics)

	store, err := convlog.Open(filepath.Join(cfg.DataDir, "conversations.db"))
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	kb := knowledge.NewBase(cfg.DataDir, cfg.Knowledge.Collection,
		cfg.Knowledge.ChunkSize, cfg.Knowledge.ChunkOverlap, embedder, logger)

	conversations := memory.NewMultiModelStore(
		filepath.Join(cfg.DataDir, "conversations_multi_model.json"), logger)

	orch := memory.NewOrchestrator(memory.OrchestratorOptions{
		Working:       memory.NewWorkingMemory(cfg.Memory.WorkingMaxTokens),
		Active:        memory.NewActiveMemory(cfg.Memory.ActiveMaxPages),
		Archival:      memory.NewArchivalMemory(cfg.DataDir, cfg.Memory.Collection, embedder, logger),
		Knowledge:     kb,
		Embedder:      embedder,
		Recorder:      store,
		Conversations: conversations,
		Config:        cfg.Memory,
		Logger:        logger,
		Metrics:       metrics,
	})
	if cfg.Memory.MultiModel.Enabled {
		orch.SetMultiModel(true)
		orch.RegisterModel(embedder.ModelKey(), embedder)
		for _, ref := range cfg.Memory.MultiModel.Models {
			svc := embedding.NewService(config.EmbeddingConfig{
				Backend:   ref.Backend,
				Model:     ref.Name,
				Dimension: ref.Dimension,
			}, cfg.DataDir, logger, metrics)
			orch.RegisterModel(ref.Key(), svc)
		}
	}

	var pipeline *dreaming.Pipeline
	var scheduler *dreaming.Scheduler
	if cfg.Dreaming.Enabled {
		client, err := llm.New(cfg.LLM)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("llm client: %w", err)
		}
		pipeline = dreaming.NewPipeline(dreaming.PipelineOptions{
			LLM:      client,
			Archiver: dreaming.NewArchiver(filepath.Join(cfg.DataDir, "dreams"), logger),
			Quality:  cfg.Dreaming.Quality,
			Logger:   logger,
			Metrics:  metrics,
		})
		if cfg.Dreaming.Schedule.Cron != "" || cfg.Dreaming.Schedule.Every > 0 {
			scheduler, err = dreaming.NewScheduler(pipeline, cfg.Dreaming.Schedule, logger)
			if err != nil {
				store.Close()
				return nil, fmt.Errorf("dream scheduler: %w", err)
			}
		}
	}

	registry := tools.NewRegistry(logger, metrics)
	if err := tools.RegisterBuiltins(registry, tools.Deps{
		Memory:    orch,
		Knowledge: kb,
		ConvLog:   store,
		Dreams:    pipeline,
		Scheduler: scheduler,
		Search:    tools.NewWebSearch(cfg.Tools.WebSearch),
		Logger:    logger,
	}); err != nil {
		store.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}

	server := mcp.NewServer(registry,
		mcp.ServerInfo{Name: "engram", Version: version}, logger, metrics)

	return &runtime{
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
		prom:           prom,
		embedder:       embedder,
		convLog:        store,
		memory:         orch,
		knowledge:      kb,
		pipeline:       pipeline,
		scheduler:      scheduler,
		server:         server,
		tracerShutdown: tracerShutdown,
	}, nil
}

// close flushes persistent state and stops background work.
func (rt *runtime) close(ctx context.Context) {
	if rt.scheduler != nil {
		rt.scheduler.Stop()
	}
	if err := rt.knowledge.Flush(); err != nil {
		rt.logger.Warn(ctx, "knowledge base flush failed", "error", err)
	}
	if err := rt.convLog.Close(); err != nil {
		rt.logger.Warn(ctx, "conversation log close failed", "error", err)
	}
	if err := rt.tracerShutdown(ctx); err != nil {
		rt.logger.Warn(ctx, "tracer shutdown failed", "error", err)
	}
}
