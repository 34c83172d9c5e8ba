package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/internal/types"
	cfgPkg "github.com/xhad/hark/pkg/config"
	"github.com/xhad/hark/pkg/fetcher"
	"github.com/xhad/hark/pkg/llm"
	"github.com/xhad/hark/pkg/metrics"
	"github.com/xhad/hark/pkg/pipeline"
	"github.com/xhad/hark/pkg/processor"
	"github.com/xhad/hark/pkg/store"
	"github.com/xhad/hark/pkg/transcoder"
	"github.com/xhad/hark/pkg/transcription"
)

// app holds every component built from one config.
type app struct {
	config   *cfgPkg.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    types.VectorStore
	pipeline *pipeline.Pipeline
	fetcher  *fetcher.Fetcher
	fetching *fetchStatus
	chat     *llm.ChatEngine

	transcriber *transcription.Client
}

func loadConfig(opts *rootOptions) (*cfgPkg.Config, error) {
	config, err := cfgPkg.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.dbURL != "" {
		config.Database.URL = opts.dbURL
	}
	if opts.store != "" {
		config.Database.Store = opts.store
	}
	if err := config.Err(); err != nil {
		return nil, err
	}
	return config, nil
}

func newLogger(level string, json bool) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts)), nil
}

func newApp(ctx context.Context, opts *rootOptions) (*app, error) {
	config, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	logger, err := newLogger(opts.logLevel, opts.logJSON)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(registry)

	tc, err := transcoder.NewWithConfig(transcoder.TranscoderConfig{
		FFmpegPath: config.Transcoder.FFmpegPath,
		WorkDir:    config.Transcoder.WorkDir,
		Bitrate:    config.Transcoder.Bitrate,
		SampleRate: config.Transcoder.SampleRate,
		CleanUp:    config.Transcoder.CleanUp,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transcoder: %w", err)
	}

	transcriber, err := transcription.NewClient(transcription.Config{
		APIKey:     config.Transcription.APIKey,
		BaseURL:    config.Transcription.BaseURL,
		Model:      config.Transcription.Model,
		Language:   config.Transcription.Language,
		MaxBytes:   config.Transcription.MaxBytes,
		MaxRetries: config.Transcription.MaxRetries,
		Timeout:    time.Duration(config.Transcription.TimeoutSeconds) * time.Second,
		RateLimit:  config.Transcription.RateLimit,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize transcription client: %w", err)
	}

	proc, err := processor.NewWithConfig(processor.ProcessorConfig{
		ChunkSize:    config.Processor.ChunkSize,
		EncodingName: config.Processor.EncodingName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize processor: %w", err)
	}

	embedder, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:  config.Embedding.Provider,
		Model:     config.Embedding.Model,
		BaseURL:   config.Embedding.BaseURL,
		APIKey:    config.Embedding.APIKey,
		BatchSize: config.Embedding.BatchSize,
		Dimension: config.Database.VectorDim,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}

	vs, err := store.Open(ctx, config.Database.Store, store.VectorStoreConfig{
		ConnString: config.Database.URL,
		TableName:  config.Database.TableName,
		VectorDim:  config.Database.VectorDim,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vector store: %w", err)
	}

	p, err := pipeline.NewWithConfig(pipeline.Config{
		TargetFormat:          models.Format(strings.ToLower(config.Transcoder.TargetFormat)),
		WorkDir:               filepath.Join(config.Transcoder.WorkDir, "transcripts"),
		SearchLimit:           config.Database.SearchLimit,
		FailOnEmptyTranscript: config.Pipeline.FailOnEmptyTranscript,
		ReplaceExisting:       config.Pipeline.ReplaceExisting,
		Transcoder:            tc,
		Transcriber:           transcriber,
		Chunker:               proc,
		Embedder:              embedder,
		Store:                 vs,
		Logger:                logger,
		Metrics:               m,
	})
	if err != nil {
		vs.Close()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	fetching := &fetchStatus{}
	f, err := fetcher.NewWithConfig(fetcher.FetcherConfig{
		MaxBytes:       config.Fetcher.MaxBytes,
		RateLimit:      config.Fetcher.RateLimit,
		IgnorePatterns: config.Fetcher.IgnorePatterns,
		OnProgress:     fetching.visit,
		Logger:         logger,
	})
	if err != nil {
		vs.Close()
		return nil, fmt.Errorf("failed to initialize fetcher: %w", err)
	}

	a := &app{
		config:   config,
		logger:   logger,
		registry: registry,
		metrics:  m,
		store:    vs,
		pipeline: p,
		fetcher:  f,
		fetching: fetching,

		transcriber: transcriber,
	}

	if config.LLM.Enabled {
		a.chat, err = llm.NewWithConfig(llm.ChatConfig{
			Model:       config.LLM.Model,
			Temperature: config.LLM.Temperature,
			MaxTokens:   config.LLM.MaxTokens,
			BaseURL:     config.LLM.BaseURL,
		})
		if err != nil {
			vs.Close()
			return nil, fmt.Errorf("failed to initialize chat engine: %w", err)
		}
	}

	return a, nil
}

func (a *app) Close() {
	a.store.Close()
}
