package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/xhad/hark/pkg/errs"
)

const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	DefaultBatchSize = 512
)

// EmbedderConfig represents the configuration for an embedder.
type EmbedderConfig struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	BatchSize int
	// Dimension is the length every returned vector must have.
	Dimension int
	Logger    *slog.Logger
}

// Embedder maps texts to fixed-dimension vectors through an embedding model.
type Embedder struct {
	Config   EmbedderConfig
	embedder *embeddings.EmbedderImpl
	logger   *slog.Logger
}

// NewEmbedderWithConfig creates an embedder backed by an Ollama or OpenAI
// compatible server.
func NewEmbedderWithConfig(config EmbedderConfig) (*Embedder, error) {
	if config.Provider == "" {
		config.Provider = ProviderOpenAI
	}

	var client embeddings.EmbedderClient
	switch config.Provider {
	case ProviderOllama:
		if config.Model == "" {
			config.Model = "nomic-embed-text:latest"
		}
		if config.BaseURL == "" {
			config.BaseURL = "http://localhost:11434"
		}
		emb, err := ollama.New(ollama.WithModel(config.Model), ollama.WithServerURL(config.BaseURL))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize ollama embedder: %w", err)
		}
		client = emb
	case ProviderOpenAI:
		if config.Model == "" {
			config.Model = "text-embedding-ada-002"
		}
		opts := []openai.Option{openai.WithEmbeddingModel(config.Model)}
		if config.APIKey != "" {
			opts = append(opts, openai.WithToken(config.APIKey))
		}
		if config.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(config.BaseURL))
		}
		emb, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize openai embedder: %w", err)
		}
		client = emb
	default:
		return nil, errs.NewConfigError("embedding.provider", fmt.Sprintf("unknown provider %q", config.Provider))
	}

	return NewEmbedderWithClient(config, client)
}

// NewEmbedderWithClient wraps an existing embedding client.
func NewEmbedderWithClient(config EmbedderConfig, client embeddings.EmbedderClient) (*Embedder, error) {
	if config.Dimension <= 0 {
		return nil, errs.NewConfigError("database.vector_dim", "dimension must be positive")
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.BatchSize < 0 {
		return nil, errs.NewConfigError("embedding.batch_size", "batch_size must be positive")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	emb, err := embeddings.NewEmbedder(client,
		embeddings.WithBatchSize(config.BatchSize),
		embeddings.WithStripNewLines(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	return &Embedder{
		Config:   config,
		embedder: emb,
		logger:   config.Logger.With(slog.String("component", "embedder"), slog.String("model", config.Model)),
	}, nil
}

// Dimension returns the vector length this embedder produces.
func (e *Embedder) Dimension() int {
	return e.Config.Dimension
}

// EmbedDocuments returns one vector per text, in input order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	start := time.Now()
	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, e.upstreamError(ctx, err)
	}

	if len(vectors) != len(texts) {
		return nil, &errs.EmbeddingError{
			Reason: errs.ReasonCountMismatch,
			Err:    fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
		}
	}
	for i, v := range vectors {
		if err := e.checkVector(i, v); err != nil {
			return nil, err
		}
	}

	e.logger.Debug("embedded documents", slog.Int("count", len(texts)), slog.Duration("took", time.Since(start)))

	return vectors, nil
}

// EmbedQuery embeds a single search query.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, &errs.EmbeddingError{Reason: errs.ReasonInvalidInput, Err: errors.New("empty query")}
	}

	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, e.upstreamError(ctx, err)
	}
	if err := e.checkVector(0, vector); err != nil {
		return nil, err
	}

	return vector, nil
}

func (e *Embedder) checkVector(i int, v []float32) error {
	if len(v) != e.Config.Dimension {
		return &errs.EmbeddingError{
			Reason: errs.ReasonDimensionMismatch,
			Err:    fmt.Errorf("vector %d: %w", i, &errs.DimensionError{Want: e.Config.Dimension, Got: len(v)}),
		}
	}
	if err := errs.CheckFinite(v); err != nil {
		return &errs.EmbeddingError{Reason: errs.ReasonInvalidVector, Err: fmt.Errorf("vector %d: %w", i, err)}
	}
	return nil
}

func (e *Embedder) upstreamError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return &errs.EmbeddingError{Reason: errs.ReasonCanceled, Err: ctx.Err()}
	}
	e.logger.Warn("embedding request failed", slog.String("error", err.Error()))
	return &errs.EmbeddingError{Reason: errs.ReasonUpstream, Err: err}
}
