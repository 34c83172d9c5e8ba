// Package store persists transcript chunks with their embeddings and answers
// nearest-neighbour queries by cosine distance.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/internal/types"
	"github.com/xhad/hark/pkg/errs"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

var (
	_ types.VectorStore = (*PGVectorStore)(nil)
	_ types.VectorStore = (*MemoryStore)(nil)
)

// Open returns the store selected by backend.
func Open(ctx context.Context, backend string, config VectorStoreConfig) (types.VectorStore, error) {
	switch backend {
	case "", BackendPostgres:
		return NewWithConfig(ctx, config)
	case BackendMemory:
		if config.Logger != nil {
			config.Logger.Warn("using in-memory vector store, rows are lost on exit")
		} else {
			slog.Warn("using in-memory vector store, rows are lost on exit")
		}
		return NewMemory(config.VectorDim)
	default:
		return nil, errs.NewConfigError("database.store", fmt.Sprintf("unknown store %q", backend))
	}
}

// validateChunks checks a whole batch before anything is written.
func validateChunks(op string, chunks []models.TranscriptChunk, dim int) error {
	for i, c := range chunks {
		if sanitizeText(c.Content) == "" {
			return &errs.StoreError{Op: op, Err: fmt.Errorf("chunk %d has empty content", i)}
		}
		if len(c.Embedding) != dim {
			return &errs.DimensionError{Want: dim, Got: len(c.Embedding)}
		}
		if err := errs.CheckFinite(c.Embedding); err != nil {
			return &errs.StoreError{Op: op, Err: fmt.Errorf("chunk %d: %w", i, err)}
		}
	}
	return nil
}

func validateQuery(embedding []float32, limit, dim int) error {
	if limit <= 0 {
		return errs.NewConfigError("limit", "limit must be positive")
	}
	if len(embedding) != dim {
		return &errs.DimensionError{Want: dim, Got: len(embedding)}
	}
	if err := errs.CheckFinite(embedding); err != nil {
		return &errs.StoreError{Op: "query", Err: err}
	}
	return nil
}

// sanitizeText makes content storable in a TEXT column: invalid UTF-8 is
// replaced and NUL bytes are dropped.
func sanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}
