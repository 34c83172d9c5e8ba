package types

import (
	"context"

	"github.com/xhad/hark/internal/models"
)

// Transcoder converts audio between container formats.
type Transcoder interface {
	Transcode(ctx context.Context, input []byte, source, target models.Format) ([]byte, error)
	JoinSegments(ctx context.Context, segments [][]byte, source, target models.Format) ([]byte, error)
}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, format models.Format) (string, error)
}

// Tokenizer is a reversible text encoding used for chunking.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// Chunker splits a transcript into ordered, token-bounded pieces.
type Chunker interface {
	Process(text string) ([]string, error)
}

// Embedder maps texts to fixed-dimension vectors, preserving order.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// VectorStore persists transcript chunks and answers kNN queries.
type VectorStore interface {
	Init(ctx context.Context) error
	Insert(ctx context.Context, chunks []models.TranscriptChunk) ([]int64, error)
	Replace(ctx context.Context, assetID string, chunks []models.TranscriptChunk) ([]int64, error)
	Query(ctx context.Context, embedding []float32, limit int) ([]models.QueryResult, error)
	DeleteAsset(ctx context.Context, assetID string) (int64, error)
	Count(ctx context.Context) (int64, error)
	Dimension() int
	Close()
}
