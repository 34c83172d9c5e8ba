package store

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
)

// MemoryStore is an in-process vector store using brute-force cosine
// distance. It has the same semantics as PGVectorStore and is safe for
// concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	dim    int
	nextID int64
	rows   []models.TranscriptChunk
}

func NewMemory(dim int) (*MemoryStore, error) {
	if dim <= 0 {
		return nil, errs.NewConfigError("database.vector_dim", "vector_dim must be positive")
	}
	return &MemoryStore{dim: dim, nextID: 1}, nil
}

func (m *MemoryStore) Init(context.Context) error {
	return nil
}

func (m *MemoryStore) Insert(ctx context.Context, chunks []models.TranscriptChunk) ([]int64, error) {
	return m.write(ctx, "insert", "", chunks)
}

func (m *MemoryStore) Replace(ctx context.Context, assetID string, chunks []models.TranscriptChunk) ([]int64, error) {
	if assetID == "" {
		return nil, errs.NewConfigError("asset_id", "asset id is required")
	}
	return m.write(ctx, "replace", assetID, chunks)
}

func (m *MemoryStore) write(ctx context.Context, op, replaceAsset string, chunks []models.TranscriptChunk) ([]int64, error) {
	if err := validateChunks(op, chunks, m.dim); err != nil {
		return nil, err
	}

	// copy outside the lock so readers are blocked only for the swap
	staged := make([]models.TranscriptChunk, len(chunks))
	for i, c := range chunks {
		emb := make([]float32, len(c.Embedding))
		copy(emb, c.Embedding)
		staged[i] = models.TranscriptChunk{
			AssetID:   c.AssetID,
			Index:     c.Index,
			Content:   sanitizeText(c.Content),
			Embedding: emb,
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &errs.StoreError{Op: op, Err: err}
	}

	if replaceAsset != "" {
		m.deleteLocked(replaceAsset)
	}

	ids := make([]int64, len(staged))
	for i := range staged {
		staged[i].ID = m.nextID
		ids[i] = m.nextID
		m.nextID++
	}
	m.rows = append(m.rows, staged...)

	return ids, nil
}

// Query returns the limit rows nearest to embedding, closest first. Equal
// distances are ordered by id.
func (m *MemoryStore) Query(ctx context.Context, embedding []float32, limit int) ([]models.QueryResult, error) {
	if err := validateQuery(embedding, limit, m.dim); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, &errs.StoreError{Op: "query", Err: err}
	}

	m.mu.RLock()
	results := make([]models.QueryResult, 0, len(m.rows))
	for _, row := range m.rows {
		results = append(results, models.QueryResult{
			ID:       row.ID,
			Content:  row.Content,
			Distance: CosineDistance(embedding, row.Embedding),
		})
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Distance != results[j].Distance {
			return results[i].Distance < results[j].Distance
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (m *MemoryStore) DeleteAsset(_ context.Context, assetID string) (int64, error) {
	if assetID == "" {
		return 0, errs.NewConfigError("asset_id", "asset id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLocked(assetID), nil
}

func (m *MemoryStore) deleteLocked(assetID string) int64 {
	kept := m.rows[:0]
	var removed int64
	for _, row := range m.rows {
		if row.AssetID == assetID {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	return removed
}

func (m *MemoryStore) Count(context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.rows)), nil
}

func (m *MemoryStore) Dimension() int {
	return m.dim
}

func (m *MemoryStore) Close() {}

// CosineDistance returns 1 - cosine similarity, in [0, 2]. A zero vector has
// no direction and is at distance 2 from everything.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) {
		return 2
	}

	var dot, normA, normB float64
	for i := range a {
		ai, bi := float64(a[i]), float64(b[i])
		dot += ai * bi
		normA += ai * ai
		normB += bi * bi
	}

	if normA == 0 || normB == 0 {
		return 2
	}

	similarity := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	similarity = math.Max(-1, math.Min(1, similarity))
	return 1 - similarity
}
