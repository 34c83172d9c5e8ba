package llm_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/llm"
)

// fakeClient returns vectors of dim whose first element is the text length.
type fakeClient struct {
	mu      sync.Mutex
	dim     int
	batches [][]string
	err     error
	drop    bool // return one vector fewer than asked
	badDim  int
	nan     bool // poison the last vector
}

func (f *fakeClient) CreateEmbedding(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]string(nil), texts...))

	if f.err != nil {
		return nil, f.err
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		dim := f.dim
		if f.badDim > 0 {
			dim = f.badDim
		}
		v := make([]float32, dim)
		v[0] = float32(len(text))
		out = append(out, v)
	}
	if f.drop {
		out = out[:len(out)-1]
	}
	if f.nan && len(out) > 0 {
		out[len(out)-1][1] = float32(math.NaN())
	}
	return out, nil
}

func newTestEmbedder(t *testing.T, client *fakeClient, batch int) *llm.Embedder {
	t.Helper()
	emb, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{
		Model:     "fake",
		BatchSize: batch,
		Dimension: 4,
	}, client)
	require.NoError(t, err)
	return emb
}

func TestEmbedDocumentsPreservesOrder(t *testing.T) {
	client := &fakeClient{dim: 4}
	emb := newTestEmbedder(t, client, 2)

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	vectors, err := emb.EmbedDocuments(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, v := range vectors {
		assert.Len(t, v, 4)
		assert.Equal(t, float32(len(texts[i])), v[0])
	}

	assert.Equal(t, [][]string{{"a", "bb"}, {"ccc", "dddd"}, {"eeeee"}}, client.batches)
}

func TestEmbedDocumentsKeepsNewlines(t *testing.T) {
	client := &fakeClient{dim: 4}
	emb := newTestEmbedder(t, client, 0)

	_, err := emb.EmbedDocuments(context.Background(), []string{"line one\nline two"})
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", client.batches[0][0])
}

func TestEmbedDocumentsEmpty(t *testing.T) {
	client := &fakeClient{dim: 4}
	emb := newTestEmbedder(t, client, 0)

	vectors, err := emb.EmbedDocuments(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, vectors)
	assert.Empty(t, client.batches)
}

func TestEmbedDocumentsErrors(t *testing.T) {
	tests := []struct {
		name   string
		client *fakeClient
		reason string
	}{
		{name: "upstream failure", client: &fakeClient{dim: 4, err: errors.New("connection refused")}, reason: errs.ReasonUpstream},
		{name: "count mismatch", client: &fakeClient{dim: 4, drop: true}, reason: errs.ReasonCountMismatch},
		{name: "dimension mismatch", client: &fakeClient{dim: 4, badDim: 3}, reason: errs.ReasonDimensionMismatch},
		{name: "non-finite vector", client: &fakeClient{dim: 4, nan: true}, reason: errs.ReasonInvalidVector},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb := newTestEmbedder(t, tt.client, 0)

			vectors, err := emb.EmbedDocuments(context.Background(), []string{"one", "two"})
			assert.Nil(t, vectors)

			var ee *errs.EmbeddingError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.reason, ee.Reason)
		})
	}
}

func TestEmbedDocumentsDimensionError(t *testing.T) {
	emb := newTestEmbedder(t, &fakeClient{dim: 4, badDim: 3}, 0)

	_, err := emb.EmbedDocuments(context.Background(), []string{"one"})
	var de *errs.DimensionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 4, de.Want)
	assert.Equal(t, 3, de.Got)
}

func TestEmbedDocumentsRejectsNonFinite(t *testing.T) {
	emb := newTestEmbedder(t, &fakeClient{dim: 4, nan: true}, 0)

	_, err := emb.EmbedDocuments(context.Background(), []string{"one", "two"})
	assert.ErrorIs(t, err, errs.ErrNonFiniteVector)
	assert.ErrorContains(t, err, "vector 1")

	_, err = emb.EmbedQuery(context.Background(), "fox")
	assert.ErrorIs(t, err, errs.ErrNonFiniteVector)
}

func TestEmbedQuery(t *testing.T) {
	client := &fakeClient{dim: 4}
	emb := newTestEmbedder(t, client, 0)

	v, err := emb.EmbedQuery(context.Background(), "fox")
	require.NoError(t, err)
	assert.Len(t, v, 4)
	assert.Equal(t, float32(3), v[0])
	assert.Equal(t, 4, emb.Dimension())

	_, err = emb.EmbedQuery(context.Background(), "")
	var ee *errs.EmbeddingError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, errs.ReasonInvalidInput, ee.Reason)
}

func TestNewEmbedderValidation(t *testing.T) {
	_, err := llm.NewEmbedderWithClient(llm.EmbedderConfig{}, &fakeClient{dim: 4})
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)

	_, err = llm.NewEmbedderWithClient(llm.EmbedderConfig{Dimension: 4, BatchSize: -1}, &fakeClient{dim: 4})
	require.ErrorAs(t, err, &ce)

	_, err = llm.NewEmbedderWithConfig(llm.EmbedderConfig{Provider: "cohere", Dimension: 4})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "embedding.provider", ce.Field)
}

func TestNewEmbedderWithConfigOllama(t *testing.T) {
	emb, err := llm.NewEmbedderWithConfig(llm.EmbedderConfig{
		Provider:  llm.ProviderOllama,
		BaseURL:   "http://localhost:11434",
		Dimension: 768,
	})
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text:latest", emb.Config.Model)
	assert.Equal(t, llm.DefaultBatchSize, emb.Config.BatchSize)
}
