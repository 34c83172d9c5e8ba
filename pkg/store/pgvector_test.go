package store_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/store"
)

// postgresURL returns a database with the vector extension available. Set
// HARK_TEST_DATABASE_URL to use an existing server, or HARK_PG_TESTS=1 to
// start a pgvector container.
func postgresURL(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}
	if url := os.Getenv("HARK_TEST_DATABASE_URL"); url != "" {
		return url
	}
	if os.Getenv("HARK_PG_TESTS") == "" {
		t.Skip("set HARK_PG_TESTS=1 or HARK_TEST_DATABASE_URL to run postgres tests")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg16",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "hark",
			"POSTGRES_PASSWORD": "hark",
			"POSTGRES_DB":       "hark",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pg.Terminate(context.Background()) })

	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)
	host, err := pg.Host(ctx)
	require.NoError(t, err)

	return fmt.Sprintf("postgres://hark:hark@%s:%s/hark?sslmode=disable", host, port.Port())
}

func newPGStore(t *testing.T, url, table string, dim int) *store.PGVectorStore {
	t.Helper()
	s, err := store.NewWithConfig(context.Background(), store.VectorStoreConfig{
		ConnString: url,
		TableName:  table,
		VectorDim:  dim,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPGVectorStore(t *testing.T) {
	url := postgresURL(t)
	table := fmt.Sprintf("chunks_%d", time.Now().UnixNano())

	s := newPGStore(t, url, table, 3)
	require.NoError(t, s.Ping(context.Background()))
	exerciseStore(t, s)

	t.Run("init is idempotent", func(t *testing.T) {
		require.NoError(t, s.Init(context.Background()))
		again := newPGStore(t, url, table, 3)

		n, err := again.Count(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("existing table with another dimension", func(t *testing.T) {
		_, err := store.NewWithConfig(context.Background(), store.VectorStoreConfig{
			ConnString: url,
			TableName:  table,
			VectorDim:  4,
		})
		var de *errs.DimensionError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, 4, de.Want)
		assert.Equal(t, 3, de.Got)
	})
}

// execSQL runs statements on a separate connection.
func execSQL(t *testing.T, url string, statements ...string) {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	defer conn.Close(ctx)

	for _, stmt := range statements {
		_, err := conn.Exec(ctx, stmt)
		require.NoError(t, err, stmt)
	}
}

func TestPGVectorStoreBatchFailureRollsBack(t *testing.T) {
	url := postgresURL(t)
	table := fmt.Sprintf("atomic_%d", time.Now().UnixNano())
	s := newPGStore(t, url, table, 3)
	ctx := context.Background()

	// the database, not client-side validation, rejects the third row
	execSQL(t, url, fmt.Sprintf(`ALTER TABLE %s ADD CONSTRAINT no_poison CHECK (content <> 'poison')`, table))

	_, err := s.Insert(ctx, []models.TranscriptChunk{chunk("kept", 1, 0, 0)})
	require.NoError(t, err)

	tests := []struct {
		name string
		run  func() error
	}{
		{
			name: "insert",
			run: func() error {
				_, err := s.Insert(ctx, []models.TranscriptChunk{
					chunk("first", 1, 0, 0),
					chunk("second", 0, 1, 0),
					chunk("poison", 0, 0, 1),
					chunk("fourth", 1, 1, 0),
				})
				return err
			},
		},
		{
			name: "replace keeps the old rows",
			run: func() error {
				_, err := s.Replace(ctx, "asset-1", []models.TranscriptChunk{chunk("new", 1, 0, 0), chunk("poison", 0, 1, 0)})
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			var se *errs.StoreError
			require.ErrorAs(t, err, &se)
			assert.ErrorContains(t, err, "no_poison")

			n, err := s.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			results, err := s.Query(ctx, []float32{1, 0, 0}, 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, "kept", results[0].Content)
		})
	}
}

func TestPGVectorStoreQueryBeyondDefaultEFSearch(t *testing.T) {
	url := postgresURL(t)
	s := newPGStore(t, url, fmt.Sprintf("wide_%d", time.Now().UnixNano()), 3)
	ctx := context.Background()

	const rows = 120
	chunks := make([]models.TranscriptChunk, rows)
	for i := range chunks {
		chunks[i] = chunk(fmt.Sprintf("row %d", i), 1, float32(i)/rows, 0.5)
	}
	_, err := s.Insert(ctx, chunks)
	require.NoError(t, err)

	results, err := s.Query(ctx, []float32{1, 0, 0.5}, rows)
	require.NoError(t, err)
	require.Len(t, results, rows)
	assert.Equal(t, "row 0", results[0].Content)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestPGVectorStoreRejectsWrongDimension(t *testing.T) {
	url := postgresURL(t)
	s := newPGStore(t, url, fmt.Sprintf("dims_%d", time.Now().UnixNano()), 1536)
	ctx := context.Background()

	_, err := s.Insert(ctx, []models.TranscriptChunk{{Content: "ten dims", Embedding: make([]float32, 10)}})
	var de *errs.DimensionError
	require.ErrorAs(t, err, &de)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPGVectorStoreInvalidTableName(t *testing.T) {
	_, err := store.NewWithConfig(context.Background(), store.VectorStoreConfig{
		TableName: "documents; DROP TABLE users",
		VectorDim: 3,
	})
	var ce *errs.ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "database.table_name", ce.Field)
}
