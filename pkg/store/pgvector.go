package store

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// pgvector's default and maximum hnsw.ef_search.
const (
	defaultEFSearch = 40
	maxEFSearch     = 1000
)

type VectorStoreConfig struct {
	ConnString string
	TableName  string
	VectorDim  int
	Logger     *slog.Logger
}

// PGVectorStore keeps transcript chunks in a Postgres table with a pgvector
// column and answers cosine-distance kNN queries.
type PGVectorStore struct {
	config VectorStoreConfig
	pool   *pgxpool.Pool
	table  string // quoted identifier
	logger *slog.Logger
}

// NewWithConfig connects to Postgres and prepares the schema.
func NewWithConfig(ctx context.Context, config VectorStoreConfig) (*PGVectorStore, error) {
	if config.TableName == "" {
		config.TableName = "documents"
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, errs.NewConfigError("database.table_name", fmt.Sprintf("invalid table name %q", config.TableName))
	}
	if config.VectorDim <= 0 {
		return nil, errs.NewConfigError("database.vector_dim", "vector_dim must be positive")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	pool, err := pgxpool.New(ctx, config.ConnString)
	if err != nil {
		return nil, &errs.StoreError{Op: "connect", Err: err}
	}

	vs := &PGVectorStore{
		config: config,
		pool:   pool,
		table:  pgx.Identifier{config.TableName}.Sanitize(),
		logger: config.Logger.With(slog.String("component", "store"), slog.String("table", config.TableName)),
	}

	if err := vs.Init(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return vs, nil
}

// Init creates the extension, table and indexes if they do not exist and
// checks that an existing table has the configured dimension. It is safe to
// call on every start.
func (vs *PGVectorStore) Init(ctx context.Context) error {
	if _, err := vs.pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return &errs.StoreError{Op: "init", Err: fmt.Errorf("failed to create vector extension: %w", err)}
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			asset_id TEXT,
			chunk_index INTEGER,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, vs.table, vs.config.VectorDim)
	if _, err := vs.pool.Exec(ctx, createTable); err != nil {
		return &errs.StoreError{Op: "init", Err: fmt.Errorf("failed to create table: %w", err)}
	}

	dim, err := vs.columnDimension(ctx)
	if err != nil {
		return &errs.StoreError{Op: "init", Err: err}
	}
	if dim != vs.config.VectorDim {
		return &errs.DimensionError{Want: vs.config.VectorDim, Got: dim}
	}

	createIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s
		ON %s
		USING hnsw (embedding vector_cosine_ops)`,
		pgx.Identifier{vs.config.TableName + "_embedding_idx"}.Sanitize(), vs.table)
	if _, err := vs.pool.Exec(ctx, createIndex); err != nil {
		return &errs.StoreError{Op: "init", Err: fmt.Errorf("failed to create index: %w", err)}
	}

	createAssetIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (asset_id)`,
		pgx.Identifier{vs.config.TableName + "_asset_idx"}.Sanitize(), vs.table)
	if _, err := vs.pool.Exec(ctx, createAssetIndex); err != nil {
		return &errs.StoreError{Op: "init", Err: fmt.Errorf("failed to create asset index: %w", err)}
	}

	vs.logger.Info("vector store ready", slog.Int("dimension", vs.config.VectorDim))
	return nil
}

// columnDimension reads the declared dimension of the embedding column. For
// the vector type the type modifier is the dimension.
func (vs *PGVectorStore) columnDimension(ctx context.Context) (int, error) {
	var typmod int
	err := vs.pool.QueryRow(ctx, `
		SELECT atttypmod
		FROM pg_attribute
		WHERE attrelid = $1::regclass AND attname = 'embedding' AND NOT attisdropped`,
		vs.table).Scan(&typmod)
	if err != nil {
		return 0, fmt.Errorf("failed to read embedding column: %w", err)
	}
	return typmod, nil
}

// Insert stores chunks in order inside one transaction and returns their
// ids. On error nothing is stored.
func (vs *PGVectorStore) Insert(ctx context.Context, chunks []models.TranscriptChunk) ([]int64, error) {
	return vs.write(ctx, "insert", "", chunks)
}

// Replace deletes every row of assetID and inserts chunks in the same
// transaction.
func (vs *PGVectorStore) Replace(ctx context.Context, assetID string, chunks []models.TranscriptChunk) ([]int64, error) {
	if assetID == "" {
		return nil, errs.NewConfigError("asset_id", "asset id is required")
	}
	return vs.write(ctx, "replace", assetID, chunks)
}

func (vs *PGVectorStore) write(ctx context.Context, op, replaceAsset string, chunks []models.TranscriptChunk) ([]int64, error) {
	if err := validateChunks(op, chunks, vs.config.VectorDim); err != nil {
		return nil, err
	}
	if len(chunks) == 0 && replaceAsset == "" {
		return []int64{}, nil
	}

	tx, err := vs.pool.Begin(ctx)
	if err != nil {
		return nil, &errs.StoreError{Op: op, Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	if replaceAsset != "" {
		deleted, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE asset_id = $1", vs.table), replaceAsset)
		if err != nil {
			return nil, &errs.StoreError{Op: op, Err: fmt.Errorf("failed to delete previous rows: %w", err)}
		}
		vs.logger.Debug("deleted previous rows", slog.String("asset_id", replaceAsset), slog.Int64("rows", deleted.RowsAffected()))
	}

	stmt := fmt.Sprintf(`
		INSERT INTO %s (content, embedding, asset_id, chunk_index)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		vs.table)

	ids := make([]int64, 0, len(chunks))
	if len(chunks) > 0 {
		batch := &pgx.Batch{}
		for _, c := range chunks {
			batch.Queue(stmt, sanitizeText(c.Content), pgvector.NewVector(c.Embedding), nullable(c.AssetID), c.Index)
		}

		results := tx.SendBatch(ctx, batch)
		for i := range chunks {
			var id int64
			if err := results.QueryRow().Scan(&id); err != nil {
				results.Close()
				return nil, &errs.StoreError{Op: op, Err: fmt.Errorf("failed to insert chunk %d: %w", i, err)}
			}
			ids = append(ids, id)
		}
		if err := results.Close(); err != nil {
			return nil, &errs.StoreError{Op: op, Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, &errs.StoreError{Op: op, Err: fmt.Errorf("failed to commit transaction: %w", err)}
	}

	vs.logger.Info("stored chunks", slog.String("op", op), slog.Int("count", len(ids)))
	return ids, nil
}

// Query returns the limit rows nearest to embedding by cosine distance,
// closest first. Equal distances are ordered by id.
func (vs *PGVectorStore) Query(ctx context.Context, embedding []float32, limit int) ([]models.QueryResult, error) {
	if err := validateQuery(embedding, limit, vs.config.VectorDim); err != nil {
		return nil, err
	}

	tx, err := vs.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, &errs.StoreError{Op: "query", Err: fmt.Errorf("failed to begin transaction: %w", err)}
	}
	defer tx.Rollback(ctx)

	// An HNSW scan returns at most ef_search candidates.
	if _, err := tx.Exec(ctx, "SELECT set_config('hnsw.ef_search', $1, true)", strconv.Itoa(efSearch(limit))); err != nil {
		return nil, &errs.StoreError{Op: "query", Err: fmt.Errorf("failed to set ef_search: %w", err)}
	}

	query := fmt.Sprintf(`
		SELECT id, content, embedding <=> $1 AS distance
		FROM %s
		ORDER BY distance, id
		LIMIT $2`,
		vs.table)

	rows, err := tx.Query(ctx, query, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, &errs.StoreError{Op: "query", Err: fmt.Errorf("failed to query documents: %w", err)}
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.QueryResult, error) {
		var r models.QueryResult
		err := row.Scan(&r.ID, &r.Content, &r.Distance)
		return r, err
	})
	if err != nil {
		return nil, &errs.StoreError{Op: "query", Err: fmt.Errorf("failed to scan row: %w", err)}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &errs.StoreError{Op: "query", Err: err}
	}

	return results, nil
}

// efSearch is the HNSW candidate list size for a query of limit rows,
// within the range pgvector accepts.
func efSearch(limit int) int {
	return min(max(limit, defaultEFSearch), maxEFSearch)
}

// DeleteAsset removes every row of one asset and returns how many were removed.
func (vs *PGVectorStore) DeleteAsset(ctx context.Context, assetID string) (int64, error) {
	if assetID == "" {
		return 0, errs.NewConfigError("asset_id", "asset id is required")
	}
	tag, err := vs.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE asset_id = $1", vs.table), assetID)
	if err != nil {
		return 0, &errs.StoreError{Op: "delete", Err: err}
	}
	return tag.RowsAffected(), nil
}

func (vs *PGVectorStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := vs.pool.QueryRow(ctx, fmt.Sprintf("SELECT count(*) FROM %s", vs.table)).Scan(&n); err != nil {
		return 0, &errs.StoreError{Op: "count", Err: err}
	}
	return n, nil
}

// Ping checks the database connection.
func (vs *PGVectorStore) Ping(ctx context.Context) error {
	if err := vs.pool.Ping(ctx); err != nil {
		return &errs.StoreError{Op: "ping", Err: err}
	}
	return nil
}

func (vs *PGVectorStore) Dimension() int {
	return vs.config.VectorDim
}

func (vs *PGVectorStore) Close() {
	if vs.pool != nil {
		vs.pool.Close()
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
