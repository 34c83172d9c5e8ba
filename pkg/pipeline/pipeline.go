// Package pipeline runs ingestion requests through transcoding,
// transcription, chunking, embedding and storage, and answers similarity
// queries over the stored chunks.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/internal/types"
	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/metrics"
)

// State is the position of an ingestion request in the pipeline.
type State string

const (
	StateReceived    State = "received"
	StateTranscoded  State = "transcoded"
	StateTranscribed State = "transcribed"
	StateChunked     State = "chunked"
	StateEmbedded    State = "embedded"
	StateStored      State = "stored"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

// Stage names the work that moves a request into the next state.
type Stage string

const (
	StageTranscode  Stage = "transcode"
	StageTranscribe Stage = "transcribe"
	StageChunk      Stage = "chunk"
	StageEmbed      Stage = "embed"
	StageStore      Stage = "store"
)

// DefaultSearchLimit is used when a query does not ask for a limit.
const DefaultSearchLimit = 5

// ErrEmptyTranscript is returned when FailOnEmptyTranscript is set and the
// transcript produced no chunks.
var ErrEmptyTranscript = errors.New("transcript is empty")

// StageTiming records how long one stage took.
type StageTiming struct {
	Stage    Stage         `json:"stage"`
	Duration time.Duration `json:"duration"`
}

// Run is the record of one ingestion request.
type Run struct {
	AssetID        string        `json:"asset_id"`
	State          State         `json:"state"`
	FailedStage    Stage         `json:"failed_stage,omitempty"`
	Error          string        `json:"error,omitempty"`
	Chunks         int           `json:"chunks"`
	IDs            []int64       `json:"ids,omitempty"`
	TranscriptPath string        `json:"transcript_path,omitempty"`
	Timings        []StageTiming `json:"timings,omitempty"`
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at,omitempty"`

	Err error `json:"-"`
}

// Observer is called on every state transition with a snapshot of the run.
// It runs on the ingesting goroutine and must not block for long.
type Observer func(Run)

type Config struct {
	TargetFormat models.Format
	// WorkDir receives a copy of every transcript. Empty disables it.
	WorkDir               string
	SearchLimit           int
	FailOnEmptyTranscript bool
	// ReplaceExisting removes rows previously stored for the same asset id
	// in the same transaction as the new insert.
	ReplaceExisting bool
	OnTransition    Observer

	Transcoder  types.Transcoder
	Transcriber types.Transcriber
	Chunker     types.Chunker
	Embedder    types.Embedder
	Store       types.VectorStore

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Pipeline is safe for concurrent use. Each Ingest call is processed
// sequentially on the caller's goroutine.
type Pipeline struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewWithConfig(config Config) (*Pipeline, error) {
	switch {
	case config.Transcoder == nil:
		return nil, errs.NewConfigError("pipeline.transcoder", "transcoder is required")
	case config.Transcriber == nil:
		return nil, errs.NewConfigError("pipeline.transcriber", "transcriber is required")
	case config.Chunker == nil:
		return nil, errs.NewConfigError("pipeline.chunker", "chunker is required")
	case config.Embedder == nil:
		return nil, errs.NewConfigError("pipeline.embedder", "embedder is required")
	case config.Store == nil:
		return nil, errs.NewConfigError("pipeline.store", "store is required")
	}
	if config.Embedder.Dimension() != config.Store.Dimension() {
		return nil, &errs.DimensionError{Want: config.Store.Dimension(), Got: config.Embedder.Dimension()}
	}
	if config.TargetFormat == "" {
		config.TargetFormat = models.FormatMP3
	}
	if config.SearchLimit == 0 {
		config.SearchLimit = DefaultSearchLimit
	}
	if config.SearchLimit < 0 {
		return nil, errs.NewConfigError("database.search_limit", "search_limit must be positive")
	}
	if config.WorkDir != "" {
		if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Pipeline{
		config:  config,
		logger:  config.Logger.With(slog.String("component", "pipeline")),
		metrics: config.Metrics,
	}, nil
}

// Ingest transcodes, transcribes, chunks, embeds and stores one recording.
// On failure the returned error is an *errs.StageError and no row of the
// recording is stored. A request canceled before the store stage never
// writes.
func (p *Pipeline) Ingest(ctx context.Context, asset models.AudioAsset, observers ...Observer) (*Run, error) {
	if len(asset.Data) == 0 {
		return p.reject(asset, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: errors.New("empty audio")}, observers)
	}
	if asset.Format == "" {
		return p.reject(asset, errs.NewConfigError("format", "audio format is required"), observers)
	}

	return p.ingest(ctx, asset, observers, func(ctx context.Context) ([]byte, error) {
		return p.config.Transcoder.Transcode(ctx, asset.Data, asset.Format, p.config.TargetFormat)
	})
}

// IngestSegments joins a recording saved as several pieces and ingests the
// result as one asset.
func (p *Pipeline) IngestSegments(ctx context.Context, segments [][]byte, format models.Format, observers ...Observer) (*Run, error) {
	asset := models.NewAudioAsset(bytes.Join(segments, nil), format)
	if len(segments) == 0 || len(asset.Data) == 0 {
		return p.reject(asset, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: errors.New("no segments")}, observers)
	}

	return p.ingest(ctx, asset, observers, func(ctx context.Context) ([]byte, error) {
		return p.config.Transcoder.JoinSegments(ctx, segments, format, p.config.TargetFormat)
	})
}

func (p *Pipeline) ingest(ctx context.Context, asset models.AudioAsset, observers []Observer, transcode func(context.Context) ([]byte, error)) (*Run, error) {
	run := &Run{AssetID: asset.ID, StartedAt: time.Now().UTC()}
	logger := p.logger.With(slog.String("asset_id", asset.ID))
	p.metrics.RecordIngestStarted(len(asset.Data))
	p.transition(run, StateReceived, observers)

	var audio []byte
	err := p.step(ctx, run, StageTranscode, func(ctx context.Context) (err error) {
		audio, err = transcode(ctx)
		return err
	})
	if err != nil {
		return p.fail(run, StageTranscode, err, observers)
	}
	p.transition(run, StateTranscoded, observers)

	var transcript string
	err = p.step(ctx, run, StageTranscribe, func(ctx context.Context) (err error) {
		transcript, err = p.config.Transcriber.Transcribe(ctx, audio, p.config.TargetFormat)
		return err
	})
	if err != nil {
		return p.fail(run, StageTranscribe, err, observers)
	}
	run.TranscriptPath = p.saveTranscript(logger, asset.ID, transcript)
	p.transition(run, StateTranscribed, observers)

	var texts []string
	err = p.step(ctx, run, StageChunk, func(context.Context) (err error) {
		texts, err = p.config.Chunker.Process(transcript)
		if err == nil && len(texts) == 0 && p.config.FailOnEmptyTranscript {
			err = ErrEmptyTranscript
		}
		return err
	})
	if err != nil {
		return p.fail(run, StageChunk, err, observers)
	}
	run.Chunks = len(texts)
	p.transition(run, StateChunked, observers)

	var vectors [][]float32
	err = p.step(ctx, run, StageEmbed, func(ctx context.Context) (err error) {
		vectors, err = p.config.Embedder.EmbedDocuments(ctx, texts)
		if err == nil && len(vectors) != len(texts) {
			err = &errs.EmbeddingError{
				Reason: errs.ReasonCountMismatch,
				Err:    fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(texts)),
			}
		}
		return err
	})
	if err != nil {
		return p.fail(run, StageEmbed, err, observers)
	}
	p.transition(run, StateEmbedded, observers)

	chunks := make([]models.TranscriptChunk, len(texts))
	for i, text := range texts {
		chunks[i] = models.TranscriptChunk{
			AssetID:   asset.ID,
			Index:     i,
			Content:   text,
			Embedding: vectors[i],
		}
	}

	err = p.step(ctx, run, StageStore, func(ctx context.Context) (err error) {
		switch {
		case p.config.ReplaceExisting:
			// an empty transcript still removes the previous version
			run.IDs, err = p.config.Store.Replace(ctx, asset.ID, chunks)
		case len(chunks) == 0:
			run.IDs = []int64{}
		default:
			run.IDs, err = p.config.Store.Insert(ctx, chunks)
		}
		return err
	})
	if err != nil {
		return p.fail(run, StageStore, err, observers)
	}
	p.transition(run, StateStored, observers)

	run.FinishedAt = time.Now().UTC()
	p.transition(run, StateDone, observers)
	p.metrics.RecordIngestFinished(string(StateDone), run.Chunks)

	logger.Info("ingestion finished",
		slog.Int("chunks", run.Chunks),
		slog.Duration("took", run.FinishedAt.Sub(run.StartedAt)),
	)

	return run, nil
}

// step runs one stage unless ctx is already done and records its duration.
func (p *Pipeline) step(ctx context.Context, run *Run, stage Stage, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)

	run.Timings = append(run.Timings, StageTiming{Stage: stage, Duration: took})
	p.metrics.RecordStage(string(stage), took)

	return err
}

func (p *Pipeline) transition(run *Run, state State, observers []Observer) {
	run.State = state
	p.logger.Debug("state transition", slog.String("asset_id", run.AssetID), slog.String("state", string(state)))

	if p.config.OnTransition == nil && len(observers) == 0 {
		return
	}
	snapshot := *run
	snapshot.IDs = slices.Clone(run.IDs)
	snapshot.Timings = slices.Clone(run.Timings)
	if p.config.OnTransition != nil {
		p.config.OnTransition(snapshot)
	}
	for _, observe := range observers {
		observe(snapshot)
	}
}

func (p *Pipeline) fail(run *Run, stage Stage, err error, observers []Observer) (*Run, error) {
	stageErr := &errs.StageError{Stage: string(stage), Err: err}

	run.FailedStage = stage
	run.Err = stageErr
	run.Error = err.Error()
	run.IDs = nil
	run.FinishedAt = time.Now().UTC()

	reason := errs.ReasonOf(err)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		reason = errs.ReasonCanceled
	}
	p.metrics.RecordStageFailure(string(stage), reason)
	p.metrics.RecordIngestFinished(string(StateFailed), 0)

	p.logger.Error("ingestion failed",
		slog.String("asset_id", run.AssetID),
		slog.String("stage", string(stage)),
		slog.String("error", err.Error()),
	)

	p.transition(run, StateFailed, observers)
	return run, stageErr
}

// reject fails a request that never entered the pipeline.
func (p *Pipeline) reject(asset models.AudioAsset, err error, observers []Observer) (*Run, error) {
	run := &Run{AssetID: asset.ID, State: StateReceived, StartedAt: time.Now().UTC()}
	p.metrics.RecordIngestStarted(len(asset.Data))
	return p.fail(run, StageTranscode, err, observers)
}

func (p *Pipeline) saveTranscript(logger *slog.Logger, assetID, transcript string) string {
	if p.config.WorkDir == "" {
		return ""
	}
	path := filepath.Join(p.config.WorkDir, assetID+".txt")
	if err := os.WriteFile(path, []byte(transcript), 0o644); err != nil {
		logger.Warn("failed to save transcript", slog.String("path", path), slog.String("error", err.Error()))
		return ""
	}
	return path
}

// Search embeds text and returns the nearest stored chunks. A limit of 0
// uses the configured default.
func (p *Pipeline) Search(ctx context.Context, text string, limit int) ([]models.QueryResult, error) {
	start := time.Now()
	results, err := p.search(ctx, text, limit)
	p.metrics.RecordQuery(time.Since(start), err)
	if err != nil {
		p.logger.Warn("query failed", slog.String("error", err.Error()))
	}
	return results, err
}

func (p *Pipeline) search(ctx context.Context, text string, limit int) ([]models.QueryResult, error) {
	if limit == 0 {
		limit = p.config.SearchLimit
	}
	if limit < 0 {
		return nil, errs.NewConfigError("limit", "limit must be positive")
	}

	vector, err := p.config.Embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return p.config.Store.Query(ctx, vector, limit)
}

// Stats reports how many chunks are stored.
func (p *Pipeline) Stats(ctx context.Context) (int64, error) {
	return p.config.Store.Count(ctx)
}
