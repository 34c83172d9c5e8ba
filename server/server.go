// Package server exposes ingestion and retrieval over HTTP and WebSocket.
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/metrics"
	"github.com/xhad/hark/pkg/pipeline"
	"github.com/xhad/hark/pkg/transcription"
)

// Pipeline is the ingestion and query engine behind the server.
type Pipeline interface {
	Ingest(ctx context.Context, asset models.AudioAsset, observers ...pipeline.Observer) (*pipeline.Run, error)
	Search(ctx context.Context, text string, limit int) ([]models.QueryResult, error)
	Stats(ctx context.Context) (int64, error)
}

// Answerer turns retrieved chunks into an answer.
type Answerer interface {
	Answer(ctx context.Context, question string, results []models.QueryResult) (string, error)
	AnswerStream(ctx context.Context, question string, results []models.QueryResult) (<-chan string, error)
}

// Collector downloads the recordings found at a URL.
type Collector interface {
	Collect(ctx context.Context, rawURL string) ([]models.AudioAsset, error)
}

// UsageReporter reports the request counters of the transcription client.
type UsageReporter interface {
	Stats() transcription.Stats
}

type Config struct {
	Pipeline      Pipeline
	// Chat, Fetcher and Transcription are optional.
	Chat          Answerer
	Fetcher       Collector
	Transcription UsageReporter

	MaxUploadBytes int64
	Streaming      bool
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type Server struct {
	config  Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	mux     *http.ServeMux
}

// UploadRequest is the body of POST /upload.
type UploadRequest struct {
	AudioData string `json:"audioData"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	AssetID   string `json:"assetId,omitempty"`
}

type UploadResponse struct {
	Message string         `json:"message"`
	AssetID string         `json:"asset_id"`
	Chunks  int            `json:"chunks"`
	State   pipeline.State `json:"state"`
}

type QueryRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit,omitempty"`
}

type QueryResponse struct {
	Result  string               `json:"result"`
	Results []models.QueryResult `json:"results"`
}

type AskResponse struct {
	Answer string `json:"answer"`
	Result string `json:"result"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Stage string `json:"stage,omitempty"`
}

func NewWithConfig(config Config) (*Server, error) {
	if config.Pipeline == nil {
		return nil, errs.NewConfigError("server.pipeline", "pipeline is required")
	}
	if config.MaxUploadBytes == 0 {
		config.MaxUploadBytes = 300 << 20
	}
	if config.MaxUploadBytes < 0 {
		return nil, errs.NewConfigError("server.max_upload_bytes", "max_upload_bytes must be positive")
	}
	if config.Gatherer == nil {
		config.Gatherer = prometheus.DefaultGatherer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	s := &Server{
		config:  config,
		logger:  config.Logger.With(slog.String("component", "server")),
		metrics: config.Metrics,
		mux:     http.NewServeMux(),
	}

	s.handle("POST /upload", s.handleUpload)
	s.handle("POST /query_vectors", s.handleQuery)
	s.handle("POST /ask", s.handleAsk)
	s.handle("GET /ws", s.handleWebSocket)
	s.handle("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(config.Gatherer, promhttp.HandlerOpts{}))

	return s, nil
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	_, endpoint, _ := strings.Cut(pattern, " ")
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		took := time.Since(start)

		s.metrics.RecordHTTPRequest(r.Method, endpoint, rec.status, took)
		s.logger.Debug("request",
			slog.String("method", r.Method),
			slog.String("path", endpoint),
			slog.Int("status", rec.status),
			slog.Duration("took", took),
		)
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// base64 inflates the payload by a third
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxUploadBytes/3*4+4096)

	var req UploadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, &errs.TranscriptionError{Reason: errs.ReasonPayloadTooLarge, Err: err})
			return
		}
		s.writeError(w, errs.NewConfigError("body", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}

	asset, err := s.decodeUpload(req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	run, err := s.config.Pipeline.Ingest(r.Context(), asset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Message: "Audio uploaded successfully",
		AssetID: run.AssetID,
		Chunks:  run.Chunks,
		State:   run.State,
	})
}

// decodeUpload validates an upload and turns it into an asset.
func (s *Server) decodeUpload(req UploadRequest) (models.AudioAsset, error) {
	format, ok := models.FormatFromMIME(req.MimeType)
	if !ok {
		return models.AudioAsset{}, errs.NewConfigError("mimeType", fmt.Sprintf("unsupported mime type %q", req.MimeType))
	}

	payload := req.AudioData
	// accept data URLs as produced by FileReader.readAsDataURL
	if strings.HasPrefix(payload, "data:") {
		if _, rest, found := strings.Cut(payload, ","); found {
			payload = rest
		}
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return models.AudioAsset{}, errs.NewConfigError("audioData", "audio data is not valid base64")
	}
	if len(data) == 0 {
		return models.AudioAsset{}, errs.NewConfigError("audioData", "audio data is empty")
	}
	if int64(len(data)) > s.config.MaxUploadBytes {
		return models.AudioAsset{}, &errs.TranscriptionError{
			Reason: errs.ReasonPayloadTooLarge,
			Err:    fmt.Errorf("%d bytes exceeds limit of %d", len(data), s.config.MaxUploadBytes),
		}
	}
	if req.Size > 0 && req.Size != int64(len(data)) {
		return models.AudioAsset{}, errs.NewConfigError("size", fmt.Sprintf("declared size %d does not match decoded size %d", req.Size, len(data)))
	}

	asset := models.NewAudioAsset(data, format)
	asset.MimeType = req.MimeType
	if req.AssetID != "" {
		asset.ID = req.AssetID
	}
	return asset, nil
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, errs.NewConfigError("body", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, errs.NewConfigError("query", "query cannot be empty"))
		return
	}

	results, err := s.config.Pipeline.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, QueryResponse{
		Result:  models.FormatResults(results),
		Results: results,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	if s.config.Chat == nil {
		writeJSON(w, http.StatusNotImplemented, ErrorResponse{Error: "no chat model configured"})
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, errs.NewConfigError("body", fmt.Sprintf("invalid JSON: %v", err)))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		s.writeError(w, errs.NewConfigError("query", "query cannot be empty"))
		return
	}

	results, err := s.config.Pipeline.Search(r.Context(), req.Query, req.Limit)
	if err != nil {
		s.writeError(w, err)
		return
	}

	answer, err := s.config.Chat.Answer(r.Context(), req.Query, results)
	if err != nil {
		s.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, AskResponse{Answer: answer, Result: models.FormatResults(results)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	n, err := s.config.Pipeline.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "error": err.Error()})
		return
	}
	health := map[string]any{"status": "ok", "chunks": n}
	if s.config.Transcription != nil {
		health["transcription"] = s.config.Transcription.Stats()
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= 500 {
		s.logger.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Stage: errs.StageOf(err)})
}

// StatusFor maps a pipeline error to an HTTP status code.
func StatusFor(err error) int {
	var (
		ce *errs.ConfigError
		de *errs.DimensionError
	)
	switch {
	case errors.As(err, &ce):
		return http.StatusBadRequest
	case errors.As(err, &de):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, errs.ErrNonFiniteVector):
		return http.StatusUnprocessableEntity
	}

	switch errs.ReasonOf(err) {
	case errs.ReasonInvalidInput:
		return http.StatusBadRequest
	case errs.ReasonPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errs.ReasonDimensionMismatch:
		return http.StatusUnprocessableEntity
	case errs.ReasonCanceled:
		return http.StatusRequestTimeout
	}
	if errors.Is(err, pipeline.ErrEmptyTranscript) {
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
