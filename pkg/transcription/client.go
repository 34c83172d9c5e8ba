// Package transcription converts audio into text through an OpenAI
// compatible speech-to-text endpoint.
package transcription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
)

// DefaultMaxBytes is the upload cap of the OpenAI transcription endpoint.
const DefaultMaxBytes = 25 << 20

// Config contains transcription client configuration
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	Prompt     string
	MaxBytes   int64
	MaxRetries int
	Timeout    time.Duration
	RateLimit  float64 // requests per second
	// InitialBackoff is the first retry delay; it doubles on every attempt.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	HTTPClient     *http.Client
	Logger         *slog.Logger
}

// Client provides speech-to-text with bounded retries.
type Client struct {
	config  Config
	api     openai.Client
	limiter *rate.Limiter
	logger  *slog.Logger

	totalRequests  atomic.Uint64
	failedRequests atomic.Uint64
	totalRetries   atomic.Uint64
}

// Stats is a snapshot of client counters.
type Stats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
	TotalRetries   uint64 `json:"total_retries"`
}

// NewClient creates a new transcription client
func NewClient(config Config) (*Client, error) {
	if config.APIKey == "" && config.BaseURL == "" {
		return nil, errs.NewConfigError("transcription.api_key", "API key cannot be empty")
	}
	if config.Model == "" {
		config.Model = string(openai.AudioModelWhisper1)
	}
	if config.MaxBytes == 0 {
		config.MaxBytes = DefaultMaxBytes
	}
	if config.MaxBytes < 0 {
		return nil, errs.NewConfigError("transcription.max_bytes", "max_bytes must be positive")
	}
	if config.MaxRetries < 0 {
		return nil, errs.NewConfigError("transcription.max_retries", "max_retries cannot be negative")
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Minute
	}
	if config.RateLimit <= 0 {
		config.RateLimit = 2
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: config.Timeout}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithHTTPClient(config.HTTPClient),
		// retries are handled here so they can be counted and bounded
		option.WithMaxRetries(0),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Client{
		config:  config,
		api:     openai.NewClient(opts...),
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		logger:  config.Logger.With(slog.String("component", "transcription")),
	}, nil
}

// Transcribe returns the full transcript of audio, or an error. There are
// no partial results.
func (c *Client) Transcribe(ctx context.Context, audio []byte, format models.Format) (string, error) {
	if len(audio) == 0 {
		return "", &errs.TranscriptionError{Reason: errs.ReasonInvalidInput, Err: errors.New("empty audio")}
	}
	if int64(len(audio)) > c.config.MaxBytes {
		return "", &errs.TranscriptionError{
			Reason: errs.ReasonPayloadTooLarge,
			Err:    fmt.Errorf("%d bytes exceeds limit of %d", len(audio), c.config.MaxBytes),
		}
	}

	c.totalRequests.Add(1)
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.InitialBackoff
	bo.MaxInterval = c.config.MaxBackoff
	bo.MaxElapsedTime = 0

	attempt := 0
	var text string
	operation := func() error {
		if attempt > 0 {
			c.totalRetries.Add(1)
		}
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		t, err := c.doRequest(ctx, audio, format)
		if err != nil {
			if !isRetryable(ctx, err) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("transcription attempt failed", slog.Int("attempt", attempt), slog.String("error", err.Error()))
			return err
		}
		text = t
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.config.MaxRetries)), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		c.failedRequests.Add(1)
		reason := errs.ReasonUpstream
		if ctx.Err() != nil {
			reason = errs.ReasonCanceled
			err = ctx.Err()
		} else if statusCode(err) == http.StatusRequestEntityTooLarge {
			reason = errs.ReasonPayloadTooLarge
		}
		return "", &errs.TranscriptionError{
			Reason: reason,
			Err:    fmt.Errorf("transcription failed after %d attempts: %w", attempt, err),
		}
	}

	c.logger.Info("transcribed audio",
		slog.Int("bytes", len(audio)),
		slog.Int("chars", len(text)),
		slog.Int("attempts", attempt),
		slog.Duration("took", time.Since(start)),
	)

	return text, nil
}

// Stats returns the client's counters.
func (c *Client) Stats() Stats {
	return Stats{
		TotalRequests:  c.totalRequests.Load(),
		FailedRequests: c.failedRequests.Load(),
		TotalRetries:   c.totalRetries.Load(),
	}
}

func (c *Client) doRequest(ctx context.Context, audio []byte, format models.Format) (string, error) {
	params := openai.AudioTranscriptionNewParams{
		File:  openai.File(bytes.NewReader(audio), "audio."+string(format), format.MIME()),
		Model: openai.AudioModel(c.config.Model),
	}
	if c.config.Language != "" {
		params.Language = openai.String(c.config.Language)
	}
	if c.config.Prompt != "" {
		params.Prompt = openai.String(c.config.Prompt)
	}

	resp, err := c.api.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(resp.Text), nil
}

// isRetryable reports whether err is transient: rate limiting, server
// errors, timeouts and connection failures.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	if code := statusCode(err); code != 0 {
		return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "EOF")
}

func statusCode(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
