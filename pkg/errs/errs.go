// Package errs defines the error types returned by the ingestion and
// retrieval pipeline. Every stage returns one of these so callers can tell
// which stage failed and why with errors.As.
package errs

import (
	"errors"
	"fmt"
	"math"
)

// Common failure reasons.
const (
	ReasonInvalidInput      = "invalid input"
	ReasonPayloadTooLarge   = "payload too large"
	ReasonDimensionMismatch = "dimension mismatch"
	ReasonCountMismatch     = "count mismatch"
	ReasonUpstream          = "upstream failure"
	ReasonCanceled          = "canceled"
	ReasonInvalidVector     = "invalid vector"
)

// ErrNonFiniteVector is wrapped by every error reporting a NaN or infinite
// embedding component.
var ErrNonFiniteVector = errors.New("embedding has a non-finite component")

// CheckFinite returns an error wrapping ErrNonFiniteVector if any component
// of v is NaN or infinite.
func CheckFinite(v []float32) error {
	for i, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return fmt.Errorf("%w: component %d is %v", ErrNonFiniteVector, i, x)
		}
	}
	return nil
}

// ConfigError reports an invalid parameter. It is never retried.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: %s: %s", e.Field, e.Message)
}

// NewConfigError is a shorthand for &ConfigError{Field: field, Message: msg}.
func NewConfigError(field, msg string) *ConfigError {
	return &ConfigError{Field: field, Message: msg}
}

// TranscodeError is returned by the transcoder.
type TranscodeError struct {
	Reason string
	Err    error
}

func (e *TranscodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcode: %s: %v", e.Reason, e.Err)
	}
	return "transcode: " + e.Reason
}

func (e *TranscodeError) Unwrap() error { return e.Err }

// TranscriptionError is returned by the speech-to-text adapter.
type TranscriptionError struct {
	Reason string
	Err    error
}

func (e *TranscriptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transcription: %s: %v", e.Reason, e.Err)
	}
	return "transcription: " + e.Reason
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// EmbeddingError is returned by the embedding adapter.
type EmbeddingError struct {
	Reason string
	Err    error
}

func (e *EmbeddingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("embedding: %s: %v", e.Reason, e.Err)
	}
	return "embedding: " + e.Reason
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// DimensionError is returned when a vector does not have the dimension the
// store was configured with.
type DimensionError struct {
	Want int
	Got  int
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// StoreError wraps a failed store operation. When returned from an insert,
// no row of the batch is visible.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StageError names the pipeline stage an ingestion request failed in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the failing stage recorded in err, or "" if err does not
// carry one.
func StageOf(err error) string {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// ReasonOf returns the reason of a stage-local error, or "" for other errors.
func ReasonOf(err error) string {
	var (
		tc *TranscodeError
		tr *TranscriptionError
		em *EmbeddingError
		de *DimensionError
	)
	switch {
	case errors.As(err, &tc):
		return tc.Reason
	case errors.As(err, &tr):
		return tr.Reason
	case errors.As(err, &em):
		return em.Reason
	case errors.As(err, &de):
		return ReasonDimensionMismatch
	}
	return ""
}
