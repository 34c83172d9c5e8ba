package errs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageErrorUnwrap(t *testing.T) {
	cause := &TranscodeError{Reason: ReasonInvalidInput}
	err := fmt.Errorf("ingest asset-1: %w", &StageError{Stage: "transcode", Err: cause})

	var tc *TranscodeError
	require.True(t, errors.As(err, &tc))
	assert.Equal(t, ReasonInvalidInput, tc.Reason)
	assert.Equal(t, "transcode", StageOf(err))
	assert.Equal(t, ReasonInvalidInput, ReasonOf(err))
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"config", NewConfigError("limit", "must be positive"), "config error: limit: must be positive"},
		{"transcode", &TranscodeError{Reason: ReasonInvalidInput}, "transcode: invalid input"},
		{"transcription wrapped", &TranscriptionError{Reason: ReasonUpstream, Err: errors.New("503")}, "transcription: upstream failure: 503"},
		{"embedding", &EmbeddingError{Reason: ReasonCountMismatch}, "embedding: count mismatch"},
		{"dimension", &DimensionError{Want: 1536, Got: 10}, "dimension mismatch: want 1536, got 10"},
		{"store", &StoreError{Op: "insert", Err: errors.New("boom")}, "store insert: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestStoreErrorKeepsCause(t *testing.T) {
	err := &StoreError{Op: "insert", Err: context.Canceled}
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, StageOf(err))
	assert.Empty(t, ReasonOf(err))
}

func TestReasonOfDimension(t *testing.T) {
	err := &StageError{Stage: "store", Err: &DimensionError{Want: 3, Got: 2}}
	assert.Equal(t, ReasonDimensionMismatch, ReasonOf(err))
}

func TestCheckFinite(t *testing.T) {
	tests := []struct {
		name string
		v    []float32
		ok   bool
	}{
		{"empty", nil, true},
		{"finite", []float32{1, -2.5, 0}, true},
		{"nan", []float32{1, float32(math.NaN())}, false},
		{"positive infinity", []float32{float32(math.Inf(1)), 0}, false},
		{"negative infinity", []float32{0, float32(math.Inf(-1))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckFinite(tt.v)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrNonFiniteVector)
		})
	}
}
