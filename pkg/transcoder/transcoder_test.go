package transcoder

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
)

// fakeFFmpeg copies its -i input to the last argument, concatenates the
// files of a concat list, and fails like ffmpeg on inputs containing CORRUPT.
const fakeFFmpeg = `#!/bin/sh
in=""; out=""; prev=""; concat=0
for a in "$@"; do
  if [ "$prev" = "-i" ]; then in="$a"; fi
  if [ "$a" = "concat" ]; then concat=1; fi
  prev="$a"; out="$a"
done
if [ "$concat" = 1 ]; then
  : > "$out"
  sed -n "s/^file '\(.*\)'$/\1/p" "$in" | while read -r f; do cat "$f" >> "$out"; done
  exit 0
fi
if grep -q CORRUPT "$in"; then
  echo "$in: Invalid data found when processing input" >&2
  exit 1
fi
if grep -q BROKEN "$in"; then
  echo "Conversion failed!" >&2
  exit 1
fi
cat "$in" > "$out"
`

func newFakeTranscoder(t *testing.T, cfg TranscoderConfig) *Transcoder {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg is a shell script")
	}

	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte(fakeFFmpeg), 0o755))

	cfg.FFmpegPath = bin
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(dir, "work")
	}
	tc, err := NewWithConfig(cfg)
	require.NoError(t, err)
	return tc
}

func TestTranscode(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{})

	out, err := tc.Transcode(context.Background(), []byte("webm-bytes"), models.FormatWebM, models.FormatMP3)
	require.NoError(t, err)
	assert.Equal(t, []byte("webm-bytes"), out)

	// intermediate files are kept for debugging
	files, err := filepath.Glob(filepath.Join(tc.config.WorkDir, "*"))
	require.NoError(t, err)
	assert.Len(t, files, 2)
}

func TestTranscodeCleanUp(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{CleanUp: true})

	_, err := tc.Transcode(context.Background(), []byte("webm-bytes"), models.FormatWebM, models.FormatMP3)
	require.NoError(t, err)

	files, err := filepath.Glob(filepath.Join(tc.config.WorkDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestTranscodeErrors(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{CleanUp: true})
	ctx := context.Background()

	tests := []struct {
		name   string
		input  []byte
		target models.Format
		reason string
		config bool
	}{
		{name: "empty input", input: nil, target: models.FormatMP3, reason: errs.ReasonInvalidInput},
		{name: "corrupt input", input: []byte("CORRUPT"), target: models.FormatMP3, reason: errs.ReasonInvalidInput},
		{name: "encoder failure", input: []byte("BROKEN"), target: models.FormatMP3, reason: errs.ReasonUpstream},
		{name: "unsupported target", input: []byte("ok"), target: models.FormatWebM, config: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tc.Transcode(ctx, tt.input, models.FormatWebM, tt.target)
			require.Error(t, err)

			if tt.config {
				var ce *errs.ConfigError
				assert.ErrorAs(t, err, &ce)
				return
			}

			var te *errs.TranscodeError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.reason, te.Reason)
		})
	}
}

func TestTranscodeMissingBinary(t *testing.T) {
	tc, err := NewWithConfig(TranscoderConfig{
		FFmpegPath: filepath.Join(t.TempDir(), "no-such-ffmpeg"),
		WorkDir:    t.TempDir(),
	})
	require.NoError(t, err)

	_, err = tc.Transcode(context.Background(), []byte("data"), models.FormatWebM, models.FormatMP3)
	var te *errs.TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.ReasonUpstream, te.Reason)
}

func TestTranscodeCanceled(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{CleanUp: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tc.Transcode(ctx, []byte("data"), models.FormatWebM, models.FormatMP3)
	var te *errs.TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.ReasonCanceled, te.Reason)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestJoinSegments(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{HeaderSize: 4, CleanUp: true})
	ctx := context.Background()

	first := append(append([]byte{}, ebmlMagic...), []byte("-one")...)
	second := []byte("-two")
	third := append(append([]byte{}, ebmlMagic...), []byte("-three")...)

	out, err := tc.JoinSegments(ctx, [][]byte{first, second, third}, models.FormatWebM, models.FormatMP3)
	require.NoError(t, err)

	var want bytes.Buffer
	want.Write(first)
	want.Write(ebmlMagic) // header borrowed from the first segment
	want.Write(second)
	want.Write(third)
	assert.Equal(t, want.Bytes(), out)

	files, err := filepath.Glob(filepath.Join(tc.config.WorkDir, "*"))
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestJoinSegmentsEdgeCases(t *testing.T) {
	tc := newFakeTranscoder(t, TranscoderConfig{CleanUp: true})
	ctx := context.Background()

	_, err := tc.JoinSegments(ctx, nil, models.FormatWebM, models.FormatMP3)
	var te *errs.TranscodeError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.ReasonInvalidInput, te.Reason)

	_, err = tc.JoinSegments(ctx, [][]byte{[]byte("a"), nil}, models.FormatWebM, models.FormatMP3)
	require.ErrorAs(t, err, &te)
	assert.Equal(t, errs.ReasonInvalidInput, te.Reason)

	out, err := tc.JoinSegments(ctx, [][]byte{[]byte("single")}, models.FormatWebM, models.FormatMP3)
	require.NoError(t, err)
	assert.Equal(t, []byte("single"), out)
}

// TestTranscodeDeterministic needs a real ffmpeg with libmp3lame.
func TestTranscodeDeterministic(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg test in short mode")
	}
	bin, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}

	dir := t.TempDir()
	wav := filepath.Join(dir, "tone.wav")
	gen := exec.Command(bin, "-nostdin", "-loglevel", "error", "-f", "lavfi", "-i", "sine=frequency=440:duration=1", wav)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("cannot generate test tone: %v: %s", err, out)
	}
	input, err := os.ReadFile(wav)
	require.NoError(t, err)

	tc, err := NewWithConfig(TranscoderConfig{FFmpegPath: bin, WorkDir: filepath.Join(dir, "work"), CleanUp: true})
	require.NoError(t, err)

	first, err := tc.Transcode(context.Background(), input, models.FormatWAV, models.FormatMP3)
	if err != nil {
		t.Skipf("ffmpeg cannot encode mp3: %v", err)
	}
	second, err := tc.Transcode(context.Background(), input, models.FormatWAV, models.FormatMP3)
	require.NoError(t, err)

	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}
