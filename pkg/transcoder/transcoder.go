// Package transcoder drives ffmpeg to turn uploaded recordings into a clean,
// seekable, audio-only file.
package transcoder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/xhad/hark/internal/models"
	"github.com/xhad/hark/pkg/errs"
)

// DefaultHeaderSize is how many leading bytes of the first WebM segment are
// treated as the container header when joining segments.
const DefaultHeaderSize = 1024

// ebmlMagic starts every Matroska/WebM file.
var ebmlMagic = []byte{0x1a, 0x45, 0xdf, 0xa3}

// markers ffmpeg prints when it cannot parse its input.
var invalidInputMarkers = []string{
	"Invalid data found when processing input",
	"could not find codec parameters",
	"EBML header parsing failed",
	"moov atom not found",
	"does not contain any stream",
	"Output file is empty",
	"End of file",
}

var codecs = map[models.Format]string{
	models.FormatMP3: "libmp3lame",
	models.FormatWAV: "pcm_s16le",
	models.FormatOGG: "libopus",
	models.FormatM4A: "aac",
	models.FormatMP4: "aac",
}

type TranscoderConfig struct {
	FFmpegPath string
	WorkDir    string
	Bitrate    string
	SampleRate int
	HeaderSize int
	// CleanUp removes intermediate files after each call. They are kept by
	// default for debugging.
	CleanUp bool
	Logger  *slog.Logger
}

type Transcoder struct {
	config TranscoderConfig
	logger *slog.Logger
}

func NewWithConfig(config TranscoderConfig) (*Transcoder, error) {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.WorkDir == "" {
		config.WorkDir = filepath.Join(os.TempDir(), "hark")
	}
	if config.HeaderSize == 0 {
		config.HeaderSize = DefaultHeaderSize
	}
	if config.SampleRate < 0 {
		return nil, errs.NewConfigError("transcoder.sample_rate", "sample_rate cannot be negative")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	return &Transcoder{
		config: config,
		logger: config.Logger.With(slog.String("component", "transcoder")),
	}, nil
}

// Transcode re-encodes input from source to target, dropping any video
// stream. The input and output files are written to the work dir.
func (t *Transcoder) Transcode(ctx context.Context, input []byte, source, target models.Format) ([]byte, error) {
	if len(input) == 0 {
		return nil, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: errors.New("empty input")}
	}
	if source == "" {
		return nil, errs.NewConfigError("source_format", "source format is required")
	}
	if _, ok := codecs[target]; !ok {
		return nil, errs.NewConfigError("target_format", fmt.Sprintf("unsupported target format: %s", target))
	}

	id := uuid.NewString()
	inPath := t.path(id, "source", source)
	if err := os.WriteFile(inPath, input, 0o644); err != nil {
		return nil, &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("failed to write input: %w", err)}
	}
	defer t.remove(inPath)

	outPath := t.path(id, "out", target)
	defer t.remove(outPath)

	if err := t.extractAudio(ctx, inPath, outPath, target); err != nil {
		return nil, err
	}

	return t.readOutput(outPath)
}

// JoinSegments stitches a recording saved as several WebM pieces back into
// one audio file. Pieces after the first usually lack the container header,
// so the first HeaderSize bytes of the first piece are prepended to any
// piece that does not start with one. Each piece is remuxed to an mp4
// intermediate, the intermediates are concatenated without re-encoding and
// the result is converted to target.
func (t *Transcoder) JoinSegments(ctx context.Context, segments [][]byte, source, target models.Format) ([]byte, error) {
	if len(segments) == 0 {
		return nil, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: errors.New("no segments")}
	}
	for i, seg := range segments {
		if len(seg) == 0 {
			return nil, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: fmt.Errorf("segment %d is empty", i)}
		}
	}
	if len(segments) == 1 {
		return t.Transcode(ctx, segments[0], source, target)
	}
	if _, ok := codecs[target]; !ok {
		return nil, errs.NewConfigError("target_format", fmt.Sprintf("unsupported target format: %s", target))
	}

	id := uuid.NewString()
	header := segments[0][:min(t.config.HeaderSize, len(segments[0]))]

	var list strings.Builder
	for i, seg := range segments {
		if i > 0 && source == models.FormatWebM && !bytes.HasPrefix(seg, ebmlMagic) {
			seg = append(append(make([]byte, 0, len(header)+len(seg)), header...), seg...)
		}

		segPath := t.path(id, "seg"+strconv.Itoa(i), source)
		if err := os.WriteFile(segPath, seg, 0o644); err != nil {
			return nil, &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("failed to write segment %d: %w", i, err)}
		}
		defer t.remove(segPath)

		midPath := t.path(id, "mid"+strconv.Itoa(i), models.FormatMP4)
		defer t.remove(midPath)
		if err := t.extractAudio(ctx, segPath, midPath, models.FormatMP4); err != nil {
			return nil, fmt.Errorf("segment %d: %w", i, err)
		}

		fmt.Fprintf(&list, "file '%s'\n", midPath)
	}

	listPath := filepath.Join(t.config.WorkDir, id+"_list.txt")
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return nil, &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("failed to write concat list: %w", err)}
	}
	defer t.remove(listPath)

	joinedPath := t.path(id, "joined", models.FormatMP4)
	defer t.remove(joinedPath)
	if err := t.run(ctx, "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", joinedPath); err != nil {
		return nil, err
	}

	outPath := t.path(id, "out", target)
	defer t.remove(outPath)
	if err := t.extractAudio(ctx, joinedPath, outPath, target); err != nil {
		return nil, err
	}

	t.logger.Info("joined segments", slog.Int("segments", len(segments)), slog.String("output", outPath))

	return t.readOutput(outPath)
}

func (t *Transcoder) extractAudio(ctx context.Context, in, out string, target models.Format) error {
	args := []string{
		"-i", in,
		"-vn",
		"-map_metadata", "-1",
		"-fflags", "+bitexact",
		"-flags:a", "+bitexact",
		"-acodec", codecs[target],
	}
	if t.config.Bitrate != "" && target != models.FormatWAV {
		args = append(args, "-b:a", t.config.Bitrate)
	}
	if t.config.SampleRate > 0 {
		args = append(args, "-ar", strconv.Itoa(t.config.SampleRate))
	}
	args = append(args, out)

	return t.run(ctx, args...)
}

func (t *Transcoder) run(ctx context.Context, args ...string) error {
	full := append([]string{"-nostdin", "-hide_banner", "-loglevel", "error", "-y"}, args...)
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, full...)

	output, err := cmd.CombinedOutput()
	if err == nil {
		t.logger.Debug("ffmpeg finished", slog.String("output", full[len(full)-1]))
		return nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &errs.TranscodeError{Reason: errs.ReasonCanceled, Err: ctxErr}
	}

	msg := tail(string(output), 512)
	t.logger.Warn("ffmpeg failed", slog.String("error", err.Error()), slog.String("stderr", msg))

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("ffmpeg not runnable: %w", err)}
	}

	for _, marker := range invalidInputMarkers {
		if strings.Contains(msg, marker) {
			return &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, msg)}
		}
	}

	return &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("ffmpeg error: %v\nOutput: %s", err, msg)}
}

func (t *Transcoder) readOutput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.TranscodeError{Reason: errs.ReasonUpstream, Err: fmt.Errorf("failed to read output: %w", err)}
	}
	if len(data) == 0 {
		return nil, &errs.TranscodeError{Reason: errs.ReasonInvalidInput, Err: errors.New("ffmpeg produced no audio")}
	}
	return data, nil
}

func (t *Transcoder) path(id, part string, f models.Format) string {
	return filepath.Join(t.config.WorkDir, fmt.Sprintf("%s_%s.%s", id, part, f))
}

func (t *Transcoder) remove(path string) {
	if !t.config.CleanUp {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		t.logger.Warn("failed to remove intermediate file", slog.String("path", path), slog.String("error", err.Error()))
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
