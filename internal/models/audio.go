package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format is an audio container/codec name, used as file extension too.
type Format string

const (
	FormatWebM Format = "webm"
	FormatMP4  Format = "mp4"
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOGG  Format = "ogg"
	FormatM4A  Format = "m4a"
)

var mimeFormats = map[string]Format{
	"audio/webm":      FormatWebM,
	"video/webm":      FormatWebM,
	"audio/mp4":       FormatMP4,
	"video/mp4":       FormatMP4,
	"audio/mpeg":      FormatMP3,
	"audio/mp3":       FormatMP3,
	"audio/wav":       FormatWAV,
	"audio/x-wav":     FormatWAV,
	"audio/wave":      FormatWAV,
	"audio/ogg":       FormatOGG,
	"audio/x-m4a":     FormatM4A,
	"audio/m4a":       FormatM4A,
	"application/ogg": FormatOGG,
}

// FormatFromMIME maps a declared MIME type (parameters like ";codecs=opus"
// are ignored) to a Format.
func FormatFromMIME(mime string) (Format, bool) {
	base, _, _ := strings.Cut(mime, ";")
	f, ok := mimeFormats[strings.ToLower(strings.TrimSpace(base))]
	return f, ok
}

// FormatFromExt maps a file extension (with or without the dot) to a Format.
func FormatFromExt(ext string) (Format, bool) {
	f := Format(strings.ToLower(strings.TrimPrefix(ext, ".")))
	switch f {
	case FormatWebM, FormatMP4, FormatMP3, FormatWAV, FormatOGG, FormatM4A:
		return f, true
	}
	return "", false
}

// MIME returns the canonical MIME type of f.
func (f Format) MIME() string {
	switch f {
	case FormatWebM:
		return "audio/webm"
	case FormatMP4:
		return "audio/mp4"
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	case FormatOGG:
		return "audio/ogg"
	case FormatM4A:
		return "audio/x-m4a"
	}
	return "application/octet-stream"
}

// AudioAsset is one uploaded recording. It is never modified after
// creation; derived artifacts refer to it by ID.
type AudioAsset struct {
	ID        string
	Data      []byte
	Format    Format
	MimeType  string
	Source    string // file path or URL, if any
	CreatedAt time.Time
}

// NewAudioAsset creates an asset with a fresh ID.
func NewAudioAsset(data []byte, format Format) AudioAsset {
	return AudioAsset{
		ID:        uuid.NewString(),
		Data:      data,
		Format:    format,
		MimeType:  format.MIME(),
		CreatedAt: time.Now().UTC(),
	}
}
