package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatFromMIME(t *testing.T) {
	tests := []struct {
		mime string
		want Format
		ok   bool
	}{
		{"audio/webm", FormatWebM, true},
		{"audio/webm;codecs=opus", FormatWebM, true},
		{"Video/MP4", FormatMP4, true},
		{"audio/mpeg", FormatMP3, true},
		{"text/plain", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.mime, func(t *testing.T) {
			got, ok := FormatFromMIME(tt.mime)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatFromExt(t *testing.T) {
	f, ok := FormatFromExt(".WEBM")
	assert.True(t, ok)
	assert.Equal(t, FormatWebM, f)

	_, ok = FormatFromExt("txt")
	assert.False(t, ok)
}

func TestNewAudioAsset(t *testing.T) {
	a := NewAudioAsset([]byte{1, 2, 3}, FormatMP3)
	b := NewAudioAsset([]byte{1, 2, 3}, FormatMP3)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "audio/mpeg", a.MimeType)
	assert.False(t, a.CreatedAt.IsZero())
}

func TestFormatResults(t *testing.T) {
	results := []QueryResult{
		{ID: 2, Content: "brown fox", Distance: 0.1},
		{ID: 1, Content: "the quick", Distance: 0.4},
	}
	assert.Equal(t, "ELEMENT 1: brown fox\nELEMENT 2: the quick", FormatResults(results))
	assert.Equal(t, "", FormatResults(nil))
}
