package processor_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xhad/hark/pkg/errs"
	"github.com/xhad/hark/pkg/processor"
)

// runeTokenizer maps every rune to one token.
type runeTokenizer struct{}

func (runeTokenizer) Encode(text string) []int {
	tokens := make([]int, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int(r))
	}
	return tokens
}

func (runeTokenizer) Decode(tokens []int) string {
	var b strings.Builder
	for _, t := range tokens {
		b.WriteRune(rune(t))
	}
	return b.String()
}

func TestChunk_Windows(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		maxTokens int
		want      []string
	}{
		{"empty text", "", 3, nil},
		{"shorter than window", "ab", 3, []string{"ab"}},
		{"exact multiple", "abcdef", 3, []string{"abc", "def"}},
		{"remainder", "abcdefg", 3, []string{"abc", "def", "g"}},
		{"window of one", "abc", 1, []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := processor.Chunk(tt.text, runeTokenizer{}, tt.maxTokens)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChunk_InvalidWindow(t *testing.T) {
	for _, w := range []int{0, -1} {
		_, err := processor.Chunk("text", runeTokenizer{}, w)
		var ce *errs.ConfigError
		require.ErrorAs(t, err, &ce)
	}
}

func TestChunk_Coverage(t *testing.T) {
	tok := runeTokenizer{}
	text := strings.Repeat("lorem ipsum dolor sit amet ", 37)
	total := len(tok.Encode(text))

	for _, w := range []int{1, 2, 7, 50, total, total + 10} {
		chunks, err := processor.Chunk(text, tok, w)
		require.NoError(t, err)

		sum := 0
		for i, c := range chunks {
			n := len(tok.Encode(c))
			if i < len(chunks)-1 {
				assert.Equal(t, w, n, "window %d chunk %d", w, i)
			} else {
				assert.GreaterOrEqual(t, n, 1)
				assert.LessOrEqual(t, n, w)
			}
			sum += n
		}
		assert.Equal(t, total, sum)
		assert.Equal(t, text, strings.Join(chunks, ""))
	}
}

func TestChunk_Deterministic(t *testing.T) {
	tok, err := processor.NewTiktoken(processor.DefaultEncoding)
	require.NoError(t, err)

	text := "Welcome to the space. Today we talk about vector databases, embeddings and why chunk size matters."
	first, err := processor.Chunk(text, tok, 5)
	require.NoError(t, err)
	second, err := processor.Chunk(text, tok, 5)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, text, strings.Join(first, ""))
	assert.Len(t, first, (len(tok.Encode(text))+4)/5)
}

func TestChunk_QuickBrownFox(t *testing.T) {
	tok, err := processor.NewTiktoken("")
	require.NoError(t, err)

	chunks, err := processor.Chunk("the quick brown fox", tok, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"the quick", " brown fox"}, chunks)
}

func TestProcessor_Defaults(t *testing.T) {
	p, err := processor.NewWithConfig(processor.ProcessorConfig{Tokenizer: runeTokenizer{}})
	require.NoError(t, err)
	chunks, err := p.Process(strings.Repeat("a", 2*processor.DefaultChunkSize+1))
	require.NoError(t, err)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], processor.DefaultChunkSize)
	assert.Equal(t, "a", chunks[2])

	_, err = processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: -5, Tokenizer: runeTokenizer{}})
	var ce *errs.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestProcessor_Process(t *testing.T) {
	p, err := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 4, Tokenizer: runeTokenizer{}})
	require.NoError(t, err)

	chunks, err := p.Process("abcdefghij")
	require.NoError(t, err)
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, chunks)
	assert.Equal(t, 10, p.CountTokens("abcdefghij"))

	chunks, err = p.Process("")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestProcessor_ProcessSplitsMultibyteSafely(t *testing.T) {
	p, err := processor.NewWithConfig(processor.ProcessorConfig{ChunkSize: 1})
	require.NoError(t, err)

	text := "naïve café 🎙️ recording"
	chunks, err := p.Process(text)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	for _, c := range chunks {
		assert.True(t, utf8.ValidString(c))
		assert.NotEmpty(t, c)
	}
	assert.Len(t, chunks, p.CountTokens(text))
}
