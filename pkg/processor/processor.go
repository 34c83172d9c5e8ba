package processor

import (
	"strings"
	"unicode/utf8"

	"github.com/xhad/hark/internal/types"
	"github.com/xhad/hark/pkg/errs"
)

// DefaultChunkSize is the number of tokens per chunk.
const DefaultChunkSize = 50

type ProcessorConfig struct {
	ChunkSize    int
	EncodingName string
	Tokenizer    types.Tokenizer
}

type Processor struct {
	config    ProcessorConfig
	tokenizer types.Tokenizer
}

func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize == 0 {
		config.ChunkSize = DefaultChunkSize
	}
	if config.ChunkSize < 0 {
		return nil, errs.NewConfigError("processor.chunk_size", "chunk_size must be positive")
	}
	if config.EncodingName == "" {
		config.EncodingName = DefaultEncoding
	}

	tok := config.Tokenizer
	if tok == nil {
		tk, err := NewTiktoken(config.EncodingName)
		if err != nil {
			return nil, err
		}
		tok = tk
	}

	return &Processor{
		config:    config,
		tokenizer: tok,
	}, nil
}

// Process splits a transcript into chunks ready to be embedded and stored.
// A window boundary may fall inside a multi-byte character; such partial
// sequences are replaced with U+FFFD so every chunk is valid UTF-8.
func (p *Processor) Process(text string) ([]string, error) {
	chunks, err := Chunk(text, p.tokenizer, p.config.ChunkSize)
	if err != nil {
		return nil, err
	}

	for i, c := range chunks {
		chunks[i] = sanitizeUTF8(c)
	}

	return chunks, nil
}

// CountTokens returns the number of tokens text encodes to.
func (p *Processor) CountTokens(text string) int {
	return len(p.tokenizer.Encode(text))
}

// Chunk encodes text with tok and cuts the token sequence into contiguous,
// non-overlapping windows of maxTokens tokens; the last window holds the
// remainder. Each window is decoded back to text. Empty text yields no
// chunks.
func Chunk(text string, tok types.Tokenizer, maxTokens int) ([]string, error) {
	if maxTokens <= 0 {
		return nil, errs.NewConfigError("max_tokens_per_chunk", "must be positive")
	}
	if text == "" {
		return nil, nil
	}

	tokens := tok.Encode(text)
	chunks := make([]string, 0, (len(tokens)+maxTokens-1)/maxTokens)

	for start := 0; start < len(tokens); start += maxTokens {
		end := min(start+maxTokens, len(tokens))
		chunks = append(chunks, tok.Decode(tokens[start:end]))
	}

	return chunks, nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "\uFFFD")
}
