package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/xhad/hark/pkg/errs"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

var targetFormats = map[string]bool{"mp3": true, "wav": true, "ogg": true, "m4a": true}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	if c.LLM.Enabled {
		if c.LLM.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "Ollama base URL is required",
			})
		} else if !isHTTPURL(c.LLM.BaseURL) {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid Ollama base URL",
			})
		}

		if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 4096 {
			errors = append(errors, ValidationError{
				Field:   "llm.max_tokens",
				Message: "max_tokens must be between 1 and 4096",
			})
		}

		if c.LLM.Temperature <= 0 || c.LLM.Temperature > 2 {
			errors = append(errors, ValidationError{
				Field:   "llm.temperature",
				Message: "temperature must be greater than 0 and at most 2",
			})
		}
	}

	// Validate embedding config
	switch c.Embedding.Provider {
	case "openai":
		if c.Embedding.APIKey == "" && c.Embedding.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "embedding.api_key",
				Message: "OpenAI API key is required",
			})
		}
	case "ollama":
	default:
		errors = append(errors, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("unknown provider %q (supported: openai, ollama)", c.Embedding.Provider),
		})
	}

	if c.Embedding.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "embedding.batch_size",
			Message: "batch_size must be positive",
		})
	}

	// Validate transcription config
	if c.Transcription.APIKey == "" && c.Transcription.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "transcription.api_key",
			Message: "OpenAI API key is required",
		})
	}

	if c.Transcription.MaxBytes < 1 {
		errors = append(errors, ValidationError{
			Field:   "transcription.max_bytes",
			Message: "max_bytes must be positive",
		})
	}

	if c.Transcription.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "transcription.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if c.Transcription.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "transcription.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	// Validate transcoder config
	if !targetFormats[strings.ToLower(c.Transcoder.TargetFormat)] {
		errors = append(errors, ValidationError{
			Field:   "transcoder.target_format",
			Message: fmt.Sprintf("unsupported target format: %s", c.Transcoder.TargetFormat),
		})
	}

	// Validate Database config
	switch c.Database.Store {
	case "postgres":
		if c.Database.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "database URL is required",
			})
		} else if u, err := url.Parse(c.Database.URL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
			errors = append(errors, ValidationError{
				Field:   "database.url",
				Message: "invalid database URL",
			})
		}
	case "memory":
	default:
		errors = append(errors, ValidationError{
			Field:   "database.store",
			Message: fmt.Sprintf("unknown store %q (supported: postgres, memory)", c.Database.Store),
		})
	}

	if c.Database.VectorDim < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.vector_dim",
			Message: "vector_dim must be positive",
		})
	}

	if c.Database.SearchLimit < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.search_limit",
			Message: "search_limit must be positive",
		})
	}

	// Validate Processor config
	if c.Processor.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "processor.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	return errors
}

// Err folds the validation result into a single *errs.ConfigError, or nil.
func (c *Config) Err() error {
	verrs := c.Validate()
	if len(verrs) == 0 {
		return nil
	}

	msgs := make([]string, 0, len(verrs))
	for _, v := range verrs {
		msgs = append(msgs, v.Error())
	}
	return errs.NewConfigError(verrs[0].Field, strings.Join(msgs, "; "))
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
