// Package llm wraps the language models used to embed transcript chunks and
// to answer questions about them.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/xhad/hark/internal/models"
)

// ChatConfig represents the configuration for a chat engine.
type ChatConfig struct {
	Model           string
	Temperature     float64
	MaxTokens       int
	SystemTemplate  string
	ContextTemplate string
	BaseURL         string // Ollama server URL
}

// ChatEngine answers questions from retrieved transcript excerpts.
type ChatEngine struct {
	config ChatConfig
	llm    llms.Model
}

// NewWithConfig creates a new ChatEngine backed by Ollama.
func NewWithConfig(config ChatConfig) (*ChatEngine, error) {
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}

	llm, err := ollama.New(ollama.WithModel(config.Model),
		ollama.WithServerURL(config.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize LLM: %w", err)
	}

	return &ChatEngine{
		config: config,
		llm:    llm,
	}, nil
}

// NewWithModel creates a ChatEngine on top of an existing model.
func NewWithModel(config ChatConfig, model llms.Model) (*ChatEngine, error) {
	config, err := withChatDefaults(config)
	if err != nil {
		return nil, err
	}
	return &ChatEngine{config: config, llm: model}, nil
}

func withChatDefaults(config ChatConfig) (ChatConfig, error) {
	if config.Model == "" {
		config.Model = "mistral" // Default Ollama model
	}
	if config.Temperature <= 0 || config.Temperature > 2 {
		return config, fmt.Errorf("temperature must be greater than 0 and at most 2")
	}
	if config.MaxTokens < 0 {
		return config, fmt.Errorf("max tokens cannot be negative")
	} else if config.MaxTokens == 0 {
		config.MaxTokens = 2000
	}
	if config.SystemTemplate == "" {
		config.SystemTemplate = "You are a helpful assistant with access to excerpts of recorded audio transcripts. Answer questions based only on these excerpts. If they do not contain the answer, say so."
	}
	if config.ContextTemplate == "" {
		config.ContextTemplate = "\nRelevant transcript excerpts:\n%s\n\nQuestion: %s"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434" // Default Ollama URL
	}
	return config, nil
}

// Answer generates a response to question grounded on the retrieved results.
func (ce *ChatEngine) Answer(ctx context.Context, question string, results []models.QueryResult) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errors.New("question cannot be empty")
	}

	response, err := ce.llm.GenerateContent(ctx, ce.messages(question, results),
		llms.WithTemperature(ce.config.Temperature),
		llms.WithMaxTokens(ce.config.MaxTokens),
	)
	if err != nil {
		return "", fmt.Errorf("chat error: %w", err)
	}
	if response == nil || len(response.Choices) == 0 {
		return "", errors.New("chat error: no response from LLM")
	}

	return response.Choices[0].Content, nil
}

// AnswerStream is like Answer but delivers the response in pieces as the
// model produces them. The channel is closed when generation ends.
func (ce *ChatEngine) AnswerStream(ctx context.Context, question string, results []models.QueryResult) (<-chan string, error) {
	if strings.TrimSpace(question) == "" {
		return nil, errors.New("question cannot be empty")
	}

	content := ce.messages(question, results)
	resultChan := make(chan string)

	go func() {
		defer close(resultChan)

		streamed := false
		resp, err := ce.llm.GenerateContent(ctx, content,
			llms.WithTemperature(ce.config.Temperature),
			llms.WithMaxTokens(ce.config.MaxTokens),
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if len(chunk) == 0 {
					return nil
				}
				streamed = true
				select {
				case resultChan <- string(chunk):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			}),
		)
		send := func(piece string) bool {
			select {
			case resultChan <- piece:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if err != nil {
			send(fmt.Sprintf("Error: %v", err))
			return
		}

		// models without streaming support return everything at once
		if !streamed && resp != nil {
			for _, choice := range resp.Choices {
				if choice != nil && choice.Content != "" && !send(choice.Content) {
					return
				}
			}
		}
	}()

	return resultChan, nil
}

func (ce *ChatEngine) messages(question string, results []models.QueryResult) []llms.MessageContent {
	return []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, ce.config.SystemTemplate),
		llms.TextParts(llms.ChatMessageTypeHuman, fmt.Sprintf(ce.config.ContextTemplate, models.FormatResults(results), question)),
	}
}
