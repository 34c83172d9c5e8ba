package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LLM struct {
		BaseURL     string  `yaml:"base_url"`
		Model       string  `yaml:"model"`
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float64 `yaml:"temperature"`
		Enabled     bool    `yaml:"enabled"`
	} `yaml:"llm"`

	Embedding struct {
		Provider  string `yaml:"provider"`
		Model     string `yaml:"model"`
		BaseURL   string `yaml:"base_url"`
		APIKey    string `yaml:"api_key"`
		BatchSize int    `yaml:"batch_size"`
	} `yaml:"embedding"`

	Transcription struct {
		Model          string  `yaml:"model"`
		BaseURL        string  `yaml:"base_url"`
		APIKey         string  `yaml:"api_key"`
		Language       string  `yaml:"language"`
		MaxBytes       int64   `yaml:"max_bytes"`
		MaxRetries     int     `yaml:"max_retries"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RateLimit      float64 `yaml:"rate_limit"`
	} `yaml:"transcription"`

	Transcoder struct {
		FFmpegPath   string `yaml:"ffmpeg_path"`
		WorkDir      string `yaml:"work_dir"`
		TargetFormat string `yaml:"target_format"`
		Bitrate      string `yaml:"bitrate"`
		SampleRate   int    `yaml:"sample_rate"`
		CleanUp      bool   `yaml:"clean_up"`
	} `yaml:"transcoder"`

	Database struct {
		URL         string `yaml:"url"`
		Store       string `yaml:"store"`
		TableName   string `yaml:"table_name"`
		VectorDim   int    `yaml:"vector_dim"`
		SearchLimit int    `yaml:"search_limit"`
	} `yaml:"database"`

	Processor struct {
		ChunkSize    int    `yaml:"chunk_size"`
		EncodingName string `yaml:"encoding_name"`
	} `yaml:"processor"`

	Pipeline struct {
		FailOnEmptyTranscript bool `yaml:"fail_on_empty_transcript"`
		ReplaceExisting       bool `yaml:"replace_existing"`
	} `yaml:"pipeline"`

	Fetcher struct {
		MaxBytes  int64   `yaml:"max_bytes"`
		RateLimit float64 `yaml:"rate_limit"`

		// Links containing any of these substrings are skipped.
		IgnorePatterns []string `yaml:"ignore_patterns"`
	} `yaml:"fetcher"`

	Server struct {
		Port           string `yaml:"port"`
		MaxUploadBytes int64  `yaml:"max_upload_bytes"`
	} `yaml:"server"`
}

func LoadConfig(path string) (*Config, error) {
	// If no path provided, try default locations
	if path == "" {
		locations := []string{
			"config.yaml",
			"config.yml",
			filepath.Join(os.Getenv("HOME"), ".config/hark/config.yaml"),
			"/etc/hark/config.yaml",
		}

		for _, loc := range locations {
			if _, err := os.Stat(loc); err == nil {
				path = loc
				break
			}
		}
	}

	if path == "" {
		return getDefaultConfig()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	// Merge with environment variables
	mergeWithEnv(&config)

	// Apply defaults for unset values
	applyDefaults(&config)

	return &config, nil
}

func getDefaultConfig() (*Config, error) {
	config := &Config{}
	applyDefaults(config)
	mergeWithEnv(config)
	return config, nil
}

func applyDefaults(config *Config) {
	if config.LLM.Model == "" {
		config.LLM.Model = "mistral"
	}
	if config.LLM.MaxTokens == 0 {
		config.LLM.MaxTokens = 2000
	}
	if config.LLM.Temperature == 0 {
		config.LLM.Temperature = 0.7
	}
	if config.LLM.BaseURL == "" {
		config.LLM.BaseURL = "http://localhost:11434"
	}

	if config.Embedding.Provider == "" {
		config.Embedding.Provider = "openai"
	}
	if config.Embedding.Model == "" {
		switch config.Embedding.Provider {
		case "ollama":
			config.Embedding.Model = "nomic-embed-text:latest"
		default:
			config.Embedding.Model = "text-embedding-ada-002"
		}
	}
	if config.Embedding.BatchSize == 0 {
		config.Embedding.BatchSize = 512
	}

	if config.Transcription.Model == "" {
		config.Transcription.Model = "whisper-1"
	}
	if config.Transcription.MaxBytes == 0 {
		config.Transcription.MaxBytes = 25 << 20
	}
	if config.Transcription.MaxRetries == 0 {
		config.Transcription.MaxRetries = 3
	}
	if config.Transcription.TimeoutSeconds == 0 {
		config.Transcription.TimeoutSeconds = 300
	}
	if config.Transcription.RateLimit == 0 {
		config.Transcription.RateLimit = 2.0
	}

	if config.Transcoder.FFmpegPath == "" {
		config.Transcoder.FFmpegPath = "ffmpeg"
	}
	if config.Transcoder.WorkDir == "" {
		config.Transcoder.WorkDir = filepath.Join(os.TempDir(), "hark")
	}
	if config.Transcoder.TargetFormat == "" {
		config.Transcoder.TargetFormat = "mp3"
	}

	if config.Database.Store == "" {
		config.Database.Store = "postgres"
	}
	if config.Database.TableName == "" {
		config.Database.TableName = "documents"
	}
	if config.Database.VectorDim == 0 {
		if config.Embedding.Provider == "ollama" {
			config.Database.VectorDim = 768
		} else {
			config.Database.VectorDim = 1536
		}
	}
	if config.Database.SearchLimit == 0 {
		config.Database.SearchLimit = 5
	}

	if config.Processor.ChunkSize == 0 {
		config.Processor.ChunkSize = 50
	}
	if config.Processor.EncodingName == "" {
		config.Processor.EncodingName = "cl100k_base"
	}

	if config.Fetcher.MaxBytes == 0 {
		config.Fetcher.MaxBytes = 200 << 20
	}
	if config.Fetcher.RateLimit == 0 {
		config.Fetcher.RateLimit = 2.0
	}

	if config.Server.Port == "" {
		config.Server.Port = "8080"
	}
	if config.Server.MaxUploadBytes == 0 {
		config.Server.MaxUploadBytes = 300 << 20
	}
}

func mergeWithEnv(config *Config) {
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.LLM.BaseURL = baseURL
		if config.Embedding.Provider == "ollama" {
			config.Embedding.BaseURL = baseURL
		}
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Database.URL = dbURL
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if config.Embedding.APIKey == "" {
			config.Embedding.APIKey = key
		}
		if config.Transcription.APIKey == "" {
			config.Transcription.APIKey = key
		}
	}
	if dir := os.Getenv("HARK_WORK_DIR"); dir != "" {
		config.Transcoder.WorkDir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		config.Server.Port = port
	}
}
