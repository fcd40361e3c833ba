// Package config loads layered-memory settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rcliao/layered-memory/internal/model"
	"github.com/rcliao/layered-memory/internal/retrieval"
)

// Config defines runtime settings.
type Config struct {
	DBPath     string           `yaml:"db_path"`
	Embedding  EmbeddingConfig  `yaml:"embedding"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Chunking   ChunkingConfig   `yaml:"chunking"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Layers     LayersConfig     `yaml:"layers"`
	Backfill   BackfillConfig   `yaml:"backfill"`
	Log        LogConfig        `yaml:"log"`
	Uploads    UploadsConfig    `yaml:"uploads"`
}

type EmbeddingConfig struct {
	// Provider is "openai", "ollama" or empty (embeddings disabled).
	Provider          string  `yaml:"provider"`
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	TextModel         string  `yaml:"text_model"`
	MultimodalModel   string  `yaml:"multimodal_model"`
	BatchSize         int     `yaml:"batch_size"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	QueryCacheSize    int64   `yaml:"query_cache_size"`
}

type SummarizerConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	MaxTokens int64  `yaml:"max_tokens"`
}

type ChunkingConfig struct {
	MaxSize   int `yaml:"max_size"`
	Overlap   int `yaml:"overlap"`
	MinLength int `yaml:"min_length"`
}

type RetrievalConfig struct {
	TopK      int                     `yaml:"top_k"`
	PerLayerK int                     `yaml:"per_layer_k"`
	Timeout   time.Duration           `yaml:"timeout"`
	Weights   map[model.Layer]float64 `yaml:"weights"`
}

type LayersConfig struct {
	EmotionalWindow  int           `yaml:"emotional_window"`
	RationalMinTurns int           `yaml:"rational_min_turns"`
	RecentTurns      int           `yaml:"recent_turns"`
	UpdateTimeout    time.Duration `yaml:"update_timeout"`
}

type BackfillConfig struct {
	PerCallCap int           `yaml:"per_call_cap"`
	Interval   time.Duration `yaml:"interval"`
	Timeout    time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type UploadsConfig struct {
	Dir      string   `yaml:"dir"`
	Patterns []string `yaml:"patterns"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DBPath: filepath.Join(home, ".layered-memory", "memory.db"),
		Embedding: EmbeddingConfig{
			BatchSize:      10,
			QueryCacheSize: 1000,
		},
		Summarizer: SummarizerConfig{
			Model:     "claude-3-5-haiku-latest",
			MaxTokens: 1024,
		},
		Chunking: ChunkingConfig{MaxSize: 500, Overlap: 50, MinLength: 10},
		Retrieval: RetrievalConfig{
			TopK:      8,
			PerLayerK: 5,
			Timeout:   5 * time.Second,
			Weights:   retrieval.DefaultWeights(),
		},
		Layers: LayersConfig{
			EmotionalWindow:  10,
			RationalMinTurns: 4,
			RecentTurns:      20,
			UpdateTimeout:    60 * time.Second,
		},
		Backfill: BackfillConfig{
			PerCallCap: 50,
			Interval:   time.Minute,
			Timeout:    2 * time.Minute,
		},
		Log: LogConfig{Level: "warn", Format: "text"},
		Uploads: UploadsConfig{
			Dir:      filepath.Join(home, ".layered-memory", "uploads"),
			Patterns: []string{"**/*.md", "**/*.txt"},
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	cfg.fillModelDefaults()

	// A partial weights map in the file keeps defaults for the other layers.
	for l, w := range retrieval.DefaultWeights() {
		if _, ok := cfg.Retrieval.Weights[l]; !ok {
			if cfg.Retrieval.Weights == nil {
				cfg.Retrieval.Weights = map[model.Layer]float64{}
			}
			cfg.Retrieval.Weights[l] = w
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setString(&c.DBPath, "LAYERED_MEMORY_DB")
	setString(&c.Embedding.Provider, "LAYERED_MEMORY_EMBED_PROVIDER")
	setString(&c.Embedding.TextModel, "LAYERED_MEMORY_EMBED_MODEL")
	setString(&c.Embedding.MultimodalModel, "LAYERED_MEMORY_EMBED_MULTIMODAL_MODEL")
	setString(&c.Embedding.BaseURL, "LAYERED_MEMORY_EMBED_URL")
	setString(&c.Summarizer.Model, "LAYERED_MEMORY_SUMMARY_MODEL")
	setString(&c.Summarizer.APIKey, "ANTHROPIC_API_KEY")
	setString(&c.Log.Level, "LAYERED_MEMORY_LOG_LEVEL")

	switch c.Embedding.Provider {
	case "openai":
		setString(&c.Embedding.APIKey, "OPENAI_API_KEY")
	case "ollama":
		setString(&c.Embedding.BaseURL, "OLLAMA_HOST")
	}
}

func (c *Config) fillModelDefaults() {
	if c.Embedding.TextModel != "" {
		return
	}
	switch c.Embedding.Provider {
	case "ollama":
		c.Embedding.TextModel = "nomic-embed-text"
	case "openai":
		c.Embedding.TextModel = "text-embedding-3-small"
	}
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return errors.New("config: db_path is empty")
	}
	ch := c.Chunking
	if ch.MaxSize <= 0 {
		return fmt.Errorf("config: chunking.max_size must be positive, got %d", ch.MaxSize)
	}
	if ch.Overlap < 0 || ch.Overlap >= ch.MaxSize {
		return fmt.Errorf("config: chunking.overlap must be in [0, max_size), got %d", ch.Overlap)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("config: embedding.batch_size must be positive, got %d", c.Embedding.BatchSize)
	}
	if c.Retrieval.TopK <= 0 || c.Retrieval.PerLayerK <= 0 {
		return errors.New("config: retrieval.top_k and retrieval.per_layer_k must be positive")
	}
	for l, w := range c.Retrieval.Weights {
		if !model.ValidLayers[l] {
			return fmt.Errorf("config: retrieval.weights: %w: %q", model.ErrInvalidLayer, l)
		}
		if w < 0 {
			return fmt.Errorf("config: retrieval.weights.%s is negative", l)
		}
	}
	if c.Layers.EmotionalWindow <= 0 {
		return fmt.Errorf("config: layers.emotional_window must be positive, got %d", c.Layers.EmotionalWindow)
	}
	if c.Layers.RationalMinTurns < 1 || c.Layers.RecentTurns < 1 {
		return errors.New("config: layers.rational_min_turns and layers.recent_turns must be at least 1")
	}
	if c.Backfill.PerCallCap <= 0 {
		return fmt.Errorf("config: backfill.per_call_cap must be positive, got %d", c.Backfill.PerCallCap)
	}
	return nil
}

// DefaultPath returns the default location for the config file.
func DefaultPath() string {
	if path := os.Getenv("LAYERED_MEMORY_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".layered-memory", "config.yaml")
}
