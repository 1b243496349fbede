// Package config loads the docpilot configuration: defaults, then an
// optional YAML file, then environment variable overrides, validated as
// a whole before anything starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete docpilot configuration.
type Config struct {
	Data       DataConfig       `yaml:"data"`
	Search     SearchConfig     `yaml:"search"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Expander   ExpanderConfig   `yaml:"expander"`
	Reranker   RerankerConfig   `yaml:"reranker"`
	Web        WebConfig        `yaml:"web"`
	Recovery   RecoveryConfig   `yaml:"recovery"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// DataConfig locates persisted state.
type DataConfig struct {
	// Dir holds the SQLite database, index snapshots and locks.
	Dir string `yaml:"dir"`

	// SparseBackend selects the BM25 implementation: "memory" or "bleve".
	SparseBackend string `yaml:"sparse_backend"`
}

// SearchConfig tunes the retrieval pipeline.
type SearchConfig struct {
	TopK          int     `yaml:"top_k"`
	MinSimilarity float64 `yaml:"min_similarity"`
	MaxExpansions int     `yaml:"max_expansions"`

	UseExpansion  bool `yaml:"use_expansion"`
	UseHybrid     bool `yaml:"use_hybrid"`
	UseReranker   bool `yaml:"use_reranker"`
	UseCorrective bool `yaml:"use_corrective"`

	// CorrectiveThreshold is the best-local-score floor below which the
	// web fallback fires.
	CorrectiveThreshold float64 `yaml:"corrective_threshold"`

	// MaxParallel bounds concurrent retrieval tasks.
	MaxParallel int `yaml:"max_parallel"`

	// BM25 scoring parameters.
	K1      float64 `yaml:"k1"`
	B       float64 `yaml:"b"`
	Epsilon float64 `yaml:"epsilon"`
}

// EmbeddingsConfig configures the dense retriever.
type EmbeddingsConfig struct {
	OllamaHost string   `yaml:"ollama_host"`
	Model      string   `yaml:"model"`
	Dimensions int      `yaml:"dimensions"`
	BatchSize  int      `yaml:"batch_size"`
	Timeout    Duration `yaml:"timeout"`
	CacheSize  int      `yaml:"cache_size"`
}

// ExpanderConfig configures LLM query expansion.
type ExpanderConfig struct {
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// RerankerConfig configures the cross-encoder service.
type RerankerConfig struct {
	Endpoint string   `yaml:"endpoint"`
	Model    string   `yaml:"model"`
	Timeout  Duration `yaml:"timeout"`
}

// WebConfig configures the corrective web fallback. Disabled entirely
// when Enabled is false or the API key is empty.
type WebConfig struct {
	Enabled    bool     `yaml:"enabled"`
	BaseURL    string   `yaml:"base_url"`
	APIKey     string   `yaml:"api_key"`
	Timeout    Duration `yaml:"timeout"`
	MaxResults int      `yaml:"max_results"`
}

// RecoveryConfig configures stuck-document recovery.
type RecoveryConfig struct {
	ThresholdMinutes int `yaml:"threshold_minutes"`
	MaxConcurrent    int `yaml:"max_concurrent"`
}

// LoggingConfig configures the rotating JSON log.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	FilePath  string `yaml:"file_path"`
	MaxSizeMB int    `yaml:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files"`
	Stderr    bool   `yaml:"stderr"`
}

// NewConfig returns the default configuration.
func NewConfig() *Config {
	return &Config{
		Data: DataConfig{
			Dir:           defaultDataDir(),
			SparseBackend: "memory",
		},
		Search: SearchConfig{
			TopK:                10,
			MinSimilarity:       0,
			MaxExpansions:       3,
			UseExpansion:        true,
			UseHybrid:           true,
			UseReranker:         false,
			UseCorrective:       false,
			CorrectiveThreshold: 0.5,
			MaxParallel:         4,
			K1:                  1.5,
			B:                   0.75,
			Epsilon:             0.25,
		},
		Embeddings: EmbeddingsConfig{
			OllamaHost: "http://localhost:11434",
			Model:      "embeddinggemma",
			BatchSize:  32,
			Timeout:    Duration(60 * time.Second),
			CacheSize:  1000,
		},
		Expander: ExpanderConfig{
			BaseURL:     "http://localhost:8080/v1",
			APIKey:      "sk-local",
			Model:       "llama3",
			Temperature: 0.3,
			MaxTokens:   256,
		},
		Reranker: RerankerConfig{
			Endpoint: "http://localhost:9659",
			Model:    "reranker-small",
			Timeout:  Duration(30 * time.Second),
		},
		Web: WebConfig{
			Enabled:    false,
			BaseURL:    "https://api.search.brave.com/res/v1",
			Timeout:    Duration(10 * time.Second),
			MaxResults: 3,
		},
		Recovery: RecoveryConfig{
			ThresholdMinutes: 5,
			MaxConcurrent:    3,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  3,
			Stderr:    false,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docpilot"
	}
	return filepath.Join(home, ".docpilot")
}

// DefaultConfigPath returns the conventional config file location.
func DefaultConfigPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// Load builds the effective configuration: defaults, then the YAML file
// at path (if non-empty), then environment overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies DOCPILOT_* environment variables on top of
// file values. Env always wins.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOCPILOT_DATA_DIR"); v != "" {
		c.Data.Dir = v
	}
	if v := os.Getenv("DOCPILOT_SPARSE_BACKEND"); v != "" {
		c.Data.SparseBackend = v
	}
	if v := os.Getenv("DOCPILOT_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("DOCPILOT_EMBEDDING_MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv("DOCPILOT_LLM_BASE_URL"); v != "" {
		c.Expander.BaseURL = v
	}
	if v := os.Getenv("DOCPILOT_LLM_API_KEY"); v != "" {
		c.Expander.APIKey = v
	}
	if v := os.Getenv("DOCPILOT_LLM_MODEL"); v != "" {
		c.Expander.Model = v
	}
	if v := os.Getenv("DOCPILOT_RERANKER_ENDPOINT"); v != "" {
		c.Reranker.Endpoint = v
	}
	if v := os.Getenv("DOCPILOT_BRAVE_API_KEY"); v != "" {
		c.Web.APIKey = v
	}
	if v := os.Getenv("DOCPILOT_WEB_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Web.Enabled = b
		}
	}
	if v := os.Getenv("DOCPILOT_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DOCPILOT_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Search.TopK = n
		}
	}
	if v := os.Getenv("DOCPILOT_RECOVERY_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.MaxConcurrent = n
		}
	}
}

// Validate rejects configurations that cannot work before any component
// starts.
func (c *Config) Validate() error {
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir must not be empty")
	}
	if c.Data.SparseBackend != "memory" && c.Data.SparseBackend != "bleve" {
		return fmt.Errorf("data.sparse_backend must be \"memory\" or \"bleve\", got %q", c.Data.SparseBackend)
	}

	if c.Search.TopK <= 0 {
		return fmt.Errorf("search.top_k must be positive, got %d", c.Search.TopK)
	}
	if c.Search.MinSimilarity < 0 || c.Search.MinSimilarity > 1 {
		return fmt.Errorf("search.min_similarity must be in [0,1], got %g", c.Search.MinSimilarity)
	}
	if c.Search.K1 <= 0 {
		return fmt.Errorf("search.k1 must be positive, got %g", c.Search.K1)
	}
	if c.Search.B < 0 || c.Search.B > 1 {
		return fmt.Errorf("search.b must be in [0,1], got %g", c.Search.B)
	}
	if c.Search.Epsilon < 0 {
		return fmt.Errorf("search.epsilon must be non-negative, got %g", c.Search.Epsilon)
	}
	if c.Search.MaxParallel <= 0 {
		return fmt.Errorf("search.max_parallel must be positive, got %d", c.Search.MaxParallel)
	}

	if c.Embeddings.BatchSize <= 0 || c.Embeddings.BatchSize > 256 {
		return fmt.Errorf("embeddings.batch_size must be in [1,256], got %d", c.Embeddings.BatchSize)
	}

	if c.Web.Enabled && c.Web.APIKey == "" {
		return fmt.Errorf("web.enabled requires web.api_key (or DOCPILOT_BRAVE_API_KEY)")
	}

	if c.Recovery.ThresholdMinutes <= 0 {
		return fmt.Errorf("recovery.threshold_minutes must be positive, got %d", c.Recovery.ThresholdMinutes)
	}
	if c.Recovery.MaxConcurrent <= 0 {
		return fmt.Errorf("recovery.max_concurrent must be positive, got %d", c.Recovery.MaxConcurrent)
	}

	return nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
