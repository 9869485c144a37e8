// Package config loads engine configuration from defaults, an optional YAML
// file and KNOWLEDGE_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides. Nested keys use a double
// underscore: KNOWLEDGE_EMBEDDING__PROVIDER sets embedding.provider.
const EnvPrefix = "KNOWLEDGE_"

// Distance metrics accepted by vector_distance_metric.
const (
	MetricCosine = "cosine"
	MetricL2     = "l2"
)

// Config is the full engine configuration.
type Config struct {
	WatchRoot string   `yaml:"watch_root" koanf:"watch_root"`
	DataDir   string   `yaml:"data_dir" koanf:"data_dir"`
	Include   []string `yaml:"include" koanf:"include"`
	Exclude   []string `yaml:"exclude" koanf:"exclude"`

	ChunkSize    int `yaml:"chunk_size" koanf:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" koanf:"chunk_overlap"`

	MaxConcurrentIndexingTasks int           `yaml:"max_concurrent_indexing_tasks" koanf:"max_concurrent_indexing_tasks"`
	MinInterTaskDelay          time.Duration `yaml:"min_inter_task_delay" koanf:"min_inter_task_delay"`
	MaxRetryAttempts           int           `yaml:"max_retry_attempts" koanf:"max_retry_attempts"`
	RetryBaseDelay             time.Duration `yaml:"retry_base_delay" koanf:"retry_base_delay"`
	RetryMaxDelay              time.Duration `yaml:"retry_max_delay" koanf:"retry_max_delay"`
	MaxQueueSize               int           `yaml:"max_queue_size" koanf:"max_queue_size"`
	DebounceWindow             time.Duration `yaml:"debounce_window" koanf:"debounce_window"`

	VectorDistanceMetric string `yaml:"vector_distance_metric" koanf:"vector_distance_metric"`
	DefaultTopK          int    `yaml:"default_top_k" koanf:"default_top_k"`

	Store     StoreConfig     `yaml:"store" koanf:"store"`
	Embedding EmbeddingConfig `yaml:"embedding" koanf:"embedding"`
	Reasoning ReasoningConfig `yaml:"reasoning" koanf:"reasoning"`

	LogLevel  string `yaml:"log_level" koanf:"log_level"`
	LogFormat string `yaml:"log_format" koanf:"log_format"`
}

// StoreConfig tunes the in-memory ANN index.
type StoreConfig struct {
	Shards          int           `yaml:"shards" koanf:"shards"`
	IVFThreshold    int           `yaml:"ivf_threshold" koanf:"ivf_threshold"`
	NProbe          int           `yaml:"nprobe" koanf:"nprobe"`
	CompactInterval time.Duration `yaml:"compact_interval" koanf:"compact_interval"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider  string `yaml:"provider" koanf:"provider"`
	Model     string `yaml:"model" koanf:"model"`
	APIKey    string `yaml:"api_key,omitempty" koanf:"api_key"`
	BaseURL   string `yaml:"base_url,omitempty" koanf:"base_url"`
	BatchSize int    `yaml:"batch_size" koanf:"batch_size"`
	CacheSize int    `yaml:"cache_size" koanf:"cache_size"`
	Dimension int    `yaml:"dimension,omitempty" koanf:"dimension"`
}

// ReasoningConfig selects the reasoning provider and the routing policy.
type ReasoningConfig struct {
	Provider            string   `yaml:"provider" koanf:"provider"`
	Model               string   `yaml:"model" koanf:"model"`
	APIKey              string   `yaml:"api_key,omitempty" koanf:"api_key"`
	BaseURL             string   `yaml:"base_url,omitempty" koanf:"base_url"`
	TaskTypes           []string `yaml:"task_types" koanf:"task_types"`
	DefaultTask         string   `yaml:"default_task" koanf:"default_task"`
	ComplexityThreshold int      `yaml:"complexity_threshold" koanf:"complexity_threshold"`
	MaxTokens           int      `yaml:"max_tokens" koanf:"max_tokens"`
	Temperature         float32  `yaml:"temperature" koanf:"temperature"`
}

// DefaultConfig returns a Config with defaults for every field.
func DefaultConfig() *Config {
	return &Config{
		WatchRoot: ".",
		DataDir:   defaultDataDir(),
		Include:   []string{},
		Exclude:   []string{},

		ChunkSize:    1000,
		ChunkOverlap: 200,

		MaxConcurrentIndexingTasks: 2,
		MinInterTaskDelay:          250 * time.Millisecond,
		MaxRetryAttempts:           5,
		RetryBaseDelay:             time.Second,
		RetryMaxDelay:              time.Minute,
		MaxQueueSize:               1024,
		DebounceWindow:             2 * time.Second,

		VectorDistanceMetric: MetricCosine,
		DefaultTopK:          5,

		Store: StoreConfig{
			Shards:          32,
			IVFThreshold:    4096,
			NProbe:          4,
			CompactInterval: 10 * time.Minute,
		},
		Embedding: EmbeddingConfig{
			Provider:  "local",
			BatchSize: 50,
			CacheSize: 10000,
		},
		Reasoning: ReasoningConfig{
			Provider:            "extractive",
			TaskTypes:           []string{"direct-answer", "debate"},
			DefaultTask:         "direct-answer",
			ComplexityThreshold: 25,
			MaxTokens:           1024,
			Temperature:         0.2,
		},

		LogLevel:  "info",
		LogFormat: "text",
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".knowledge-engine"
	}
	return filepath.Join(home, ".knowledge-engine")
}

// Load reads configuration from path (skipped when empty or missing), then
// overlays KNOWLEDGE_* environment variables and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps KNOWLEDGE_EMBEDDING__BATCH_SIZE to embedding.batch_size.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// DatabasePath is the SQLite file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "knowledge.db")
}

var validEmbeddingProviders = map[string]bool{
	"local":  true,
	"openai": true,
	"jina":   true,
	"ollama": true,
}

var validReasoningProviders = map[string]bool{
	"extractive": true,
	"openai":     true,
	"ollama":     true,
}

// Validate checks that the configuration contains usable values.
func (c *Config) Validate() error {
	if c.WatchRoot == "" {
		return fmt.Errorf("watch_root is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("chunk_overlap must be in [0, chunk_size)")
	}
	if c.MaxConcurrentIndexingTasks <= 0 {
		return fmt.Errorf("max_concurrent_indexing_tasks must be positive")
	}
	if c.MinInterTaskDelay < 0 {
		return fmt.Errorf("min_inter_task_delay must be non-negative")
	}
	if c.MaxRetryAttempts <= 0 {
		return fmt.Errorf("max_retry_attempts must be positive")
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		return fmt.Errorf("retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max_queue_size must be positive")
	}
	if c.DebounceWindow < 0 {
		return fmt.Errorf("debounce_window must be non-negative")
	}
	if c.VectorDistanceMetric != MetricCosine && c.VectorDistanceMetric != MetricL2 {
		return fmt.Errorf("invalid vector_distance_metric %q: must be cosine or l2", c.VectorDistanceMetric)
	}
	if c.DefaultTopK <= 0 {
		return fmt.Errorf("default_top_k must be positive")
	}
	if c.Store.Shards <= 0 {
		return fmt.Errorf("store.shards must be positive")
	}
	if c.Store.NProbe <= 0 {
		return fmt.Errorf("store.nprobe must be positive")
	}
	if !validEmbeddingProviders[c.Embedding.Provider] {
		return fmt.Errorf("invalid embedding.provider %q: must be one of local, openai, jina, ollama", c.Embedding.Provider)
	}
	if c.Embedding.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be positive")
	}
	if !validReasoningProviders[c.Reasoning.Provider] {
		return fmt.Errorf("invalid reasoning.provider %q: must be one of extractive, openai, ollama", c.Reasoning.Provider)
	}
	if len(c.Reasoning.TaskTypes) == 0 {
		return fmt.Errorf("reasoning.task_types must not be empty")
	}
	found := false
	for _, t := range c.Reasoning.TaskTypes {
		if t == c.Reasoning.DefaultTask {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("reasoning.default_task %q is not in reasoning.task_types", c.Reasoning.DefaultTask)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log_format %q: must be text or json", c.LogFormat)
	}
	return nil
}
