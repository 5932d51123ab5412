// Package config loads bookgest settings from defaults, an optional YAML
// file and BOOKGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dgallion1/bookgest/internal/chunker"
	"github.com/dgallion1/bookgest/internal/document"
	"github.com/dgallion1/bookgest/internal/index"
	"github.com/dgallion1/bookgest/internal/inference"
	"github.com/dgallion1/bookgest/internal/pipeline"
)

type Config struct {
	Port   string `mapstructure:"port" yaml:"port"`
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// Directories
	DataDir   string `mapstructure:"data_dir" yaml:"data_dir"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`

	// Inference backend
	InferenceURL        string        `mapstructure:"inference_url" yaml:"inference_url"`
	EmbeddingsModel     string        `mapstructure:"embeddings_model" yaml:"embeddings_model"`
	ChatModel           string        `mapstructure:"chat_model" yaml:"chat_model"`
	InferenceTimeout    time.Duration `mapstructure:"inference_timeout" yaml:"inference_timeout"`
	InferenceRateLimit  float64       `mapstructure:"inference_rate_limit" yaml:"inference_rate_limit"`
	InferenceMaxRetries uint          `mapstructure:"inference_max_retries" yaml:"inference_max_retries"`

	// Chunking and indexing
	CharLimit       int    `mapstructure:"char_limit" yaml:"char_limit"`
	Overlap         int    `mapstructure:"overlap" yaml:"overlap"`
	BatchSize       int    `mapstructure:"batch_size" yaml:"batch_size"`
	SummaryMaxLines int    `mapstructure:"summary_max_lines" yaml:"summary_max_lines"`
	MaxTopics       int    `mapstructure:"max_topics" yaml:"max_topics"`
	CollectionName  string `mapstructure:"collection_name" yaml:"collection_name"`

	// Worker pool
	WorkerCount  int           `mapstructure:"worker_count" yaml:"worker_count"`
	MaxQueueSize int           `mapstructure:"max_queue_size" yaml:"max_queue_size"`
	JobTTL       time.Duration `mapstructure:"job_ttl" yaml:"job_ttl"`

	// PDF
	PDFFallbackPdftotext bool `mapstructure:"pdf_fallback_pdftotext" yaml:"pdf_fallback_pdftotext"`

	// Observability
	LogLevel      string `mapstructure:"log_level" yaml:"log_level"`
	TraceExporter string `mapstructure:"trace_exporter" yaml:"trace_exporter"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

var defaults = map[string]any{
	"port":                   "8090",
	"api_key":                "",
	"data_dir":               "data",
	"output_dir":             "output",
	"inference_url":          "http://localhost:11434/api",
	"embeddings_model":       "mxbai-embed-large",
	"chat_model":             "",
	"inference_timeout":      "120s",
	"inference_rate_limit":   0.0,
	"inference_max_retries":  3,
	"char_limit":             2000,
	"overlap":                200,
	"batch_size":             1024,
	"summary_max_lines":      4,
	"max_topics":             30,
	"collection_name":        "embeddings",
	"worker_count":           2,
	"max_queue_size":         100,
	"job_ttl":                "1h",
	"pdf_fallback_pdftotext": true,
	"log_level":              "info",
	"trace_exporter":         "none",
	"otlp_endpoint":          "",
}

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	mu        sync.RWMutex
	v         *viper.Viper
	config    Config
	callbacks []func(Config)
}

// NewManager creates a config manager and loads the initial config. An empty
// cfgFile searches ./config.yaml and $HOME/.bookgest/config.yaml; a missing
// file is not an error.
func NewManager(cfgFile string) (*Manager, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	// Environment variables with BOOKGEST_ prefix
	v.SetEnvPrefix("BOOKGEST")
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.bookgest")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	m := &Manager{v: v}
	cfg, err := m.load()
	if err != nil {
		return nil, err
	}
	m.config = cfg
	return m, nil
}

// Load is a one-shot NewManager(cfgFile).Get().
func Load(cfgFile string) (Config, error) {
	m, err := NewManager(cfgFile)
	if err != nil {
		return Config{}, err
	}
	return m.Get(), nil
}

func (m *Manager) load() (Config, error) {
	var cfg Config
	if err := m.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Get returns the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// ConfigFile returns the file the configuration was read from, if any.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (m *Manager) OnChange(fn func(Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// WatchConfig reloads the configuration when the config file changes. It is
// a no-op when no file was read.
func (m *Manager) WatchConfig() {
	if m.ConfigFile() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := m.load()
		if err != nil {
			return
		}

		m.mu.Lock()
		m.config = cfg
		callbacks := make([]func(Config), len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	m.v.WatchConfig()
}

// Validate checks settings shared by the CLI and the server.
func (c Config) Validate() error {
	if err := c.ChunkConfig().Validate(); err != nil {
		return err
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.InferenceURL == "" {
		return fmt.Errorf("inference_url is required")
	}
	if c.EmbeddingsModel == "" {
		return fmt.Errorf("embeddings_model is required")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.TraceExporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("unknown trace_exporter %q", c.TraceExporter)
	}
	return nil
}

// ValidateServer additionally checks settings only the HTTP service needs.
func (c Config) ValidateServer() error {
	if c.APIKey == "" {
		return fmt.Errorf("BOOKGEST_API_KEY is required")
	}
	return c.Validate()
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.APIKey != "" {
		c.APIKey = "********"
	}
	return c
}

// ParseLevel parses debug, info, warn or error.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", s)
	}
	return l, nil
}

// ChunkConfig returns the chunking settings.
func (c Config) ChunkConfig() chunker.Config {
	return chunker.Config{CharLimit: c.CharLimit, Overlap: c.Overlap}
}

// InferenceConfig returns the inference client settings.
func (c Config) InferenceConfig() inference.Config {
	return inference.Config{
		BaseURL:         c.InferenceURL,
		EmbeddingsModel: c.EmbeddingsModel,
		ChatModel:       c.ChatModel,
		Timeout:         c.InferenceTimeout,
		RateLimit:       c.InferenceRateLimit,
		MaxRetries:      c.InferenceMaxRetries,
	}
}

// PipelineSettings returns the ingestor settings.
func (c Config) PipelineSettings() pipeline.Settings {
	return pipeline.Settings{
		Chunk:      c.ChunkConfig(),
		Index:      index.Options{MaxSummaryLines: c.SummaryMaxLines, MaxTopics: c.MaxTopics},
		BatchSize:  c.BatchSize,
		Collection: c.CollectionName,
		Document:   document.Options{FallbackPdftotext: c.PDFFallbackPdftotext},
	}
}

// OrchestratorOptions returns the worker pool settings.
func (c Config) OrchestratorOptions() pipeline.Options {
	return pipeline.Options{
		Workers:   c.WorkerCount,
		QueueSize: c.MaxQueueSize,
		JobTTL:    c.JobTTL,
	}
}
