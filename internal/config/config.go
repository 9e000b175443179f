package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/erg0nix/konverse/internal/core"
	"github.com/pelletier/go-toml/v2"
)

type ProviderConfig struct {
	Endpoint           string `toml:"endpoint"`
	Model              string `toml:"model"`
	APIKey             string `toml:"api_key,omitempty"`
	ContextSize        int    `toml:"context_size"`
	MaxOutputTokens    int    `toml:"max_output_tokens"`
	ResponseReserve    int    `toml:"response_reserve"`
	HTTPTimeoutSeconds int    `toml:"http_timeout_seconds"`
	RequestsPerMinute  int    `toml:"requests_per_minute"`
	MaxConcurrent      int    `toml:"max_concurrent"`
	ProbeTimeoutMillis int    `toml:"probe_timeout_ms"`
}

type EmbeddingConfig struct {
	// Endpoint empty selects the offline hash embedder.
	Endpoint  string `toml:"endpoint"`
	Model     string `toml:"model"`
	APIKey    string `toml:"api_key,omitempty"`
	Dimension int    `toml:"dimension"`
}

type StoreConfig struct {
	Backend string `toml:"backend"`
	DSN     string `toml:"dsn"`
}

type KnowledgeConfig struct {
	Enabled  bool    `toml:"enabled"`
	TopK     int     `toml:"top_k"`
	MinScore float64 `toml:"min_score"`
}

type TurnConfig struct {
	SystemPrompt string               `toml:"system_prompt"`
	Sampling     *core.SamplingConfig `toml:"sampling,omitempty"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type DebugConfig struct {
	LogRequests   bool   `toml:"log_requests"`
	LogResponses  bool   `toml:"log_responses"`
	LogContext    bool   `toml:"log_context"`
	LogDirectory  string `toml:"log_directory"`
	ValidateRoles bool   `toml:"validate_roles"`
}

type Config struct {
	Bind        string          `toml:"bind"`
	MetricsBind string          `toml:"metrics_bind"`
	DataDir     string          `toml:"data_dir"`
	Provider    ProviderConfig  `toml:"provider"`
	Embedding   EmbeddingConfig `toml:"embedding"`
	Store       StoreConfig     `toml:"store"`
	Knowledge   KnowledgeConfig `toml:"knowledge"`
	Turn        TurnConfig      `toml:"turn"`
	Log         LogConfig       `toml:"log"`
	Debug       DebugConfig     `toml:"debug"`
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

func Default() Config {
	defaultDataDir := defaultDataDir()
	return Config{
		Bind:        ":50061",
		MetricsBind: "127.0.0.1:9461",
		DataDir:     defaultDataDir,
		Provider: ProviderConfig{
			Endpoint:           "http://127.0.0.1:8080",
			Model:              "default",
			ContextSize:        8192,
			MaxOutputTokens:    1024,
			ResponseReserve:    1024,
			HTTPTimeoutSeconds: 300,
			RequestsPerMinute:  0,
			MaxConcurrent:      1,
			ProbeTimeoutMillis: 1500,
		},
		Embedding: EmbeddingConfig{
			Dimension: 256,
		},
		Store: StoreConfig{
			Backend: BackendSQLite,
			DSN:     filepath.Join(defaultDataDir, "konverse.db"),
		},
		Knowledge: KnowledgeConfig{
			Enabled:  false,
			TopK:     3,
			MinScore: 0.3,
		},
		Turn: TurnConfig{
			SystemPrompt: "You are a helpful assistant.",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Debug: DebugConfig{
			LogRequests:   false,
			LogResponses:  false,
			LogContext:    false,
			LogDirectory:  filepath.Join(defaultDataDir, "debug"),
			ValidateRoles: true,
		},
	}
}

func LoadOrCreate(path string) (Config, error) {
	config := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return config, err
			}

			configData, err := toml.Marshal(config)
			if err != nil {
				return config, err
			}

			if err := os.WriteFile(path, configData, 0o644); err != nil {
				return config, err
			}

			return ApplyEnv(config), nil
		}

		return config, err
	}

	configData, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := toml.Unmarshal(configData, &config); err != nil {
		return config, fmt.Errorf("parse config %s: %w", path, err)
	}

	config = ApplyEnv(config)
	config.DataDir = expandPath(config.DataDir)
	config.Debug.LogDirectory = expandPath(config.Debug.LogDirectory)
	config.Provider.Endpoint = strings.TrimRight(strings.TrimSpace(config.Provider.Endpoint), "/")
	config.Embedding.Endpoint = strings.TrimRight(strings.TrimSpace(config.Embedding.Endpoint), "/")
	config.Bind = strings.TrimSpace(config.Bind)

	if config.Store.Backend == BackendSQLite || config.Store.Backend == BackendFile {
		config.Store.DSN = expandPath(config.Store.DSN)
	}

	if err := config.Validate(); err != nil {
		return config, err
	}

	return config, nil
}

// Validate reports the first setting that would prevent the daemon from serving turns.
func (c Config) Validate() error {
	if c.Provider.Endpoint == "" {
		return errors.New("provider.endpoint is required")
	}

	if c.Provider.ContextSize <= 0 {
		return fmt.Errorf("provider.context_size must be positive, got %d", c.Provider.ContextSize)
	}

	if c.Provider.ResponseReserve < 0 || c.Provider.ResponseReserve >= c.Provider.ContextSize {
		return fmt.Errorf("provider.response_reserve must be in [0, %d), got %d", c.Provider.ContextSize, c.Provider.ResponseReserve)
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile, BackendSQLite, BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for backend %q", c.Store.Backend)
		}
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Knowledge.Enabled && c.Knowledge.TopK <= 0 {
		return errors.New("knowledge.top_k must be positive when knowledge is enabled")
	}

	return nil
}

func defaultDataDir() string {
	homeDir, _ := os.UserHomeDir()

	if homeDir == "" {
		return ".konverse"
	}

	return filepath.Join(homeDir, ".konverse")
}

func expandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()

		if homeDir != "" {
			trimmed := strings.TrimPrefix(path, "~")
			trimmed = strings.TrimPrefix(trimmed, string(os.PathSeparator))

			return filepath.Join(homeDir, trimmed)
		}
	}

	return path
}
