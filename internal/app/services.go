package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/conversation"
	"github.com/erg0nix/konverse/internal/core"
	"github.com/erg0nix/konverse/internal/embedding"
	"github.com/erg0nix/konverse/internal/metrics"
	"github.com/erg0nix/konverse/internal/provider"
	"github.com/erg0nix/konverse/internal/session"
	"github.com/erg0nix/konverse/internal/store"
	"github.com/erg0nix/konverse/internal/tool"
	"github.com/erg0nix/konverse/internal/turn"
)

// Services holds the long-lived components shared by every session.
type Services struct {
	Config   config.Config
	Repo     store.Repository
	Embedder embedding.Embedder
	Provider *provider.Router
	Sessions *session.Registry
	Tools    *tool.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// NewServices wires the repository, embedder, provider, and session registry from cfg.
func NewServices(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	repo, err := OpenRepository(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	completionProvider := provider.NewOpenAIProvider(provider.OpenAIConfig{
		Endpoint:        cfg.Provider.Endpoint,
		APIKey:          cfg.Provider.APIKey,
		Model:           cfg.Provider.Model,
		ContextSize:     cfg.Provider.ContextSize,
		MaxOutputTokens: cfg.Provider.MaxOutputTokens,
		HTTPTimeout:     time.Duration(cfg.Provider.HTTPTimeoutSeconds) * time.Second,
		ProbeTimeout:    time.Duration(cfg.Provider.ProbeTimeoutMillis) * time.Millisecond,
	}, cfg.Debug)

	services := &Services{
		Config:   cfg,
		Repo:     repo,
		Embedder: NewEmbedder(cfg.Embedding),
		Provider: provider.NewRouter(completionProvider, cfg.Provider.MaxConcurrent, cfg.Provider.RequestsPerMinute),
		Tools:    tool.NewRegistry(),
		Metrics:  metrics.New(),
		Logger:   logger,
	}

	if err := services.Tools.LoadDir(ToolsDir(cfg.DataDir)); err != nil {
		logger.Warn("failed to load some tool declarations", "error", err)
	}

	var contextLog *conversation.ContextLog
	if cfg.Debug.LogContext {
		contextLog = conversation.NewContextLog(cfg.DataDir)
	}

	turnConfig := TurnConfig(cfg)
	turnConfig.Tools = services.Tools.ToolDefinitions()
	services.Sessions = session.NewRegistry(repo, func(sessionID core.SessionID) *turn.Orchestrator {
		return turn.New(sessionID, repo, services.Embedder, services.Provider, turnConfig,
			turn.WithMetrics(services.Metrics),
			turn.WithContextLog(contextLog),
			turn.WithLogger(logger),
		)
	})

	return services, nil
}

func (s *Services) Close() error {
	return s.Repo.Close()
}

// ToolsDir is where tool declaration manifests are read from.
func ToolsDir(dataDir string) string {
	return filepath.Join(dataDir, "tools")
}

// TurnConfig derives the per-turn settings from the daemon config.
func TurnConfig(cfg config.Config) turn.Config {
	return turn.Config{
		ContextSize:     cfg.Provider.ContextSize,
		ResponseReserve: cfg.Provider.ResponseReserve,
		SystemPrompt:    cfg.Turn.SystemPrompt,
		Model:           cfg.Provider.Model,
		Sampling:        cfg.Turn.Sampling,
		Knowledge: turn.KnowledgeConfig{
			Enabled:  cfg.Knowledge.Enabled,
			TopK:     cfg.Knowledge.TopK,
			MinScore: cfg.Knowledge.MinScore,
		},
	}
}

// OpenRepository opens the configured store backend.
func OpenRepository(ctx context.Context, cfg config.StoreConfig) (store.Repository, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendFile:
		return store.NewFile(cfg.DSN), nil
	case config.BackendSQLite:
		repo, err := store.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store %s: %w", filepath.Base(cfg.DSN), err)
		}
		return repo, nil
	case config.BackendPostgres:
		repo, err := store.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// NewEmbedder returns the HTTP embedder when an endpoint is configured and the hash embedder
// otherwise.
func NewEmbedder(cfg config.EmbeddingConfig) embedding.Embedder {
	if cfg.Endpoint == "" {
		return embedding.NewHashEmbedder(cfg.Dimension)
	}

	return embedding.NewOpenAI(embedding.OpenAIConfig{
		Endpoint: cfg.Endpoint,
		Model:    cfg.Model,
		APIKey:   cfg.APIKey,
	})
}

var errUnknownLevel = errors.New("unknown log level")

// NewLogger builds the process logger from the [log] section.
func NewLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "", "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownLevel, cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
