package main

import (
	"flag"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/erg0nix/konverse/internal/app"
	"github.com/erg0nix/konverse/internal/config"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	var (
		configPathFlag = flag.String("config", "", "path to config file (default ~/.konverse/config.toml)")
		bindFlag       = flag.String("bind", "", "gRPC bind address")
		metricsFlag    = flag.String("metrics-bind", "", "metrics HTTP bind address")
		endpointFlag   = flag.String("endpoint", "", "OpenAI-compatible completion endpoint")
		modelFlag      = flag.String("model", "", "model name sent with completions")
		dataDirFlag    = flag.String("data-dir", "", "base data dir (default ~/.konverse)")
		storeFlag      = flag.String("store", "", "store backend: memory, file, sqlite, postgres")
		dsnFlag        = flag.String("dsn", "", "store DSN or path")
	)
	flag.Parse()

	configPath := *configPathFlag
	if configPath == "" {
		configPath = filepath.Join(config.Default().DataDir, "config.toml")
	}

	daemonConfig, err := config.LoadOrCreate(configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setIfNotEmpty := func(dst *string, value string) {
		if value != "" {
			*dst = value
		}
	}

	setIfNotEmpty(&daemonConfig.Bind, *bindFlag)
	setIfNotEmpty(&daemonConfig.MetricsBind, *metricsFlag)
	setIfNotEmpty(&daemonConfig.Provider.Endpoint, *endpointFlag)
	setIfNotEmpty(&daemonConfig.Provider.Model, *modelFlag)
	setIfNotEmpty(&daemonConfig.DataDir, *dataDirFlag)
	setIfNotEmpty(&daemonConfig.Store.Backend, *storeFlag)
	setIfNotEmpty(&daemonConfig.Store.DSN, *dsnFlag)

	daemonConfig.Debug = config.LoadDebugConfigFromEnv(daemonConfig.Debug)

	if err := daemonConfig.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	if err := app.RunServer(daemonConfig); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
