package config

import "os"

func LoadDebugConfigFromEnv(cfg DebugConfig) DebugConfig {
	if os.Getenv("KONVERSE_DEBUG_LOG_REQUESTS") == "1" {
		cfg.LogRequests = true
	}
	if os.Getenv("KONVERSE_DEBUG_LOG_RESPONSES") == "1" {
		cfg.LogResponses = true
	}
	if os.Getenv("KONVERSE_DEBUG_LOG_CONTEXT") == "1" {
		cfg.LogContext = true
	}
	if os.Getenv("KONVERSE_DEBUG_VALIDATE_ROLES") == "0" {
		cfg.ValidateRoles = false
	}
	return cfg
}

// ApplyEnv overlays secrets and debug switches from the environment.
func ApplyEnv(cfg Config) Config {
	cfg.Debug = LoadDebugConfigFromEnv(cfg.Debug)

	if key := os.Getenv("KONVERSE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
		if cfg.Embedding.APIKey == "" {
			cfg.Embedding.APIKey = key
		}
	}
	if dsn := os.Getenv("KONVERSE_STORE_DSN"); dsn != "" {
		cfg.Store.DSN = dsn
	}
	if endpoint := os.Getenv("KONVERSE_ENDPOINT"); endpoint != "" {
		cfg.Provider.Endpoint = endpoint
	}
	return cfg
}
