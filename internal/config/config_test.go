package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadOrCreate_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if cfg.Provider.ContextSize != Default().Provider.ContextSize {
		t.Errorf("expected default context size, got %d", cfg.Provider.ContextSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.Contains(string(data), "[provider]") {
		t.Errorf("expected [provider] section in written config:\n%s", data)
	}
}

func TestLoadOrCreate_ReadsOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
data_dir = "/tmp/konverse-test"

[provider]
endpoint = "http://localhost:9999/"
model = "qwen"
context_size = 2048
response_reserve = 256

[store]
backend = "memory"

[knowledge]
enabled = true
top_k = 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}

	if cfg.Provider.Endpoint != "http://localhost:9999" {
		t.Errorf("endpoint = %q, want trailing slash trimmed", cfg.Provider.Endpoint)
	}
	if cfg.Provider.Model != "qwen" || cfg.Provider.ContextSize != 2048 || cfg.Provider.ResponseReserve != 256 {
		t.Errorf("provider overrides not applied: %+v", cfg.Provider)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Errorf("store backend = %q", cfg.Store.Backend)
	}
	if !cfg.Knowledge.Enabled || cfg.Knowledge.TopK != 5 {
		t.Errorf("knowledge overrides not applied: %+v", cfg.Knowledge)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("unset sections should keep defaults, got log level %q", cfg.Log.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "missing endpoint", mutate: func(c *Config) { c.Provider.Endpoint = "" }, wantErr: "provider.endpoint"},
		{name: "reserve exceeds context", mutate: func(c *Config) { c.Provider.ResponseReserve = c.Provider.ContextSize }, wantErr: "response_reserve"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "mongo" }, wantErr: "unknown store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = BackendPostgres; c.Store.DSN = "" }, wantErr: "store.dsn"},
		{name: "knowledge without top_k", mutate: func(c *Config) { c.Knowledge.Enabled = true; c.Knowledge.TopK = 0 }, wantErr: "top_k"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KONVERSE_API_KEY", "secret")
	t.Setenv("KONVERSE_STORE_DSN", "postgres://db")
	t.Setenv("KONVERSE_DEBUG_LOG_REQUESTS", "1")
	t.Setenv("KONVERSE_DEBUG_VALIDATE_ROLES", "0")

	cfg := ApplyEnv(Default())

	if cfg.Provider.APIKey != "secret" || cfg.Embedding.APIKey != "secret" {
		t.Errorf("api key not applied: provider=%q embedding=%q", cfg.Provider.APIKey, cfg.Embedding.APIKey)
	}
	if cfg.Store.DSN != "postgres://db" {
		t.Errorf("dsn = %q", cfg.Store.DSN)
	}
	if !cfg.Debug.LogRequests || cfg.Debug.ValidateRoles {
		t.Errorf("debug env not applied: %+v", cfg.Debug)
	}
}
