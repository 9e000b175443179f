package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/erg0nix/konverse/internal/config"
	"github.com/erg0nix/konverse/internal/embedding"
	"github.com/erg0nix/konverse/internal/store"
)

func TestOpenRepository(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     config.StoreConfig
		want    string
		wantErr bool
	}{
		{name: "memory", cfg: config.StoreConfig{Backend: config.BackendMemory}, want: "memory"},
		{name: "file", cfg: config.StoreConfig{Backend: config.BackendFile, DSN: dir}, want: "file"},
		{name: "sqlite", cfg: config.StoreConfig{Backend: config.BackendSQLite, DSN: filepath.Join(dir, "k.db")}, want: "sqlite"},
		{name: "unknown", cfg: config.StoreConfig{Backend: "etcd"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, err := OpenRepository(context.Background(), tt.cfg)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer repo.Close()

			if got := backendName(repo); got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func backendName(repo store.Repository) string {
	switch repo.(type) {
	case *store.Memory:
		return "memory"
	case *store.File:
		return "file"
	case *store.SQLite:
		return "sqlite"
	default:
		return "other"
	}
}

func TestNewEmbedder(t *testing.T) {
	if _, ok := NewEmbedder(config.EmbeddingConfig{Dimension: 8}).(*embedding.HashEmbedder); !ok {
		t.Fatal("expected hash embedder without endpoint")
	}
	if _, ok := NewEmbedder(config.EmbeddingConfig{Endpoint: "http://localhost:1"}).(*embedding.OpenAI); !ok {
		t.Fatal("expected HTTP embedder with endpoint")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger, err := NewLogger(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"key":"value"`) {
		t.Errorf("expected JSON warn line, got %q", out)
	}

	if _, err := NewLogger(config.LogConfig{Level: "loud"}, &buf); !errors.Is(err, errUnknownLevel) {
		t.Fatalf("expected errUnknownLevel, got %v", err)
	}
}

func TestNewServices_RegistryBuildsOrchestrators(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store = config.StoreConfig{Backend: config.BackendMemory}
	cfg.MetricsBind = ""

	toolsDir := ToolsDir(cfg.DataDir)
	if err := os.MkdirAll(toolsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(toolsDir, "lookup.toml"), []byte(`description = "Look up a term"`), 0o644); err != nil {
		t.Fatal(err)
	}

	services, err := NewServices(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer services.Close()

	sess, orchestrator, err := services.Sessions.Create(context.Background(), "", "t", nil)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if orchestrator.SessionID() != sess.ID {
		t.Fatalf("expected orchestrator for %s, got %s", sess.ID, orchestrator.SessionID())
	}
	if _, ok := services.Tools.Get("lookup"); !ok {
		t.Error("expected tool declarations to be loaded from the data dir")
	}
	if services.Provider.Model() != cfg.Provider.Model {
		t.Errorf("expected model %q, got %q", cfg.Provider.Model, services.Provider.Model())
	}
}

func TestTurnConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Knowledge.Enabled = true

	got := TurnConfig(cfg)
	if got.ContextSize != cfg.Provider.ContextSize || got.ResponseReserve != cfg.Provider.ResponseReserve {
		t.Fatalf("unexpected budget settings %+v", got)
	}
	if !got.Knowledge.Enabled || got.Knowledge.TopK != cfg.Knowledge.TopK {
		t.Fatalf("unexpected knowledge settings %+v", got.Knowledge)
	}
}

func TestPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := PIDFile(dir)

	if pid := ReadPID(path); pid != 0 {
		t.Fatalf("expected 0 without file, got %d", pid)
	}

	if err := writePIDFile(path); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	if pid := ReadPID(path); pid != os.Getpid() {
		t.Fatalf("expected own pid %d, got %d", os.Getpid(), pid)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(0x7ffffff0)), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid := ReadPID(path); pid != 0 {
		t.Fatalf("expected 0 for dead process, got %d", pid)
	}
}

func TestServerProcessPattern(t *testing.T) {
	pattern := regexp.MustCompile(ServerProcessPattern("/usr/local/bin/konverse"))

	tests := []struct {
		cmdline string
		want    bool
	}{
		{cmdline: "/usr/local/bin/konverse serve --foreground --bind :50061", want: true},
		{cmdline: "konverse serve --foreground", want: true},
		{cmdline: "/opt/other/notkonverse serve --foreground", want: false},
		{cmdline: "vim konverse-serve --foreground.md", want: false},
		{cmdline: "konverse ps", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.cmdline, func(t *testing.T) {
			if got := pattern.MatchString(tt.cmdline); got != tt.want {
				t.Fatalf("match %q = %v, want %v", tt.cmdline, got, tt.want)
			}
		})
	}
}

func TestFirstOtherPID(t *testing.T) {
	if pid := firstOtherPID("42\n77\n", 42); pid != 77 {
		t.Fatalf("expected 77, got %d", pid)
	}
	if pid := firstOtherPID("42\n", 42); pid != 0 {
		t.Fatalf("expected 0 when only self matches, got %d", pid)
	}
	if pid := firstOtherPID("", 1); pid != 0 {
		t.Fatalf("expected 0 for empty output, got %d", pid)
	}
}
