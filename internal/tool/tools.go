// Package tool holds the tool declarations advertised to the completion endpoint.
package tool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/erg0nix/konverse/internal/core"
)

// ErrInvalidTool is returned for declarations the endpoint would reject.
var ErrInvalidTool = errors.New("invalid tool declaration")

// Registry is a thread-safe collection of named tool declarations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]core.ToolDef
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]core.ToolDef)}
}

// Add registers a declaration, replacing any previous one with the same name.
func (registry *Registry) Add(def core.ToolDef) error {
	if err := validate(def); err != nil {
		return err
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	registry.tools[def.Name] = def
	return nil
}

// Get looks up a declaration by name.
func (registry *Registry) Get(name string) (core.ToolDef, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	def, ok := registry.tools[name]
	return def, ok
}

func (registry *Registry) Len() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return len(registry.tools)
}

// ToolDefinitions returns every declaration sorted by name.
func (registry *Registry) ToolDefinitions() []core.ToolDef {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	definitions := make([]core.ToolDef, 0, len(registry.tools))
	for _, def := range registry.tools {
		definitions = append(definitions, def)
	}

	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].Name < definitions[j].Name
	})

	return definitions
}

type manifest struct {
	Name        string         `toml:"name"`
	Description string         `toml:"description"`
	Parameters  map[string]any `toml:"parameters"`
}

// LoadDir adds every *.toml manifest in dir. A missing dir is not an error. Manifests that fail
// to parse are skipped and reported in the returned error.
func (registry *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read tools dir: %w", err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".toml") {
			continue
		}

		def, err := loadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}

		if err := registry.Add(def); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func loadManifest(path string) (core.ToolDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return core.ToolDef{}, fmt.Errorf("reading manifest: %w", err)
	}

	var m manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return core.ToolDef{}, fmt.Errorf("parsing manifest %s: %w", filepath.Base(path), err)
	}

	if m.Name == "" {
		m.Name = strings.TrimSuffix(filepath.Base(path), ".toml")
	}
	if m.Parameters == nil {
		m.Parameters = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	return core.ToolDef{Name: m.Name, Description: m.Description, Parameters: m.Parameters}, nil
}

func validate(def core.ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTool)
	}

	for _, r := range def.Name {
		if !(r == '_' || r == '-' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("%w: name %q may only contain letters, digits, '_' and '-'", ErrInvalidTool, def.Name)
		}
	}

	if len(def.Name) > 64 {
		return fmt.Errorf("%w: name %q is longer than 64 characters", ErrInvalidTool, def.Name)
	}

	if t, ok := def.Parameters["type"]; ok && t != "object" {
		return fmt.Errorf("%w: parameters of %q must be an object schema", ErrInvalidTool, def.Name)
	}

	return nil
}
