package prompt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Sentinel errors for template lookup and rendering.
var (
	ErrTemplateNotFound = errors.New("prompt template not found")
	ErrMissingVariable  = errors.New("missing template variable")
)

// Metadata is the parsed YAML front matter of a template.
type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Variables   []string `yaml:"variables"`
}

type template struct {
	meta Metadata
	body string
}

// Manager loads and renders prompt templates.
type Manager struct {
	root   string
	mu     sync.RWMutex
	cache  map[string]*template
	loaded bool
	logger *zap.Logger
}

// NewManager creates a manager rooted at dir. Templates load lazily on
// first access.
func NewManager(dir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		root:   dir,
		cache:  make(map[string]*template),
		logger: logger.With(zap.String("component", "prompt_manager")),
	}
}

// Reload re-reads every template from disk, replacing the cache.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) ensureLoaded() error {
	m.mu.RLock()
	loaded := m.loaded
	m.mu.RUnlock()
	if loaded {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	return m.loadLocked()
}

func (m *Manager) loadLocked() error {
	cache := make(map[string]*template)
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("read templates dir %s: %w", m.root, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read template %s: %w", path, err)
		}
		tpl, err := parseTemplate(string(data))
		if err != nil {
			return fmt.Errorf("parse template %s: %w", path, err)
		}
		name := tpl.meta.Name
		if name == "" {
			name = strings.TrimSuffix(entry.Name(), ".md")
		}
		cache[name] = tpl
	}
	m.cache = cache
	m.loaded = true
	m.logger.Info("prompt templates loaded", zap.Int("count", len(cache)), zap.String("root", m.root))
	return nil
}

// parseTemplate splits optional YAML front matter from the body.
func parseTemplate(raw string) (*template, error) {
	body := raw
	var meta Metadata
	if strings.HasPrefix(raw, "---\n") {
		rest := raw[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end >= 0 {
			if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
				return nil, fmt.Errorf("front matter: %w", err)
			}
			body = rest[end+len("\n---"):]
			body = strings.TrimPrefix(body, "\n")
		}
	}
	return &template{meta: meta, body: body}, nil
}

func (m *Manager) get(name string) (*template, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.cache[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, name)
	}
	return tpl, nil
}

// Render substitutes vars into the template body. A placeholder with no
// matching variable is an error.
func (m *Manager) Render(name string, vars map[string]string) (string, error) {
	tpl, err := m.get(name)
	if err != nil {
		return "", err
	}
	var missing []string
	out := os.Expand(tpl.body, func(key string) string {
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
		}
		return v
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("%w: %s in template %q", ErrMissingVariable, strings.Join(missing, ", "), name)
	}
	return out, nil
}

// RenderSafe substitutes vars, preserving placeholders with no matching
// variable.
func (m *Manager) RenderSafe(name string, vars map[string]string) (string, error) {
	tpl, err := m.get(name)
	if err != nil {
		return "", err
	}
	return os.Expand(tpl.body, func(key string) string {
		if v, ok := vars[key]; ok {
			return v
		}
		return "${" + key + "}"
	}), nil
}

// Raw returns the unrendered template body.
func (m *Manager) Raw(name string) (string, error) {
	tpl, err := m.get(name)
	if err != nil {
		return "", err
	}
	return tpl.body, nil
}

// GetMetadata returns the template's front matter.
func (m *Manager) GetMetadata(name string) (Metadata, error) {
	tpl, err := m.get(name)
	if err != nil {
		return Metadata{}, err
	}
	return tpl.meta, nil
}

// List returns the names of loaded templates.
func (m *Manager) List() ([]string, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.cache))
	for name := range m.cache {
		names = append(names, name)
	}
	return names, nil
}
