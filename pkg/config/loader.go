// Package config loads the shell's declarative configuration from a .trios
// directory: listen address, origin policy, the static application catalog,
// logging and session storage settings. Reload keeps the last good
// configuration when the new one fails to parse or validate.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triangleos/trios/pkg/app"
)

const triosDirName = ".trios"

// ShellConfig is the root configuration document.
type ShellConfig struct {
	Listen         string   `json:"listen" yaml:"listen"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
	// AuthDomains are external authentication hosts; frames on these hosts
	// attach passively without the bridge handshake.
	AuthDomains []string         `json:"auth_domains" yaml:"auth_domains"`
	Apps        []app.Descriptor `json:"apps" yaml:"apps" validate:"dive"`
	DefaultApp  string           `json:"default_app" yaml:"default_app"`
	// TrustedHosts extends the protocol loader's fetch allow-list beyond
	// loopback.
	TrustedHosts []string      `json:"trusted_hosts" yaml:"trusted_hosts"`
	Log          LogConfig     `json:"log" yaml:"log"`
	Session      SessionConfig `json:"session" yaml:"session"`

	TriosDir   string `json:"-" yaml:"-"`
	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// LogConfig controls the shell logger.
type LogConfig struct {
	Level      string `json:"level" yaml:"level"`
	File       string `json:"file" yaml:"file"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// SessionConfig selects where auth statuses persist.
type SessionConfig struct {
	// Backend is file, memory, or redis.
	Backend   string        `json:"backend" yaml:"backend"`
	Dir       string        `json:"dir" yaml:"dir"`
	RedisAddr string        `json:"redis_addr" yaml:"redis_addr"`
	RedisDB   int           `json:"redis_db" yaml:"redis_db"`
	CallWait  time.Duration `json:"call_wait" yaml:"call_wait"`
}

// Normalize trims whitespace and applies defaults.
func (c *ShellConfig) Normalize() {
	if c == nil {
		return
	}
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = "127.0.0.1:7733"
	}
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
	c.AuthDomains = trimAll(c.AuthDomains)
	c.TrustedHosts = trimAll(c.TrustedHosts)
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Session.Backend == "" {
		c.Session.Backend = "file"
	}
	if c.Session.Dir == "" && c.TriosDir != "" {
		c.Session.Dir = filepath.Join(c.TriosDir, "sessions")
	}
}

// App returns the descriptor declared for id.
func (c *ShellConfig) App(id string) (app.Descriptor, bool) {
	for _, d := range c.Apps {
		if d.ID == id {
			return d, true
		}
	}
	return app.Descriptor{}, false
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Loader loads, validates, and caches shell configuration.
type Loader struct {
	root string

	validator     Validator
	explicitTrios string

	mu   sync.Mutex
	last atomic.Pointer[ShellConfig]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) { l.validator = v }
}

// WithTriosDir forces the loader to use a specific .trios directory.
func WithTriosDir(path string) LoaderOption {
	return func(l *Loader) { l.explicitTrios = path }
}

// NewLoader wires a loader anchored at root.
func NewLoader(root string, opts ...LoaderOption) (*Loader, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("config: root is required")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("config: resolve root: %w", err)
	}
	loader := &Loader{root: absRoot}
	loader.validator = NewDefaultValidator()
	for _, opt := range opts {
		opt(loader)
	}
	if loader.validator == nil {
		loader.validator = NewDefaultValidator()
	}
	if loader.explicitTrios != "" {
		dir, err := filepath.Abs(loader.explicitTrios)
		if err != nil {
			return nil, fmt.Errorf("config: resolve trios dir: %w", err)
		}
		loader.explicitTrios = dir
	}
	return loader, nil
}

// Root returns the absolute project root.
func (l *Loader) Root() string { return l.root }

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*ShellConfig, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load resolves .trios/, parses the config, and validates it.
func (l *Loader) Load() (*ShellConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, err := l.loadOnce()
	if err != nil {
		return nil, err
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload refreshes the configuration, keeping the last good state on error.
func (l *Loader) Reload() (*ShellConfig, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("config: reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadOnce() (*ShellConfig, error) {
	triosDir, err := l.locateTriosDir()
	if err != nil {
		return nil, err
	}
	cfgPath, raw, err := readConfigPayload(triosDir)
	var cfg *ShellConfig
	switch {
	case err == nil:
		cfg, err = decodeShellConfig(raw)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, fs.ErrNotExist):
		// A bare .trios directory is a valid zero configuration.
		cfg = &ShellConfig{}
		raw = []byte{}
	default:
		return nil, err
	}
	cfg.TriosDir = triosDir
	cfg.SourcePath = cfgPath
	cfg.Normalize()

	if l.validator != nil {
		if err := l.validator.Validate(cfg); err != nil {
			return nil, err
		}
	}
	h := sha256.Sum256(raw)
	cfg.SourceHash = hex.EncodeToString(h[:])
	return cfg, nil
}

func (l *Loader) locateTriosDir() (string, error) {
	if l.explicitTrios != "" {
		if info, err := os.Stat(l.explicitTrios); err == nil && info.IsDir() {
			return l.explicitTrios, nil
		}
		return "", fmt.Errorf("config: .trios override %s not found", l.explicitTrios)
	}
	for _, dir := range l.triosCandidates() {
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.IsDir() {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return "", err
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("config: .trios directory not found under %s", l.root)
}

func (l *Loader) triosCandidates() []string {
	var dirs []string
	seen := map[string]struct{}{}
	current := l.root
	for {
		candidate := filepath.Join(current, triosDirName)
		if _, ok := seen[candidate]; !ok {
			dirs = append(dirs, candidate)
			seen[candidate] = struct{}{}
		}
		parent := filepath.Dir(current)
		if parent == current {
			break
		}
		current = parent
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, triosDirName)
		if _, ok := seen[candidate]; !ok {
			dirs = append(dirs, candidate)
		}
	}
	return dirs
}

func readConfigPayload(dir string) (string, []byte, error) {
	candidates := []string{"config.yaml", "config.yml", "config.json"}
	for _, name := range candidates {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return path, nil, err
		}
		return path, data, nil
	}
	return filepath.Join(dir, "config.yaml"), nil, fs.ErrNotExist
}

func decodeShellConfig(raw []byte) (*ShellConfig, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, errors.New("config: payload is empty")
	}
	cfg := &ShellConfig{}
	if err := decodeMixedYAMLJSON(raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseShellConfig parses yaml or json into ShellConfig.
func ParseShellConfig(data []byte) (*ShellConfig, error) {
	return decodeShellConfig(data)
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	if err := yaml.Unmarshal(data, out); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return errors.New("config: decode failed: unsupported format")
}
