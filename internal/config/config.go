// Package config loads fanoutsql's YAML configuration, with ${VAR}
// environment substitution and a file watcher for hot-reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/fanoutsql/fanoutsql/internal/mapper"
)

// Config is the top-level fanoutsql configuration.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Backends BackendConfig  `yaml:"backends"`
	Pool     PoolConfig     `yaml:"pool"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Admin    AdminConfig    `yaml:"admin"`
}

// ListenConfig is the client-facing MySQL listener.
type ListenConfig struct {
	Addr        string        `yaml:"addr"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// BackendConfig names where the backend list comes from: either a single
// static address, or a file (reloadable on SIGUSR1/SIGUSR2 or a filesystem
// change) containing one or more per spec's whitespace-separated format.
// ProbeUser/ProbePassword authenticate the non-gating startup health probe
// (see internal/backend.ProbeAll); both default to empty, which is a valid
// anonymous MySQL login on many backends and is never used to gate traffic.
type BackendConfig struct {
	Addr          string        `yaml:"addr"`
	File          string        `yaml:"file"`
	ProbeUser     string        `yaml:"probe_user"`
	ProbePassword string        `yaml:"probe_password"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// PoolConfig sizes the per-backend connection and dispatch-worker pools,
// and the client admission pool. AuthUser/AuthPassword are the credentials
// every pooled connection authenticates with against a backend; empty is a
// valid anonymous MySQL login on many backends.
type PoolConfig struct {
	ConnsPerBackend   int           `yaml:"conns_per_backend"`
	WorkersPerBackend int           `yaml:"workers_per_backend"`
	MaxClients        int           `yaml:"max_clients"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	DialRetries       int           `yaml:"dial_retries"`
	DialRetryDelay    time.Duration `yaml:"dial_retry_delay"`
	AuthUser          string        `yaml:"auth_user"`
	AuthPassword      string        `yaml:"auth_password"`
}

// DispatchConfig controls query routing behavior.
type DispatchConfig struct {
	Mapper         string  `yaml:"mapper"`
	TwoPhaseCommit bool    `yaml:"two_phase_commit"`
	AdmitPerSec    float64 `yaml:"admit_per_sec"`
	RedisAddr      string  `yaml:"redis_addr"`
}

// AdminConfig controls the metrics/health/status HTTP surface.
type AdminConfig struct {
	Addr string `yaml:"addr"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, substituting ${VAR} references
// against the process environment before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Backends.Addr == "" && cfg.Backends.File == "" {
		return fmt.Errorf("backends: one of addr or file is required")
	}
	if cfg.Backends.Addr != "" && cfg.Backends.File != "" {
		return fmt.Errorf("backends: addr and file are mutually exclusive")
	}
	if cfg.Dispatch.Mapper != "" && mapper.Lookup(cfg.Dispatch.Mapper) == nil {
		return fmt.Errorf("dispatch: unknown mapper %q", cfg.Dispatch.Mapper)
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "0.0.0.0:3306"
	}
	if cfg.Listen.ReadTimeout == 0 {
		cfg.Listen.ReadTimeout = 10 * time.Minute
	}
	if cfg.Pool.ConnsPerBackend == 0 {
		cfg.Pool.ConnsPerBackend = 8
	}
	if cfg.Pool.WorkersPerBackend == 0 {
		cfg.Pool.WorkersPerBackend = 8
	}
	if cfg.Pool.MaxClients == 0 {
		cfg.Pool.MaxClients = 256
	}
	if cfg.Pool.DialTimeout == 0 {
		cfg.Pool.DialTimeout = 5 * time.Second
	}
	if cfg.Pool.DialRetryDelay == 0 {
		cfg.Pool.DialRetryDelay = 200 * time.Millisecond
	}
	if cfg.Backends.ProbeTimeout == 0 {
		cfg.Backends.ProbeTimeout = 3 * time.Second
	}
	if cfg.Dispatch.Mapper == "" {
		cfg.Dispatch.Mapper = "read-one-write-all"
	}
	if cfg.Admin.Addr == "" {
		cfg.Admin.Addr = "127.0.0.1:9090"
	}
}

// Watcher watches a config file for changes and invokes callback with the
// freshly reloaded config, debounced so a burst of filesystem events from
// one edit collapses into a single reload.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a file watcher on path.
func NewWatcher(path string, log *slog.Logger, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: creating watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watching %s: %w", path, err)
	}
	if log == nil {
		log = slog.Default()
	}
	cw := &Watcher{path: path, callback: callback, watcher: w, log: log, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.log.Warn("config watcher error", "error", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cfg, err := Load(cw.path)
	if err != nil {
		cw.log.Warn("config hot-reload failed", "error", err)
		return
	}
	cw.log.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
