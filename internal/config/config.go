// Package config loads the YAML file describing which MySQL endpoints this
// client should maintain pools for, with ${ENV} substitution and
// fsnotify-driven hot reload.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration file.
type Config struct {
	API       APIConfig                 `yaml:"api"`
	Defaults  PoolDefaults              `yaml:"defaults"`
	Endpoints map[string]EndpointConfig `yaml:"endpoints"`
}

// APIConfig configures the HTTP introspection server.
type APIConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

// PoolDefaults are applied to any EndpointConfig field left unset.
type PoolDefaults struct {
	PoolMin               int           `yaml:"pool_min"`
	PoolMax               int           `yaml:"pool_max"`
	InactiveConnectionTTL time.Duration `yaml:"inactive_connection_ttl"`
	TTLCheckInterval      time.Duration `yaml:"ttl_check_interval"`
	AcquireTimeout        time.Duration `yaml:"acquire_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
}

// EndpointConfig is one named MySQL target this client pools connections
// to; the DSN form here mirrors internal/dsn.Parse's grammar directly so
// a config-file entry and a dial-time DSN string configure the same
// fields.
type EndpointConfig struct {
	DSN                   string         `yaml:"dsn"`
	PoolMin               *int           `yaml:"pool_min,omitempty"`
	PoolMax               *int           `yaml:"pool_max,omitempty"`
	InactiveConnectionTTL *time.Duration `yaml:"inactive_connection_ttl,omitempty"`
	TTLCheckInterval      *time.Duration `yaml:"ttl_check_interval,omitempty"`
	AcquireTimeout        *time.Duration `yaml:"acquire_timeout,omitempty"`
	ConnectTimeout        *time.Duration `yaml:"connect_timeout,omitempty"`
}

// EffectivePoolMin returns the endpoint's pool_min or the default.
func (e EndpointConfig) EffectivePoolMin(d PoolDefaults) int {
	if e.PoolMin != nil {
		return *e.PoolMin
	}
	return d.PoolMin
}

// EffectivePoolMax returns the endpoint's pool_max or the default.
func (e EndpointConfig) EffectivePoolMax(d PoolDefaults) int {
	if e.PoolMax != nil {
		return *e.PoolMax
	}
	return d.PoolMax
}

// EffectiveInactiveConnectionTTL returns the endpoint's TTL or the default.
func (e EndpointConfig) EffectiveInactiveConnectionTTL(d PoolDefaults) time.Duration {
	if e.InactiveConnectionTTL != nil {
		return *e.InactiveConnectionTTL
	}
	return d.InactiveConnectionTTL
}

// EffectiveTTLCheckInterval returns the endpoint's check interval or the default.
func (e EndpointConfig) EffectiveTTLCheckInterval(d PoolDefaults) time.Duration {
	if e.TTLCheckInterval != nil {
		return *e.TTLCheckInterval
	}
	return d.TTLCheckInterval
}

// EffectiveAcquireTimeout returns the endpoint's acquire timeout or the default.
func (e EndpointConfig) EffectiveAcquireTimeout(d PoolDefaults) time.Duration {
	if e.AcquireTimeout != nil {
		return *e.AcquireTimeout
	}
	return d.AcquireTimeout
}

// EffectiveConnectTimeout returns the endpoint's connect timeout or the default.
func (e EndpointConfig) EffectiveConnectTimeout(d PoolDefaults) time.Duration {
	if e.ConnectTimeout != nil {
		return *e.ConnectTimeout
	}
	return d.ConnectTimeout
}

// Redacted returns a copy of e with any password segment in DSN masked,
// safe to log.
func (e EndpointConfig) Redacted() EndpointConfig {
	c := e
	c.DSN = redactDSN(c.DSN)
	return c
}

func redactDSN(dsn string) string {
	start := 0
	if i := strings.Index(dsn, "://"); i >= 0 {
		start = i + 3
	}
	at := strings.IndexByte(dsn[start:], '@')
	if at < 0 {
		return dsn
	}
	at += start
	colon := strings.IndexByte(dsn[start:at], ':')
	if colon < 0 {
		return dsn
	}
	colon += start
	return dsn[:colon+1] + "***REDACTED***" + dsn[at:]
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, substituting ${VAR} references
// against the process environment before unmarshaling.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.API.Port == 0 {
		cfg.API.Port = 8080
	}
	if cfg.API.Bind == "" {
		cfg.API.Bind = "127.0.0.1"
	}
	if cfg.Defaults.PoolMin == 0 {
		cfg.Defaults.PoolMin = 2
	}
	if cfg.Defaults.PoolMax == 0 {
		cfg.Defaults.PoolMax = 10
	}
	if cfg.Defaults.InactiveConnectionTTL == 0 {
		cfg.Defaults.InactiveConnectionTTL = 5 * time.Minute
	}
	if cfg.Defaults.TTLCheckInterval == 0 {
		cfg.Defaults.TTLCheckInterval = 30 * time.Second
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 30 * time.Second
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, ep := range cfg.Endpoints {
		if ep.DSN == "" {
			return fmt.Errorf("endpoint %q: dsn is required", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes, calling back with the newly
// loaded Config after a debounce window.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher starts watching path for writes, debouncing reloads by 500ms.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:     path,
		callback: callback,
		watcher:  w,
		stopCh:   make(chan struct{}),
	}

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
			slog.Warn("config watcher error", "err", err)
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
		slog.Warn("config hot-reload failed", "err", err)
		return
	}

	slog.Info("configuration reloaded", "path", cw.path)
	cw.callback(cfg)
}

// Stop stops the watcher goroutine and closes the underlying fsnotify
// watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
