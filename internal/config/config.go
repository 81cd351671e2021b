// Package config loads the YAML settings of the classpath database server.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/DeusData/classpath-memory-mcp/internal/classdb"
	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/features"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

// FileName is the config file looked up when no path is given.
const FileName = ".cpmconfig"

// DefaultWatchInterval is the polling tick used when watch_interval is unset.
const DefaultWatchInterval = 5 * time.Second

// Config holds user-overridable settings.
type Config struct {
	// JRE is the Java home whose runtime classes are always on the classpath.
	JRE string `yaml:"jre"`

	// Classpath lists jars and class directories loaded on start.
	Classpath []string `yaml:"classpath"`

	Persistence PersistenceConfig `yaml:"persistence"`
	Cache       CacheConfig       `yaml:"cache"`

	// WatchInterval is the file system polling tick. Default: 5s.
	WatchInterval *time.Duration `yaml:"watch_interval"`

	// WatchRate caps watcher-triggered refreshes per second. Default: unlimited.
	WatchRate *float64 `yaml:"watch_rate"`

	// KeepInMemoryPrefixes are class name prefixes kept in the symbol cache
	// after persistence, e.g. "java.lang.".
	KeepInMemoryPrefixes []string `yaml:"keep_in_memory_prefixes"`

	// Workers bounds parallel parsing. Default: one per CPU.
	Workers *int `yaml:"workers"`

	// Features names the enabled indexing features. Default: all built-ins.
	// An empty list disables indexing.
	Features []string `yaml:"features"`
}

// PersistenceConfig selects the SQLite file and driver.
type PersistenceConfig struct {
	// Path is the database file. Empty keeps everything in memory unless
	// Name is set.
	Path string `yaml:"path"`
	// Name stores the database as <name>.db in ~/.cache/classpath-memory-mcp.
	Name string `yaml:"name"`
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`
	// ClearOnStart wipes persisted locations on start.
	ClearOnStart bool `yaml:"clear_on_start"`
}

// CacheConfig sizes the per-classpath caches. Zero selects the defaults.
type CacheConfig struct {
	Classes int `yaml:"classes"`
	Graphs  int `yaml:"graphs"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{}
}

// Load reads the YAML file at path. A missing file yields the defaults;
// unreadable or invalid files are errors.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports settings that cannot be applied.
func (c *Config) Validate() error {
	switch c.EffectiveDriver() {
	case store.DriverModernc, store.DriverCGO:
	default:
		return fmt.Errorf("unknown persistence driver %q", c.Persistence.Driver)
	}
	for _, name := range c.EffectiveFeatures() {
		if _, ok := features.Builtin(name); !ok {
			return fmt.Errorf("unknown feature %q", name)
		}
	}
	if c.WatchInterval != nil && *c.WatchInterval <= 0 {
		return fmt.Errorf("watch_interval must be positive, got %s", *c.WatchInterval)
	}
	if c.WatchRate != nil && *c.WatchRate < 0 {
		return fmt.Errorf("watch_rate must not be negative, got %g", *c.WatchRate)
	}
	return nil
}

// EffectiveDriver returns the configured driver, or the pure Go one.
func (c *Config) EffectiveDriver() string {
	if c.Persistence.Driver != "" {
		return c.Persistence.Driver
	}
	return store.DriverModernc
}

// EffectiveWatchInterval returns the configured polling tick, or 5s.
func (c *Config) EffectiveWatchInterval() time.Duration {
	if c.WatchInterval != nil {
		return *c.WatchInterval
	}
	return DefaultWatchInterval
}

// EffectiveWatchRate returns the configured refresh cap; zero means none.
func (c *Config) EffectiveWatchRate() float64 {
	if c.WatchRate != nil {
		return *c.WatchRate
	}
	return 0
}

// EffectiveWorkers returns the configured worker count; zero means one per CPU.
func (c *Config) EffectiveWorkers() int {
	if c.Workers != nil && *c.Workers > 0 {
		return *c.Workers
	}
	return 0
}

// EffectiveFeatures returns the enabled feature names.
func (c *Config) EffectiveFeatures() []string {
	if c.Features == nil {
		return features.BuiltinNames()
	}
	return c.Features
}

// Settings converts the config into database settings with new feature
// instances.
func (c *Config) Settings() (classdb.Settings, error) {
	if err := c.Validate(); err != nil {
		return classdb.Settings{}, err
	}
	var enabled []features.Feature
	for _, name := range c.EffectiveFeatures() {
		f, _ := features.Builtin(name)
		enabled = append(enabled, f)
	}
	dbPath := c.Persistence.Path
	if dbPath == "" && c.Persistence.Name != "" {
		var err error
		if dbPath, err = store.DefaultPath(c.Persistence.Name); err != nil {
			return classdb.Settings{}, err
		}
	}
	return classdb.Settings{
		JRE:           c.JRE,
		Predefined:    c.Classpath,
		Persistence:   dbPath,
		Driver:        c.EffectiveDriver(),
		ClearOnStart:  c.Persistence.ClearOnStart,
		Features:      enabled,
		Cache:         classpath.Cache(c.Cache.Classes, c.Cache.Graphs),
		KeepInMemory:  c.KeepInMemoryPrefixes,
		Workers:       c.EffectiveWorkers(),
		WatchInterval: c.EffectiveWatchInterval(),
		WatchRate:     c.EffectiveWatchRate(),
	}, nil
}
