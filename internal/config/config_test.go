package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/DeusData/classpath-memory-mcp/internal/classpath"
	"github.com/DeusData/classpath-memory-mcp/internal/store"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/path/" + FileName)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EffectiveDriver() != store.DriverModernc {
		t.Errorf("expected default driver %q, got %q", store.DriverModernc, cfg.EffectiveDriver())
	}
	if cfg.EffectiveWatchInterval() != DefaultWatchInterval {
		t.Errorf("expected default watch interval, got %s", cfg.EffectiveWatchInterval())
	}
	if cfg.EffectiveWatchRate() != 0 || cfg.EffectiveWorkers() != 0 {
		t.Errorf("expected unlimited rate and workers, got %g, %d", cfg.EffectiveWatchRate(), cfg.EffectiveWorkers())
	}
	if diff := cmp.Diff([]string{"hierarchy", "usages"}, cfg.EffectiveFeatures()); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
jre: /opt/jdk
classpath:
  - /srv/app/lib/guava.jar
  - /srv/app/classes
persistence:
  path: /var/lib/cpm/db.sqlite
  driver: sqlite3
watch_interval: 250ms
watch_rate: 0.5
cache:
  classes: 50
keep_in_memory_prefixes: [java.lang.]
workers: 3
features: [hierarchy]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if s.JRE != "/opt/jdk" || s.Persistence != "/var/lib/cpm/db.sqlite" || s.Driver != store.DriverCGO {
		t.Errorf("unexpected settings: jre=%q persistence=%q driver=%q", s.JRE, s.Persistence, s.Driver)
	}
	if diff := cmp.Diff([]string{"/srv/app/lib/guava.jar", "/srv/app/classes"}, s.Predefined); diff != "" {
		t.Errorf("predefined (-want +got):\n%s", diff)
	}
	if s.WatchInterval != 250*time.Millisecond || s.WatchRate != 0.5 || s.Workers != 3 {
		t.Errorf("unexpected watch/workers: %s %g %d", s.WatchInterval, s.WatchRate, s.Workers)
	}
	if s.Cache != classpath.Cache(50, 0) {
		t.Errorf("expected cache of 50 classes and default graphs, got %+v", s.Cache)
	}
	if len(s.Features) != 1 || s.Features[0].Name() != "hierarchy" {
		t.Errorf("expected only the hierarchy feature, got %v", s.Features)
	}
	if diff := cmp.Diff([]string{"java.lang."}, s.KeepInMemory); diff != "" {
		t.Errorf("keep in memory (-want +got):\n%s", diff)
	}
}

func TestLoadConfigEmptyFeatures(t *testing.T) {
	cfg, err := Load(writeConfig(t, "features: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Features) != 0 {
		t.Errorf("expected indexing disabled, got %v", s.Features)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"yaml", "not: [valid: yaml"},
		{"driver", "persistence:\n  driver: postgres\n"},
		{"feature", "features: [callgraph]\n"},
		{"interval", "watch_interval: -1s\n"},
		{"rate", "watch_rate: -2\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tt.content)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSettingsDefaultFeatures(t *testing.T) {
	s, err := DefaultConfig().Settings()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, f := range s.Features {
		names = append(names, f.Name())
	}
	if diff := cmp.Diff([]string{"hierarchy", "usages"}, names); diff != "" {
		t.Errorf("features (-want +got):\n%s", diff)
	}
	if s.Persistence != "" || s.Driver != store.DriverModernc {
		t.Errorf("expected in-memory pure Go store, got %q %q", s.Persistence, s.Driver)
	}
}

func TestPersistenceName(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(writeConfig(t, "persistence:\n  name: work\n"))
	if err != nil {
		t.Fatal(err)
	}
	s, err := cfg.Settings()
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(s.Persistence) != "work.db" || filepath.Base(filepath.Dir(s.Persistence)) != "classpath-memory-mcp" {
		t.Errorf("unexpected database path %q", s.Persistence)
	}
}
