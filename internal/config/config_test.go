// internal/config/config_test.go
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

func TestLoadFromBytes(t *testing.T) {
	configYAML := `
server:
  address: "127.0.0.1:9000"
proxy:
  failure_threshold: 5
  base_cooldown: 2m
  max_cooldown: 1h
  endpoints:
    - host: 10.0.0.1
      port: 3128
      country: DE
rate_limit:
  base_rate: 12
orchestrator:
  attempt_timeout: 20s
signatures:
  - name: quota
    pattern: "(?i)quota exceeded"
    severity: high
    adaptation: wait
    cooldown: 10m
`

	config, err := LoadFromBytes([]byte(configYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes failed: %v", err)
	}

	if config.Server.Address != "127.0.0.1:9000" {
		t.Errorf("server.address = %q", config.Server.Address)
	}
	if config.Proxy.FailureThreshold != 5 || config.Proxy.BaseCooldown != 2*time.Minute {
		t.Errorf("proxy = %+v", config.Proxy)
	}
	if len(config.Proxy.Endpoints) != 1 || config.Proxy.Endpoints[0].Country != "DE" {
		t.Errorf("proxy endpoints = %+v", config.Proxy.Endpoints)
	}
	if config.RateLimit.BaseRate != 12 {
		t.Errorf("rate_limit.base_rate = %v, want 12", config.RateLimit.BaseRate)
	}
	if config.Executor.YouTube.Timeout != 20*time.Second {
		t.Errorf("youtube timeout = %s, want attempt timeout", config.Executor.YouTube.Timeout)
	}
	if len(config.Signatures) != 1 || config.Signatures[0].Adaptation != strategy.AdaptWait {
		t.Errorf("signatures = %+v", config.Signatures)
	}
}

func TestLoadFromBytesEmptyUsesDefaults(t *testing.T) {
	config, err := LoadFromBytes(nil)
	if err != nil {
		t.Fatalf("LoadFromBytes(nil) error = %v", err)
	}
	def := Default()

	if config.Server.Address != DefaultServerAddress {
		t.Errorf("server.address = %q", config.Server.Address)
	}
	if config.Tasks.MaxConcurrent != def.Tasks.MaxConcurrent {
		t.Errorf("tasks.max_concurrent = %d", config.Tasks.MaxConcurrent)
	}
	if !config.Executor.Browser.Headless || config.Executor.Browser.Enabled {
		t.Errorf("browser defaults = %+v", config.Executor.Browser)
	}
	if !config.Metrics.Enabled || config.Metrics.Namespace != "mediaharvester" {
		t.Errorf("metrics = %+v", config.Metrics)
	}
	if config.Store.Backend != "memory" {
		t.Errorf("store.backend = %q", config.Store.Backend)
	}
}

func TestExpandEnvironmentVariables(t *testing.T) {
	t.Setenv("MH_REDIS_URL", "redis://cache:6379/0")
	t.Setenv("MH_EMPTY", "")

	tests := []struct {
		in   string
		want string
	}{
		{"url: ${MH_REDIS_URL}", "url: redis://cache:6379/0"},
		{"url: ${MH_REDIS_URL:-redis://localhost}", "url: redis://cache:6379/0"},
		{"url: ${MH_UNSET_VAR:-redis://localhost}", "url: redis://localhost"},
		{"url: ${MH_EMPTY:-fallback}", "url: fallback"},
		{"url: ${MH_UNSET_VAR}", "url: "},
		{"plain", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandEnvironmentVariables(tt.in); got != tt.want {
				t.Errorf("expand(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		fields []string
	}{
		{
			name:   "bad log level",
			yaml:   "log:\n  level: loud\n",
			fields: []string{"log.level"},
		},
		{
			name:   "unknown store backend",
			yaml:   "store:\n  backend: cassandra\n",
			fields: []string{"store"},
		},
		{
			name:   "duplicate strategy and bad signature",
			yaml:   "strategies:\n  - {name: a, identity_class: desktop, method: innertube_web}\n  - {name: a, identity_class: desktop, method: innertube_web}\nsignatures:\n  - {name: x, pattern: \"(\", severity: low, adaptation: wait, cooldown: 1m}\n",
			fields: []string{"strategies", "signatures"},
		},
		{
			name:   "inverted proxy cooldowns",
			yaml:   "proxy:\n  base_cooldown: 1h\n  max_cooldown: 1m\n",
			fields: []string{"proxy"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, utils.ErrInvalidConfig) {
				t.Errorf("error %v is not INVALID_CONFIG", err)
			}
			for _, f := range tt.fields {
				if !strings.Contains(err.Error(), f+":") {
					t.Errorf("error %q does not mention %s", err, f)
				}
			}
		})
	}
}

func TestCheckWarnsOnDisabledBrowser(t *testing.T) {
	cfg := Default()
	result := cfg.Check()
	if !result.Valid {
		t.Fatalf("default config invalid: %+v", result.Errors)
	}

	var sawBrowser, sawProxy bool
	for _, w := range result.Warnings {
		sawBrowser = sawBrowser || strings.Contains(w, "browser_proxied")
		sawProxy = sawProxy || strings.Contains(w, "require proxies")
	}
	if !sawBrowser || !sawProxy {
		t.Errorf("warnings = %v", result.Warnings)
	}
}

func TestSaveAndLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "mediaharvester.yaml")
	cfg := Default()
	cfg.Server.Address = ":9999"
	cfg.Tasks.MaxConcurrent = 7

	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if loaded.Server.Address != ":9999" || loaded.Tasks.MaxConcurrent != 7 {
		t.Errorf("round trip lost values: %+v %+v", loaded.Server, loaded.Tasks)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !errors.Is(err, utils.ErrInvalidConfig) {
		t.Errorf("error = %v, want INVALID_CONFIG", err)
	}
	if _, err := LoadFromFile(""); err == nil {
		t.Error("expected error for empty filename")
	}
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("tasks:\n  max_concurrent: 2\n"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := NewConfigWatcher(path)
	if err != nil {
		t.Fatalf("NewConfigWatcher: %v", err)
	}
	defer w.Close()

	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })

	if err := os.WriteFile(path, []byte("tasks:\n  max_concurrent: 9\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-changed:
		if c.Tasks.MaxConcurrent != 9 {
			t.Errorf("reloaded max_concurrent = %d, want 9", c.Tasks.MaxConcurrent)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}
