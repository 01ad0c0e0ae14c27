package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Provider.Event != "pull_request" {
		t.Fatalf("event = %s", cfg.Provider.Event)
	}
	if cfg.Content.MaxBytes != 50000 {
		t.Fatalf("max_bytes = %d", cfg.Content.MaxBytes)
	}
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.BackoffSeconds != 2 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := map[string]func(*Config){
		"empty event":      func(c *Config) { c.Provider.Event = "" },
		"no actions":       func(c *Config) { c.Provider.Actions = nil },
		"blank action":     func(c *Config) { c.Provider.Actions = []string{" "} },
		"zero max bytes":   func(c *Config) { c.Content.MaxBytes = 0 },
		"bad storage kind": func(c *Config) { c.Storage.Kind = "s3" },
		"http no endpoint": func(c *Config) { c.Storage.Kind = "http"; c.Storage.Endpoint = "" },
		"fs no dir":        func(c *Config) { c.Storage.Kind = "fs"; c.Storage.Dir = "" },
		"negative cost":    func(c *Config) { c.Billing.RunCost = -1 },
		"zero attempts":    func(c *Config) { c.Engine.MaxAttempts = 0 },
		"zero backoff":     func(c *Config) { c.Engine.BackoffSeconds = 0 },
		"zero timeout":     func(c *Config) { c.Engine.CallTimeoutSec = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: validated", name)
		}
	}
}

func TestLoadOptionalFallsBackToDefault(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	if err != nil {
		t.Fatalf("load optional: %v", err)
	}
	if cfg.Provider.Event != "pull_request" {
		t.Fatalf("expected defaults, got %+v", cfg.Provider)
	}
}

func TestLoadReadsWorkspaceFile(t *testing.T) {
	dir := t.TempDir()
	custom := strings.Replace(GenerateDefault(), "max_bytes: 50000", "max_bytes: 1234", 1)
	if err := os.WriteFile(filepath.Join(dir, "sketchline.yml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Content.MaxBytes != 1234 {
		t.Fatalf("max_bytes = %d", cfg.Content.MaxBytes)
	}
}
