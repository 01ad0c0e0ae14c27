package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models sketchline.yml. Secrets are not stored here; they come from
// the environment (see cmd) and are carried in the Secrets struct at runtime.
type Config struct {
	Provider struct {
		// Webhook event header value this deployment reacts to.
		Event string `yaml:"event"`
		// Actions that trigger a run.
		Actions []string `yaml:"actions"`
		APIBase string   `yaml:"api_base"`
	} `yaml:"provider"`
	Content struct {
		// Hard cap, in bytes, on the assembled context sent to generation.
		MaxBytes int `yaml:"max_bytes"`
		// Files ending with any of these suffixes are always excluded.
		LockfileSuffixes []string `yaml:"lockfile_suffixes"`
	} `yaml:"content"`
	Generation struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"generation"`
	Storage struct {
		// "http" stores to the bucket endpoint, "fs" to a local directory.
		Kind      string `yaml:"kind"`
		Endpoint  string `yaml:"endpoint"`
		PublicURL string `yaml:"public_url"`
		Dir       string `yaml:"dir"`
	} `yaml:"storage"`
	Billing struct {
		BaseURL     string  `yaml:"base_url"`
		CheckoutURL string  `yaml:"checkout_url"`
		RunCost     float64 `yaml:"run_cost"`
	} `yaml:"billing"`
	Engine struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BackoffSeconds int `yaml:"backoff_seconds"`
		CallTimeoutSec int `yaml:"call_timeout_seconds"`
	} `yaml:"engine"`
}

// Secrets are environment-only credentials, never written to sketchline.yml.
type Secrets struct {
	WebhookSecret   string
	ProviderToken   string
	GenerationToken string
	StorageToken    string
	BillingToken    string
	JWTSecret       string
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Provider.Event == "" {
		return fmt.Errorf("config.provider.event is required")
	}
	if len(c.Provider.Actions) == 0 {
		return fmt.Errorf("config.provider.actions is required")
	}
	for _, a := range c.Provider.Actions {
		if strings.TrimSpace(a) == "" {
			return fmt.Errorf("config.provider.actions contains empty action")
		}
	}
	if c.Content.MaxBytes <= 0 {
		return fmt.Errorf("config.content.max_bytes must be positive")
	}
	switch c.Storage.Kind {
	case "http":
		if c.Storage.Endpoint == "" {
			return fmt.Errorf("config.storage.endpoint required for http storage")
		}
		if c.Storage.PublicURL == "" {
			return fmt.Errorf("config.storage.public_url required for http storage")
		}
	case "fs":
		if c.Storage.Dir == "" {
			return fmt.Errorf("config.storage.dir required for fs storage")
		}
	default:
		return fmt.Errorf("config.storage.kind must be 'http' or 'fs'")
	}
	if c.Billing.RunCost < 0 {
		return fmt.Errorf("config.billing.run_cost must not be negative")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("config.engine.max_attempts must be positive")
	}
	if c.Engine.BackoffSeconds <= 0 {
		return fmt.Errorf("config.engine.backoff_seconds must be positive")
	}
	if c.Engine.CallTimeoutSec <= 0 {
		return fmt.Errorf("config.engine.call_timeout_seconds must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sketchline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; generate one with sketchline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for config init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `provider:
  event: pull_request
  actions: [opened, synchronize, reopened, ready_for_review]
  api_base: https://api.github.com

content:
  max_bytes: 50000
  lockfile_suffixes:
    - package-lock.json
    - yarn.lock
    - pnpm-lock.yaml
    - Cargo.lock
    - composer.lock
    - Gemfile.lock
    - poetry.lock
    - go.sum

generation:
  base_url: https://generation.internal

storage:
  kind: fs
  dir: .sketchline/artifacts
  public_url: ""
  endpoint: ""

billing:
  base_url: https://billing.internal
  checkout_url: https://billing.internal/checkout
  run_cost: 1.0

engine:
  max_attempts: 3
  backoff_seconds: 2
  call_timeout_seconds: 90
`
