package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const fileName = "factory.yml"

// Config models factory.yml.
type Config struct {
	Server struct {
		Addr         string   `yaml:"addr"`
		BasePath     string   `yaml:"base_path"`
		JWTSecretEnv string   `yaml:"jwt_secret_env"`
		AdminEmails  []string `yaml:"admin_emails"`
	} `yaml:"server"`
	Pipeline struct {
		StageTimeout time.Duration `yaml:"stage_timeout"`
		RecoverAfter time.Duration `yaml:"recover_after"`
	} `yaml:"pipeline"`
	LLM      LLMConfig `yaml:"llm"`
	Projects struct {
		CloneDir      string `yaml:"clone_dir"`
		OutputDir     string `yaml:"output_dir"`
		MaxKeyFiles   int    `yaml:"max_key_files"`
		MaxFileBytes  int64  `yaml:"max_file_bytes"`
		MaxBuildFiles int    `yaml:"max_build_files"`
	} `yaml:"projects"`
	Notifications NotificationConfig `yaml:"notifications"`
	Artifacts     struct {
		Dir     string `yaml:"dir"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"artifacts"`
	Limits struct {
		IdeasPerDay int `yaml:"ideas_per_day"`
	} `yaml:"limits"`
	Locks struct {
		RedisAddr string        `yaml:"redis_addr"`
		TTL       time.Duration `yaml:"ttl"`
	} `yaml:"locks"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Terms    struct {
		Version     string `yaml:"version"`
		LastUpdated string `yaml:"last_updated"`
		// File replaces the bundled terms text, relative to the workspace.
		File string `yaml:"file"`
	} `yaml:"terms"`
}

type LLMConfig struct {
	Provider          string  `yaml:"provider"`
	Model             string  `yaml:"model"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	// ChatModel serves the vetting chat. Empty means Model.
	ChatModel         string  `yaml:"chat_model"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
	MaxTokens         int     `yaml:"max_tokens"`
	Temperature       float64 `yaml:"temperature"`
}

type NotificationConfig struct {
	PublicURL       string `yaml:"public_url"`
	NATSURL         string `yaml:"nats_url"`
	NATSSubject     string `yaml:"nats_subject"`
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with ifx config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Pipeline.StageTimeout <= 0 {
		return fmt.Errorf("config.pipeline.stage_timeout must be positive")
	}
	if c.Pipeline.RecoverAfter < 0 {
		return fmt.Errorf("config.pipeline.recover_after must not be negative")
	}
	switch c.LLM.Provider {
	case "anthropic", "none":
	default:
		return fmt.Errorf("config.llm.provider must be 'anthropic' or 'none', got %q", c.LLM.Provider)
	}
	if c.LLM.Provider == "anthropic" && strings.TrimSpace(c.LLM.Model) == "" {
		return fmt.Errorf("config.llm.model is required for provider anthropic")
	}
	if c.LLM.RequestsPerMinute < 0 || c.LLM.Burst < 0 {
		return fmt.Errorf("config.llm rate limits must not be negative")
	}
	if c.Limits.IdeasPerDay < 0 {
		return fmt.Errorf("config.limits.ideas_per_day must not be negative")
	}
	if c.Locks.RedisAddr != "" && c.Locks.TTL <= 0 {
		return fmt.Errorf("config.locks.ttl must be positive when redis_addr is set")
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.logging.format must be json or console")
	}
	if c.Notifications.NATSURL != "" && strings.TrimSpace(c.Notifications.NATSSubject) == "" {
		return fmt.Errorf("config.notifications.nats_subject is required with nats_url")
	}
	if strings.TrimSpace(c.Terms.Version) == "" {
		return fmt.Errorf("config.terms.version is required")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, fileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret_env: IFX_JWT_SECRET

pipeline:
  stage_timeout: 5m
  recover_after: 30m

llm:
  provider: anthropic
  model: claude-sonnet-4-20250514
  api_key_env: ANTHROPIC_API_KEY
  chat_model: claude-3-5-haiku-20241022
  requests_per_minute: 50
  burst: 5
  max_tokens: 8192
  temperature: 0.3

projects:
  clone_dir: .ideafactory/clones
  output_dir: .ideafactory/builds
  max_key_files: 20
  max_file_bytes: 51200
  max_build_files: 40

notifications:
  public_url: http://127.0.0.1:8080
  nats_subject: ideafactory.gates

artifacts:
  dir: .ideafactory/artifacts

limits:
  ideas_per_day: 10

locks:
  ttl: 10m

logging:
  level: info
  format: json

terms:
  version: "1.0"
  last_updated: "2025-01-17"
`
