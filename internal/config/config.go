// Package config handles Taurus configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/taurus/config.yaml, /etc/taurus/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taurus", "config.yaml"))
	}

	paths = append(paths, "/etc/taurus/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Taurus configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Fetch     FetchConfig     `yaml:"fetch"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFile   string          `yaml:"log_file"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AuthConfig defines the credentials the API server accepts.
// PasswordHash is a bcrypt hash; generate one with
// `htpasswd -nbB user pass` or any bcrypt tool. When Username is
// empty, authentication is disabled and the server logs a warning.
type AuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	// MaxToolRounds bounds how many tool-use rounds a single turn may
	// perform before the turn is failed. Default 3.
	MaxToolRounds int `yaml:"max_tool_rounds"`
	// LLMTimeoutSec is the per-call timeout for model backend requests.
	LLMTimeoutSec int `yaml:"llm_timeout_sec"`
	// ToolTimeoutSec is the per-execution timeout for a single tool call.
	ToolTimeoutSec int `yaml:"tool_timeout_sec"`
	// SystemPrompt overrides the built-in base instructions when set.
	SystemPrompt string `yaml:"system_prompt"`
}

// FetchConfig tunes the browse_web tool.
type FetchConfig struct {
	// MaxChars limits extracted page text. Default 8000.
	MaxChars int `yaml:"max_chars"`
}

// Load reads and parses the config file at path, applies defaults,
// and overlays secret values from the environment.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnv()

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file loaded.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-sonnet-4-20250514"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.Agent.MaxToolRounds == 0 {
		c.Agent.MaxToolRounds = 3
	}
	if c.Agent.LLMTimeoutSec == 0 {
		c.Agent.LLMTimeoutSec = 300
	}
	if c.Agent.ToolTimeoutSec == 0 {
		c.Agent.ToolTimeoutSec = 60
	}
	if c.Fetch.MaxChars == 0 {
		c.Fetch.MaxChars = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
}

// applyEnv overlays secrets from the environment. Environment values
// win over file values so deployments can keep keys out of config files.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Anthropic.APIKey = v
	}
	if v := os.Getenv("TAURUS_AUTH_PASSWORD_HASH"); v != "" {
		c.Auth.PasswordHash = v
	}
}

// Validate checks that required settings are present for serving.
func (c *Config) Validate() error {
	if c.Anthropic.APIKey == "" {
		return fmt.Errorf("anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	return nil
}
