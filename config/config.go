// Package config handles smallbot configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./smallbot.yaml, ~/.config/smallbot/config.yaml, /etc/smallbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"smallbot.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "smallbot", "config.yaml"))
	}

	paths = append(paths, "/etc/smallbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all smallbot configuration.
type Config struct {
	Model      ModelConfig     `yaml:"model"`
	Transport  TransportConfig `yaml:"transport"`
	Render     RenderConfig    `yaml:"render"`
	Session    SessionConfig   `yaml:"session"`
	DataDir    string          `yaml:"data_dir"`
	PromptFile string          `yaml:"prompt_file"`
	LogLevel   string          `yaml:"log_level"`
	LogFormat  string          `yaml:"log_format"` // "json" or "text"
	MaxTurns   int             `yaml:"max_turns"`
}

// ModelConfig selects and configures the model provider.
type ModelConfig struct {
	Provider string `yaml:"provider"` // anthropic, openai
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

// TransportConfig selects and configures the chat transport.
type TransportConfig struct {
	Kind    string        `yaml:"kind"` // signal, webchat
	Signal  SignalConfig  `yaml:"signal"`
	Webchat WebchatConfig `yaml:"webchat"`
}

// SignalConfig configures the signal-cli subprocess transport.
type SignalConfig struct {
	// Command is the signal-cli binary (default "signal-cli").
	Command string `yaml:"command"`
	// Account is the registered phone number.
	Account string `yaml:"account"`
}

// WebchatConfig configures the local websocket transport.
type WebchatConfig struct {
	Address string `yaml:"address"` // Bind address (default: 127.0.0.1)
	Port    int    `yaml:"port"`
}

// RenderConfig overrides the streaming renderer's throttle.
type RenderConfig struct {
	UpdateIntervalMS int  `yaml:"update_interval_ms"`
	MinUpdateChars   int  `yaml:"min_update_chars"`
	FlattenMarkdown  bool `yaml:"flatten_markdown"`
}

// SessionConfig controls history persistence and eviction.
type SessionConfig struct {
	// IdleTTLMinutes evicts sessions inactive for this long. Zero disables
	// the sweep.
	IdleTTLMinutes int `yaml:"idle_ttl_minutes"`
}

// UpdateInterval returns the renderer throttle interval, or zero for the
// built-in default.
func (r RenderConfig) UpdateInterval() time.Duration {
	return time.Duration(r.UpdateIntervalMS) * time.Millisecond
}

// IdleTTL returns the session eviction TTL, or zero when disabled.
func (s SessionConfig) IdleTTL() time.Duration {
	return time.Duration(s.IdleTTLMinutes) * time.Minute
}

// Load reads configuration from a YAML file. Environment variable
// references in the file are expanded before parsing, so secrets can stay
// out of the file itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "anthropic",
			Name:     "claude-sonnet-4-20250514",
			APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
		},
		Transport: TransportConfig{
			Kind: "webchat",
			Signal: SignalConfig{
				Command: "signal-cli",
			},
			Webchat: WebchatConfig{
				Address: "127.0.0.1",
				Port:    8321,
			},
		},
		Session: SessionConfig{
			IdleTTLMinutes: 240,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}
