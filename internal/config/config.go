// Package config loads daemon configuration layered as
// defaults < ~/.ami/settings.json < environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the daemon's runtime configuration.
type Config struct {
	Port    int `mapstructure:"port"`
	CDPPort int `mapstructure:"cdp_port"`

	LLMProvider string `mapstructure:"llm_provider"`
	LLMModel    string `mapstructure:"llm_model"`
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`

	MaxSteps     int `mapstructure:"max_steps"`
	MaxTokens    int `mapstructure:"max_tokens"`
	ContextLimit int `mapstructure:"context_limit"`

	MemoryBaseURL string `mapstructure:"memory_base_url"`
	MemoryToken   string `mapstructure:"memory_token"`

	Shell    string `mapstructure:"shell"`
	LogLevel string `mapstructure:"log_level"`
}

// env aliases map provider-conventional variables onto config keys.
var envAliases = map[string]string{
	"api_key":  "ANTHROPIC_API_KEY",
	"cdp_port": "AMI_CDP_PORT",
	"port":     "AMI_PORT",
	"shell":    "SHELL",
}

// Load reads configuration from defaults, the settings file, and environment.
// A missing settings file is not an error.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("port", 8787)
	v.SetDefault("cdp_port", 9222)
	v.SetDefault("llm_provider", "anthropic")
	v.SetDefault("llm_model", "claude-sonnet-4-20250514")
	v.SetDefault("max_steps", 50)
	v.SetDefault("max_tokens", 8192)
	v.SetDefault("context_limit", 180000)
	v.SetDefault("log_level", "info")

	root, err := Root()
	if err != nil {
		return nil, err
	}
	v.SetConfigFile(filepath.Join(root, "settings.json"))
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read settings: %w", err)
		}
	}

	v.SetEnvPrefix("AMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if val := os.Getenv(env); val != "" && !v.IsSet(key) {
			v.Set(key, val)
		}
	}
	if v.GetString("api_key") == "" {
		if key := os.Getenv("OPENAI_API_KEY"); key != "" {
			v.Set("api_key", key)
			if !v.IsSet("llm_provider") {
				v.Set("llm_provider", "openai")
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Root returns the daemon state directory (~/.ami), creating it when absent.
func Root() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	root := filepath.Join(home, ".ami")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create state root: %w", err)
	}
	return root, nil
}

// WorkspaceRoot returns the per-task workspace parent directory.
func WorkspaceRoot() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, "workspaces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// WritePortFile records the bound port for the UI pre-startup rendezvous.
func WritePortFile(port int) error {
	root, err := Root()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, "daemon.port"), []byte(fmt.Sprintf("%d", port)), 0o644)
}
