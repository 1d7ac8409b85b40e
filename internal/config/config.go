// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
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

// Config holds all Parley configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	LLM          LLMConfig          `yaml:"llm"`
	Weather      WeatherConfig      `yaml:"weather"`
	News         NewsConfig         `yaml:"news"`
	Auth         AuthConfig         `yaml:"auth"`
	Conversation ConversationConfig `yaml:"conversation"`
	Sentiment    SentimentConfig    `yaml:"sentiment"`
	Tools        ToolsConfig        `yaml:"tools"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig defines the completion provider.
type LLMConfig struct {
	// Provider selects the client implementation: "openai" (default) or
	// "ollama". Any OpenAI-compatible endpoint works with "openai" plus
	// BaseURL.
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// TitleMode is "truncate" (default) or "summarize". Summarize spends
	// one extra completion on the first turn of each conversation.
	TitleMode string `yaml:"title_mode"`
}

// Timeout returns the per-call completion timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// WeatherConfig defines the OpenWeatherMap provider.
type WeatherConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Units      string `yaml:"units"` // metric, imperial, standard
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Configured reports whether a weather API key is set.
func (c WeatherConfig) Configured() bool {
	return c.APIKey != ""
}

// Timeout returns the per-request timeout for the weather provider.
func (c WeatherConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// NewsConfig defines the NewsAPI provider.
type NewsConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Country    string `yaml:"country"` // ISO 3166-1 default for headlines
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Configured reports whether a news API key is set.
func (c NewsConfig) Configured() bool {
	return c.APIKey != ""
}

// Timeout returns the per-request timeout for the news provider.
func (c NewsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// AuthConfig defines the login gate in front of /api.
type AuthConfig struct {
	// Password is the shared access credential. PasswordHash, when set,
	// is a bcrypt hash and takes precedence. With neither set the API
	// is open.
	Password      string `yaml:"password"`
	PasswordHash  string `yaml:"password_hash"`
	SessionSecret string `yaml:"session_secret"`
	SessionTTL    string `yaml:"session_ttl"` // Go duration, default 24h
	// SecureCookie sets the Secure flag on the session cookie. Enable it
	// when clients reach the API over HTTPS.
	SecureCookie bool `yaml:"secure_cookie"`
}

// Enabled reports whether a login is required.
func (c AuthConfig) Enabled() bool {
	return c.Password != "" || c.PasswordHash != ""
}

// TTL parses SessionTTL. Validate guarantees it parses.
func (c AuthConfig) TTL() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}

// ConversationConfig bounds stored history.
type ConversationConfig struct {
	// HistoryLimit is the maximum number of messages retained per
	// conversation. Oldest messages are dropped first.
	HistoryLimit  int `yaml:"history_limit"`
	TitleMaxChars int `yaml:"title_max_chars"`
}

// SentimentConfig tunes the sentiment conditioner.
type SentimentConfig struct {
	// Threshold is the minimum confidence at which a classification
	// changes the prompt. Below it the turn is treated as neutral.
	Threshold float64 `yaml:"threshold"`
}

// ToolsConfig bounds tool output.
type ToolsConfig struct {
	MaxItems       int `yaml:"max_items"`
	MaxResultChars int `yaml:"max_result_chars"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills zero values with their documented defaults.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 5000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.TimeoutSec <= 0 {
		c.LLM.TimeoutSec = 30
	}
	if c.LLM.TitleMode == "" {
		c.LLM.TitleMode = "truncate"
	}
	if c.Weather.BaseURL == "" {
		c.Weather.BaseURL = "https://api.openweathermap.org"
	}
	if c.Weather.Units == "" {
		c.Weather.Units = "metric"
	}
	if c.Weather.TimeoutSec <= 0 {
		c.Weather.TimeoutSec = 10
	}
	if c.News.BaseURL == "" {
		c.News.BaseURL = "https://newsapi.org"
	}
	if c.News.Country == "" {
		c.News.Country = "us"
	}
	if c.News.TimeoutSec <= 0 {
		c.News.TimeoutSec = 10
	}
	if c.Auth.SessionTTL == "" {
		c.Auth.SessionTTL = "24h"
	}
	if c.Conversation.HistoryLimit <= 0 {
		c.Conversation.HistoryLimit = 20
	}
	if c.Conversation.TitleMaxChars <= 0 {
		c.Conversation.TitleMaxChars = 40
	}
	if c.Sentiment.Threshold == 0 {
		c.Sentiment.Threshold = 0.75
	}
	if c.Tools.MaxItems <= 0 {
		c.Tools.MaxItems = 5
	}
	if c.Tools.MaxResultChars <= 0 {
		c.Tools.MaxResultChars = 2000
	}
}

// minSessionSecret matches the auth package's HS256 key minimum.
const minSessionSecret = 16

// Validate checks for values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	switch c.LLM.Provider {
	case "openai", "ollama":
	default:
		return fmt.Errorf("unknown llm.provider %q (valid: openai, ollama)", c.LLM.Provider)
	}
	if c.LLM.Provider == "openai" && c.LLM.APIKey == "" && c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.api_key is required for the openai provider")
	}
	switch c.LLM.TitleMode {
	case "truncate", "summarize":
	default:
		return fmt.Errorf("unknown llm.title_mode %q (valid: truncate, summarize)", c.LLM.TitleMode)
	}
	if c.Sentiment.Threshold < 0 || c.Sentiment.Threshold > 1 {
		return fmt.Errorf("sentiment.threshold must be within [0,1], got %v", c.Sentiment.Threshold)
	}
	if _, err := time.ParseDuration(c.Auth.SessionTTL); err != nil {
		return fmt.Errorf("auth.session_ttl: %w", err)
	}
	if c.Auth.Enabled() && len(c.Auth.SessionSecret) < minSessionSecret {
		return fmt.Errorf("auth.session_secret of at least %d bytes is required when a password is configured", minSessionSecret)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port out of range: %d", c.Listen.Port)
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
