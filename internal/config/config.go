package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	SessionModeCookie = "cookie"
	SessionModeShared = "shared"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"

	DefaultSystemPrompt = "You are a helpful assistant."
	DefaultModel        = "gpt-3.5-turbo"
)

type Config struct {
	Addr           string        `yaml:"addr"`
	SystemPrompt   string        `yaml:"system_prompt"`
	SessionMode    string        `yaml:"session_mode"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	LogLevel       string        `yaml:"log_level"`
	CountTokens    bool          `yaml:"count_tokens"`
	OpenAI         OpenAIConfig  `yaml:"openai"`
	Store          StoreConfig   `yaml:"store"`
}

type OpenAIConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	// Temperature is nil when unset; an explicit 0 is honoured.
	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func Default() Config {
	return Config{
		Addr:         ":5000",
		SystemPrompt: DefaultSystemPrompt,
		SessionMode:  SessionModeCookie,
		LogLevel:     "info",
		OpenAI: OpenAIConfig{
			Model: DefaultModel,
		},
		Store: StoreConfig{
			Driver: StoreMemory,
			DSN:    "file::memory:?cache=shared",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path, and the environment, in that order. A .env file in the working
// directory is loaded into the environment first if present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.OpenAI.APIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.OpenAI.BaseURL = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.OpenAI.Model = v
	}
	if v := os.Getenv("RELAYCHAT_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("RELAYCHAT_SESSION_MODE"); v != "" {
		c.SessionMode = v
	}
	if v := os.Getenv("RELAYCHAT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("RELAYCHAT_REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RELAYCHAT_REQUEST_TIMEOUT %q: %w", v, err)
		}
		c.RequestTimeout = d
	}
	if v := os.Getenv("RELAYCHAT_COUNT_TOKENS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RELAYCHAT_COUNT_TOKENS %q: %w", v, err)
		}
		c.CountTokens = b
	}
	return nil
}

func (c Config) Validate() error {
	switch c.SessionMode {
	case SessionModeCookie, SessionModeShared:
	default:
		return fmt.Errorf("unknown session mode %q", c.SessionMode)
	}
	switch c.Store.Driver {
	case StoreMemory, StoreSQLite:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.OpenAI.Model == "" {
		return errors.New("openai model must not be empty")
	}
	if t := c.OpenAI.Temperature; t != nil && (*t < 0 || *t > 2) {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", *t)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}
