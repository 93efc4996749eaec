package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ent0n29/liveavatar/internal/settings"
)

// Config contains all runtime settings for the live avatar service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	ConfigFile       string

	LogLevel  string
	LogFormat string

	// Settings seeds the user-editable settings store.
	Settings settings.Settings

	OpenAIBaseURL   string
	LLMHistoryLimit int
	LLMTimeout      time.Duration

	ProvisioningTimeout  time.Duration
	RollbackPartialStart bool
	RelayDialTimeout     time.Duration

	RedisURL           string
	RedisEventsChannel string
}

// fileConfig is the optional YAML document named by APP_CONFIG_FILE.
type fileConfig struct {
	BindAddr string            `yaml:"bindAddr"`
	Settings settings.Settings `yaml:"settings"`
	LLM      struct {
		BaseURL      string `yaml:"baseUrl"`
		HistoryLimit int    `yaml:"historyLimit"`
	} `yaml:"llm"`
	Redis struct {
		URL     string `yaml:"url"`
		Channel string `yaml:"channel"`
	} `yaml:"redis"`
}

// Load reads the optional config file, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             ":8080",
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "liveavatar"),
		ConfigFile:           stringsTrimSpace("APP_CONFIG_FILE"),
		LogLevel:             envOrDefault("LOG_LEVEL", "info"),
		LogFormat:            envOrDefault("LOG_FORMAT", "console"),
		Settings:             settings.Defaults(),
		RollbackPartialStart: true,
		ShutdownTimeout:      15 * time.Second,
		RelayDialTimeout:     10 * time.Second,
		RedisEventsChannel:   "liveavatar:events",
	}

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.Settings.Host = strings.TrimRight(envOrDefault("AKOOL_HOST", cfg.Settings.Host), "/")
	cfg.Settings.Token = envOrDefault("AKOOL_TOKEN", cfg.Settings.Token)
	cfg.Settings.AvatarID = envOrDefault("AVATAR_ID", cfg.Settings.AvatarID)
	cfg.Settings.Language = envOrDefault("AVATAR_LANGUAGE", cfg.Settings.Language)
	cfg.Settings.VoiceID = envOrDefault("AVATAR_VOICE_ID", cfg.Settings.VoiceID)
	cfg.Settings.LLM.Token = envOrDefault("OPENAI_API_KEY", cfg.Settings.LLM.Token)
	cfg.Settings.LLM.Personality = envOrDefault("LLM_PERSONALITY", cfg.Settings.LLM.Personality)
	cfg.Settings.LLM.Model = envOrDefault("LLM_MODEL", cfg.Settings.LLM.Model)
	cfg.OpenAIBaseURL = envOrDefault("OPENAI_BASE_URL", cfg.OpenAIBaseURL)
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.RedisEventsChannel = envOrDefault("REDIS_EVENTS_CHANNEL", cfg.RedisEventsChannel)

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMTimeout, err = durationFromEnv("LLM_TIMEOUT", cfg.LLMTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ProvisioningTimeout, err = durationFromEnv("PROVISIONING_TIMEOUT", cfg.ProvisioningTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RelayDialTimeout, err = durationFromEnv("RELAY_DIAL_TIMEOUT", cfg.RelayDialTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.Settings.Resolution.Width, err = intFromEnv("AVATAR_RESOLUTION_WIDTH", cfg.Settings.Resolution.Width)
	if err != nil {
		return Config{}, err
	}
	cfg.Settings.Resolution.Height, err = intFromEnv("AVATAR_RESOLUTION_HEIGHT", cfg.Settings.Resolution.Height)
	if err != nil {
		return Config{}, err
	}
	cfg.LLMHistoryLimit, err = intFromEnv("LLM_HISTORY_LIMIT", cfg.LLMHistoryLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.Settings.LLM.Enabled, err = boolFromEnv("LLM_ENABLED", cfg.Settings.LLM.Enabled)
	if err != nil {
		return Config{}, err
	}
	cfg.RollbackPartialStart, err = boolFromEnv("STREAM_ROLLBACK_PARTIAL_START", cfg.RollbackPartialStart)
	if err != nil {
		return Config{}, err
	}

	if cfg.LLMHistoryLimit < 0 {
		return Config{}, fmt.Errorf("LLM_HISTORY_LIMIT must be >= 0")
	}
	if cfg.LLMTimeout < 0 || cfg.ProvisioningTimeout < 0 || cfg.RelayDialTimeout < 0 {
		return Config{}, fmt.Errorf("timeouts must be >= 0")
	}
	if err := cfg.Settings.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	// Start from the defaults so a partial file only overrides what it names.
	fc := fileConfig{Settings: c.Settings}
	if err := yaml.NewDecoder(f).Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config file: %w", err)
	}

	if fc.BindAddr != "" {
		c.BindAddr = fc.BindAddr
	}
	c.Settings = fc.Settings
	if fc.LLM.BaseURL != "" {
		c.OpenAIBaseURL = fc.LLM.BaseURL
	}
	if fc.LLM.HistoryLimit != 0 {
		c.LLMHistoryLimit = fc.LLM.HistoryLimit
	}
	if fc.Redis.URL != "" {
		c.RedisURL = fc.Redis.URL
	}
	if fc.Redis.Channel != "" {
		c.RedisEventsChannel = fc.Redis.Channel
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
