// Package config loads and validates all runtime configuration for the
// router.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// StateFile and ChecksumFile point at the on-disk provider registry
	// document produced by the infrastructure scan tool.
	StateFile    string
	ChecksumFile string

	// RedisURL is the KVS connection string.
	RedisURL string

	// ClickHouseDSN is the request-log sink. Empty disables ClickHouse
	// logging; requests are still logged via slog.
	ClickHouseDSN string

	// CORSOrigins is the list of allowed CORS origins. ["*"] allows any.
	CORSOrigins []string

	// Provider ids this deployment treats specially by the router's
	// decision rules and by the state loader's env-key enrichment.
	LocalGPUProviderID    string
	CloudCodingProviderID string
	FastSimpleProviderID  string
	FlashSimpleProviderID string

	// GoogleAPIKey authenticates every google_native provider (they share
	// one client). DashscopeAPIKey and GroqAPIKey are injected into their
	// respective openai_compat provider descriptors by the state loader.
	GoogleAPIKey    string
	DashscopeAPIKey string
	GroqAPIKey      string
}

// Load reads configuration from environment variables and (optionally)
// from config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("STATE_FILE", "infrastructure/state.json")
	v.SetDefault("STATE_CHECKSUM_FILE", "infrastructure/state.json.checksum")
	v.SetDefault("LOCAL_GPU_PROVIDER_ID", "gpu_local")
	v.SetDefault("CLOUD_CODING_PROVIDER_ID", "qwen_cloud")
	v.SetDefault("FAST_SIMPLE_PROVIDER_ID", "groq")
	v.SetDefault("FLASH_SIMPLE_PROVIDER_ID", "gemini_flash")

	cfg := &Config{
		Port:         v.GetInt("PORT"),
		LogLevel:     strings.ToLower(v.GetString("LOG_LEVEL")),
		StateFile:    v.GetString("STATE_FILE"),
		ChecksumFile: v.GetString("STATE_CHECKSUM_FILE"),
		RedisURL:     v.GetString("REDIS_URL"),

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
		CORSOrigins:   v.GetStringSlice("CORS_ORIGINS"),

		LocalGPUProviderID:    v.GetString("LOCAL_GPU_PROVIDER_ID"),
		CloudCodingProviderID: v.GetString("CLOUD_CODING_PROVIDER_ID"),
		FastSimpleProviderID:  v.GetString("FAST_SIMPLE_PROVIDER_ID"),
		FlashSimpleProviderID: v.GetString("FLASH_SIMPLE_PROVIDER_ID"),

		GoogleAPIKey:    v.GetString("GOOGLE_API_KEY"),
		DashscopeAPIKey: v.GetString("DASHSCOPE_API_KEY"),
		GroqAPIKey:      v.GetString("GROQ_API_KEY"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisURL == "" {
		return fmt.Errorf("config: REDIS_URL is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}
	if c.StateFile == "" || c.ChecksumFile == "" {
		return fmt.Errorf("config: STATE_FILE and STATE_CHECKSUM_FILE must both be set")
	}
	return nil
}

func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
