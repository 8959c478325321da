package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	defaultCacheTTLSeconds        = 3600
	defaultCacheMaxEntries        = 10000
	defaultUpstreamTimeoutSeconds = 60
	defaultStreamTimeoutSeconds   = 600
)

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// StoreConfig points at the durable system-of-record.
type StoreConfig struct {
	URI    string `yaml:"uri"`
	DBName string `yaml:"db_name"`
}

// ProviderConfig holds one upstream provider's credential and base URL.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// CacheConfig bounds the per-instance auth cache.
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_seconds"`
	MaxEntries int `yaml:"max_entries"`
}

// UpstreamConfig bounds calls to providers.
type UpstreamConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	StreamTimeoutSeconds int `yaml:"stream_timeout_seconds"`
}

// Config is the complete gateway configuration.
type Config struct {
	Server      ServerConfig   `yaml:"server"`
	Store       StoreConfig    `yaml:"store"`
	BusURL      string         `yaml:"bus_url"`
	AdminAPIKey string         `yaml:"admin_api_key"`
	OpenAI      ProviderConfig `yaml:"openai"`
	Anthropic   ProviderConfig `yaml:"anthropic"`
	Cache       CacheConfig    `yaml:"cache"`
	Upstream    UpstreamConfig `yaml:"upstream"`
}

// LoadEnvFiles loads .env files in order of precedence (first wins).
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// LoadFromFile loads configuration from a YAML file with environment
// variable substitution, then validates it.
func LoadFromFile(configPath string) (*Config, error) {
	cleanPath := filepath.Clean(configPath)
	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}
	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds the configuration from environment variables alone,
// for deployments without a config file.
func LoadFromEnv() (*Config, error) {
	cfg := defaults()
	cfg.Server.Port = envOr("PORT", cfg.Server.Port)
	cfg.Server.LogLevel = envOr("LOG_LEVEL", cfg.Server.LogLevel)
	cfg.Store.URI = os.Getenv("STORE_URI")
	cfg.Store.DBName = envOr("STORE_DB_NAME", cfg.Store.DBName)
	cfg.BusURL = envOr("BUS_URL", cfg.BusURL)
	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")
	cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAI.BaseURL = envOr("OPENAI_BASE_URL", cfg.OpenAI.BaseURL)
	cfg.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	cfg.Anthropic.BaseURL = envOr("ANTHROPIC_BASE_URL", cfg.Anthropic.BaseURL)
	cfg.Cache.TTLSeconds = envIntOr("CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)
	cfg.Cache.MaxEntries = envIntOr("CACHE_MAX_ENTRIES", cfg.Cache.MaxEntries)
	cfg.Upstream.TimeoutSeconds = envIntOr("UPSTREAM_TIMEOUT_SECONDS", cfg.Upstream.TimeoutSeconds)
	cfg.Upstream.StreamTimeoutSeconds = envIntOr("STREAM_TIMEOUT_SECONDS", cfg.Upstream.StreamTimeoutSeconds)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the config file when it exists and falls back to the
// environment otherwise.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); err == nil {
		return LoadFromFile(configPath)
	}
	return LoadFromEnv()
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", LogLevel: "info"},
		Store:  StoreConfig{DBName: "llm_gateway"},
		BusURL: "redis://localhost:6379",
		OpenAI: ProviderConfig{BaseURL: DefaultOpenAIBaseURL},
		Anthropic: ProviderConfig{
			BaseURL: DefaultAnthropicBaseURL,
		},
		Cache: CacheConfig{
			TTLSeconds: defaultCacheTTLSeconds,
			MaxEntries: defaultCacheMaxEntries,
		},
		Upstream: UpstreamConfig{
			TimeoutSeconds:       defaultUpstreamTimeoutSeconds,
			StreamTimeoutSeconds: defaultStreamTimeoutSeconds,
		},
	}
}

func (c *Config) applyDefaults() {
	base := defaults()
	if c.Server.Port == "" {
		c.Server.Port = base.Server.Port
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = base.Server.LogLevel
	}
	if c.Store.DBName == "" {
		c.Store.DBName = base.Store.DBName
	}
	if c.BusURL == "" {
		c.BusURL = base.BusURL
	}
	if c.OpenAI.BaseURL == "" {
		c.OpenAI.BaseURL = base.OpenAI.BaseURL
	}
	if c.Anthropic.BaseURL == "" {
		c.Anthropic.BaseURL = base.Anthropic.BaseURL
	}
	if c.Cache.TTLSeconds <= 0 {
		c.Cache.TTLSeconds = base.Cache.TTLSeconds
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = base.Cache.MaxEntries
	}
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = base.Upstream.TimeoutSeconds
	}
	if c.Upstream.StreamTimeoutSeconds <= 0 {
		c.Upstream.StreamTimeoutSeconds = base.Upstream.StreamTimeoutSeconds
	}
}

// Validate checks the fields the gateway cannot start without.
func (c *Config) Validate() error {
	if c.Store.URI == "" {
		return fmt.Errorf("store uri is required (STORE_URI)")
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("admin api key is required (ADMIN_API_KEY)")
	}
	if c.OpenAI.APIKey == "" && c.Anthropic.APIKey == "" {
		return fmt.Errorf("at least one provider api key must be configured")
	}
	return nil
}

// CacheTTL returns the auth cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}

// UpstreamTimeout returns the unary upstream deadline.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

// StreamTimeout returns the bounded total deadline for streams.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.Upstream.StreamTimeoutSeconds) * time.Second
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""
		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}
		return defaultValue
	})
}
