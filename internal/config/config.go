// Package config loads novtl settings from defaults, an optional config
// file and NOVTL_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/oukeidos/novtl/internal/chunker"
	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/gemini"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/review"
	"github.com/oukeidos/novtl/internal/session"
	"github.com/oukeidos/novtl/internal/vertex"
)

const (
	EnvPrefix = "NOVTL"

	DefaultOpenRouterModel = "deepseek/deepseek-chat-v3-0324:free"
	DefaultOpenAIModel     = "gpt-4o-mini"
	DefaultOpenAIBaseURL   = "https://api.openai.com/v1"
	DefaultServerAddress   = "127.0.0.1:8787"
)

// Bounds applied by Normalize.
const (
	MinMaxLength     = 100
	MaxMaxLength     = 100000
	MaxRetryCount    = 10
	MaxTemperature   = 2.0
	MaxStoreSessions = 100
)

type Config struct {
	Provider          string        `mapstructure:"provider" yaml:"provider"`
	MaxLength         int           `mapstructure:"max_length" yaml:"max_length"`
	RetryCount        int           `mapstructure:"retry_count" yaml:"retry_count"`
	Backoff           time.Duration `mapstructure:"backoff" yaml:"backoff"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
	Debounce          time.Duration `mapstructure:"debounce" yaml:"debounce"`

	Prompt     PromptConfig     `mapstructure:"prompt" yaml:"prompt"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`

	Gemini     GeminiConfig `mapstructure:"gemini" yaml:"gemini"`
	Vertex     VertexConfig `mapstructure:"vertex" yaml:"vertex"`
	OpenRouter RouterConfig `mapstructure:"openrouter" yaml:"openrouter"`
	OpenAI     OpenAIConfig `mapstructure:"openai" yaml:"openai"`

	Store  StoreConfig  `mapstructure:"store" yaml:"store"`
	Server ServerConfig `mapstructure:"server" yaml:"server"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type PromptConfig struct {
	Prefix string `mapstructure:"prefix" yaml:"prefix"`
	Suffix string `mapstructure:"suffix" yaml:"suffix"`
}

type GenerationConfig struct {
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`
	TopK        int     `mapstructure:"top_k" yaml:"top_k"`
	TopP        float64 `mapstructure:"top_p" yaml:"top_p"`
}

type GeminiConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	Stream    bool   `mapstructure:"stream" yaml:"stream"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

type VertexConfig struct {
	ProjectID          string `mapstructure:"project_id" yaml:"project_id"`
	Location           string `mapstructure:"location" yaml:"location"`
	Model              string `mapstructure:"model" yaml:"model"`
	Stream             bool   `mapstructure:"stream" yaml:"stream"`
	MaxTokens          int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	ServiceAccountFile string `mapstructure:"service_account_file" yaml:"service_account_file"`
	BaseURL            string `mapstructure:"base_url" yaml:"base_url,omitempty"`
	TokenURL           string `mapstructure:"token_url" yaml:"token_url,omitempty"`
}

type RouterConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	Stream    bool   `mapstructure:"stream" yaml:"stream"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	SiteURL   string `mapstructure:"site_url" yaml:"site_url"`
	SiteName  string `mapstructure:"site_name" yaml:"site_name"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url,omitempty"`
}

type OpenAIConfig struct {
	Model     string `mapstructure:"model" yaml:"model"`
	Stream    bool   `mapstructure:"stream" yaml:"stream"`
	MaxTokens int    `mapstructure:"max_tokens" yaml:"max_tokens"`
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
}

type StoreConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"`
	Dir           string `mapstructure:"dir" yaml:"dir"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"-"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	MaxSessions   int    `mapstructure:"max_sessions" yaml:"max_sessions"`
}

type ServerConfig struct {
	Address string `mapstructure:"address" yaml:"address"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
}

// DefaultPath is $XDG_CONFIG_HOME/novtl/config.yaml or its platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "novtl", "config.yaml")
}

// DefaultStoreDir is the session directory under the user cache dir.
func DefaultStoreDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "novtl", "sessions")
}

// New returns a viper instance with every key defaulted, so env overrides
// apply even to keys absent from the config file.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("provider", provider.Gemini)
	v.SetDefault("max_length", chunker.DefaultMaxLength)
	v.SetDefault("retry_count", dispatch.DefaultRetryCount)
	v.SetDefault("backoff", dispatch.DefaultBackoff)
	v.SetDefault("requests_per_minute", 0)
	v.SetDefault("debounce", review.DefaultDebounce)

	v.SetDefault("prompt.prefix", DefaultPrefix)
	v.SetDefault("prompt.suffix", DefaultSuffix)
	v.SetDefault("generation.temperature", 0.3)
	v.SetDefault("generation.top_k", 30)
	v.SetDefault("generation.top_p", 0.95)

	v.SetDefault("gemini.model", gemini.DefaultModel)
	v.SetDefault("gemini.stream", true)
	v.SetDefault("gemini.max_tokens", 0)
	v.SetDefault("gemini.base_url", "")

	v.SetDefault("vertex.project_id", "")
	v.SetDefault("vertex.location", vertex.DefaultLocation)
	v.SetDefault("vertex.model", gemini.DefaultModel)
	v.SetDefault("vertex.stream", true)
	v.SetDefault("vertex.max_tokens", 0)
	v.SetDefault("vertex.service_account_file", "")
	v.SetDefault("vertex.base_url", "")
	v.SetDefault("vertex.token_url", "")

	v.SetDefault("openrouter.model", DefaultOpenRouterModel)
	v.SetDefault("openrouter.stream", true)
	v.SetDefault("openrouter.max_tokens", 0)
	v.SetDefault("openrouter.site_url", "")
	v.SetDefault("openrouter.site_name", "")
	v.SetDefault("openrouter.base_url", "")

	v.SetDefault("openai.model", DefaultOpenAIModel)
	v.SetDefault("openai.stream", true)
	v.SetDefault("openai.max_tokens", 0)
	v.SetDefault("openai.base_url", DefaultOpenAIBaseURL)

	v.SetDefault("store.backend", session.BackendFile)
	v.SetDefault("store.dir", DefaultStoreDir())
	v.SetDefault("store.sqlite_path", "")
	v.SetDefault("store.redis_addr", "127.0.0.1:6379")
	v.SetDefault("store.redis_password", "")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.redis_prefix", session.DefaultRedisPrefix)
	v.SetDefault("store.max_sessions", session.DefaultMaxSessions)

	v.SetDefault("server.address", DefaultServerAddress)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path into v and unmarshals the result. An empty path tries
// DefaultPath and tolerates its absence; an explicit path must exist.
func Load(v *viper.Viper, path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
			if explicit || !missing {
				return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	return cfg, nil
}

// Normalize applies safe bounds to config values and returns any adjustments.
func (c Config) Normalize() (Config, []string) {
	var notes []string
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.MaxLength < MinMaxLength {
		notes = append(notes, fmt.Sprintf("max-length raised from %d to %d (min %d)", c.MaxLength, MinMaxLength, MinMaxLength))
		c.MaxLength = MinMaxLength
	}
	if c.MaxLength > MaxMaxLength {
		notes = append(notes, fmt.Sprintf("max-length clamped from %d to %d (max %d)", c.MaxLength, MaxMaxLength, MaxMaxLength))
		c.MaxLength = MaxMaxLength
	}
	if c.RetryCount > MaxRetryCount {
		notes = append(notes, fmt.Sprintf("retry-count clamped from %d to %d (max %d)", c.RetryCount, MaxRetryCount, MaxRetryCount))
		c.RetryCount = MaxRetryCount
	}
	if c.Generation.Temperature > MaxTemperature {
		notes = append(notes, fmt.Sprintf("temperature clamped from %g to %g", c.Generation.Temperature, MaxTemperature))
		c.Generation.Temperature = MaxTemperature
	}
	if c.Store.MaxSessions > MaxStoreSessions {
		notes = append(notes, fmt.Sprintf("max-sessions clamped from %d to %d (max %d)", c.Store.MaxSessions, MaxStoreSessions, MaxStoreSessions))
		c.Store.MaxSessions = MaxStoreSessions
	}
	return c, notes
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	known := false
	for _, name := range provider.Names {
		if c.Provider == name {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown provider %q (want one of %s)", c.Provider, strings.Join(provider.Names, ", "))
	}
	if c.RetryCount < 1 {
		return fmt.Errorf("retryCount must be at least 1, got %d", c.RetryCount)
	}
	if c.Backoff < 0 {
		return fmt.Errorf("backoff must not be negative, got %s", c.Backoff)
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requestsPerMinute must not be negative, got %d", c.RequestsPerMinute)
	}
	if c.Generation.Temperature < 0 {
		return fmt.Errorf("temperature must not be negative, got %g", c.Generation.Temperature)
	}
	if c.Generation.TopP < 0 || c.Generation.TopP > 1 {
		return fmt.Errorf("topP must be within [0, 1], got %g", c.Generation.TopP)
	}
	if c.Generation.TopK < 0 {
		return fmt.Errorf("topK must not be negative, got %d", c.Generation.TopK)
	}
	if c.Store.MaxSessions < 1 {
		return fmt.Errorf("maxSessions must be at least 1, got %d", c.Store.MaxSessions)
	}
	switch c.Store.Backend {
	case session.BackendMemory, session.BackendFile, session.BackendSQLite, session.BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Provider == provider.OpenAI && strings.TrimSpace(c.OpenAI.BaseURL) == "" {
		return fmt.Errorf("openai.base_url is required")
	}
	return nil
}

// StoreBackend converts the store section for session.OpenBackend.
func (c Config) StoreBackend() session.BackendConfig {
	sqlitePath := c.Store.SQLitePath
	if sqlitePath == "" {
		sqlitePath = filepath.Join(c.Store.Dir, "sessions.db")
	}
	return session.BackendConfig{
		Kind:          c.Store.Backend,
		Dir:           c.Store.Dir,
		SQLitePath:    sqlitePath,
		RedisAddr:     c.Store.RedisAddr,
		RedisPassword: c.Store.RedisPassword,
		RedisDB:       c.Store.RedisDB,
		RedisPrefix:   c.Store.RedisPrefix,
	}
}

// GenerationFor returns the sampling parameters with the token cap of name.
func (c Config) GenerationFor(name string) provider.Generation {
	g := provider.Generation{
		Temperature: provider.Float(c.Generation.Temperature),
		TopK:        c.Generation.TopK,
		TopP:        c.Generation.TopP,
	}
	switch name {
	case provider.Gemini:
		g.MaxOutputTokens = c.Gemini.MaxTokens
	case provider.Vertex:
		g.MaxOutputTokens = c.Vertex.MaxTokens
	case provider.OpenRouter:
		g.MaxOutputTokens = c.OpenRouter.MaxTokens
	case provider.OpenAI:
		g.MaxOutputTokens = c.OpenAI.MaxTokens
	}
	return g
}
