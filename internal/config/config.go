package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all configuration for sigpull
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Sync   SyncConfig   `mapstructure:"sync"`
	LLM    LLMConfig    `mapstructure:"llm"`
	Chat   ChatConfig   `mapstructure:"chat"`
	Tools  ToolSettings `mapstructure:"tools"`
	Store  StoreConfig  `mapstructure:"store"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Log    LogConfig    `mapstructure:"log"`
	Mock   MockConfig   `mapstructure:"mock"`
}

// ServerConfig points at the Signal-Pull backend
type ServerConfig struct {
	BaseURL        string        `mapstructure:"base_url" validate:"required,url"`
	WebSocketURL   string        `mapstructure:"websocket_url" validate:"omitempty,url"`
	JWTSecret      string        `mapstructure:"jwt_secret"`
	ClientID       string        `mapstructure:"client_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
}

// SyncConfig tunes the signal channel and reconciliation
type SyncConfig struct {
	PongWait             time.Duration `mapstructure:"pong_wait" validate:"gt=0"`
	PingPeriod           time.Duration `mapstructure:"ping_period" validate:"gt=0,ltfield=PongWait"`
	WriteWait            time.Duration `mapstructure:"write_wait" validate:"gt=0"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts" validate:"gte=1"`
	ReconnectBackoff     time.Duration `mapstructure:"reconnect_backoff" validate:"gt=0"`
	MaxReconnectBackoff  time.Duration `mapstructure:"max_reconnect_backoff"`
	RefreshPerMinute     int           `mapstructure:"refresh_per_minute" validate:"gte=0"`
	PageSize             int           `mapstructure:"page_size" validate:"gte=1,lte=500"`
}

// LLMConfig holds model backend settings
type LLMConfig struct {
	APIKey       string  `mapstructure:"api_key"`
	BaseURL      string  `mapstructure:"base_url" validate:"omitempty,url"`
	Model        string  `mapstructure:"model" validate:"required"`
	ParsingModel string  `mapstructure:"parsing_model"`
	Temperature  float32 `mapstructure:"temperature" validate:"gte=0,lte=2"`
}

// ChatConfig holds interaction engine settings
type ChatConfig struct {
	SystemPromptID string `mapstructure:"system_prompt_id"`
	BasePrompt     string `mapstructure:"base_prompt"`
	MaxToolRounds  int    `mapstructure:"max_tool_rounds" validate:"gte=1"`
}

// ToolSettings configures the tool catalog and executor
type ToolSettings struct {
	CatalogPath    string        `mapstructure:"catalog_path"`
	Workspace      string        `mapstructure:"workspace"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" validate:"gt=0"`
	AlwaysApprove  []string      `mapstructure:"always_approve"`
}

// StoreConfig selects the message store backend
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=memory redis sqlite"`
	Path   string `mapstructure:"path"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type MockConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "http://localhost:8080/v1")
	v.SetDefault("server.websocket_url", "")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.client_id", "sigpull")
	v.SetDefault("server.request_timeout", 15*time.Second)

	v.SetDefault("sync.pong_wait", 75*time.Second)
	v.SetDefault("sync.ping_period", 25*time.Second)
	v.SetDefault("sync.write_wait", 10*time.Second)
	v.SetDefault("sync.max_reconnect_attempts", 10)
	v.SetDefault("sync.reconnect_backoff", 500*time.Millisecond)
	v.SetDefault("sync.max_reconnect_backoff", 30*time.Second)
	v.SetDefault("sync.refresh_per_minute", 6)
	v.SetDefault("sync.page_size", 50)

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.parsing_model", "")
	v.SetDefault("llm.temperature", 0.2)

	v.SetDefault("chat.system_prompt_id", "")
	v.SetDefault("chat.base_prompt", "You are a helpful assistant working inside the user's workspace.")
	v.SetDefault("chat.max_tool_rounds", 10)

	v.SetDefault("tools.catalog_path", "")
	v.SetDefault("tools.workspace", ".")
	v.SetDefault("tools.command_timeout", 60*time.Second)
	v.SetDefault("tools.always_approve", []string{})

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "sigpull.db")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("mock.addr", ":8080")
}

// Load reads configuration from an optional YAML file and SIGPULL_* environment
// variables. Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SIGPULL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		log.Info().Str("path", path).Msg("Configuration file loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Conventional unprefixed variables fill in secrets left blank
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = GetOpenAIKey()
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = GetRedisURL()
	}
	if cfg.Redis.Password == "" {
		cfg.Redis.Password = GetRedisPassword()
	}
	if cfg.Server.WebSocketURL == "" {
		cfg.Server.WebSocketURL = DeriveWebSocketURL(cfg.Server.BaseURL)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks struct constraints
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.Store.Driver == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("configuration validation failed: store driver redis requires redis.url")
	}
	return nil
}

// DeriveWebSocketURL maps an http(s) base URL onto its ws(s) equivalent
func DeriveWebSocketURL(baseURL string) string {
	switch {
	case strings.HasPrefix(baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(baseURL, "https://")
	case strings.HasPrefix(baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(baseURL, "http://")
	default:
		return baseURL
	}
}
