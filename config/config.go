package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the orchestrator service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Tools     ToolsConfig     `mapstructure:"tools"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Sessions  SessionsConfig  `mapstructure:"sessions"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	Listen         string        `mapstructure:"listen"`
	TurnTimeout    time.Duration `mapstructure:"turn_timeout"`
	HistoryWindow  int           `mapstructure:"history_window"`
	DefaultAgent   string        `mapstructure:"default_agent"`
	SweepCron      string        `mapstructure:"sweep_cron"`
	SweepEnabled   bool          `mapstructure:"sweep_enabled"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// LLMConfig contains LLM provider settings
type LLMConfig struct {
	Provider     string        `mapstructure:"provider"` // openai only for now
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Model        string        `mapstructure:"model"`
	Timeout      time.Duration `mapstructure:"timeout"`
	QueryRefiner bool          `mapstructure:"query_refiner"` // LLM pass that compresses tool queries
}

// ToolsConfig contains tool runtime settings
type ToolsConfig struct {
	Timeout        time.Duration   `mapstructure:"timeout"`
	CacheTTL       time.Duration   `mapstructure:"cache_ttl"`
	WebSearch      WebSearchConfig `mapstructure:"web_search"`
	KnowledgePath  string          `mapstructure:"knowledge_path"`
}

// WebSearchConfig contains web search provider settings
type WebSearchConfig struct {
	Provider   string `mapstructure:"provider"` // serper or brave
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// CatalogConfig locates the agent/tool catalog document
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// SessionsConfig contains session store settings
type SessionsConfig struct {
	Backend  string         `mapstructure:"backend"` // file, redis, postgres
	Path     string         `mapstructure:"path"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PeriodicLogs bool `mapstructure:"periodic_logs"`
}

// AgentTimeout is the per-agent-call deadline. It lives under tools timeouts
// conceptually but is consulted by the runner, so it gets its own accessor.
func (c *Config) AgentTimeout() time.Duration {
	if c.LLM.Timeout > 0 {
		return c.LLM.Timeout
	}
	return 60 * time.Second
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(cfgPath string) (*Config, error) {
	v := viper.New()
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.SetConfigName("vatra_config")
		v.SetConfigType("json")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("VATRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	overrideFromEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.listen", ":10010")
	v.SetDefault("general.turn_timeout", "120s")
	v.SetDefault("general.history_window", 20)
	v.SetDefault("general.default_agent", "story_creator")
	v.SetDefault("general.sweep_cron", "0 * * * *")
	v.SetDefault("general.sweep_enabled", true)
	v.SetDefault("general.shutdown_grace", "10s")

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "60s")
	v.SetDefault("llm.query_refiner", true)

	v.SetDefault("tools.timeout", "15s")
	v.SetDefault("tools.cache_ttl", "2m")
	v.SetDefault("tools.web_search.provider", "serper")
	v.SetDefault("tools.web_search.max_results", 5)
	v.SetDefault("tools.knowledge_path", "./config/knowledgebase.json")

	v.SetDefault("catalog.path", "./config/catalog.json")

	v.SetDefault("sessions.backend", "file")
	v.SetDefault("sessions.path", "./data/sessions")
	v.SetDefault("sessions.redis.addr", "localhost:6379")
	v.SetDefault("sessions.redis.db", 0)
	v.SetDefault("sessions.redis.timeout", "5s")
	v.SetDefault("sessions.postgres.timeout", "5s")

	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.periodic_logs", false)
}

// overrideFromEnv maps the documented environment variables onto config keys
func overrideFromEnv(v *viper.Viper) {
	if apiKey := os.Getenv("LLM_API_KEY"); apiKey != "" {
		v.Set("llm.api_key", apiKey)
	}
	if apiKey := os.Getenv("WEB_SEARCH_API_KEY"); apiKey != "" {
		v.Set("tools.web_search.api_key", apiKey)
	}
	if p := os.Getenv("CATALOG_PATH"); p != "" {
		v.Set("catalog.path", p)
	}
	if p := os.Getenv("KNOWLEDGE_PATH"); p != "" {
		v.Set("tools.knowledge_path", p)
	}
	if p := os.Getenv("SESSIONS_PATH"); p != "" {
		v.Set("sessions.path", p)
	}
	if port := os.Getenv("PORT"); port != "" {
		if port[0] != ':' {
			port = ":" + port
		}
		v.Set("general.listen", port)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("sessions.redis.addr", addr)
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		v.Set("sessions.redis.password", pass)
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		v.Set("sessions.postgres.url", url)
	}
}

func validateConfig(cfg *Config) error {
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key not set (LLM_API_KEY)")
	}
	if cfg.Catalog.Path == "" {
		return fmt.Errorf("catalog.path not set (CATALOG_PATH)")
	}
	switch cfg.Sessions.Backend {
	case "file", "redis", "postgres":
	default:
		return fmt.Errorf("unsupported sessions backend %q", cfg.Sessions.Backend)
	}
	if cfg.Sessions.Backend == "file" && cfg.Sessions.Path == "" {
		return fmt.Errorf("sessions.path not set (SESSIONS_PATH)")
	}
	if cfg.Sessions.Backend == "postgres" && cfg.Sessions.Postgres.URL == "" {
		return fmt.Errorf("sessions.postgres.url not set (DATABASE_URL)")
	}
	return nil
}
