package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Provider is the read-only view of the configuration handed to services.
type Provider interface {
	GetDBURL() string
	GetDBNs() string
	GetDBDb() string
	GetDBUser() string
	GetDBPass() string
	GetDBQueryTimeout() time.Duration
	GetDBExecuteTimeout() time.Duration
	GetBadgerPath() string
	GetRelayURL() string
	GetRelayAddr() string
	GetMergeSkew() time.Duration
	GetOpenTimeout() time.Duration
	GetCatalogPath() string
	GetReconnectMin() time.Duration
	GetReconnectMax() time.Duration
	GetBotEnabled() bool
	GetBotName() string
	GetBotDelay() time.Duration
	GetBotScriptPath() string
}

// Config holds all configuration for the application.
type Config struct {
	DBUrl            string        `envconfig:"SURREAL_URL"`
	DBNs             string        `envconfig:"SURREAL_NS" default:"chatsync"`
	DBDb             string        `envconfig:"SURREAL_DB" default:"chat"`
	DBUser           string        `envconfig:"SURREAL_USER"`
	DBPass           string        `envconfig:"SURREAL_PASS"`
	DBQueryTimeout   time.Duration `envconfig:"DB_QUERY_TIMEOUT" default:"5s"`
	DBExecuteTimeout time.Duration `envconfig:"DB_EXECUTE_TIMEOUT" default:"10s"`

	BadgerPath string `envconfig:"BADGER_PATH"`

	RelayURL  string `envconfig:"RELAY_URL"`
	RelayAddr string `envconfig:"RELAY_ADDR" default:":8089"`

	ReconnectMin time.Duration `envconfig:"RELAY_RECONNECT_MIN" default:"500ms"`
	ReconnectMax time.Duration `envconfig:"RELAY_RECONNECT_MAX" default:"30s"`

	MergeSkew   time.Duration `envconfig:"MERGE_SKEW" default:"2s"`
	OpenTimeout time.Duration `envconfig:"OPEN_TIMEOUT" default:"10s"`
	CatalogPath string        `envconfig:"CATALOG_PATH"`

	UserID    string `envconfig:"CHAT_USER_ID"`
	UserEmail string `envconfig:"CHAT_USER_EMAIL"`
	UserName  string `envconfig:"CHAT_USER_NAME"`
	UserPlan  string `envconfig:"CHAT_USER_PLAN" default:"free"`

	BotEnabled    bool          `envconfig:"BOT_ENABLED" default:"true"`
	BotName       string        `envconfig:"BOT_NAME" default:"ChatBot"`
	BotDelay      time.Duration `envconfig:"BOT_DELAY" default:"1s"`
	BotScriptPath string        `envconfig:"BOT_SCRIPT_PATH"`

	TracingEnabled bool   `envconfig:"PUBSUB_TRACING_ENABLED"`
	TracingService string `envconfig:"PUBSUB_TRACING_SERVICE_NAME" default:"chatsync"`
	ZipkinURL      string `envconfig:"PUBSUB_TRACING_ZIPKIN_URL" default:"http://localhost:9411/api/v2/spans"`
}

// New loads configuration from a .env file, if present, and the environment.
func New() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}
	return FromEnv()
}

// FromEnv reads configuration from the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.DBUrl != "" && (cfg.DBNs == "" || cfg.DBDb == "") {
		return nil, fmt.Errorf("SURREAL_NS and SURREAL_DB are required when SURREAL_URL is set")
	}
	if cfg.MergeSkew < 0 {
		return nil, fmt.Errorf("MERGE_SKEW must not be negative, got %s", cfg.MergeSkew)
	}
	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("RELAY_RECONNECT_MIN must be positive and at most RELAY_RECONNECT_MAX, got %s and %s", cfg.ReconnectMin, cfg.ReconnectMax)
	}
	if cfg.BotDelay < 0 {
		return nil, fmt.Errorf("BOT_DELAY must not be negative, got %s", cfg.BotDelay)
	}
	return &cfg, nil
}

// UsesSurreal reports whether a SurrealDB endpoint is configured.
func (c *Config) UsesSurreal() bool { return c.DBUrl != "" }

func (c *Config) GetDBURL() string                   { return c.DBUrl }
func (c *Config) GetDBNs() string                    { return c.DBNs }
func (c *Config) GetDBDb() string                    { return c.DBDb }
func (c *Config) GetDBUser() string                  { return c.DBUser }
func (c *Config) GetDBPass() string                  { return c.DBPass }
func (c *Config) GetDBQueryTimeout() time.Duration   { return c.DBQueryTimeout }
func (c *Config) GetDBExecuteTimeout() time.Duration { return c.DBExecuteTimeout }
func (c *Config) GetBadgerPath() string              { return c.BadgerPath }
func (c *Config) GetRelayURL() string                { return c.RelayURL }
func (c *Config) GetRelayAddr() string               { return c.RelayAddr }
func (c *Config) GetMergeSkew() time.Duration        { return c.MergeSkew }
func (c *Config) GetOpenTimeout() time.Duration      { return c.OpenTimeout }
func (c *Config) GetCatalogPath() string             { return c.CatalogPath }
func (c *Config) GetReconnectMin() time.Duration     { return c.ReconnectMin }
func (c *Config) GetReconnectMax() time.Duration     { return c.ReconnectMax }
func (c *Config) GetBotEnabled() bool                { return c.BotEnabled }
func (c *Config) GetBotName() string                 { return c.BotName }
func (c *Config) GetBotDelay() time.Duration         { return c.BotDelay }
func (c *Config) GetBotScriptPath() string           { return c.BotScriptPath }
