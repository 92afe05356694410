package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Chat store backends.
const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
	StoreMemory   = "memory"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	InstanceID      string        `mapstructure:"INSTANCE_ID"`
	ChatStore       string        `mapstructure:"CHAT_STORE"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	BadgerDir       string        `mapstructure:"BADGER_DIR"`
	RedisURL        string        `mapstructure:"REDIS_URL"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	WSIdleTimeout   time.Duration `mapstructure:"WS_IDLE_TIMEOUT"`
	WSSendBuffer    int           `mapstructure:"WS_SEND_BUFFER"`
	WSJWTSecret     string        `mapstructure:"WS_JWT_SECRET"`
	WSJWTIssuer     string        `mapstructure:"WS_JWT_ISSUER"`
	WSConnectRate   float64       `mapstructure:"WS_CONNECT_RATE"`
	WSConnectBurst  int           `mapstructure:"WS_CONNECT_BURST"`
	TypingTTL       time.Duration `mapstructure:"TYPING_TTL"`
	EventRatePerSec float64       `mapstructure:"EVENT_RATE_PER_SEC"`
	EventBurst      int           `mapstructure:"EVENT_BURST"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "INSTANCE_ID", "CHAT_STORE", "DATABASE_URL", "DB_MAX_CONNS",
	"DB_MIN_CONNS", "BADGER_DIR", "REDIS_URL", "CORS_ORIGINS", "WS_IDLE_TIMEOUT",
	"WS_SEND_BUFFER", "WS_JWT_SECRET", "WS_JWT_ISSUER", "WS_CONNECT_RATE", "WS_CONNECT_BURST", "TYPING_TTL",
	"EVENT_RATE_PER_SEC", "EVENT_BURST", "SHUTDOWN_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("CHAT_STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BADGER_DIR", "data/chat")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("WS_IDLE_TIMEOUT", "60s")
	v.SetDefault("WS_SEND_BUFFER", 256)
	v.SetDefault("WS_CONNECT_RATE", 5)
	v.SetDefault("WS_CONNECT_BURST", 20)
	v.SetDefault("TYPING_TTL", "10s")
	v.SetDefault("EVENT_RATE_PER_SEC", 20)
	v.SetDefault("EVENT_BURST", 40)
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() && cfg.WSJWTSecret == "" {
		log.Println("WARNING: WS_JWT_SECRET is not set, websocket connections are not authenticated.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Clustered reports whether instances share state through Redis.
func (c *Config) Clustered() bool {
	return c.RedisURL != ""
}

// Validate checks that the configuration is safe to run. DATABASE_URL is
// only required by the postgres chat store. Production refuses
// unauthenticated websockets.
func (c *Config) Validate() error {
	switch c.ChatStore {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
	case StoreBadger:
		if c.BadgerDir == "" {
			return fmt.Errorf("BADGER_DIR is required when CHAT_STORE is %q", StoreBadger)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("CHAT_STORE must be %q, %q, or %q, got %q", StorePostgres, StoreBadger, StoreMemory, c.ChatStore)
	}

	if c.IsProduction() && c.WSJWTSecret == "" {
		return fmt.Errorf("WS_JWT_SECRET is required in production")
	}
	if c.WSIdleTimeout <= 0 {
		return fmt.Errorf("WS_IDLE_TIMEOUT must be positive, got %s", c.WSIdleTimeout)
	}
	if c.TypingTTL <= 0 {
		return fmt.Errorf("TYPING_TTL must be positive, got %s", c.TypingTTL)
	}
	if c.EventRatePerSec < 0 {
		return fmt.Errorf("EVENT_RATE_PER_SEC must not be negative")
	}
	return nil
}
