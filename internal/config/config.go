package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                     string        `mapstructure:"PORT"`
	Env                      string        `mapstructure:"ENV"`
	DatabaseURL              string        `mapstructure:"DATABASE_URL"`
	DBMaxConns               int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns               int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                 string        `mapstructure:"REDIS_URL"`
	FeedBackend              string        `mapstructure:"FEED_BACKEND"`
	AuthIssuer               string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL              string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience             string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey           string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins              []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS             float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst           int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit                string        `mapstructure:"BODY_LIMIT"`
	NotifyQueueSize          int           `mapstructure:"NOTIFY_QUEUE_SIZE"`
	NotifyWorkers            int           `mapstructure:"NOTIFY_WORKERS"`
	FeedReconnectMaxInterval time.Duration `mapstructure:"FEED_RECONNECT_MAX_INTERVAL"`
	ConfirmWindow            time.Duration `mapstructure:"CONFIRM_WINDOW"`
	SendTimeout              time.Duration `mapstructure:"SEND_TIMEOUT"`
}

// Feed backends understood by FEED_BACKEND.
const (
	FeedPostgres = "postgres"
	FeedRedis    = "redis"
	FeedMemory   = "memory"
)

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("FEED_BACKEND", FeedPostgres)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("NOTIFY_QUEUE_SIZE", 256)
	v.SetDefault("NOTIFY_WORKERS", 2)
	v.SetDefault("FEED_RECONNECT_MAX_INTERVAL", "30s")
	v.SetDefault("CONFIRM_WINDOW", "15s")
	v.SetDefault("SEND_TIMEOUT", "30s")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "FEED_BACKEND", "AUTH_ISSUER", "AUTH_JWKS_URL",
		"AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS",
		"RATE_LIMIT_BURST", "BODY_LIMIT", "NOTIFY_QUEUE_SIZE", "NOTIFY_WORKERS",
		"FEED_RECONNECT_MAX_INTERVAL", "CONFIRM_WINDOW", "SEND_TIMEOUT",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.FeedBackend = strings.ToLower(strings.TrimSpace(cfg.FeedBackend))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: server is running in DEVELOPMENT mode (ENV=development);")
		log.Println("WARNING: requests without a bearer token are served as X-Dev-User.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.FeedBackend {
	case FeedPostgres, FeedMemory:
	case FeedRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when FEED_BACKEND is %q", FeedRedis)
		}
	default:
		return fmt.Errorf("FEED_BACKEND must be %q, %q or %q, got %q", FeedPostgres, FeedRedis, FeedMemory, c.FeedBackend)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}

	if c.NotifyWorkers <= 0 {
		return fmt.Errorf("NOTIFY_WORKERS must be positive, got %d", c.NotifyWorkers)
	}
	if c.NotifyQueueSize <= 0 {
		return fmt.Errorf("NOTIFY_QUEUE_SIZE must be positive, got %d", c.NotifyQueueSize)
	}
	if c.ConfirmWindow <= 0 {
		return fmt.Errorf("CONFIRM_WINDOW must be positive, got %s", c.ConfirmWindow)
	}
	return nil
}
