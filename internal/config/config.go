package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port             int    `env:"PORT" envDefault:"8080"`
	AppID            int    `env:"TELEGRAM_APP_ID"`
	AppHash          string `env:"TELEGRAM_APP_HASH"`
	DatabaseURL      string `env:"DATABASE_URL" envDefault:""`
	RedisURL         string `env:"REDIS_URL" envDefault:""`
	CacheTTLSeconds  int    `env:"CACHE_TTL_SECONDS" envDefault:"300"`
	CacheStaleSecs   int    `env:"CACHE_STALE_SECONDS" envDefault:"1800"`
	CacheMaxEntries  int    `env:"CACHE_MAX_ENTRIES" envDefault:"1000"`
	CacheSweepSecs   int    `env:"CACHE_SWEEP_SECONDS" envDefault:"600"`
	BatchMaxSize     int    `env:"BATCH_MAX_SIZE" envDefault:"50"`
	BatchFlushMillis int    `env:"BATCH_FLUSH_MS" envDefault:"3000"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c *Config) CacheStaleThreshold() time.Duration {
	return time.Duration(c.CacheStaleSecs) * time.Second
}

func (c *Config) CacheSweepInterval() time.Duration {
	return time.Duration(c.CacheSweepSecs) * time.Second
}

func (c *Config) BatchFlushInterval() time.Duration {
	return time.Duration(c.BatchFlushMillis) * time.Millisecond
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// HasCredentials reports whether default application credentials are set.
// Sessions can still be created with per-request credentials without them.
func (c *Config) HasCredentials() bool {
	return c.AppID != 0 && c.AppHash != ""
}

func (c *Config) Validate() error {
	if c.BatchMaxSize <= 0 {
		return fmt.Errorf("BATCH_MAX_SIZE must be positive")
	}
	if c.BatchFlushMillis <= 0 {
		return fmt.Errorf("BATCH_FLUSH_MS must be positive")
	}
	if c.CacheMaxEntries <= 0 {
		return fmt.Errorf("CACHE_MAX_ENTRIES must be positive")
	}
	if c.CacheStaleSecs < c.CacheTTLSeconds {
		return fmt.Errorf("CACHE_STALE_SECONDS must not be shorter than CACHE_TTL_SECONDS")
	}

	if !c.HasCredentials() {
		log.Warn().Msg("TELEGRAM_APP_ID/TELEGRAM_APP_HASH not set: sessions require per-request credentials")
	}
	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set: sessions will not survive restarts")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
