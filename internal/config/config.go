// Package config loads process configuration from environment variables.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds every setting read from the environment by the gateway and
// notifier processes. Unset variables fall back to the envDefault values.
type Config struct {
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	WorkerPoolSize    int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	ReadTimeout       time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`

	SecretKey                string `env:"SECRET_KEY" envDefault:"change_this_in_production"`
	Algorithm                string `env:"ALGORITHM" envDefault:"HS256"`
	AccessTokenExpireMinutes int    `env:"ACCESS_TOKEN_EXPIRE_MINUTES" envDefault:"30"`

	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"test_user"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"test_password"`
	DBName     string `env:"DB_NAME" envDefault:"test_db"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	NATSURL    string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	ServerName string `env:"SERVER_NAME"`

	CORSOrigins []string `env:"BACKEND_CORS_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	for i, origin := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(origin)
	}
	if cfg.WorkerPoolSize <= 0 {
		return Config{}, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	if cfg.MaxConnections <= 0 {
		return Config{}, fmt.Errorf("MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}
	return cfg, nil
}

// DatabaseURL builds a lib/pq connection URL from the DB_* settings. The
// password is omitted when empty.
func (c Config) DatabaseURL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   "/" + c.DBName,
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	q := url.Values{}
	q.Set("sslmode", c.DBSSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// AccessTokenTTL is the lifetime of issued access tokens.
func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenExpireMinutes) * time.Minute
}
