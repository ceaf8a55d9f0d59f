package dbconfig

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
)

// Config holds Postgres connection settings for the session archive.
type Config struct {
	// URL, when set, wins over the individual fields.
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
}

func Default() Config {
	return Config{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "watchparty",
		SSLMode:  "disable",
		MaxConns: 4,
	}
}

// NewConfigFromEnv reads DATABASE_URL and DB_* environment variables on
// top of base.
func NewConfigFromEnv(base Config) Config {
	cfg := base
	cfg.URL = getEnv("DATABASE_URL", cfg.URL)
	cfg.Host = getEnv("DB_HOST", cfg.Host)
	if port, err := strconv.Atoi(getEnv("DB_PORT", "")); err == nil {
		cfg.Port = port
	}
	cfg.User = getEnv("DB_USER", cfg.User)
	cfg.Password = getEnv("DB_PASSWORD", cfg.Password)
	cfg.Database = getEnv("DB_NAME", cfg.Database)
	cfg.SSLMode = getEnv("DB_SSLMODE", cfg.SSLMode)
	if n, err := strconv.Atoi(getEnv("DB_MAX_CONNS", "")); err == nil && n > 0 {
		cfg.MaxConns = int32(n)
	}
	return cfg
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
