package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/dbconfig"
)

// Config is the watch party server configuration. Values come from
// defaults, then the optional YAML file, then the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Party      PartyConfig      `yaml:"party"`
	Connection ConnectionConfig `yaml:"connection"`
	Auth       AuthConfig       `yaml:"auth"`
	Redis      RedisConfig      `yaml:"redis"`
	NATS       NATSConfig       `yaml:"nats"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Log        LogConfig        `yaml:"log"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	// TrustedProxies lists the proxy addresses or CIDRs whose
	// X-Forwarded-For header is believed. Empty means the TCP peer is the
	// client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

type PartyConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	ReaperInterval   time.Duration `yaml:"reaper_interval"`
	EmptyGracePeriod time.Duration `yaml:"empty_grace_period"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	HistorySize      int           `yaml:"history_size"`
	EchoChat         bool          `yaml:"echo_chat"`
	ArchiveTimeout   time.Duration `yaml:"archive_timeout"`
}

type ConnectionConfig struct {
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	SendQueueSize     int           `yaml:"send_queue_size"`
	MessagesPerSecond float64       `yaml:"messages_per_second"`
	MessageBurst      int           `yaml:"message_burst"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	Audience  string `yaml:"audience"`
	Required  bool   `yaml:"required"`
}

// RedisConfig enables the shared join limiter. An empty Addr disables it.
type RedisConfig struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	KeyPrefix  string        `yaml:"key_prefix"`
	JoinLimit  int           `yaml:"join_limit"`
	JoinWindow time.Duration `yaml:"join_window"`
}

type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`
	QueueSize     int    `yaml:"queue_size"`
}

type ArchiveConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Database dbconfig.Config `yaml:"database"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8082",
			ShutdownTimeout: 10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Party: PartyConfig{
			HeartbeatTimeout: 30 * time.Second,
			ReaperInterval:   10 * time.Second,
			EmptyGracePeriod: 60 * time.Second,
			IdleTimeout:      30 * time.Minute,
			HistorySize:      200,
			EchoChat:         true,
			ArchiveTimeout:   5 * time.Second,
		},
		Connection: ConnectionConfig{
			WriteTimeout:      10 * time.Second,
			ReadTimeout:       60 * time.Second,
			PingInterval:      30 * time.Second,
			MaxMessageSize:    4096,
			SendQueueSize:     256,
			MessagesPerSecond: 20,
			MessageBurst:      40,
		},
		Redis: RedisConfig{
			KeyPrefix:  "watchparty:join",
			JoinLimit:  30,
			JoinWindow: time.Minute,
		},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			StreamName:    "PARTY_EVENTS",
			SubjectPrefix: "party.events",
			QueueSize:     1024,
		},
		Archive: ArchiveConfig{
			Database: dbconfig.Default(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = getEnv("PORT", cfg.Server.Port)
	cfg.Server.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", cfg.Server.ShutdownTimeout)
	if origins := getEnv("CORS_ALLOWED_ORIGINS", ""); origins != "" {
		cfg.Server.AllowedOrigins = splitList(origins)
	}
	if proxies := getEnv("TRUSTED_PROXIES", ""); proxies != "" {
		cfg.Server.TrustedProxies = splitList(proxies)
	}

	cfg.Party.HeartbeatTimeout = getEnvAsDuration("HEARTBEAT_TIMEOUT", cfg.Party.HeartbeatTimeout)
	cfg.Party.ReaperInterval = getEnvAsDuration("REAPER_INTERVAL", cfg.Party.ReaperInterval)
	cfg.Party.EmptyGracePeriod = getEnvAsDuration("EMPTY_GRACE_PERIOD", cfg.Party.EmptyGracePeriod)
	cfg.Party.IdleTimeout = getEnvAsDuration("IDLE_TIMEOUT", cfg.Party.IdleTimeout)
	cfg.Party.HistorySize = getEnvAsInt("HISTORY_SIZE", cfg.Party.HistorySize)
	cfg.Party.EchoChat = getEnvAsBool("ECHO_CHAT", cfg.Party.EchoChat)
	cfg.Party.ArchiveTimeout = getEnvAsDuration("ARCHIVE_TIMEOUT", cfg.Party.ArchiveTimeout)

	cfg.Connection.MaxMessageSize = int64(getEnvAsInt("MAX_MESSAGE_SIZE", int(cfg.Connection.MaxMessageSize)))
	cfg.Connection.SendQueueSize = getEnvAsInt("SEND_QUEUE_SIZE", cfg.Connection.SendQueueSize)
	cfg.Connection.MessagesPerSecond = getEnvAsFloat("MESSAGES_PER_SECOND", cfg.Connection.MessagesPerSecond)
	cfg.Connection.MessageBurst = getEnvAsInt("MESSAGE_BURST", cfg.Connection.MessageBurst)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", getEnv("SUPABASE_JWT_SECRET", cfg.Auth.JWTSecret))
	cfg.Auth.Audience = getEnv("JWT_AUDIENCE", cfg.Auth.Audience)
	cfg.Auth.Required = getEnvAsBool("AUTH_REQUIRED", cfg.Auth.Required)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.JoinLimit = getEnvAsInt("JOIN_LIMIT", cfg.Redis.JoinLimit)
	cfg.Redis.JoinWindow = getEnvAsDuration("JOIN_WINDOW", cfg.Redis.JoinWindow)

	cfg.NATS.Enabled = getEnvAsBool("NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = getEnv("NATS_URL", cfg.NATS.URL)

	cfg.Archive.Enabled = getEnvAsBool("ARCHIVE_ENABLED", cfg.Archive.Enabled)
	cfg.Archive.Database = dbconfig.NewConfigFromEnv(cfg.Archive.Database)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnv("LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is required"))
	}
	for _, p := range c.Server.TrustedProxies {
		if !validProxy(p) {
			errs = append(errs, fmt.Errorf("server.trusted_proxies: invalid address %q", p))
		}
	}
	if c.Party.HeartbeatTimeout <= 0 {
		errs = append(errs, errors.New("party.heartbeat_timeout must be positive"))
	}
	if c.Party.ReaperInterval <= 0 {
		errs = append(errs, errors.New("party.reaper_interval must be positive"))
	}
	if c.Party.HistorySize <= 0 {
		errs = append(errs, errors.New("party.history_size must be positive"))
	}
	if c.Connection.MaxMessageSize <= 0 {
		errs = append(errs, errors.New("connection.max_message_size must be positive"))
	}
	if c.Auth.Required && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.required needs auth.jwt_secret"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func validProxy(s string) bool {
	if _, err := netip.ParsePrefix(s); err == nil {
		return true
	}
	_, err := netip.ParseAddr(s)
	return err == nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
