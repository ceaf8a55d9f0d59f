package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/config"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party/gateway"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig) {
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func partyStoreConfig(cfg config.PartyConfig) party.Config {
	return party.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		ReaperInterval:   cfg.ReaperInterval,
		EmptyGracePeriod: cfg.EmptyGracePeriod,
		IdleTimeout:      cfg.IdleTimeout,
		HistorySize:      cfg.HistorySize,
		EchoChat:         cfg.EchoChat,
		ArchiveTimeout:   cfg.ArchiveTimeout,
	}
}

func gatewayConfig(cfg *config.Config) (gateway.Config, error) {
	conn := gateway.DefaultConnectionConfig()
	conn.WriteTimeout = cfg.Connection.WriteTimeout
	conn.ReadTimeout = cfg.Connection.ReadTimeout
	conn.PingInterval = cfg.Connection.PingInterval
	conn.MaxMessageSize = cfg.Connection.MaxMessageSize
	conn.SendQueueSize = cfg.Connection.SendQueueSize
	conn.MessagesPerSecond = cfg.Connection.MessagesPerSecond
	conn.MessageBurst = cfg.Connection.MessageBurst
	conn.CheckOrigin = originChecker(cfg.Server.AllowedOrigins)

	proxies, err := gateway.ParseTrustedProxies(cfg.Server.TrustedProxies)
	if err != nil {
		return gateway.Config{}, err
	}
	conn.TrustedProxies = proxies
	return gateway.Config{ConnectionConfig: conn}, nil
}
