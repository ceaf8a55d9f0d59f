package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party/client"
)

// Joins a party and logs everything the server sends. Useful for watching
// a live party or checking a deployment.
func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if getEnv("PROBE_DEBUG", "") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg := client.DefaultConfig()
	cfg.URL = getEnv("PROBE_URL", "ws://localhost:8082/ws/party")
	cfg.PartyID = getEnv("PROBE_PARTY_ID", "movie-550")
	cfg.DisplayName = getEnv("PROBE_DISPLAY_NAME", "probe")
	cfg.Token = getEnv("PROBE_TOKEN", "")
	cfg.DurationSeconds = getEnvAsFloat("PROBE_DURATION_SECONDS", 0)
	cfg.HeartbeatInterval = getEnvAsDuration("PROBE_HEARTBEAT_INTERVAL", cfg.HeartbeatInterval)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Info().
		Str("url", cfg.URL).
		Str("party_id", cfg.PartyID).
		Msg("starting party probe")

	c, err := client.Dial(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join party")
	}
	defer c.Close()

	go logEvents(ctx, c)

	for {
		err := c.Run(ctx)
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, client.ErrRejoinRequired) {
			log.Warn().Err(err).Msg("participant no longer registered, rejoining")
		} else {
			log.Warn().Err(err).Msg("connection lost, reconnecting")
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			if ctx.Err() != nil {
				break
			}
		}
		if err := c.Reconnect(ctx); err != nil {
			var rejected *client.RejectedError
			if errors.As(err, &rejected) {
				log.Fatal().Err(err).Msg("party refused probe")
			}
			log.Error().Err(err).Msg("reconnect failed")
		}
	}

	log.Info().Msg("party probe stopped")
}

func logEvents(ctx context.Context, c *client.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.Events():
			entry := log.Info().Str("type", string(ev.Type)).Uint64("seq", ev.Seq)
			if ev.State != nil {
				entry = entry.
					Bool("is_playing", ev.State.IsPlaying).
					Float64("position_seconds", ev.State.PositionSeconds).
					Float64("rate", ev.State.Rate).
					Uint64("version", ev.State.Version)
			}
			if ev.Roster != nil {
				entry = entry.Int("participants", len(ev.Roster))
			}
			if ev.Message != nil {
				entry = entry.Str("from", ev.Message.DisplayName).Str("payload", ev.Message.Payload)
			}
			if ev.Rejected != nil {
				entry = entry.Str("reason", string(ev.Rejected.Reason))
			}
			entry.Msg("party event")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
