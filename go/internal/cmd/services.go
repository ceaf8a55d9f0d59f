package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/archive"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/auth"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/config"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party/gateway"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/ratelimit"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/relay"
)

type Services struct {
	Store   *party.Store
	Gateway *gateway.Service
	Metrics *party.Counters

	// Optional backends, nil when not configured or unreachable.
	Redis     *redis.Client
	Relay     *relay.Relay
	Publisher *relay.JetStreamPublisher
	Archive   *archive.PostgresArchive

	stopRelay context.CancelFunc
	relayDone chan struct{}
}

func setupServices(ctx context.Context, cfg *config.Config) (*Services, error) {
	// Wire up dependency injection chain
	// Backends → Store → Gateway
	s := &Services{Metrics: party.NewCounters()}

	opts := []party.Option{party.WithMetrics(s.Metrics)}

	if cfg.NATS.Enabled {
		jsCfg := relay.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATS.URL
		jsCfg.StreamName = cfg.NATS.StreamName
		jsCfg.SubjectPrefix = cfg.NATS.SubjectPrefix

		publisher, err := relay.NewJetStreamPublisher(jsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to set up event relay: %w", err)
		}
		relayCfg := relay.DefaultConfig()
		relayCfg.QueueSize = cfg.NATS.QueueSize
		s.Publisher = publisher
		s.Relay = relay.New(publisher, relayCfg)
		opts = append(opts, party.WithSink(s.Relay))
	}

	if cfg.Archive.Enabled {
		a, err := setupArchive(ctx, cfg.Archive)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to set up archive: %w", err)
		}
		s.Archive = a
		opts = append(opts, party.WithArchiver(a))
	}

	var joinLimiter ratelimit.JoinLimiter = ratelimit.NoopJoinLimiter{}
	if cfg.Redis.Addr != "" {
		s.Redis = ratelimit.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if s.Redis != nil {
			joinLimiter = ratelimit.NewRedisJoinLimiter(s.Redis, cfg.Redis.KeyPrefix, cfg.Redis.JoinLimit, cfg.Redis.JoinWindow)
		} else {
			log.Warn().Str("addr", cfg.Redis.Addr).Msg("redis unavailable, join rate limiting disabled")
		}
	}

	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to configure gateway: %w", err)
	}
	verifier := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Audience, cfg.Auth.Required)

	s.Store = party.NewStore(partyStoreConfig(cfg.Party), opts...)
	s.Gateway = gateway.NewService(gwCfg, s.Store, verifier, joinLimiter, s.Metrics)
	return s, nil
}

// Start runs the background loops. The relay outlives ctx so that the
// party_closed events of the final teardown still reach NATS; Close stops
// it.
func (s *Services) Start(ctx context.Context) {
	if s.Relay != nil {
		relayCtx, cancel := context.WithCancel(context.Background())
		s.stopRelay = cancel
		s.relayDone = make(chan struct{})
		go func() {
			defer close(s.relayDone)
			s.Relay.Run(relayCtx)
		}()
	}
	go func() {
		if err := s.Gateway.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()
}

// Close tears down every party, then the backends their summaries and
// events flow into.
func (s *Services) Close() {
	if s.Store != nil {
		s.Store.Close()
	}
	if s.Gateway != nil {
		s.Gateway.Stop()
	}
	if s.stopRelay != nil {
		s.stopRelay()
		<-s.relayDone
	}
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	if s.Archive != nil {
		s.Archive.Close()
	}
	if s.Redis != nil {
		s.Redis.Close()
	}
}
