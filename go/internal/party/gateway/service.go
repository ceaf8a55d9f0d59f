package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/auth"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
	"github.com/lopotichat87/netflixhaha-sub001/go/internal/ratelimit"
)

// Service is the watch party gateway: WebSocket connections, the REST state
// endpoints and the store's reaper loop.
type Service struct {
	store             *party.Store
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new gateway service. verifier, joinLimiter and
// metrics may be nil.
func NewService(config Config, store *party.Store, verifier *auth.Verifier, joinLimiter ratelimit.JoinLimiter, metrics *party.Counters) *Service {
	connectionManager := NewConnectionManager(config.ConnectionConfig, store, verifier, joinLimiter)

	return &Service{
		store:             store,
		connectionManager: connectionManager,
		wsHandler:         NewWebSocketHandler(connectionManager, metrics),
		stateHandler:      NewStateHandler(store),
	}
}

// Start runs the reaper until ctx is cancelled, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting party gateway service")

	s.store.RunReaper(ctx)

	log.Info().Msg("party gateway service shutting down")
	return s.Stop()
}

// Stop closes every client connection
func (s *Service) Stop() error {
	s.connectionManager.CloseAll()
	log.Info().Msg("party gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and state HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)
	log.Info().Msg("party gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "party_gateway"
	stats["parties"] = len(s.store.Parties())
	stats["heartbeat_timeout_seconds"] = s.store.Config().HeartbeatTimeout.Seconds()
	return stats
}
