package gateway

import (
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// WebSocketHandler handles WebSocket upgrade requests for party connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	metrics           *party.Counters
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager, metrics *party.Counters) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
		metrics:           metrics,
	}
}

// HandlePartyConnection upgrades to a party socket. A party_id query
// parameter joins that party immediately; otherwise the client sends a join
// message.
func (h *WebSocketHandler) HandlePartyConnection(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var autoJoin *JoinMessage
	if rawID := query.Get("party_id"); rawID != "" {
		if _, err := party.ParseID(rawID); err != nil {
			http.Error(w, "invalid party_id format", http.StatusBadRequest)
			return
		}
		autoJoin = &JoinMessage{
			PartyID:     rawID,
			DisplayName: query.Get("display_name"),
			Token:       query.Get("token"),
		}
		if d := query.Get("duration_seconds"); d != "" {
			if v, err := strconv.ParseFloat(d, 64); err == nil {
				autoJoin.DurationSeconds = v
			}
		}
	}

	if err := h.connectionManager.UpgradeConnection(w, r, autoJoin); err != nil {
		log.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade WebSocket connection")
		// The upgrader has already written an HTTP error.
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.connectionManager.GetConnectionStats()
	if h.metrics != nil {
		stats["metrics"] = h.metrics.Snapshot()
	}
	writeJSON(w, http.StatusOK, stats)
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/party", h.HandlePartyConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
