package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// StateProvider is the read side of the party store
type StateProvider interface {
	Snapshot(id party.ID) (party.Snapshot, error)
	Parties() []party.Info
}

// ActiveParties is the response of GET /api/parties/active
type ActiveParties struct {
	Parties []party.Info `json:"parties"`
	Count   int          `json:"count"`
}

// StateHandler handles HTTP requests for party state
type StateHandler struct {
	stateProvider StateProvider
}

// NewStateHandler creates a new state handler
func NewStateHandler(provider StateProvider) *StateHandler {
	return &StateHandler{
		stateProvider: provider,
	}
}

// HandleGetPartyState handles GET /api/parties/{id}/state. Reconnecting
// clients call it before trusting any buffered broadcast.
func (h *StateHandler) HandleGetPartyState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	rawID := extractPartyIDFromPath(r.URL.Path)
	if rawID == "" {
		http.Error(w, "Party ID is required", http.StatusBadRequest)
		return
	}

	partyID, err := party.ParseID(rawID)
	if err != nil {
		http.Error(w, "Invalid party ID format", http.StatusBadRequest)
		return
	}

	snapshot, err := h.stateProvider.Snapshot(partyID)
	if errors.Is(err, party.ErrPartyNotFound) {
		writeJSON(w, http.StatusNotFound, RejectedPayload{Reason: ReasonPartyNotFound, Message: err.Error()})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("party_id", partyID.String()).Msg("failed to get party state")
		http.Error(w, "Failed to get party state", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, snapshot)
}

// HandleGetActiveParties handles GET /api/parties/active
func (h *StateHandler) HandleGetActiveParties(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parties := h.stateProvider.Parties()
	writeJSON(w, http.StatusOK, ActiveParties{Parties: parties, Count: len(parties)})
}

// RegisterStateRoutes registers state-related HTTP routes
func (h *StateHandler) RegisterStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/parties/active", h.HandleGetActiveParties)

	mux.HandleFunc("/api/parties/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/state") {
			h.HandleGetPartyState(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

// extractPartyIDFromPath extracts the party ID from /api/parties/{id}/state
func extractPartyIDFromPath(path string) string {
	const prefix = "/api/parties/"
	const suffix = "/state"

	if !strings.HasPrefix(path, prefix) || !strings.HasSuffix(path, suffix) {
		return ""
	}
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	id := path[len(prefix) : len(path)-len(suffix)]
	if strings.Contains(id, "/") {
		return ""
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
