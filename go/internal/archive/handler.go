package archive

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lopotichat87/netflixhaha-sub001/go/internal/party"
)

// SessionLister is implemented by PostgresArchive.
type SessionLister interface {
	Recent(ctx context.Context, id party.ID, limit int) ([]party.Summary, error)
}

type Sessions struct {
	PartyID  party.ID        `json:"party_id"`
	Sessions []party.Summary `json:"sessions"`
}

// HandleRecentSessions serves GET /api/sessions?party_id=movie-550&limit=20.
func HandleRecentSessions(lister SessionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		id, err := party.ParseID(r.URL.Query().Get("party_id"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit > 100 {
			limit = 100
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		sessions, err := lister.Recent(ctx, id, limit)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			log.Error().Err(err).Str("party_id", string(id)).Msg("failed to list archived sessions")
			http.Error(w, "failed to list sessions", status)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(Sessions{PartyID: id, Sessions: sessions}); err != nil {
			log.Error().Err(err).Str("party_id", id.String()).Msg("failed to encode sessions response")
		}
	}
}
