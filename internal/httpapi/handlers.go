package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/transcend42/pong-backend/internal/history"
	"github.com/transcend42/pong-backend/internal/registry"
)

// GameSummary is one live session in the active-games listing.
type GameSummary struct {
	ID        string  `json:"id"`
	Phase     string  `json:"phase"`
	PlayersID []int64 `json:"playersId"`
	Score     [2]int  `json:"score"`
	Watchers  int     `json:"watchers"`
}

// CreateGame allocates a fresh game id and its session, so a lobby can hand
// out invite links before anyone connects.
func CreateGame(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		if _, err := reg.EnsureSession(r.Context(), id); err != nil {
			http.Error(w, "failed to create game", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(struct {
			ID string `json:"id"`
		}{ID: id})
	}
}

// ListGames reports every live session and its occupancy.
func ListGames(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := reg.Sessions(r.Context())
		if err != nil {
			http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
			return
		}

		games := make([]GameSummary, 0, len(sessions))
		for _, s := range sessions {
			v, ok := s.View(r.Context())
			if !ok {
				continue // terminated between listing and query
			}
			g := GameSummary{
				ID:        s.ID(),
				Phase:     string(v.Phase),
				PlayersID: []int64{},
				Score:     v.State.Score,
				Watchers:  v.NumConns,
			}
			for _, seat := range v.Seats {
				if seat != nil {
					g.PlayersID = append(g.PlayersID, seat.UserID)
				}
			}
			games = append(games, g)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(games)
	}
}

// UserHistory returns a user's recent match results, newest first. With no
// store configured it answers an empty list.
func UserHistory(store *history.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
		if err != nil {
			http.Error(w, "bad user id", http.StatusBadRequest)
			return
		}

		results := []history.MatchResult{}
		if store != nil {
			results, err = store.ByUser(r.Context(), userID, 20)
			if err != nil {
				http.Error(w, "history unavailable", http.StatusInternalServerError)
				return
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(results)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
