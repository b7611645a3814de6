package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/transcend42/pong-backend/internal/auth"
	"github.com/transcend42/pong-backend/internal/history"
	"github.com/transcend42/pong-backend/internal/registry"
	"github.com/transcend42/pong-backend/internal/ws"
)

// SetupRoutes builds the router with the gateway and API handlers wired in.
// store may be nil when match history is disabled.
func SetupRoutes(log *zap.Logger, verifier *auth.Verifier, reg *registry.Registry, store *history.Store) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", ws.Handler(log, verifier, reg))

	r.Post("/games", CreateGame(reg))
	r.Get("/games", ListGames(reg))
	r.Get("/history/{userID}", UserHistory(store))

	return r
}
