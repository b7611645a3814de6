// Package metrics registers the process-wide Prometheus collectors. Counters
// are package vars so the session and registry loops can bump them without
// carrying a handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pong"

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of live game sessions.",
	})
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Game sessions created since process start.",
	})
	FramesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_broadcast_total",
		Help:      "Authoritative frames broadcast across all sessions.",
	})
	Goals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "goals_total",
		Help:      "Goals scored across all sessions.",
	})
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_total",
		Help:      "Seated players that resumed within the reconnection window.",
	})
	Forfeits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forfeits_total",
		Help:      "Matches decided by the reconnection window expiring.",
	})
)
