package main

import (
	"encoding/json"
	"net/http"

	"github.com/bizportal/portal-realtime/internal/connection"
	"github.com/bizportal/portal-realtime/internal/eventbus"
	"github.com/bizportal/portal-realtime/internal/journal"
	"github.com/bizportal/portal-realtime/internal/metrics"
	"github.com/bizportal/portal-realtime/internal/version"
)

type healthResponse struct {
	Status     string                 `json:"status"`
	Version    string                 `json:"version"`
	Components map[string]interface{} `json:"components"`
}

// newHTTPHandler serves /health and the Prometheus registry. jrnl may be nil.
func newHTTPHandler(mgr connection.Manager, bus *eventbus.Bus, jrnl *journal.Journal, m *metrics.Metrics, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := mgr.Stats()

		health := healthResponse{
			Version:    version.String(),
			Components: make(map[string]interface{}),
		}

		switch stats.Phase {
		case connection.PhaseConnected:
			health.Status = "healthy"
		case connection.PhaseConnecting:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		health.Components["channel"] = map[string]interface{}{
			"phase":            stats.Phase.String(),
			"user_id":          stats.UserID,
			"room":             stats.Room,
			"pending_refresh":  stats.PendingRefresh,
			"sessions":         stats.Sessions,
			"reconnects":       stats.Reconnects,
			"room_errors":      stats.RoomErrors,
			"events_published": stats.EventsPublished,
			"messages_dropped": stats.MessagesDropped,
		}
		health.Components["bus"] = bus.Stats()
		if jrnl != nil {
			health.Components["journal"] = jrnl.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.Handle(metricsPath, m.Handler())

	return mux
}
