// Package adminapi exposes the operational HTTP surface alongside the
// WebSocket endpoint: health and in-process stats, using plain net/http
// handlers (jsonResponse/errorResponse helpers, no router library). This
// package deliberately has no room CRUD or version/diff/restore endpoints:
// snapshots are opaque storage.Reference blobs with no version history,
// and room membership is gateway-process-local rather than centrally
// queryable.
package adminapi

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/latticesync/collab/internal/subscription"
)

// API serves the gateway's health and stats endpoints.
type API struct {
	table     *subscription.Table
	startedAt time.Time
}

// New returns an API reporting on table's in-process subscription state.
func New(table *subscription.Table) *API {
	return &API{table: table, startedAt: time.Now()}
}

func jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("adminapi: error encoding response: %v", err)
	}
}

func errorResponse(w http.ResponseWriter, status int, message string) {
	jsonResponse(w, status, map[string]string{"error": message})
}

// HealthHandler reports liveness; it does not probe Redis or storage, since
// a gateway with no dependencies reachable should still accept the
// connection and let individual operations fail with their own error.
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime_s":  int(time.Since(a.startedAt).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatsHandler reports this gateway process's local subscription state.
// Rooms and client counts are per-process, not cluster-wide: this system
// has no central registry of which gateway holds which room, by design
// (every gateway process is stateless with respect to document content).
func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]interface{}{
		"active_rooms":   a.table.RoomCount(),
		"active_clients": a.table.ClientCount(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
