package handlers

import (
	"context"
	"net/http"
)

// Pinger reports persistence connectivity for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health reports process and database liveness. The database state is
// informational; the endpoint always answers 200 while the process is up.
func Health(db Pinger, version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		if db == nil {
			dbStatus = "not configured"
		} else if err := db.Ping(r.Context()); err != nil {
			dbStatus = "unreachable"
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "healthy",
			"message":  "voice dispatch gateway is running",
			"version":  version,
			"database": dbStatus,
		})
	}
}
