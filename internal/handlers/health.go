package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/termkeep/internal/database"
)

func HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	registryStatus := "not initialized"
	sessions := 0
	if Sessions != nil {
		registryStatus = "ready"
		sessions = Sessions.Len()
	}

	status := "healthy"
	if dbStatus != "connected" || Sessions == nil {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"registry": registryStatus,
		"sessions": sessions,
	})
}
