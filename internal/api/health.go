package api

import (
	"log/slog"
	"net/http"

	"chat-backend/pkg/api"

	"gorm.io/gorm"
)

// HealthHandler reports whether the service can reach its database.
func HealthHandler(db *gorm.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(r.Context())
		}
		if err != nil {
			slog.Error("health check failed", "error", err)
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		WriteJsonResponse(w, api.HealthResponse{Status: "ok"})
	}
}
