package handlers

import "github.com/go-chi/chi/v5"

// RegisterRoutes mounts the health check and the /api/v1 surface on r.
func RegisterRoutes(r chi.Router) {
	r.Get("/health", HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		// Terminal WebSocket
		r.Get("/terminal", TerminalWS)

		// Sessions
		r.Get("/sessions", ListSessions)
		r.Post("/sessions", CreateSession)
		r.Get("/sessions/{sessionId}", GetSession)
		r.Patch("/sessions/{sessionId}", UpdateSession)
		r.Delete("/sessions/{sessionId}", DeleteSession)
		r.Post("/sessions/{sessionId}/save", SaveSession)
		r.Get("/sessions/{sessionId}/tail", GetSessionTail)

		r.Get("/stats", GetStats)
		r.Get("/events", GetSessionEvents)
		r.Get("/server-logs", GetServerLogs)
	})
}
