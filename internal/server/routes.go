package server

import (
	"net/http"
)

func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket status stream
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Users
	mux.HandleFunc("/api/users", s.app.JobHandler.UsersHandler) // POST
	mux.HandleFunc("/api/users/", s.app.JobHandler.UserHandler) // GET /api/users/{id}

	// User jobs
	mux.HandleFunc("/api/user-jobs", s.app.JobHandler.UserJobsHandler) // GET list, POST submit
	mux.HandleFunc("/api/user-jobs/", s.app.JobHandler.UserJobRoutes)  // /{id}, /{id}/children, /{id}/cancel, ...
	mux.HandleFunc("/api/sub-jobs/", s.app.JobHandler.SubJobRoutes)    // POST /{id}/cancel

	// Queue and catalog
	mux.HandleFunc("/api/queue", s.app.JobHandler.QueueHandler)
	mux.HandleFunc("/api/classifiers", s.app.JobHandler.ClassifiersHandler)

	// System
	mux.HandleFunc("/api/status", s.app.APIHandler.StatusHandler)
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}
