// Package handlers serves the command surface as JSON over HTTP, plus a
// WebSocket stream per shell session. Operation-level failures answer 200
// with {"success": false, "error": ...}; malformed requests answer 400.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"

	"github.com/gluk-w/sshdesk/internal/lifecycle"
	"github.com/gluk-w/sshdesk/internal/sshaudit"
	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshterminal"
	"github.com/gluk-w/sshdesk/internal/sshtunnel"
)

// API holds the components the handlers act on. Commands go through the
// Coordinator; the managers are used for read-only views and subscriptions.
type API struct {
	Coordinator *lifecycle.Coordinator
	Registry    *sshmanager.Registry
	Tunnels     *sshtunnel.Manager
	Sessions    *sshterminal.SessionManager
	// Auditor and DB are optional.
	Auditor *sshaudit.Auditor
	DB      *gorm.DB
}

// Router builds the chi router for the API.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	r.Get("/health", a.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/connections", a.Connect)
		r.Get("/connections", a.ListConnections)
		r.Get("/connections/{id}", a.GetConnection)
		r.Delete("/connections/{id}", a.Disconnect)
		r.Post("/connections/{id}/exec", a.Execute)
		r.Get("/connections/{id}/events", a.GetConnectionEvents)
		r.Post("/connections/{id}/tunnels", a.CreateTunnel)

		r.Get("/tunnels", a.ListTunnels)
		r.Get("/tunnels/{id}", a.GetTunnel)
		r.Delete("/tunnels/{id}", a.CloseTunnel)

		r.Post("/shells", a.OpenShell)
		r.Get("/shells", a.ListShells)
		r.Post("/shells/{id}/input", a.WriteShell)
		r.Post("/shells/{id}/resize", a.ResizeShell)
		r.Delete("/shells/{id}", a.CloseShell)
		r.Get("/shells/{id}/stream", a.ShellStream)

		r.Get("/audit", a.GetAuditLogs)
		r.Get("/logs", a.GetServerLogs)
	})
	return r
}
