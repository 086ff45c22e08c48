package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshdesk/internal/sshtunnel"
)

// CreateTunnel handles POST /api/v1/connections/{id}/tunnels.
func (a *API) CreateTunnel(w http.ResponseWriter, r *http.Request) {
	var cfg sshtunnel.Config
	if !decodeJSON(w, r, &cfg) {
		return
	}
	writeJSON(w, http.StatusOK, a.Coordinator.CreateTunnel(chi.URLParam(r, "id"), cfg))
}

// ListTunnels handles GET /api/v1/tunnels, optionally filtered by
// ?connection_id=.
func (a *API) ListTunnels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": a.Tunnels.List(r.URL.Query().Get("connection_id")),
	})
}

func (a *API) GetTunnel(w http.ResponseWriter, r *http.Request) {
	t, ok := a.Tunnels.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "Tunnel not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) CloseTunnel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Coordinator.CloseTunnel(chi.URLParam(r, "id")))
}
