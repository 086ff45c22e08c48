package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshdesk/internal/sshmanager"
)

// Connect handles POST /api/v1/connections.
func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	var cfg sshmanager.ConnectConfig
	if !decodeJSON(w, r, &cfg) {
		return
	}
	writeJSON(w, http.StatusOK, a.Coordinator.Connect(r.Context(), cfg))
}

func (a *API) ListConnections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": a.Registry.List(),
	})
}

// GetConnection handles GET /api/v1/connections/{id}. Unknown IDs report
// connected=false rather than 404, mirroring isConnected.
func (a *API) GetConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp := map[string]interface{}{
		"connected": a.Coordinator.IsConnected(id),
	}
	if conn, ok := a.Registry.Get(id); ok {
		resp["connection"] = conn
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) Disconnect(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Coordinator.Disconnect(chi.URLParam(r, "id")))
}

type execRequest struct {
	Command string `json:"command"`
}

// Execute handles POST /api/v1/connections/{id}/exec.
func (a *API) Execute(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}
	writeJSON(w, http.StatusOK, a.Coordinator.Execute(r.Context(), chi.URLParam(r, "id"), req.Command))
}

// GetConnectionEvents handles GET /api/v1/connections/{id}/events.
func (a *API) GetConnectionEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_id": id,
		"transitions":   a.Registry.Transitions(id),
		"events":        a.Registry.Events(id),
	})
}
