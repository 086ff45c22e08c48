package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gluk-w/sshdesk/internal/sshmanager"
	"github.com/gluk-w/sshdesk/internal/sshterminal"
)

// openShellRequest either names an existing connection or carries the
// parameters for a dedicated one.
type openShellRequest struct {
	ConnectionID string                    `json:"connectionId,omitempty"`
	Config       *sshmanager.ConnectConfig `json:"config,omitempty"`
	sshterminal.ShellOptions
}

// OpenShell handles POST /api/v1/shells.
func (a *API) OpenShell(w http.ResponseWriter, r *http.Request) {
	var req openShellRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	switch {
	case req.ConnectionID != "":
		writeJSON(w, http.StatusOK, a.Coordinator.OpenShellOn(req.ConnectionID, req.ShellOptions))
	case req.Config != nil:
		writeJSON(w, http.StatusOK, a.Coordinator.OpenShell(r.Context(), *req.Config, req.ShellOptions))
	default:
		writeError(w, http.StatusBadRequest, "connectionId or config is required")
	}
}

func (a *API) ListShells(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": a.Sessions.List(),
	})
}

type shellInputRequest struct {
	Data string `json:"data"`
}

// WriteShell handles POST /api/v1/shells/{id}/input.
func (a *API) WriteShell(w http.ResponseWriter, r *http.Request) {
	var req shellInputRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Data) > sshterminal.MaxInputMessageSize {
		writeError(w, http.StatusRequestEntityTooLarge, "input too large")
		return
	}
	writeJSON(w, http.StatusOK, a.Coordinator.WriteShell(chi.URLParam(r, "id"), []byte(req.Data)))
}

type shellResizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// ResizeShell handles POST /api/v1/shells/{id}/resize.
func (a *API) ResizeShell(w http.ResponseWriter, r *http.Request) {
	var req shellResizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, a.Coordinator.ResizeShell(chi.URLParam(r, "id"), req.Cols, req.Rows))
}

func (a *API) CloseShell(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Coordinator.CloseShell(chi.URLParam(r, "id")))
}
