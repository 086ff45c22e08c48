package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gluk-w/sshdesk/internal/sshaudit"
)

// GetAuditLogs handles GET /api/v1/audit.
// Query parameters:
//   - connection_id (optional): filter by connection
//   - event_type (optional): filter by event type
//   - since, until (optional): RFC 3339 bounds on created_at
//   - limit (optional): number of entries per page (default 50, max 1000)
//   - offset (optional): pagination offset
func (a *API) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	if a.Auditor == nil {
		writeError(w, http.StatusServiceUnavailable, "Audit logging not initialized")
		return
	}

	q := r.URL.Query()
	opts := sshaudit.QueryOptions{
		ConnectionID: q.Get("connection_id"),
		EventType:    q.Get("event_type"),
	}

	for name, dst := range map[string]**time.Time{"since": &opts.Since, "until": &opts.Until} {
		if v := q.Get(name); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "Invalid "+name)
				return
			}
			*dst = &ts
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		opts.Limit = limit
	}

	if offsetStr := q.Get("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "Invalid offset")
			return
		}
		opts.Offset = offset
	}

	result, err := a.Auditor.Query(opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query audit logs")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
