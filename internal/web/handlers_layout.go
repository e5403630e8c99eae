package web

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/younghai/automaker/internal/layout"
)

// handleLayout reads and writes persisted layouts directly, keyed by
// project path. The workspace keeps its own debounced saves; this route
// exists for clients that manage layouts without activating them.
func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	project := strings.TrimSpace(r.URL.Query().Get("project"))
	if project == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "project query parameter is required")
		return
	}

	switch r.Method {
	case http.MethodGet:
		persisted, err := s.store.LoadLayout(project)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load layout")
			return
		}
		// A project with no saved layout yields null, not an error.
		writeJSON(w, http.StatusOK, map[string]any{"layout": persisted})
	case http.MethodPut, http.MethodPost:
		var persisted layout.PersistedLayout
		if err := json.NewDecoder(r.Body).Decode(&persisted); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if err := s.store.SaveLayout(project, &persisted); err != nil {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to save layout")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}
