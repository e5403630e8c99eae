package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/younghai/automaker/internal/shell"
	"github.com/younghai/automaker/internal/term"
	"github.com/younghai/automaker/internal/workspace"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type createSessionRequest struct {
	Cwd  string `json:"cwd,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

type inputRequest struct {
	Data string `json:"data"`
}

type sessionDetailsResponse struct {
	Session    *term.Session `json:"session"`
	Scrollback string        `json:"scrollback,omitempty"`
}

func (s *Server) handlePlatform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, shell.GetPlatformInfo())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": s.manager.GetAllSessions(),
		})
	case http.MethodPost:
		var req createSessionRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
				return
			}
		}
		session, err := s.manager.CreateSession(term.CreateOptions{
			Cwd:  req.Cwd,
			Cols: req.Cols,
			Rows: req.Rows,
		})
		if err != nil {
			writeSessionError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, session)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	}
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/api/session/"
	rest := strings.TrimPrefix(r.URL.Path, prefix)
	sessionID, action, _ := strings.Cut(rest, "/")
	if sessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			session, ok := s.manager.GetSession(sessionID)
			if !ok {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
				return
			}
			resp := sessionDetailsResponse{Session: session}
			if r.URL.Query().Get("scrollback") == "1" {
				resp.Scrollback, _ = s.manager.GetScrollback(sessionID)
			}
			writeJSON(w, http.StatusOK, resp)
		case http.MethodDelete:
			if !s.workspace.CloseTerminal(sessionID) {
				writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
				return
			}
			writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		default:
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		}
	case "resize":
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		var req resizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if !s.manager.Resize(sessionID, req.Cols, req.Rows) {
			writeAPIError(w, http.StatusNotFound, "RESIZE_FAILED", "session not found or resize failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	case "input":
		if r.Method != http.MethodPost {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		var req inputRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
		if !s.manager.Write(sessionID, []byte(req.Data)) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, term.ErrSessionLimit):
		writeAPIError(w, http.StatusTooManyRequests, "SESSION_LIMIT", "session limit reached")
	case errors.Is(err, term.ErrShellNotFound):
		writeAPIError(w, http.StatusInternalServerError, "SHELL_NOT_FOUND", "no usable shell found")
	case errors.Is(err, workspace.ErrCreateThrottled):
		writeAPIError(w, http.StatusTooManyRequests, "CREATE_THROTTLED", "terminal creation throttled")
	default:
		writeAPIError(w, http.StatusInternalServerError, "SPAWN_FAILED", "failed to spawn session")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
