package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/younghai/automaker/internal/layout"
	"github.com/younghai/automaker/internal/term"
	"github.com/younghai/automaker/internal/workspace"
)

type activateRequest struct {
	ProjectPath string `json:"projectPath"`
}

type splitRequest struct {
	Direction       string `json:"direction,omitempty"`
	TargetSessionID string `json:"targetSessionId,omitempty"`
}

type navigateRequest struct {
	Direction string `json:"direction"`
}

type sessionRefRequest struct {
	SessionID string `json:"sessionId"`
}

type moveRequest struct {
	SessionID string `json:"sessionId"`
	TabID     string `json:"tabId"`
}

type fontSizeRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Size      int    `json:"size"`
}

type tabCreateRequest struct {
	Name string `json:"name,omitempty"`
}

type tabRefRequest struct {
	TabID string `json:"tabId"`
	Name  string `json:"name,omitempty"`
}

type tabReorderRequest struct {
	SrcTabID string `json:"srcTabId"`
	DstTabID string `json:"dstTabId"`
}

func (s *Server) handleWorkspace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	writeJSON(w, http.StatusOK, s.workspace.Snapshot())
}

// handleWorkspaceOp dispatches the mutating workspace routes. All are POST.
func (s *Server) handleWorkspaceOp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	op := strings.TrimPrefix(r.URL.Path, "/api/workspace/")
	switch op {
	case "activate":
		s.handleActivate(w, r)
	case "split":
		s.handleSplit(w, r)
	case "navigate":
		s.handleNavigate(w, r)
	case "close":
		s.handleCloseTerminal(w, r)
	case "move":
		s.handleMoveToTab(w, r)
	case "extract":
		s.handleExtract(w, r)
	case "focus":
		s.handleFocus(w, r)
	case "maximize":
		s.handleMaximize(w, r)
	case "font-size":
		s.handleFontSize(w, r)
	case "tabs":
		s.handleTabCreate(w, r)
	case "tabs/select":
		s.handleTabSelect(w, r)
	case "tabs/rename":
		s.handleTabRename(w, r)
	case "tabs/reorder":
		s.handleTabReorder(w, r)
	case "tabs/close":
		s.handleTabClose(w, r)
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	}
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectPath == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "projectPath is required")
		return
	}

	summary, err := s.workspace.ActivateProject(req.ProjectPath)
	if err != nil {
		if errors.Is(err, workspace.ErrRestoreSuperseded) {
			// The newer switch owns the workspace; nothing to report.
			writeJSON(w, http.StatusOK, map[string]bool{"superseded": true})
			return
		}
		writeAPIError(w, http.StatusInternalServerError, "ACTIVATE_FAILED", "failed to activate project")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	var req splitRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
	}

	dir := layout.Direction(req.Direction)
	if dir != "" && dir != layout.Horizontal && dir != layout.Vertical {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "direction must be horizontal or vertical")
		return
	}

	session, err := s.workspace.CreateTerminal(dir, req.TargetSessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleNavigate(w http.ResponseWriter, r *http.Request) {
	var req navigateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}

	dir := layout.NavDirection(req.Direction)
	switch dir {
	case layout.NavLeft, layout.NavRight, layout.NavUp, layout.NavDown:
	default:
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "direction must be left, right, up or down")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"activeSessionId": s.workspace.Navigate(dir),
	})
}

func (s *Server) handleCloseTerminal(w http.ResponseWriter, r *http.Request) {
	var req sessionRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	if !s.workspace.CloseTerminal(req.SessionID) {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMoveToTab(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" || req.TabID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId and tabId are required")
		return
	}
	if err := s.workspace.MoveToTab(req.SessionID, req.TabID); err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req sessionRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "sessionId is required")
		return
	}
	tab, err := s.workspace.ExtractToNewTab(req.SessionID)
	if err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"tabId": tab.ID, "name": tab.Name})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	var req sessionRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	s.workspace.SetActiveSession(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMaximize(w http.ResponseWriter, r *http.Request) {
	var req sessionRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	// Empty sessionId clears the maximized panel.
	s.workspace.SetMaximized(req.SessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleFontSize(w http.ResponseWriter, r *http.Request) {
	var req fontSizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
		return
	}
	if req.SessionID == "" {
		s.workspace.SetDefaultFontSize(req.Size)
	} else {
		s.workspace.SetFontSize(req.SessionID, req.Size)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTabCreate(w http.ResponseWriter, r *http.Request) {
	var req tabCreateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "invalid json payload")
			return
		}
	}
	tab := s.workspace.CreateTab(req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"tabId": tab.ID, "name": tab.Name})
}

func (s *Server) handleTabSelect(w http.ResponseWriter, r *http.Request) {
	var req tabRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TabID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "tabId is required")
		return
	}
	if err := s.workspace.SelectTab(req.TabID); err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTabRename(w http.ResponseWriter, r *http.Request) {
	var req tabRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TabID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "tabId is required")
		return
	}
	if err := s.workspace.RenameTab(req.TabID, req.Name); err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTabReorder(w http.ResponseWriter, r *http.Request) {
	var req tabReorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SrcTabID == "" || req.DstTabID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "srcTabId and dstTabId are required")
		return
	}
	if err := s.workspace.ReorderTabs(req.SrcTabID, req.DstTabID); err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTabClose(w http.ResponseWriter, r *http.Request) {
	var req tabRefRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TabID == "" {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "tabId is required")
		return
	}
	if err := s.workspace.CloseTab(req.TabID); err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrTabNotFound):
		writeAPIError(w, http.StatusNotFound, "TAB_NOT_FOUND", "tab not found")
	case errors.Is(err, term.ErrSessionNotFound):
		writeAPIError(w, http.StatusNotFound, "SESSION_NOT_FOUND", "session not found")
	default:
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "operation failed")
	}
}
