package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type wsClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type wsServerMessage struct {
	Type      string    `json:"type"` // status, error
	Event     string    `json:"event,omitempty"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Time      time.Time `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes to one websocket connection. Frames come
// from the coalescing fan-out, the exit listener, and the read loop's
// replies, which would otherwise interleave.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(v)
}

func (w *wsConnWriter) WriteBinary(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// handleSessionWS attaches a client to one session: scrollback replay plus
// live coalesced output as binary frames, and JSON input/resize/ping
// messages inbound.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	const prefix = "/ws/session/"
	sessionID := strings.TrimPrefix(r.URL.Path, prefix)
	if sessionID == "" || strings.Contains(sessionID, "/") {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session id is required")
		return
	}

	if _, ok := s.manager.GetSession(sessionID); !ok {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "connected",
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})

	closed := make(chan struct{})
	var closeOnce sync.Once
	signalClose := func() { closeOnce.Do(func() { close(closed) }) }

	// Attach pairs the scrollback snapshot with the subscription in one
	// step, so no batch can slip out between the two. Batches arriving
	// while the replay frame is still being written wait in a backlog.
	var replayMu sync.Mutex
	replaying := true
	var backlog [][]byte

	scrollback, unsubData, ok := s.manager.Attach(sessionID, func(id string, data []byte) {
		if id != sessionID {
			return
		}
		replayMu.Lock()
		if replaying {
			buf := make([]byte, len(data))
			copy(buf, data)
			backlog = append(backlog, buf)
			replayMu.Unlock()
			return
		}
		replayMu.Unlock()
		if err := writer.WriteBinary(data); err != nil {
			signalClose()
		}
	})
	if !ok {
		// The session exited between the lookup and the attach.
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "error",
			Code:      "NOT_FOUND",
			Message:   "session is no longer running",
			SessionID: sessionID,
			Time:      time.Now().UTC(),
		})
		return
	}
	defer unsubData()

	if scrollback != "" {
		if err := writer.WriteBinary([]byte(scrollback)); err != nil {
			return
		}
	}

	replayMu.Lock()
	for _, batch := range backlog {
		if err := writer.WriteBinary(batch); err != nil {
			signalClose()
			break
		}
	}
	backlog = nil
	replaying = false
	replayMu.Unlock()

	unsubExit := s.manager.OnExit(func(id string, code int) {
		if id != sessionID {
			return
		}
		_ = writer.WriteJSON(wsServerMessage{
			Type:      "status",
			Event:     "session_closed",
			SessionID: sessionID,
			ExitCode:  code,
			Time:      time.Now().UTC(),
		})
		signalClose()
	})
	defer unsubExit()

	// Server shutdown and session exit both unblock the read loop by
	// closing the connection.
	go func() {
		select {
		case <-closed:
		case <-r.Context().Done():
		}
		conn.Close()
	}()

	_ = writer.WriteJSON(wsServerMessage{
		Type:      "status",
		Event:     "ready",
		SessionID: sessionID,
		Time:      time.Now().UTC(),
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "INVALID_MESSAGE",
				Message:   "invalid json payload",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "status",
				Event:     "pong",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		case "input":
			if !s.manager.Write(sessionID, []byte(msg.Data)) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "NOT_FOUND",
					Message:   "session is no longer running",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
			}
		case "resize":
			if !s.manager.Resize(sessionID, msg.Cols, msg.Rows) {
				_ = writer.WriteJSON(wsServerMessage{
					Type:      "error",
					Code:      "RESIZE_FAILED",
					Message:   "failed to resize terminal",
					SessionID: sessionID,
					Time:      time.Now().UTC(),
				})
			}
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:      "error",
				Code:      "UNSUPPORTED_MESSAGE",
				Message:   "supported message types: ping,input,resize",
				SessionID: sessionID,
				Time:      time.Now().UTC(),
			})
		}
	}
}
