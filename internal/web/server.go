// Package web exposes the session manager and workspace over HTTP: a JSON
// REST API, a binary WebSocket stream per terminal session, and an SSE
// event feed for workspace notifications.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/younghai/automaker/internal/logging"
	"github.com/younghai/automaker/internal/term"
	"github.com/younghai/automaker/internal/workspace"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	// Password guards the API when non-empty; clients exchange it for a
	// bearer token via POST /api/auth.
	Password string

	Manager   *term.Manager
	Workspace *workspace.Workspace
	Store     workspace.Store
}

// Server wraps the HTTP server and its long-lived event plumbing.
type Server struct {
	cfg        Config
	httpServer *http.Server
	auth       *authGate
	manager    *term.Manager
	workspace  *workspace.Workspace
	store      workspace.Store

	baseCtx    context.Context
	cancelBase context.CancelFunc

	eventSubsMu sync.Mutex
	eventSubs   map[chan workspaceEvent]struct{}

	unsubExit func()
}

// workspaceEvent is one entry on the SSE feed.
type workspaceEvent struct {
	Type      string    `json:"type"` // notice, session_exit
	Message   string    `json:"message,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	ExitCode  int       `json:"exitCode,omitempty"`
	Time      time.Time `json:"time"`
}

// NewServer creates a web server with routes and middleware configured.
func NewServer(cfg Config) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:3042"
	}

	s := &Server{
		cfg:       cfg,
		auth:      newAuthGate(cfg.Password),
		manager:   cfg.Manager,
		workspace: cfg.Workspace,
		store:     cfg.Store,
		eventSubs: make(map[chan workspaceEvent]struct{}),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	s.unsubExit = cfg.Manager.OnExit(func(id string, code int) {
		s.broadcast(workspaceEvent{
			Type:      "session_exit",
			SessionID: id,
			ExitCode:  code,
			Time:      time.Now().UTC(),
		})
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/auth", s.handleAuth)
	mux.HandleFunc("/api/platform", s.handlePlatform)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/session/", s.handleSessionByID)
	mux.HandleFunc("/api/layout", s.handleLayout)
	mux.HandleFunc("/api/workspace", s.handleWorkspace)
	mux.HandleFunc("/api/workspace/", s.handleWorkspaceOp)
	mux.HandleFunc("/events/workspace", s.handleWorkspaceEvents)
	mux.HandleFunc("/ws/session/", s.handleSessionWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Notify publishes a user-facing message on the event feed. Wired as the
// workspace notifier.
func (s *Server) Notify(message string) {
	s.broadcast(workspaceEvent{
		Type:    "notice",
		Message: message,
		Time:    time.Now().UTC(),
	})
}

// Start runs the HTTP server and blocks until shutdown or error. Returns
// nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		// Signal long-lived handlers (SSE/WS) to stop promptly.
		s.cancelBase()
	}
	if s.unsubExit != nil {
		s.unsubExit()
		s.unsubExit = nil
	}

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}

	// Long-lived connections may still block graceful shutdown. Force close
	// as a fallback so Ctrl+C exits promptly.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr == nil {
			return nil
		} else {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
	}

	return err
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	resp := map[string]any{
		"ok":       true,
		"sessions": s.manager.Count(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) subscribeEvents() chan workspaceEvent {
	ch := make(chan workspaceEvent, 16)
	s.eventSubsMu.Lock()
	s.eventSubs[ch] = struct{}{}
	s.eventSubsMu.Unlock()
	return ch
}

func (s *Server) unsubscribeEvents(ch chan workspaceEvent) {
	if ch == nil {
		return
	}
	s.eventSubsMu.Lock()
	if _, ok := s.eventSubs[ch]; ok {
		delete(s.eventSubs, ch)
		close(ch)
	}
	s.eventSubsMu.Unlock()
}

func (s *Server) broadcast(ev workspaceEvent) {
	s.eventSubsMu.Lock()
	for ch := range s.eventSubs {
		select {
		case ch <- ev:
		default:
			// Slow consumer; drop rather than block the producer.
		}
	}
	s.eventSubsMu.Unlock()
}
