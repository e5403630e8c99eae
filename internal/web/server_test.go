package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/younghai/automaker/internal/layout"
	"github.com/younghai/automaker/internal/term"
	"github.com/younghai/automaker/internal/workspace"
)

// fakeProc is a scriptable stand-in for a PTY-backed shell.
type fakeProc struct {
	out      chan []byte
	done     chan struct{}
	stopOnce sync.Once

	mu    sync.Mutex
	input []byte
}

func newFakeProc() *fakeProc {
	return &fakeProc{out: make(chan []byte, 16), done: make(chan struct{})}
}

func (p *fakeProc) emit(data string) {
	p.out <- []byte(data)
}

func (p *fakeProc) stop() {
	p.stopOnce.Do(func() { close(p.done) })
}

func (p *fakeProc) Read(b []byte) (int, error) {
	select {
	case chunk := <-p.out:
		return copy(b, chunk), nil
	case <-p.done:
		return 0, io.EOF
	}
}

func (p *fakeProc) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.input = append(p.input, b...)
	p.mu.Unlock()
	return len(b), nil
}

func (p *fakeProc) inputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return string(p.input)
}

func (p *fakeProc) Resize(cols, rows int) error { return nil }
func (p *fakeProc) Terminate() error            { p.stop(); return nil }
func (p *fakeProc) Kill() error                 { p.stop(); return nil }
func (p *fakeProc) Wait() int                   { <-p.done; return 0 }
func (p *fakeProc) Close() error                { return nil }

// procTracker hands out fakeProcs and remembers the latest one.
type procTracker struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (tr *procTracker) spawn(shell string, args []string, cwd string, cols, rows int) (term.Proc, error) {
	p := newFakeProc()
	tr.mu.Lock()
	tr.procs = append(tr.procs, p)
	tr.mu.Unlock()
	return p, nil
}

func (tr *procTracker) last() *fakeProc {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if len(tr.procs) == 0 {
		return nil
	}
	return tr.procs[len(tr.procs)-1]
}

// memStore keeps persisted layouts in memory.
type memStore struct {
	mu      sync.Mutex
	layouts map[string]*layout.PersistedLayout
}

func newMemStore() *memStore {
	return &memStore{layouts: make(map[string]*layout.PersistedLayout)}
}

func (s *memStore) LoadLayout(projectPath string) (*layout.PersistedLayout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layouts[projectPath], nil
}

func (s *memStore) SaveLayout(projectPath string, p *layout.PersistedLayout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.layouts[projectPath] = p
	return nil
}

type testServer struct {
	srv     *Server
	mgr     *term.Manager
	ws      *workspace.Workspace
	store   *memStore
	tracker *procTracker
}

func newTestServer(t *testing.T, password string, maxSessions int) *testServer {
	t.Helper()
	tracker := &procTracker{}
	mgr := term.NewManager(term.Options{
		MaxSessions: maxSessions,
		KillGrace:   50 * time.Millisecond,
		Spawn:       tracker.spawn,
	})
	store := newMemStore()
	ws := workspace.New(workspace.Options{
		Manager:        mgr,
		Store:          store,
		CreateCooldown: time.Nanosecond,
	})
	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Password:   password,
		Manager:    mgr,
		Workspace:  ws,
		Store:      store,
	})
	t.Cleanup(ws.Shutdown)
	return &testServer{srv: srv, mgr: mgr, ws: ws, store: store, tracker: tracker}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzEndpoint(t *testing.T) {
	ts := newTestServer(t, "", 0)

	rr := doJSON(t, ts.srv.Handler(), http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", rr.Body.String())
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, "", 0)

	rr := doJSON(t, ts.srv.Handler(), http.MethodPost, "/healthz", nil, "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestAuthExchangeAndBearer(t *testing.T) {
	ts := newTestServer(t, "hunter2", 0)
	h := ts.srv.Handler()

	// Guarded route without a token.
	rr := doJSON(t, h, http.MethodGet, "/api/sessions", nil, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}

	// Wrong password.
	rr = doJSON(t, h, http.MethodPost, "/api/auth", authRequest{Password: "wrong"}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}

	// Correct password yields a token.
	rr = doJSON(t, h, http.MethodPost, "/api/auth", authRequest{Password: "hunter2"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp authResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode auth response: %v", err)
	}
	if len(resp.Token) != 64 {
		t.Fatalf("expected 64-char hex token, got %q", resp.Token)
	}

	// Bearer header.
	rr = doJSON(t, h, http.MethodGet, "/api/sessions", nil, resp.Token)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	// Query token.
	rr = doJSON(t, h, http.MethodGet, "/api/sessions?token="+resp.Token, nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
}

func TestAuthDisabledWithoutPassword(t *testing.T) {
	ts := newTestServer(t, "", 0)
	h := ts.srv.Handler()

	rr := doJSON(t, h, http.MethodGet, "/api/sessions", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	rr = doJSON(t, h, http.MethodPost, "/api/auth", authRequest{Password: "anything"}, "")
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestShutdownCompletes(t *testing.T) {
	ts := newTestServer(t, "", 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ts.srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
