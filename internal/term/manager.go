// Package term supervises PTY-backed shell sessions: spawn, bidirectional
// byte transport with coalesced output fan-out, scrollback buffering, and a
// two-phase time-bounded kill protocol.
package term

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/younghai/automaker/internal/logging"
	"github.com/younghai/automaker/internal/shell"
)

var termLog = logging.ForComponent(logging.CompTerm)

// Session is the externally visible record of a live terminal session.
// Exactly one OS process backs a live Session; everything outside the
// manager references a Session only by ID.
type Session struct {
	ID        string    `json:"id"`
	Cwd       string    `json:"cwd"`
	Shell     string    `json:"shell"`
	ShellArgs []string  `json:"shellArgs"`
	Cols      int       `json:"cols"`
	Rows      int       `json:"rows"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreateOptions are the optional parameters for CreateSession.
type CreateOptions struct {
	Cwd  string
	Cols int
	Rows int
}

// DataListener receives coalesced output batches.
type DataListener func(id string, data []byte)

// ExitListener receives process exit notifications.
type ExitListener func(id string, exitCode int)

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	MaxSessions      int
	CoalesceInterval time.Duration
	KillGrace        time.Duration
	ScrollbackLimit  int
	DefaultCols      int
	DefaultRows      int

	// Spawn overrides process creation; tests inject fakes here.
	Spawn SpawnFunc
}

// Manager owns every live session. All map access is serialized by mu;
// per-session I/O runs on the session's own reader goroutine.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*liveSession
	pending  int

	maxSessions      int
	coalesceInterval time.Duration
	killGrace        time.Duration
	scrollbackLimit  int
	defaultCols      int
	defaultRows      int

	spawn SpawnFunc

	subMu    sync.Mutex
	dataSubs map[uint64]DataListener
	exitSubs map[uint64]ExitListener
	nextSub  uint64

	// test seams
	homeDir func() (string, error)
	statDir func(string) (os.FileInfo, error)
}

type liveSession struct {
	info Session
	proc Proc

	// bufMu guards the scrollback and the coalesce buffer together so
	// Attach can snapshot one consistently with the other.
	bufMu   sync.Mutex
	scroll  []byte
	coBuf   []byte
	coTimer *time.Timer

	// emitMu serializes flushes so batches reach listeners in the order
	// the process produced them.
	emitMu sync.Mutex

	exited chan struct{}
}

// NewManager creates a session manager with the given options.
func NewManager(opts Options) *Manager {
	m := &Manager{
		sessions:         make(map[string]*liveSession),
		maxSessions:      opts.MaxSessions,
		coalesceInterval: opts.CoalesceInterval,
		killGrace:        opts.KillGrace,
		scrollbackLimit:  opts.ScrollbackLimit,
		defaultCols:      opts.DefaultCols,
		defaultRows:      opts.DefaultRows,
		spawn:            opts.Spawn,
		dataSubs:         make(map[uint64]DataListener),
		exitSubs:         make(map[uint64]ExitListener),
		homeDir:          os.UserHomeDir,
		statDir:          os.Stat,
	}
	if m.maxSessions <= 0 {
		m.maxSessions = 12
	}
	if m.coalesceInterval <= 0 {
		m.coalesceInterval = 16 * time.Millisecond
	}
	if m.killGrace <= 0 {
		m.killGrace = time.Second
	}
	if m.scrollbackLimit <= 0 {
		m.scrollbackLimit = 1 << 20
	}
	if m.defaultCols <= 0 {
		m.defaultCols = 80
	}
	if m.defaultRows <= 0 {
		m.defaultRows = 24
	}
	if m.spawn == nil {
		m.spawn = PTYSpawn
	}
	return m
}

// SetMaxSessions updates the concurrent-session cap (config hot reload).
func (m *Manager) SetMaxSessions(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
}

// SetCoalesceInterval updates the output batching interval.
func (m *Manager) SetCoalesceInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.coalesceInterval = d
	m.mu.Unlock()
}

// CreateSession spawns a shell in a new PTY and registers the session.
// Returns ErrSessionLimit when the cap is reached, ErrShellNotFound or
// ErrSpawnFailed (wrapped) when the spawn fails.
func (m *Manager) CreateSession(opts CreateOptions) (*Session, error) {
	cols := opts.Cols
	rows := opts.Rows
	if cols <= 0 {
		cols = m.defaultCols
	}
	if rows <= 0 {
		rows = m.defaultRows
	}

	// Reserve a slot before the (slow) spawn so concurrent creates cannot
	// overshoot the cap.
	m.mu.Lock()
	if len(m.sessions)+m.pending >= m.maxSessions {
		m.mu.Unlock()
		return nil, ErrSessionLimit
	}
	m.pending++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
	}

	sh := shell.Detect()
	if sh.Path == "" {
		release()
		return nil, ErrShellNotFound
	}

	cwd := m.resolveCwd(opts.Cwd)

	proc, err := m.spawn(sh.Path, sh.Args, cwd, cols, rows)
	if err != nil {
		release()
		termLog.Warn("spawn_failed",
			slog.String("shell", sh.Path),
			slog.String("cwd", cwd),
			slog.String("error", err.Error()))
		if errors.Is(err, exec.ErrNotFound) {
			return nil, errors.Join(ErrShellNotFound, err)
		}
		return nil, errors.Join(ErrSpawnFailed, err)
	}

	s := &liveSession{
		info: Session{
			ID:        "term-" + uuid.NewString(),
			Cwd:       cwd,
			Shell:     sh.Path,
			ShellArgs: sh.Args,
			Cols:      cols,
			Rows:      rows,
			CreatedAt: time.Now(),
		},
		proc:   proc,
		exited: make(chan struct{}),
	}

	m.mu.Lock()
	m.pending--
	m.sessions[s.info.ID] = s
	m.mu.Unlock()

	go m.readLoop(s)

	termLog.Info("session_created",
		slog.String("session_id", s.info.ID),
		slog.String("cwd", cwd),
		slog.String("shell", sh.Path))

	info := s.info
	return &info, nil
}

// Write forwards input bytes. Returns false for an unknown session; never
// returns an error.
func (m *Manager) Write(id string, data []byte) bool {
	s, ok := m.lookup(id)
	if !ok {
		return false
	}
	// Write errors surface through the exit path, not here.
	_, _ = s.proc.Write(data)
	return true
}

// Resize changes the PTY size. False if the session is unknown or the
// resize call fails.
func (m *Manager) Resize(id string, cols, rows int) bool {
	s, ok := m.lookup(id)
	if !ok {
		return false
	}
	if cols <= 0 || rows <= 0 {
		return false
	}
	if err := s.proc.Resize(cols, rows); err != nil {
		return false
	}
	m.mu.Lock()
	if cur, stillThere := m.sessions[id]; stillThere {
		cur.info.Cols = cols
		cur.info.Rows = rows
	}
	m.mu.Unlock()
	return true
}

// KillSession removes the session record immediately, sends the graceful
// terminate signal, and schedules a forced kill after the grace period.
// The id is invalid for Write/Resize/GetScrollback as soon as this returns.
func (m *Manager) KillSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	grace := m.killGrace
	m.mu.Unlock()
	if !ok {
		return false
	}

	_ = s.proc.Terminate()
	time.AfterFunc(grace, func() {
		select {
		case <-s.exited:
		default:
			_ = s.proc.Kill()
		}
	})

	termLog.Info("session_killed", slog.String("session_id", id))
	return true
}

// GetSession returns a snapshot of the session record.
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	info := s.info
	return &info, true
}

// GetAllSessions returns snapshots of every live session.
func (m *Manager) GetAllSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		info := s.info
		out = append(out, &info)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// GetScrollback returns the accumulated output buffer, or ok=false for an
// unknown session.
func (m *Manager) GetScrollback(id string) (string, bool) {
	s, ok := m.lookup(id)
	if !ok {
		return "", false
	}
	s.bufMu.Lock()
	defer s.bufMu.Unlock()
	return string(s.scroll), true
}

// Attach snapshots the scrollback and subscribes fn to output batches in
// one step. Output still waiting in the coalesce buffer is flushed to the
// existing listeners first; the snapshot already contains those bytes, so
// fn sees every byte after the snapshot exactly once and none before it.
func (m *Manager) Attach(id string, fn DataListener) (string, func(), bool) {
	s, ok := m.lookup(id)
	if !ok {
		return "", nil, false
	}

	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.bufMu.Lock()
	pending := s.coBuf
	s.coBuf = nil
	if s.coTimer != nil {
		s.coTimer.Stop()
		s.coTimer = nil
	}
	scrollback := string(s.scroll)
	s.bufMu.Unlock()

	if len(pending) > 0 {
		m.emitData(s.info.ID, pending)
	}
	return scrollback, m.OnData(fn), true
}

// OnData subscribes to coalesced output batches. The returned function
// unsubscribes.
func (m *Manager) OnData(fn DataListener) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.dataSubs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.dataSubs, id)
		m.subMu.Unlock()
	}
}

// OnExit subscribes to session exit events. The returned function
// unsubscribes.
func (m *Manager) OnExit(fn ExitListener) func() {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.exitSubs[id] = fn
	return func() {
		m.subMu.Lock()
		delete(m.exitSubs, id)
		m.subMu.Unlock()
	}
}

// Cleanup kills every live session with a hard deadline: terminate all,
// wait up to the grace period, force-kill stragglers. Individual failures
// are swallowed so one bad session cannot block cleanup of the rest.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	list := make([]*liveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.sessions = make(map[string]*liveSession)
	grace := m.killGrace
	m.mu.Unlock()

	for _, s := range list {
		_ = s.proc.Terminate()
	}

	deadline := make(chan struct{})
	timer := time.AfterFunc(grace, func() { close(deadline) })
	defer timer.Stop()

	for _, s := range list {
		select {
		case <-s.exited:
		case <-deadline:
			_ = s.proc.Kill()
		}
	}
}

func (m *Manager) lookup(id string) (*liveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// readLoop drains the PTY, feeding the scrollback buffer and the coalescer,
// then reports the exit and removes the session.
func (m *Manager) readLoop(s *liveSession) {
	buf := make([]byte, 4096)
	for {
		n, err := s.proc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.ingest(s, chunk)
		}
		if err != nil {
			break
		}
	}

	code := s.proc.Wait()
	close(s.exited)
	m.flushNow(s)
	_ = s.proc.Close()

	m.mu.Lock()
	_, registered := m.sessions[s.info.ID]
	delete(m.sessions, s.info.ID)
	m.mu.Unlock()

	if registered {
		termLog.Info("session_exited",
			slog.String("session_id", s.info.ID),
			slog.Int("exit_code", code))
	}
	m.emitExit(s.info.ID, code)
}

// ingest appends a chunk to the scrollback and the coalesce buffer in one
// critical section and arms the flush timer, bounding the rate of data
// events under high-throughput shells. Ordering within a session is
// preserved by emitMu in flushNow.
func (m *Manager) ingest(s *liveSession, chunk []byte) {
	m.mu.Lock()
	limit := m.scrollbackLimit
	interval := m.coalesceInterval
	m.mu.Unlock()

	s.bufMu.Lock()
	s.scroll = append(s.scroll, chunk...)
	if len(s.scroll) > limit {
		// Keep the tail; older output scrolls away.
		s.scroll = append(s.scroll[:0:0], s.scroll[len(s.scroll)-limit:]...)
	}
	s.coBuf = append(s.coBuf, chunk...)
	if s.coTimer == nil {
		s.coTimer = time.AfterFunc(interval, func() { m.flushNow(s) })
	}
	s.bufMu.Unlock()
}

func (m *Manager) flushNow(s *liveSession) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()

	s.bufMu.Lock()
	data := s.coBuf
	s.coBuf = nil
	if s.coTimer != nil {
		s.coTimer.Stop()
		s.coTimer = nil
	}
	s.bufMu.Unlock()

	if len(data) > 0 {
		m.emitData(s.info.ID, data)
	}
}

func (m *Manager) emitData(id string, data []byte) {
	m.subMu.Lock()
	subs := make([]DataListener, 0, len(m.dataSubs))
	for _, fn := range m.dataSubs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(id, data)
	}
}

func (m *Manager) emitExit(id string, code int) {
	m.subMu.Lock()
	subs := make([]ExitListener, 0, len(m.exitSubs))
	for _, fn := range m.exitSubs {
		subs = append(subs, fn)
	}
	m.subMu.Unlock()
	for _, fn := range subs {
		fn(id, code)
	}
}

// WSL network mounts keep their UNC prefix byte-for-byte; collapsing the
// leading separator pair would break them.
var wslUNCPrefixes = []string{
	`\\wsl$\`,
	`\\wsl.localhost\`,
	`//wsl$/`,
	`//wsl.localhost/`,
}

// resolveCwd normalizes the requested working directory. Doubled path
// separators are collapsed, the path is made absolute, and anything that
// does not stat as a directory silently falls back to the home directory.
func (m *Manager) resolveCwd(raw string) string {
	if raw == "" {
		return m.fallbackHome()
	}

	lower := strings.ToLower(raw)
	for _, prefix := range wslUNCPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return raw
		}
	}

	cleaned := collapseSeparators(raw)
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return m.fallbackHome()
	}

	info, err := m.statDir(abs)
	if err != nil || !info.IsDir() {
		return m.fallbackHome()
	}
	return abs
}

func (m *Manager) fallbackHome() string {
	home, err := m.homeDir()
	if err != nil {
		return "."
	}
	return home
}

// collapseSeparators squashes runs of identical path separators into one,
// e.g. "//a//b" -> "/a/b".
func collapseSeparators(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	var prev rune
	for _, r := range path {
		if (r == '/' || r == '\\') && r == prev {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
