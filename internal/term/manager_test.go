package term

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProc is an in-memory stand-in for a PTY-backed process.
type fakeProc struct {
	mu         sync.Mutex
	out        chan []byte
	written    []byte
	resizes    [][2]int
	resizeErr  error
	terminated bool
	killed     bool
	exitOnTerm bool
	exitCode   int

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeProc() *fakeProc {
	return &fakeProc{
		out:  make(chan []byte, 16),
		done: make(chan struct{}),
	}
}

func (p *fakeProc) emit(data string) { p.out <- []byte(data) }

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.done) })
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
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *fakeProc) Resize(cols, rows int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resizeErr != nil {
		return p.resizeErr
	}
	p.resizes = append(p.resizes, [2]int{cols, rows})
	return nil
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	p.terminated = true
	autoExit := p.exitOnTerm
	p.mu.Unlock()
	if autoExit {
		p.exit(0)
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(137)
	return nil
}

func (p *fakeProc) Wait() int {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *fakeProc) Close() error { return nil }

func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

func (p *fakeProc) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSpawner records spawn calls and hands out fakeProcs.
type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProc
	calls []spawnCall
	err   error
}

type spawnCall struct {
	shell string
	cwd   string
	cols  int
	rows  int
}

func (f *fakeSpawner) spawn(shell string, args []string, cwd string, cols, rows int) (Proc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProc()
	f.procs = append(f.procs, p)
	f.calls = append(f.calls, spawnCall{shell: shell, cwd: cwd, cols: cols, rows: rows})
	return p, nil
}

func (f *fakeSpawner) last() *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.procs) == 0 {
		return nil
	}
	return f.procs[len(f.procs)-1]
}

func (f *fakeSpawner) lastCall() spawnCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// dirStat pretends every path is a directory.
func dirStat(path string) (os.FileInfo, error) {
	return os.Stat(os.TempDir())
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	if opts.Spawn == nil {
		opts.Spawn = sp.spawn
	}
	if opts.KillGrace == 0 {
		// Keep the cleanup deadline short so tests that leave live fakes
		// behind do not stall teardown.
		opts.KillGrace = 50 * time.Millisecond
	}
	m := NewManager(opts)
	m.statDir = dirStat
	m.homeDir = func() (string, error) { return "/home/tester", nil }
	t.Cleanup(m.Cleanup)
	return m, sp
}

func TestCreateSessionDefaults(t *testing.T) {
	m, sp := newTestManager(t, Options{})

	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	require.NotNil(t, s)

	assert.Equal(t, 80, s.Cols)
	assert.Equal(t, 24, s.Rows)
	assert.True(t, len(s.ID) > len("term-"), "id %q must carry the term- prefix", s.ID)
	assert.Equal(t, "term-", s.ID[:5])

	call := sp.lastCall()
	assert.Equal(t, 80, call.cols)
	assert.Equal(t, 24, call.rows)
	assert.NotEmpty(t, call.shell)
}

func TestCreateSessionCollapsesDoubledSeparators(t *testing.T) {
	m, sp := newTestManager(t, Options{})

	_, err := m.CreateSession(CreateOptions{Cwd: "//tmp//nested"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/nested", sp.lastCall().cwd)
}

func TestCreateSessionPreservesWSLUNCPath(t *testing.T) {
	m, sp := newTestManager(t, Options{})

	unc := `\\wsl$\Ubuntu\home\dev`
	_, err := m.CreateSession(CreateOptions{Cwd: unc})
	require.NoError(t, err)
	assert.Equal(t, unc, sp.lastCall().cwd)
}

func TestCreateSessionFallsBackToHome(t *testing.T) {
	m, sp := newTestManager(t, Options{})
	m.statDir = func(string) (os.FileInfo, error) { return nil, os.ErrNotExist }

	s, err := m.CreateSession(CreateOptions{Cwd: "/does/not/exist"})
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "/home/tester", sp.lastCall().cwd)
}

func TestCreateSessionLimit(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxSessions: 1})

	_, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)

	_, err = m.CreateSession(CreateOptions{})
	require.ErrorIs(t, err, ErrSessionLimit)
}

func TestCreateSessionSpawnFailure(t *testing.T) {
	sp := &fakeSpawner{err: errors.New("pty exhausted")}
	m := NewManager(Options{Spawn: sp.spawn})
	m.statDir = dirStat
	m.homeDir = func() (string, error) { return "/home/tester", nil }

	_, err := m.CreateSession(CreateOptions{})
	require.ErrorIs(t, err, ErrSpawnFailed)
	assert.Equal(t, 0, m.Count())
}

func TestCreateSessionShellNotFound(t *testing.T) {
	sp := &fakeSpawner{err: exec.ErrNotFound}
	m := NewManager(Options{Spawn: sp.spawn})
	m.statDir = dirStat
	m.homeDir = func() (string, error) { return "/home/tester", nil }

	_, err := m.CreateSession(CreateOptions{})
	require.ErrorIs(t, err, ErrShellNotFound)
}

func TestWriteUnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	assert.False(t, m.Write("term-nope", []byte("ls\n")))
}

func TestWriteForwardsBytes(t *testing.T) {
	m, sp := newTestManager(t, Options{})
	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)

	assert.True(t, m.Write(s.ID, []byte("echo hi\n")))

	proc := sp.last()
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.Equal(t, "echo hi\n", string(proc.written))
}

func TestResize(t *testing.T) {
	m, sp := newTestManager(t, Options{})
	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)

	assert.False(t, m.Resize("term-nope", 100, 40))
	assert.True(t, m.Resize(s.ID, 100, 40))

	got, ok := m.GetSession(s.ID)
	require.True(t, ok)
	assert.Equal(t, 100, got.Cols)
	assert.Equal(t, 40, got.Rows)

	sp.last().resizeErr = errors.New("ioctl failed")
	assert.False(t, m.Resize(s.ID, 10, 10))
}

func TestKillSessionTwoPhase(t *testing.T) {
	m, sp := newTestManager(t, Options{KillGrace: 60 * time.Millisecond})
	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()

	require.True(t, m.KillSession(s.ID))

	// Record is gone immediately, before the process dies.
	_, ok := m.GetSession(s.ID)
	assert.False(t, ok)
	assert.False(t, m.Write(s.ID, []byte("x")))
	assert.Empty(t, m.GetAllSessions())

	// Graceful signal fired, forced kill has not.
	assert.True(t, proc.wasTerminated())
	assert.False(t, proc.wasKilled())

	// Forced kill only after the grace period elapses.
	require.Eventually(t, proc.wasKilled, time.Second, 10*time.Millisecond)

	// Unknown id now.
	assert.False(t, m.KillSession(s.ID))
}

func TestKillSessionGracefulExitSkipsForcedKill(t *testing.T) {
	m, sp := newTestManager(t, Options{KillGrace: 40 * time.Millisecond})
	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()
	proc.mu.Lock()
	proc.exitOnTerm = true
	proc.mu.Unlock()

	require.True(t, m.KillSession(s.ID))

	time.Sleep(120 * time.Millisecond)
	assert.False(t, proc.wasKilled(), "graceful exit must not be followed by SIGKILL")
}

func TestDataCoalescing(t *testing.T) {
	m, sp := newTestManager(t, Options{CoalesceInterval: 30 * time.Millisecond})

	var mu sync.Mutex
	var batches []string
	unsub := m.OnData(func(id string, data []byte) {
		mu.Lock()
		batches = append(batches, string(data))
		mu.Unlock()
	})
	defer unsub()

	_, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()

	proc.emit("hel")
	proc.emit("lo ")
	proc.emit("world")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		joined := ""
		for _, b := range batches {
			joined += b
		}
		return joined == "hello world"
	}, time.Second, 5*time.Millisecond)

	// Bursts within one interval coalesce into a single batch.
	mu.Lock()
	assert.Equal(t, 1, len(batches), "expected one coalesced batch, got %v", batches)
	mu.Unlock()
}

func TestScrollbackAccumulatesAndCaps(t *testing.T) {
	m, sp := newTestManager(t, Options{ScrollbackLimit: 8})
	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()

	proc.emit("0123456789")
	require.Eventually(t, func() bool {
		sb, ok := m.GetScrollback(s.ID)
		return ok && sb == "23456789"
	}, time.Second, 5*time.Millisecond)

	_, ok := m.GetScrollback("term-nope")
	assert.False(t, ok)
}

func TestAttachDeliversPendingToExistingListenersOnly(t *testing.T) {
	// An hour-long interval keeps output parked in the coalesce buffer so
	// the attach has to account for it.
	m, sp := newTestManager(t, Options{CoalesceInterval: time.Hour})

	var mu sync.Mutex
	var oldBatches, newBatches []string
	unsubOld := m.OnData(func(id string, data []byte) {
		mu.Lock()
		oldBatches = append(oldBatches, string(data))
		mu.Unlock()
	})
	defer unsubOld()

	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()

	proc.emit("hello")
	require.Eventually(t, func() bool {
		sb, ok := m.GetScrollback(s.ID)
		return ok && sb == "hello"
	}, time.Second, 5*time.Millisecond)

	scrollback, unsubNew, ok := m.Attach(s.ID, func(id string, data []byte) {
		mu.Lock()
		newBatches = append(newBatches, string(data))
		mu.Unlock()
	})
	require.True(t, ok)
	defer unsubNew()

	// The snapshot already holds the parked batch; it is flushed to the
	// prior listener during the attach and never to the new one.
	assert.Equal(t, "hello", scrollback)
	mu.Lock()
	assert.Equal(t, []string{"hello"}, oldBatches)
	assert.Empty(t, newBatches)
	mu.Unlock()

	// Output after the attach reaches both listeners. The exit flush
	// drains what the hour-long interval would otherwise hold.
	proc.emit(" world")
	require.Eventually(t, func() bool {
		sb, ok := m.GetScrollback(s.ID)
		return ok && sb == "hello world"
	}, time.Second, 5*time.Millisecond)
	proc.exit(0)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(newBatches) == 1 && newBatches[0] == " world"
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"hello", " world"}, oldBatches)
	mu.Unlock()

	_, _, ok = m.Attach("term-nope", func(string, []byte) {})
	assert.False(t, ok)
}

func TestExitEventRemovesSession(t *testing.T) {
	m, sp := newTestManager(t, Options{})

	type exitEvent struct {
		id   string
		code int
	}
	exits := make(chan exitEvent, 1)
	unsub := m.OnExit(func(id string, code int) {
		exits <- exitEvent{id, code}
	})
	defer unsub()

	s, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)

	sp.last().exit(3)

	select {
	case ev := <-exits:
		assert.Equal(t, s.ID, ev.id)
		assert.Equal(t, 3, ev.code)
	case <-time.After(time.Second):
		t.Fatal("exit event not delivered")
	}

	require.Eventually(t, func() bool {
		_, ok := m.GetSession(s.ID)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m, sp := newTestManager(t, Options{CoalesceInterval: 5 * time.Millisecond})

	var mu sync.Mutex
	count := 0
	unsub := m.OnData(func(string, []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	_, err := m.CreateSession(CreateOptions{})
	require.NoError(t, err)
	proc := sp.last()

	proc.emit("first")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	proc.emit("second")
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestCleanupKillsEverything(t *testing.T) {
	m, sp := newTestManager(t, Options{KillGrace: 30 * time.Millisecond})

	for i := 0; i < 3; i++ {
		_, err := m.CreateSession(CreateOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Count())

	m.Cleanup()
	assert.Equal(t, 0, m.Count())

	for _, p := range sp.procs {
		assert.True(t, p.wasTerminated())
	}
}
