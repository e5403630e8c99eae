package term

import (
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Proc abstracts the PTY-backed shell process so the manager can be tested
// without spawning real processes.
type Proc interface {
	// Read blocks for the next chunk of terminal output.
	Read(p []byte) (int, error)

	// Write forwards input bytes to the process.
	Write(p []byte) (int, error)

	// Resize changes the PTY window size.
	Resize(cols, rows int) error

	// Terminate sends the graceful termination signal.
	Terminate() error

	// Kill sends the forceful kill signal.
	Kill() error

	// Wait blocks until the process exits and returns its exit code.
	// Safe to call from multiple goroutines.
	Wait() int

	// Close releases the PTY file descriptor.
	Close() error
}

// SpawnFunc creates the process backing a session. The default is PTYSpawn.
type SpawnFunc func(shell string, args []string, cwd string, cols, rows int) (Proc, error)

// PTYSpawn starts shell under a pseudo-terminal with the requested size,
// working directory, and the inherited environment.
func PTYSpawn(shell string, args []string, cwd string, cols, rows int) (Proc, error) {
	cmd := exec.Command(shell, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols),
		Rows: uint16(rows),
	})
	if err != nil {
		return nil, err
	}

	return &ptyProc{cmd: cmd, ptmx: ptmx}, nil
}

type ptyProc struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	exitCode int
}

func (p *ptyProc) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *ptyProc) Write(b []byte) (int, error) { return p.ptmx.Write(b) }

func (p *ptyProc) Resize(cols, rows int) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

func (p *ptyProc) Terminate() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *ptyProc) Kill() error {
	if p.cmd.Process == nil {
		return errors.New("process not started")
	}
	return p.cmd.Process.Kill()
}

func (p *ptyProc) Wait() int {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			p.exitCode = exitErr.ExitCode()
		}
	})
	return p.exitCode
}

func (p *ptyProc) Close() error { return p.ptmx.Close() }
