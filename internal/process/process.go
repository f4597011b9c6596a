package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Errors returned by the process package.
var (
	ErrNotRunning     = errors.New("server process not running")
	ErrStarted        = errors.New("server process already started")
	ErrLimitReached   = errors.New("server process limit reached")
	ErrSupervisorDone = errors.New("supervisor is shut down")
)

// State is the lifecycle position of a server process.
type State int32

const (
	StateCreated State = iota
	StateRunning
	// StateExited means the server exited by itself, whatever its code.
	StateExited
	// StateKilled means the server was ended by a signal.
	StateKilled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	}
	return fmt.Sprintf("unknown(%d)", int32(s))
}

// Process is one language server child process.
type Process struct {
	ID     string
	LangID string
	// Root is the workspace root the server runs in.
	Root string
	Cmd  *exec.Cmd

	// Piped standard streams. A stream the command already had is left nil.
	// Stdout and Stderr outlive the child; the reader closes them at EOF.
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	Started time.Time

	state    atomic.Int32
	exitCode atomic.Int32
	exited   chan struct{}

	// Write ends of the output pipes, held until the child has them.
	childEnds []*os.File

	closeStdin sync.Once
	waitErr    error
}

func newProcess(id, langID string, cmd *exec.Cmd) *Process {
	p := &Process{
		ID:     id,
		LangID: langID,
		Root:   cmd.Dir,
		Cmd:    cmd,
		exited: make(chan struct{}),
	}
	p.exitCode.Store(-1)
	return p
}

// State returns the current state.
func (p *Process) State() State { return State(p.state.Load()) }

// Running reports whether the server has started and not yet exited.
func (p *Process) Running() bool { return p.State() == StateRunning }

// Done is closed once the server has exited.
func (p *Process) Done() <-chan struct{} { return p.exited }

// ExitCode is -1 until the server exits, and for servers ended by a signal.
func (p *Process) ExitCode() int { return int(p.exitCode.Load()) }

// Err returns what waiting on the server reported. Only valid after Done.
func (p *Process) Err() error {
	select {
	case <-p.exited:
		return p.waitErr
	default:
		return nil
	}
}

// PID is -1 before the server starts.
func (p *Process) PID() int {
	if p.Cmd.Process == nil {
		return -1
	}
	return p.Cmd.Process.Pid
}

// Stop closes the server's stdin and gives it grace to exit. A server still
// alive after that gets SIGTERM, and SIGKILL after another grace period. It
// returns once the server is gone.
func (p *Process) Stop(grace time.Duration) error {
	if !p.Running() {
		return nil
	}
	p.closeInput()
	if p.waitExit(grace) {
		return nil
	}

	if err := p.signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("stopping %s server: %w", p.LangID, err)
	}
	if p.waitExit(grace) {
		return nil
	}

	if err := p.signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing %s server: %w", p.LangID, err)
	}
	<-p.exited
	return nil
}

func (p *Process) waitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.exited:
		return true
	case <-timer.C:
		return false
	}
}

func (p *Process) closeInput() {
	p.closeStdin.Do(func() {
		if p.Stdin != nil {
			_ = p.Stdin.Close()
		}
	})
}

// signal delivers sig unless the server already exited.
func (p *Process) signal(sig syscall.Signal) error {
	if p.Cmd.Process == nil {
		return ErrNotRunning
	}
	err := p.Cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *Process) start() error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateRunning)) {
		return ErrStarted
	}
	err := p.Cmd.Start()
	p.closeChildEnds()
	if err != nil {
		p.state.Store(int32(StateExited))
		close(p.exited)
		return fmt.Errorf("starting %s server %q: %w", p.LangID, p.Cmd.Path, err)
	}
	p.Started = time.Now()
	go p.wait()
	return nil
}

func (p *Process) closeChildEnds() {
	for _, f := range p.childEnds {
		_ = f.Close()
	}
	p.childEnds = nil
}

// wait reaps the child. Stdout and Stderr are plain pipes owned by the
// reader, so output written before exit stays readable until EOF.
func (p *Process) wait() {
	p.waitErr = p.Cmd.Wait()

	state := StateExited
	if ps := p.Cmd.ProcessState; ps != nil {
		p.exitCode.Store(int32(ps.ExitCode()))
		if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			state = StateKilled
		}
	}
	p.state.Store(int32(state))
	close(p.exited)
}
