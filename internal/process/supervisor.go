package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Supervisor starts language servers and tracks them until they exit.
type Supervisor struct {
	logger *zap.Logger
	limit  int
	onExit func(p *Process)

	mu      sync.Mutex
	running map[string]*Process
	reapers sync.WaitGroup
	closed  bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithMaxProcesses caps how many servers may run at once. Zero means no cap.
func WithMaxProcesses(n int) SupervisorOption {
	return func(s *Supervisor) {
		s.limit = n
	}
}

// WithProcessExitCallback runs fn after each server exits. A panic in fn is
// logged and swallowed.
func WithProcessExitCallback(fn func(p *Process)) SupervisorOption {
	return func(s *Supervisor) {
		s.onExit = fn
	}
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *zap.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// NewSupervisor creates a supervisor with no servers.
func NewSupervisor(opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		logger:  zap.NewNop(),
		running: make(map[string]*Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start runs cmd as the server for langID. cmd.Dir is taken as the
// workspace root. Any of stdin, stdout and stderr the command does not
// already have are piped.
func (s *Supervisor) Start(langID string, cmd *exec.Cmd) (*Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSupervisorDone
	}
	if s.limit > 0 && len(s.running) >= s.limit {
		return nil, fmt.Errorf("%w: %d running", ErrLimitReached, s.limit)
	}

	p := newProcess(uuid.NewString(), langID, cmd)
	if err := attachPipes(p); err != nil {
		return nil, err
	}
	if err := p.start(); err != nil {
		closeStreams(p)
		return nil, err
	}

	s.logger.Debug("server process started",
		zap.String("id", p.ID),
		zap.String("lang", langID),
		zap.String("root", p.Root),
		zap.Int("pid", p.PID()),
	)

	s.running[p.ID] = p
	s.reapers.Add(1)
	go s.reap(p)
	return p, nil
}

func attachPipes(p *Process) error {
	var err error
	if p.Cmd.Stdin == nil {
		if p.Stdin, err = p.Cmd.StdinPipe(); err != nil {
			return fmt.Errorf("stdin pipe for %s server: %w", p.LangID, err)
		}
	}
	if p.Cmd.Stdout == nil {
		r, w, err := os.Pipe()
		if err != nil {
			closeStreams(p)
			return fmt.Errorf("stdout pipe for %s server: %w", p.LangID, err)
		}
		p.Cmd.Stdout, p.Stdout = w, r
		p.childEnds = append(p.childEnds, w)
	}
	if p.Cmd.Stderr == nil {
		r, w, err := os.Pipe()
		if err != nil {
			closeStreams(p)
			return fmt.Errorf("stderr pipe for %s server: %w", p.LangID, err)
		}
		p.Cmd.Stderr, p.Stderr = w, r
		p.childEnds = append(p.childEnds, w)
	}
	return nil
}

// closeStreams releases every pipe end of a server that never started.
func closeStreams(p *Process) {
	if p.Stdin != nil {
		_ = p.Stdin.Close()
	}
	if p.Stdout != nil {
		_ = p.Stdout.Close()
	}
	if p.Stderr != nil {
		_ = p.Stderr.Close()
	}
	p.closeChildEnds()
}

// reap waits for p to exit, runs the exit callback and forgets p.
func (s *Supervisor) reap(p *Process) {
	defer s.reapers.Done()
	<-p.Done()

	s.logger.Debug("server process exited",
		zap.String("id", p.ID),
		zap.String("lang", p.LangID),
		zap.Stringer("state", p.State()),
		zap.Int("code", p.ExitCode()),
	)
	if s.onExit != nil {
		s.runExitCallback(p)
	}

	s.mu.Lock()
	delete(s.running, p.ID)
	s.mu.Unlock()
}

func (s *Supervisor) runExitCallback(p *Process) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("exit callback panicked", zap.String("id", p.ID), zap.Any("panic", r))
		}
	}()
	s.onExit(p)
}

// Get returns the running server with id, or nil.
func (s *Supervisor) Get(id string) *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

// ByLanguage returns the running servers for langID.
func (s *Supervisor) ByLanguage(langID string) []*Process {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Process
	for _, p := range s.running {
		if p.LangID == langID {
			out = append(out, p)
		}
	}
	return out
}

// Len returns the number of running servers.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Stop stops the server with id. Unknown or already exited ids are ignored.
func (s *Supervisor) Stop(id string, grace time.Duration) error {
	if p := s.Get(id); p != nil {
		return p.Stop(grace)
	}
	return nil
}

// Shutdown stops every server in parallel and refuses new ones. It returns
// once every server has exited and been reaped.
func (s *Supervisor) Shutdown(grace time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	var g errgroup.Group
	for _, p := range s.running {
		g.Go(func() error { return p.Stop(grace) })
	}
	s.mu.Unlock()

	err := g.Wait()
	s.reapers.Wait()
	return err
}

// Closed reports whether Shutdown has been called.
func (s *Supervisor) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
