package lsp

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/dshills/lspc/internal/process"
)

// Settings are per-server editing preferences sent with formatting requests.
type Settings struct {
	TabSize      uint32
	InsertSpaces bool
}

// DefaultSettings returns four-space indentation.
func DefaultSettings() Settings {
	return Settings{TabSize: 4, InsertSpaces: true}
}

// ServerConfig defines how to start a language server.
type ServerConfig struct {
	// Command is the executable to run.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// RootMarkers are file or directory names whose presence marks the
	// workspace root (e.g., "Cargo.toml", "go.mod").
	RootMarkers []string

	// InitializationOptions are sent during initialize.
	InitializationOptions any

	// Settings holds indentation preferences.
	Settings Settings
}

// Stdio is a running server's byte streams.
type Stdio struct {
	// In is the server's stdin.
	In io.WriteCloser

	// Out is the server's stdout.
	Out io.Reader

	// Err is the server's stderr. May be nil.
	Err io.Reader

	// Release stops the server process and frees its resources. May be nil.
	Release func() error
}

// Spawner launches language servers.
type Spawner interface {
	Spawn(ctx context.Context, langID string, cfg ServerConfig, root string) (Stdio, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, langID string, cfg ServerConfig, root string) (Stdio, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, langID string, cfg ServerConfig, root string) (Stdio, error) {
	return f(ctx, langID, cfg, root)
}

// ProcessSpawner starts servers as child processes tracked by a supervisor.
type ProcessSpawner struct {
	Supervisor *process.Supervisor

	// StopTimeout is the grace period between closing stdin, SIGTERM and
	// SIGKILL when a server is released.
	StopTimeout time.Duration
}

// NewProcessSpawner creates a spawner backed by sup.
func NewProcessSpawner(sup *process.Supervisor, stopTimeout time.Duration) *ProcessSpawner {
	if stopTimeout <= 0 {
		stopTimeout = 2 * time.Second
	}
	return &ProcessSpawner{Supervisor: sup, StopTimeout: stopTimeout}
}

// Spawn starts cfg.Command in root with piped stdio.
func (s *ProcessSpawner) Spawn(_ context.Context, langID string, cfg ServerConfig, root string) (Stdio, error) {
	if cfg.Command == "" {
		return Stdio{}, fmt.Errorf("no command configured for %s", langID)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Dir = root
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), envList(cfg.Env)...)
	}

	proc, err := s.Supervisor.Start(langID, cmd)
	if err != nil {
		return Stdio{}, err
	}

	return Stdio{
		In:  proc.Stdin,
		Out: proc.Stdout,
		Err: proc.Stderr,
		Release: func() error {
			return s.Supervisor.Stop(proc.ID, s.StopTimeout)
		},
	}, nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
