// Package worker hosts the two halves of the test-executing process: the
// supervisor that spawns and observes it, and the worker entrypoint that
// runs the execution loop behind a signal-safe boundary.
package worker

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/pdostal/os-autoinst/ipc"
)

// startHandshake is the line the supervisor writes to release the worker.
const startHandshake = "start"

// SupervisorConfig holds configuration for creating a new supervisor
type SupervisorConfig struct {
	Log     log.Logger
	Backend ipc.Handler // answers the worker's backend requests

	// Command is the binary to execute as the worker; defaults to the
	// running executable.
	Command string
	// Args are passed to the worker process verbatim.
	Args []string
	// Env entries appended to the inherited environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Supervisor owns the worker process and the parent end of the IPC
// channel. It never restarts a dead worker; worker death ends the run.
type Supervisor struct {
	cfg SupervisorConfig
	log log.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewSupervisor creates a new supervisor instance
func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if cfg.Backend == nil {
		return nil, errors.New("backend handler is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &Supervisor{cfg: cfg, log: cfg.Log}, nil
}

// Run spawns the worker with one end of a fresh socketpair, releases it
// with the start handshake, services its backend requests until it reports
// tests_done or dies, and waits for the process to exit. The returned
// status is nil when the worker closed the channel without reporting.
func (s *Supervisor) Run(ctx context.Context) (*ipc.FinalStatus, int, error) {
	pair, err := ipc.NewEndpointPair()
	if err != nil {
		return nil, -1, err
	}
	defer pair.Close()

	command := s.cfg.Command
	if command == "" {
		command, err = os.Executable()
		if err != nil {
			return nil, -1, errors.Wrap(err, "resolving own executable")
		}
	}

	cmd := exec.Command(command, s.cfg.Args...)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	cmd.Env = append(os.Environ(), s.cfg.Env...)
	// The child end becomes fd 3 in the worker.
	cmd.ExtraFiles = []*os.File{pair.Child}

	if err := cmd.Start(); err != nil {
		return nil, -1, errors.Wrap(err, "starting worker process")
	}
	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	pair.CloseChild()
	s.log.Info("Worker started", "pid", cmd.Process.Pid, "command", command)

	// Ask the worker to stop at its next safe point if our context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.log.Warn("Context canceled, terminating worker")
			_ = s.Terminate()
		case <-done:
		}
	}()

	if _, err := pair.Parent.Write([]byte(startHandshake + "\n")); err != nil {
		_ = s.Terminate()
		_ = cmd.Wait()
		return nil, -1, errors.Wrap(err, "sending start handshake")
	}

	status, serveErr := ipc.Serve(pair.Parent, s.cfg.Backend, s.log)
	_ = pair.Parent.Close()

	_ = cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	s.log.Info("Worker exited", "pid", cmd.Process.Pid, "code", code)

	if serveErr != nil {
		return status, code, serveErr
	}
	return status, code, nil
}

// Terminate delivers the terminate signal to the worker, asking it to
// persist in-flight results and exit.
func (s *Supervisor) Terminate() error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Signal(unix.SIGTERM)
}
