// Package autotest is the supervising half of the test scheduler. It
// spawns the worker process that executes the schedule, answers the
// worker's backend requests (by relaying them to the backend process), and
// turns the worker's final report into an exit status.
package autotest

import (
	"context"
	"errors"
	"net"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"

	"github.com/pdostal/os-autoinst/exitcodes"
	"github.com/pdostal/os-autoinst/ipc"
	"github.com/pdostal/os-autoinst/worker"
)

// Autotest runs one test schedule from start to finish.
type Autotest struct {
	ctx     context.Context
	config  *Config
	version string
	log     log.Logger

	running atomic.Bool
}

// New creates the scheduler service.
func New(ctx context.Context, config *Config, version string) (*Autotest, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	config.Log.Debug("Creating autotest with config",
		"casedir", config.CaseDir,
		"assetdir", config.AssetDir,
		"resultdir", config.ResultDir,
		"schedule", config.SchedulePath,
		"backendSocket", config.BackendSocket)

	return &Autotest{
		ctx:     ctx,
		config:  config,
		version: version,
		log:     config.Log,
	}, nil
}

// Start runs the schedule once and blocks until the worker has exited.
// The returned error is typed so callers can map it to an exit code:
// TestFailureError for a failed schedule, RuntimeError for broken
// machinery.
func (a *Autotest) Start(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)
	a.log.Info("Starting test schedule", "version", a.version)

	backend, closeBackend, err := a.backendHandler()
	if err != nil {
		return NewRuntimeError(err)
	}
	defer closeBackend()

	sup, err := worker.NewSupervisor(worker.SupervisorConfig{
		Log:     a.log,
		Backend: backend,
		Args:    a.config.WorkerArgs,
	})
	if err != nil {
		return NewRuntimeError(err)
	}

	status, code, err := sup.Run(ctx)
	if err != nil {
		return NewRuntimeError(err)
	}
	if code == exitcodes.TestFailure {
		return NewTestFailureError("worker was terminated while a unit was executing")
	}
	if status == nil {
		return NewRuntimeError(errors.New("worker exited without reporting a final status"))
	}
	if status.Died {
		return NewRuntimeError(errors.New("test schedule died"))
	}
	if !status.Completed {
		return NewTestFailureError("test schedule failed")
	}
	a.log.Info("Test schedule completed")
	return nil
}

// Stopped reports whether a schedule is currently running.
func (a *Autotest) Stopped() bool {
	return !a.running.Load()
}

// backendHandler connects to the backend process, or substitutes a stub
// that acknowledges everything and reports snapshots unsupported.
func (a *Autotest) backendHandler() (ipc.Handler, func(), error) {
	if a.config.BackendSocket == "" {
		a.log.Warn("No backend socket configured, using a stub backend (snapshots unsupported)")
		return &ipc.AckHandler{}, func() {}, nil
	}
	conn, err := net.Dial("unix", a.config.BackendSocket)
	if err != nil {
		return nil, nil, err
	}
	ch := ipc.NewChannel(conn, a.log)
	return ipc.NewProxyHandler(ch), func() { _ = ch.Close() }, nil
}
