package worker

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sys/unix"

	"github.com/pdostal/os-autoinst/exitcodes"
	"github.com/pdostal/os-autoinst/ipc"
	"github.com/pdostal/os-autoinst/registry"
	"github.com/pdostal/os-autoinst/results"
	"github.com/pdostal/os-autoinst/runner"
	"github.com/pdostal/os-autoinst/snapshot"
)

// channelFD is where the supervisor's socketpair end shows up in the
// worker process (first ExtraFiles slot).
const channelFD = 3

// Config holds configuration for the worker process
type Config struct {
	Log log.Logger

	CaseDir   string
	AssetDir  string
	ResultDir string

	SchedulePath string // YAML schedule profile, optional
	LoadDir      string // directory to bulk-schedule, optional

	StartFrom         string
	TestDebug         bool
	MakeTestSnapshots bool
	DumpMemoryOnFail  bool
}

// workerState is shared between the worker main flow and its terminate
// signal handler.
type workerState struct {
	log log.Logger

	mu    sync.Mutex
	sched *runner.Scheduler
}

func (w *workerState) setScheduler(s *runner.Scheduler) {
	w.mu.Lock()
	w.sched = s
	w.mu.Unlock()
}

func (w *workerState) scheduler() *runner.Scheduler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sched
}

// handleTerminate services the custom terminate-signal path: persist the
// in-flight unit's result as canceled, then leave immediately. Normal
// unwinding may be unsafe mid-signal, so the process exits right here.
func (w *workerState) handleTerminate(sig <-chan os.Signal) {
	<-sig
	w.log.Warn("Terminate signal received")
	interrupted := false
	if s := w.scheduler(); s != nil {
		interrupted = s.ForceStop()
	}
	os.Exit(terminateExitCode(interrupted))
}

// terminateExitCode picks the exit status for the terminate-signal path.
// Only a signal that actually interrupted an executing unit is a test
// failure; an idle-period signal exits cleanly.
func terminateExitCode(interrupted bool) int {
	if interrupted {
		return exitcodes.TestFailure
	}
	return exitcodes.Success
}

// Main is the worker process entrypoint. It wires up the inherited channel
// end, installs the signal discipline, waits for the start handshake, runs
// the execution loop, and always reports a final status before exiting.
// The returned code is the process exit code; infrastructure failures are
// reported via the tests_done message, not the exit code.
func Main(cfg Config) int {
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}

	ch := ipc.NewChannel(ipc.FromFD(channelFD, "supervisor"), logger)
	defer ch.Close()

	w := &workerState{log: logger}

	// Behave like a normal foreground process for these; only the
	// terminate signal gets the custom persist-then-exit path.
	signal.Reset(unix.SIGINT, unix.SIGHUP, unix.SIGCHLD)
	term := make(chan os.Signal, 1)
	signal.Notify(term, unix.SIGTERM)
	go w.handleTerminate(term)

	// Block until the supervisor releases us. A closed channel means the
	// parent went away before the run began; leave quietly.
	line, err := ch.ReadHandshake()
	if err != nil {
		logger.Info("Supervisor closed the channel before handshake, exiting")
		return exitcodes.Success
	}
	logger.Debug("Start signal received", "line", strings.TrimSpace(line))

	start := time.Now()
	completed, reg, runErr := run(cfg, logger, ch, w)
	died := runErr != nil
	if runErr != nil {
		logger.Error("Test schedule died", "err", runErr)
	}

	if reg != nil {
		runner.PrintSummary(os.Stdout, reg, time.Since(start), completed)
	}

	if err := ch.Notify("tests_done", map[string]any{
		"died":      died,
		"completed": completed,
	}); err != nil {
		logger.Error("Unable to report final status", "err", err)
	}
	return exitcodes.Success
}

// run builds the registry and scheduler and executes the schedule. The
// registry is returned even on failure so a partial summary can be
// printed.
func run(cfg Config, logger log.Logger, ch *ipc.Channel, w *workerState) (bool, *registry.Registry, error) {
	writer, err := results.NewWriter(cfg.ResultDir, logger)
	if err != nil {
		return false, nil, err
	}

	reg, err := registry.NewRegistry(registry.Config{
		Log:       logger,
		CaseDir:   cfg.CaseDir,
		AssetDir:  cfg.AssetDir,
		ResultDir: cfg.ResultDir,
		State:     writer,
	})
	if err != nil {
		return false, nil, err
	}

	if cfg.SchedulePath != "" {
		if err := reg.LoadScheduleFile(cfg.SchedulePath); err != nil {
			return false, reg, err
		}
	}
	if cfg.LoadDir != "" {
		if err := reg.ResolveDirectory(cfg.LoadDir); err != nil {
			return false, reg, err
		}
	}

	sched, err := runner.NewScheduler(runner.Config{
		Log:               logger,
		Registry:          reg,
		Channel:           ch,
		Snapshots:         snapshot.NewManager(ch, logger),
		Results:           writer,
		StartFrom:         cfg.StartFrom,
		TestDebug:         cfg.TestDebug,
		MakeTestSnapshots: cfg.MakeTestSnapshots,
		DumpMemoryOnFail:  cfg.DumpMemoryOnFail,
	})
	if err != nil {
		return false, reg, err
	}
	w.setScheduler(sched)

	completed, err := sched.Run(context.Background())
	return completed, reg, err
}
