// Package runner drives the scheduled test units against the system under
// test. It is a small state machine: units go pending -> skipped | running
// -> passed | failed, and the run as a whole either completes or aborts on
// the first fatal failure. Checkpointing is opportunistic: when the
// backend cannot take snapshots the loop still works, it just treats every
// failure as fatal.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/pdostal/os-autoinst/ipc"
	"github.com/pdostal/os-autoinst/metrics"
	"github.com/pdostal/os-autoinst/registry"
	"github.com/pdostal/os-autoinst/results"
	"github.com/pdostal/os-autoinst/snapshot"
)

// Channel is the slice of the IPC channel the scheduler needs.
type Channel interface {
	Call(cmd string, args map[string]any) (ipc.Response, error)
}

// Console exposes the scheduler's hooks into console selection. The
// actual selection logic lives outside; the loop only remembers which
// console was active at a milestone and asks for it back after rollbacks.
type Console interface {
	Current() string
	Select(name string) error
}

// EmptyScheduleError reports a run attempted with no units scheduled.
type EmptyScheduleError struct{}

func (e *EmptyScheduleError) Error() string {
	return "no test units have been scheduled"
}

// IsEmptyScheduleError checks if the error is or wraps an EmptyScheduleError.
func IsEmptyScheduleError(err error) bool {
	var emptyErr *EmptyScheduleError
	return err != nil && errors.As(err, &emptyErr)
}

// Config holds configuration for creating a new scheduler
type Config struct {
	Log       log.Logger
	Registry  *registry.Registry
	Channel   Channel
	Snapshots *snapshot.Manager
	Results   *results.Writer
	Console   Console // optional

	// StartFrom resumes execution at the unit with this fullname; every
	// unit before it is marked skipped without running.
	StartFrom string
	// TestDebug resumes from the last known good checkpoint instead of
	// the resume point's own, makes every failure fatal, and refreshes
	// the last known good checkpoint after every passing unit.
	TestDebug bool
	// MakeTestSnapshots saves a checkpoint named after each unit right
	// before running it, so the run can later resume exactly there.
	MakeTestSnapshots bool
	// DumpMemoryOnFail asks the backend for a memory dump whenever a
	// unit fails, before the failure is classified.
	DumpMemoryOnFail bool
}

// Scheduler walks the registry's order once, running units, persisting
// their results, and rolling the system under test back to the last known
// good checkpoint when a recoverable failure occurs. One Scheduler is
// constructed per run; it carries all run state explicitly.
type Scheduler struct {
	cfg   Config
	log   log.Logger
	runID string

	snapshotsSupported bool
	milestone          *registry.Unit // last unit followed by a lastgood save
	milestoneConsole   string         // console active at that milestone

	mu      sync.Mutex
	current *registry.Unit // unit executing right now, for forced stops
}

// NewScheduler creates a new scheduler instance
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Channel == nil {
		return nil, fmt.Errorf("backend channel is required")
	}
	if cfg.Snapshots == nil {
		return nil, fmt.Errorf("snapshot manager is required")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("results writer is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}
	return &Scheduler{
		cfg:   cfg,
		log:   cfg.Log,
		runID: uuid.New().String(),
	}, nil
}

// RunID identifies this run in logs, metrics and results.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Run executes the schedule. It returns completed=true when the schedule
// was exhausted without a fatal unit failure, completed=false when a fatal
// failure ended the run early. A non-nil error means the run machinery
// itself broke (empty schedule, lost backend) rather than a test failing.
func (s *Scheduler) Run(ctx context.Context) (completed bool, err error) {
	order := s.cfg.Registry.ScheduleOrder()
	if len(order) == 0 {
		return false, &EmptyScheduleError{}
	}

	start := time.Now()
	defer func() {
		result := "failed"
		if completed {
			result = "completed"
		}
		metrics.RecordRun(s.runID, result, time.Since(start))
	}()

	first := s.cfg.StartFrom
	if first == "" {
		first = order[0].Fullname
	}

	supported, err := s.cfg.Snapshots.Probe()
	if err != nil {
		return false, err
	}
	s.snapshotsSupported = supported

	s.cfg.Registry.MarkRunning()
	if err := s.cfg.Registry.Persist(); err != nil {
		return false, err
	}
	s.log.Info("Starting test schedule", "run_id", s.runID, "units", len(order), "first", first)

	sutLoaded := false
	for i := 0; i < len(s.cfg.Registry.ScheduleOrder()); i++ {
		// Safe point for cancellation between units.
		if cerr := ctx.Err(); cerr != nil {
			return false, cerr
		}
		// Re-read the order: units may have been appended while running.
		order = s.cfg.Registry.ScheduleOrder()
		u := order[i]
		flags := u.Flags
		fullname := u.Fullname

		if !sutLoaded && fullname == first {
			if s.cfg.StartFrom != "" {
				target := first
				if s.cfg.TestDebug {
					target = snapshot.LastGood
				}
				hint, lerr := s.cfg.Snapshots.Load(target)
				if lerr != nil {
					return false, lerr
				}
				if herr := s.applyRestoreHint(hint); herr != nil {
					return false, herr
				}
			}
			sutLoaded = true
		}
		if !sutLoaded {
			s.log.Info("skipping", "unit", fullname)
			u.MarkSkipped()
			s.persistUnit(u)
			continue
		}

		s.log.Info("starting", "unit", u.Name, "script", u.Script)
		if _, cerr := s.cfg.Channel.Call("set_current_test", map[string]any{
			"name":      u.Name,
			"full_name": fullname,
		}); cerr != nil {
			return false, cerr
		}
		u.Start()
		s.setCurrent(u)

		// Taken before the unit runs, so the run can resume exactly here
		// later. Never overwrite the snapshot we just resumed from.
		if supported && s.cfg.StartFrom != fullname && s.cfg.MakeTestSnapshots {
			if serr := s.cfg.Snapshots.Save(fullname); serr != nil {
				return false, serr
			}
		}

		res := s.runUnit(ctx, u)
		u.Finish(res)
		// Persist the verdict before deciding what to do about it.
		s.persistUnit(u)
		s.clearCurrent()
		metrics.RecordUnit(s.runID, fullname, string(u.Status()))

		if res.Failed() {
			s.log.Warn("Unit failed", "unit", fullname, "err", res.Err)
			if s.cfg.DumpMemoryOnFail {
				if _, derr := s.cfg.Channel.Call("backend_save_memory_dump", map[string]any{
					"filename": fullname,
				}); derr != nil {
					return false, derr
				}
			}
			fatal := res.Fatal || flags.IsFatal() ||
				(flags.FatalUnset() && !supported) || s.cfg.TestDebug
			if fatal {
				s.log.Error("Fatal unit failure, aborting schedule", "unit", fullname)
				s.stopBackend()
				return false, nil
			}
			if !flags.NoRollback {
				if rerr := s.rollbackToMilestone(); rerr != nil {
					return false, rerr
				}
			}
			continue
		}

		if supported && flags.AlwaysRollback && !flags.NoRollback {
			if rerr := s.rollbackToMilestone(); rerr != nil {
				return false, rerr
			}
		}

		makeSnapshot := s.cfg.TestDebug
		order = s.cfg.Registry.ScheduleOrder()
		if i != len(order)-1 {
			// Skip the checkpoint right before a fatal milestone, and
			// after the final unit: neither would ever be resumed from.
			next := order[i+1].Flags
			makeSnapshot = makeSnapshot ||
				(flags.Milestone && !(next.IsFatal() && next.Milestone))
		}
		if supported && makeSnapshot {
			if serr := s.cfg.Snapshots.Save(snapshot.LastGood); serr != nil {
				return false, serr
			}
			s.milestone = u
			if s.cfg.Console != nil {
				s.milestoneConsole = s.cfg.Console.Current()
			}
		}
	}

	if _, cerr := s.cfg.Channel.Call("set_current_test", map[string]any{}); cerr != nil {
		return false, cerr
	}
	s.log.Info("Test schedule completed", "run_id", s.runID)
	return true, nil
}

// ForceStop marks the currently executing unit canceled and persists its
// result. It is called from the terminate-signal path and must not touch
// the IPC channel. Returns true when a unit was actually executing.
func (s *Scheduler) ForceStop() bool {
	s.mu.Lock()
	u := s.current
	s.current = nil
	s.mu.Unlock()
	if u == nil {
		return false
	}
	s.log.Warn("Forced stop while unit was executing", "unit", u.Fullname)
	u.Cancel()
	s.persistUnit(u)
	metrics.RecordUnit(s.runID, u.Fullname, string(u.Status()))
	return true
}

// runUnit executes a unit's body, converting panics into recoverable
// failures.
func (s *Scheduler) runUnit(ctx context.Context, u *registry.Unit) (res registry.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("Panic while running unit", "unit", u.Fullname, "error", rec)
			res = registry.Recoverable(fmt.Errorf("runtime error: %v", rec))
		}
	}()
	return u.Runner().Run(ctx)
}

// rollbackToMilestone restores the last known good checkpoint and brings
// back the console that was active when it was taken. Without a milestone
// there is nothing to roll back to.
func (s *Scheduler) rollbackToMilestone() error {
	if s.milestone == nil {
		return nil
	}
	hint, err := s.cfg.Snapshots.Load(snapshot.LastGood)
	if err != nil {
		return err
	}
	if err := s.applyRestoreHint(hint); err != nil {
		return err
	}
	if s.milestoneConsole != "" && s.cfg.Console != nil {
		if err := s.cfg.Console.Select(s.milestoneConsole); err != nil {
			s.log.Warn("Unable to reselect milestone console", "console", s.milestoneConsole, "err", err)
		}
	}
	return nil
}

// applyRestoreHint acts on a backend hint returned by a snapshot restore:
// bounce serial capture and refresh the named console.
func (s *Scheduler) applyRestoreHint(hint string) error {
	if hint == "" {
		return nil
	}
	s.log.Debug("Acting on restore hint", "hint", hint)
	if _, err := s.cfg.Channel.Call("backend_stop_serial_grab", nil); err != nil {
		return err
	}
	if s.cfg.Console != nil {
		if err := s.cfg.Console.Select(hint); err != nil {
			s.log.Warn("Unable to select hinted console", "console", hint, "err", err)
		}
	}
	if _, err := s.cfg.Channel.Call("backend_start_serial_grab", nil); err != nil {
		return err
	}
	return nil
}

// stopBackend asks the backend to stop the system under test. Best effort,
// the run is over either way.
func (s *Scheduler) stopBackend() {
	if _, err := s.cfg.Channel.Call("stop_vm", nil); err != nil {
		s.log.Warn("Unable to stop backend", "err", err)
	}
}

func (s *Scheduler) setCurrent(u *registry.Unit) {
	s.mu.Lock()
	s.current = u
	s.mu.Unlock()
}

func (s *Scheduler) clearCurrent() {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
}

func (s *Scheduler) persistUnit(u *registry.Unit) {
	res := results.UnitResult{
		Name:     u.Name,
		Category: u.Category,
		Fullname: u.Fullname,
		Result:   string(u.Status()),
		Started:  results.Timestamp(u.StartedAt()),
		Duration: u.Duration().Seconds(),
	}
	if u.Failure() != nil {
		res.Error = u.Failure().Error()
	}
	if err := s.cfg.Results.WriteUnit(res); err != nil {
		s.log.Error("Unable to persist unit result", "unit", u.Name, "err", err)
		metrics.RecordErrorDetails("persist_unit_result", err)
	}
}
