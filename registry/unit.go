package registry

import (
	"context"
	"sync"
	"time"
)

// Status represents the possible states of a scheduled test unit
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusPassed   Status = "passed"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
)

// Flags carries the scheduling hints a test unit declares about itself.
// Fatal is a tristate: nil means the unit never said either way, which
// matters when the backend cannot take snapshots (an unflagged failure is
// then treated as fatal).
type Flags struct {
	Fatal          *bool `json:"fatal,omitempty"`
	Milestone      bool  `json:"milestone,omitempty"`
	AlwaysRollback bool  `json:"always_rollback,omitempty"`
	NoRollback     bool  `json:"no_rollback,omitempty"`
}

// IsFatal reports whether the unit explicitly marked its failures fatal.
func (f Flags) IsFatal() bool {
	return f.Fatal != nil && *f.Fatal
}

// FatalUnset reports whether the unit left the fatal flag undeclared.
func (f Flags) FatalUnset() bool {
	return f.Fatal == nil
}

// Bool is a convenience for populating the tristate fatal flag.
func Bool(v bool) *bool {
	return &v
}

// Result classifies the outcome of running a unit's body.
type Result struct {
	Err   error // nil means the unit passed
	Fatal bool  // the unit declares its own failure unrecoverable
}

// Ok returns a passing result.
func Ok() Result {
	return Result{}
}

// Recoverable returns a failing result that the execution loop may roll
// back from.
func Recoverable(err error) Result {
	return Result{Err: err}
}

// FatalFailure returns a failing result that must end the run.
func FatalFailure(err error) Result {
	return Result{Err: err, Fatal: true}
}

// Failed reports whether the result carries an error.
func (r Result) Failed() bool {
	return r.Err != nil
}

// Runner is the capability set a test unit exposes to the scheduler.
type Runner interface {
	// IsApplicable decides whether the unit belongs in the current
	// schedule at all. Inapplicable units are registered but never run.
	IsApplicable() bool
	// Flags returns the unit's scheduling hints.
	Flags() Flags
	// Run executes the unit's body against the system under test.
	Run(ctx context.Context) Result
}

// RunArgs is the capability marker for caller-supplied run arguments. The
// payload is opaque to the registry and handed to the unit's factory
// unchanged; anything not implementing the marker is rejected at schedule
// time.
type RunArgs interface {
	RunArgs()
}

// BaseRunArgs can be embedded to satisfy the RunArgs capability.
type BaseRunArgs struct{}

func (BaseRunArgs) RunArgs() {}

// Factory constructs a runnable unit instance, optionally from
// caller-supplied run arguments.
type Factory func(args RunArgs) (Runner, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// RegisterFactory maps a unit's fullname ("category-name") to the factory
// producing its runnable instance. Units call this from their own
// initialization; scheduling a fullname without a registered factory is a
// load failure.
func RegisterFactory(fullname string, f Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[fullname] = f
}

func lookupFactory(fullname string) (Factory, bool) {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	f, ok := factories[fullname]
	return f, ok
}

// Unit is a named, scheduled piece of test work. The execution loop is the
// sole mutator once the run starts; no internal locking is needed.
type Unit struct {
	Name     string // display name, suffixed on fullname collision
	Category string
	Fullname string // stable "category-name" identity
	Script   string
	Flags    Flags

	key     string
	runArgs RunArgs
	runner  Runner

	status     Status
	failure    error
	startedAt  time.Time
	finishedAt time.Time
}

// Key returns the unique registry key (fullname plus collision suffix).
func (u *Unit) Key() string {
	return u.key
}

// Runner returns the unit's runnable instance.
func (u *Unit) Runner() Runner {
	return u.runner
}

// Status returns the unit's current execution state.
func (u *Unit) Status() Status {
	return u.status
}

// Failure returns the captured failure, if any.
func (u *Unit) Failure() error {
	return u.failure
}

// StartedAt returns when the unit started executing.
func (u *Unit) StartedAt() time.Time {
	return u.startedAt
}

// Duration returns how long the unit ran for.
func (u *Unit) Duration() time.Duration {
	if u.startedAt.IsZero() || u.finishedAt.IsZero() {
		return 0
	}
	return u.finishedAt.Sub(u.startedAt)
}

// Start marks the unit as executing.
func (u *Unit) Start() {
	u.status = StatusRunning
	u.startedAt = time.Now()
}

// MarkSkipped records that the unit was passed over before the system
// under test was loaded.
func (u *Unit) MarkSkipped() {
	u.status = StatusSkipped
}

// Finish records the unit's verdict.
func (u *Unit) Finish(res Result) {
	u.finishedAt = time.Now()
	if res.Failed() {
		u.status = StatusFailed
		u.failure = res.Err
		return
	}
	u.status = StatusPassed
}

// Cancel records a forced termination while the unit was executing.
func (u *Unit) Cancel() {
	u.finishedAt = time.Now()
	u.status = StatusCanceled
}
