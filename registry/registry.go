// Package registry owns the ordered collection of scheduled test units. It
// resolves unit sources, derives their identities, keeps the execution
// order, and persists the schedule for external observers.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
)

const scheduleFileName = "testorder.json"

var (
	scriptNameRE = regexp.MustCompile(`(\w+)/([^/]+)\.pm$`)
	categoryRE   = regexp.MustCompile(`(tests/[^/]+/)?tests/([\w/]+)/[^/]+\.pm$`)
)

// LoadError reports that a unit's source failed to resolve or instantiate.
// It is fatal to the whole run; a machine-readable "tests failed to load"
// state is persisted before it propagates.
type LoadError struct {
	Script string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("unable to load %s: %v", e.Script, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// IsLoadError checks if the error is or wraps a LoadError.
func IsLoadError(err error) bool {
	var loadErr *LoadError
	return err != nil && errors.As(err, &loadErr)
}

// RunArgsError reports a run-args payload that does not implement the
// RunArgs capability.
type RunArgsError struct {
	Got any
}

func (e *RunArgsError) Error() string {
	return fmt.Sprintf("run_args must implement the RunArgs capability, got %T", e.Got)
}

// IsRunArgsError checks if the error is or wraps a RunArgsError.
func IsRunArgsError(err error) bool {
	var argsErr *RunArgsError
	return err != nil && errors.As(err, &argsErr)
}

// StateSink persists machine-readable component failure states before a
// fatal error propagates.
type StateSink interface {
	WriteBaseState(component, msg string) error
}

// Config contains registry configuration
type Config struct {
	Log       log.Logger
	CaseDir   string // canonical test source tree
	AssetDir  string // asset overrides live under <AssetDir>/other
	ResultDir string // where the schedule file is persisted
	State     StateSink
}

// Registry holds every registered test unit and the executable Schedule.
// It is owned by the worker process; all access is single-threaded.
type Registry struct {
	cfg Config
	log log.Logger

	units   []*Unit          // every registered unit, applicable or not
	order   []*Unit          // the Schedule: applicable units, insertion order
	byKey   map[string]*Unit // fullname+suffix -> unit
	running bool
}

// NewRegistry creates a new registry instance
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.CaseDir == "" {
		return nil, fmt.Errorf("case directory is required")
	}
	if cfg.Log == nil {
		cfg.Log = log.New()
		cfg.Log.Error("No logger provided, using default")
	}

	return &Registry{
		cfg:   cfg,
		log:   cfg.Log,
		byKey: make(map[string]*Unit),
	}, nil
}

// ScheduleOptions carries optional per-unit scheduling parameters.
type ScheduleOptions struct {
	// RunArgs is an opaque payload handed to the unit's factory. It must
	// implement the RunArgs capability.
	RunArgs any
}

// Schedule resolves a unit source locator, constructs the unit, and
// appends it to the Schedule if applicable. Duplicated fullnames get a
// disambiguating display-name suffix; the fullname itself never changes.
func (r *Registry) Schedule(locator string, opts *ScheduleOptions) (*Unit, error) {
	script := r.resolveScript(locator)

	// Identity is derived from the case-dir-relative locator only, so a
	// source tree mounted under a tests/ path does not leak into the
	// category.
	name, category, err := parseTestPath(script)
	if err != nil {
		return nil, r.loadFailure(script, err)
	}
	fullname := category + "-" + name

	var args RunArgs
	if opts != nil && opts.RunArgs != nil {
		ra, ok := opts.RunArgs.(RunArgs)
		if !ok {
			return nil, &RunArgsError{Got: opts.RunArgs}
		}
		args = ra
	}

	factory, ok := lookupFactory(fullname)
	if !ok {
		return nil, r.loadFailure(script, fmt.Errorf("no test unit registered for %s", fullname))
	}
	runner, err := construct(factory, args)
	if err != nil {
		return nil, r.loadFailure(script, err)
	}

	// Disambiguate colliding fullnames: the first keeps its name, later
	// ones get #1, #2, ... appended to the display name only.
	nr := ""
	displayName := name
	for {
		if _, exists := r.byKey[fullname+nr]; !exists {
			break
		}
		if nr == "" {
			nr = "1"
		} else {
			n, _ := strconv.Atoi(nr)
			nr = strconv.Itoa(n + 1)
		}
		displayName = name + "#" + nr
	}

	unit := &Unit{
		Name:     displayName,
		Category: category,
		Fullname: fullname,
		Script:   script,
		Flags:    runner.Flags(),
		key:      fullname + nr,
		runArgs:  args,
		runner:   runner,
		status:   StatusPending,
	}
	r.units = append(r.units, unit)
	r.byKey[unit.key] = unit

	if !runner.IsApplicable() {
		r.log.Info("skipping inapplicable unit", "unit", fullname)
		return unit, nil
	}

	r.order = append(r.order, unit)
	r.log.Info("scheduling", "unit", unit.Name, "script", script)

	if r.running {
		if err := r.Persist(); err != nil {
			return unit, fmt.Errorf("persisting schedule after change: %w", err)
		}
	}
	return unit, nil
}

// ResolveDirectory schedules every unit source found directly inside dir,
// in lexical order. Legacy callers sometimes pass the directory as an
// absolute path below the case directory; it is normalized back to a
// relative one first.
func (r *Registry) ResolveDirectory(dir string) error {
	dir = strings.TrimPrefix(dir, r.cfg.CaseDir+"/")
	full := filepath.Join(r.cfg.CaseDir, dir)

	entries, err := os.ReadDir(full)
	if err != nil {
		return fmt.Errorf("reading test directory %s: %w", full, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pm") {
			continue
		}
		if _, err := r.Schedule(filepath.Join(dir, entry.Name()), nil); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleEntry is one record of the persisted schedule file.
type ScheduleEntry struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Flags    Flags  `json:"flags"`
	Script   string `json:"script"`
}

// ScheduleEntries returns the persistable view of the current Schedule.
func (r *Registry) ScheduleEntries() []ScheduleEntry {
	entries := make([]ScheduleEntry, 0, len(r.order))
	for _, u := range r.order {
		entries = append(entries, ScheduleEntry{
			Name:     u.Name,
			Category: u.Category,
			Flags:    u.Flags,
			Script:   u.Script,
		})
	}
	return entries
}

// SchedulePath returns the location of the persisted schedule file.
func (r *Registry) SchedulePath() string {
	return filepath.Join(r.cfg.ResultDir, scheduleFileName)
}

// Persist writes the current Schedule for external observers. Called once
// at run start and again after every dynamic schedule change.
func (r *Registry) Persist() error {
	if err := os.MkdirAll(r.cfg.ResultDir, 0o755); err != nil {
		return fmt.Errorf("creating result directory: %w", err)
	}
	data, err := json.MarshalIndent(r.ScheduleEntries(), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding schedule: %w", err)
	}
	if err := os.WriteFile(r.SchedulePath(), data, 0o644); err != nil {
		return fmt.Errorf("writing schedule file: %w", err)
	}
	r.log.Debug("Schedule persisted", "path", r.SchedulePath(), "units", len(r.order))
	return nil
}

// ScheduleOrder returns the executable Schedule in insertion order. The
// slice grows append-only while running; callers re-read it to observe
// units scheduled at run time.
func (r *Registry) ScheduleOrder() []*Unit {
	return r.order
}

// Units returns every registered unit, including inapplicable ones.
func (r *Registry) Units() []*Unit {
	return r.units
}

// MarkRunning switches the registry into its executing phase; from now on
// every schedule change is re-persisted immediately.
func (r *Registry) MarkRunning() {
	r.running = true
}

// resolveScript prefers an identically-named file under the asset override
// directory over the canonical source tree. The returned script locator is
// always relative to the case directory.
func (r *Registry) resolveScript(locator string) string {
	if r.cfg.AssetDir != "" {
		override := filepath.Join(r.cfg.AssetDir, "other", locator)
		if _, err := os.Stat(override); err == nil {
			if rel, err := filepath.Rel(r.cfg.CaseDir, override); err == nil {
				r.log.Debug("Using override script", "locator", locator, "script", rel)
				return rel
			}
		}
	}
	if _, err := os.Stat(filepath.Join(r.cfg.CaseDir, locator)); err != nil {
		r.log.Warn("Script does not exist under the case directory", "script", locator)
	}
	return locator
}

// parseTestPath derives a unit's name and category from its relative
// script locator. The category is the script's parent directory, unless
// the locator lies inside a nested tests/ tree, in which case the deepest
// such segment wins. The literal override category is preserved verbatim.
func parseTestPath(script string) (name, category string, err error) {
	m := scriptNameRE.FindStringSubmatch(script)
	if m == nil {
		return "", "", fmt.Errorf("test script %q must be named <category>/<name>.pm", script)
	}
	category, name = m[1], m[2]
	if category != "other" {
		if cm := categoryRE.FindStringSubmatch(script); cm != nil {
			category = cm[2]
		}
	}
	return name, category, nil
}

func (r *Registry) loadFailure(script string, err error) error {
	r.log.Error("Unable to load test unit", "script", script, "err", err)
	if r.cfg.State != nil {
		if serr := r.cfg.State.WriteBaseState("tests", err.Error()); serr != nil {
			r.log.Error("Unable to persist load failure state", "err", serr)
		}
	}
	return &LoadError{Script: script, Err: err}
}

// construct invokes a unit factory, converting panics into load errors.
func construct(factory Factory, args RunArgs) (runner Runner, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("unit factory panicked: %v", rec)
		}
	}()
	return factory(args)
}
