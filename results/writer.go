// Package results persists per-unit outcomes and component failure states
// into the results directory, one small JSON file each.
package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// UnitResult is the terminal record written once for every unit that was
// executed, skipped, or canceled.
type UnitResult struct {
	Name     string  `json:"name"`
	Category string  `json:"category"`
	Fullname string  `json:"fullname"`
	Result   string  `json:"result"`
	Error    string  `json:"error,omitempty"`
	Started  string  `json:"started,omitempty"`
	Duration float64 `json:"duration"`
}

// baseState is the machine-readable "component failed" marker consumed by
// external observers when the run aborts before producing results.
type baseState struct {
	Component string `json:"component"`
	Msg       string `json:"msg"`
}

// Writer persists results below a single directory.
type Writer struct {
	dir string
	log log.Logger
}

// NewWriter creates the results directory if needed.
func NewWriter(dir string, logger log.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("results directory is required")
	}
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating results directory: %w", err)
	}
	return &Writer{dir: dir, log: logger}, nil
}

// Dir returns the results directory.
func (w *Writer) Dir() string {
	return w.dir
}

// UnitResultPath returns where a unit's result file lives.
func (w *Writer) UnitResultPath(name string) string {
	return filepath.Join(w.dir, "result-"+name+".json")
}

// WriteUnit persists one unit's terminal result.
func (w *Writer) WriteUnit(res UnitResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding result for %s: %w", res.Name, err)
	}
	path := w.UnitResultPath(res.Name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing result for %s: %w", res.Name, err)
	}
	w.log.Debug("Unit result persisted", "unit", res.Name, "result", res.Result, "path", path)
	return nil
}

// WriteBaseState records that a whole component failed, e.g. the tests
// component when a unit source cannot be loaded.
func (w *Writer) WriteBaseState(component, msg string) error {
	data, err := json.Marshal(baseState{Component: component, Msg: msg})
	if err != nil {
		return fmt.Errorf("encoding base state: %w", err)
	}
	path := filepath.Join(w.dir, "base_state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing base state: %w", err)
	}
	w.log.Debug("Base state persisted", "component", component, "path", path)
	return nil
}

// Timestamp formats a result timestamp the way the result files expect.
func Timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
