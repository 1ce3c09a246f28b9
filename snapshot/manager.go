// Package snapshot is a thin semantic layer over the IPC channel for
// checkpointing the system under test. The backend may not support
// snapshots at all; in that case every operation is a no-op and the
// execution loop falls back to treating all failures as fatal.
package snapshot

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/pdostal/os-autoinst/ipc"
	"github.com/pdostal/os-autoinst/metrics"
)

// LastGood names the transient "last known good" checkpoint that the
// execution loop refreshes opportunistically after milestones.
const LastGood = "lastgood"

// Channel is the slice of the IPC channel the manager needs.
type Channel interface {
	Call(cmd string, args map[string]any) (ipc.Response, error)
}

// Manager issues snapshot operations to the backend.
type Manager struct {
	ch  Channel
	log log.Logger

	supported bool
}

// NewManager wraps a channel to the backend.
func NewManager(ch Channel, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.New()
		logger.Error("No logger provided, using default")
	}
	return &Manager{ch: ch, log: logger}
}

// Probe asks the backend once whether it can take snapshots. The answer is
// recorded for the rest of the run.
func (m *Manager) Probe() (bool, error) {
	resp, err := m.ch.Call("backend_can_handle", map[string]any{"function": "snapshots"})
	if err != nil {
		return false, err
	}
	m.supported = resp.RetBool()
	if m.supported {
		m.log.Info("Snapshots are supported")
	} else {
		m.log.Info("Snapshots are not supported")
	}
	return m.supported, nil
}

// Supported reports the probed capability.
func (m *Manager) Supported() bool {
	return m.supported
}

// Save creates a named snapshot of the system under test. A no-op when the
// backend lacks snapshot support.
func (m *Manager) Save(name string) error {
	if !m.supported {
		m.log.Debug("Skipping snapshot save, not supported", "name", name)
		return nil
	}
	m.log.Info("Saving a VM snapshot", "name", name)
	metrics.RecordSnapshot("save")
	_, err := m.ch.Call("backend_save_snapshot", map[string]any{"name": name})
	return err
}

// Load restores a named snapshot. The backend may answer with a hint
// string asking the caller to refresh a console; the caller must act on it
// immediately. A no-op when the backend lacks snapshot support.
func (m *Manager) Load(name string) (string, error) {
	if !m.supported {
		m.log.Debug("Skipping snapshot load, not supported", "name", name)
		return "", nil
	}
	m.log.Info("Loading a VM snapshot", "name", name)
	metrics.RecordSnapshot("load")
	resp, err := m.ch.Call("backend_load_snapshot", map[string]any{"name": name})
	if err != nil {
		return "", err
	}
	return resp.RetString(), nil
}
