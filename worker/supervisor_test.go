package worker

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdostal/os-autoinst/ipc"
	"github.com/pdostal/os-autoinst/registry"
	"github.com/pdostal/os-autoinst/results"
)

// TestHelperWorker is not a real test: it is re-executed as the worker
// process by the supervisor tests, selected via -test.run and gated on an
// environment variable.
func TestHelperWorker(t *testing.T) {
	if os.Getenv("WORKER_HELPER") != "1" {
		return
	}
	logger := log.NewLogger(log.DiscardHandler())

	if os.Getenv("WORKER_HELPER_MODE") == "main" {
		// Run the real worker entrypoint end to end; Main does its own
		// handshake on the inherited descriptor.
		hang := os.Getenv("WORKER_HELPER_UNIT") == "hang"
		registry.RegisterFactory("console-smoke", func(registry.RunArgs) (registry.Runner, error) {
			return &helperRunner{hang: hang}, nil
		})
		os.Exit(Main(Config{
			Log:               logger,
			CaseDir:           os.Getenv("WORKER_HELPER_CASEDIR"),
			ResultDir:         os.Getenv("WORKER_HELPER_RESULTDIR"),
			LoadDir:           "console",
			MakeTestSnapshots: os.Getenv("WORKER_HELPER_SNAPSHOTS") == "1",
		}))
	}

	ch := ipc.NewChannel(ipc.FromFD(3, "supervisor"), logger)
	line, err := ch.ReadHandshake()
	if err != nil || line != "start\n" {
		os.Exit(3)
	}

	switch os.Getenv("WORKER_HELPER_MODE") {
	case "completed":
		if _, err := ch.Call("backend_can_handle", map[string]any{"function": "snapshots"}); err != nil {
			os.Exit(4)
		}
		_ = ch.Notify("tests_done", map[string]any{"died": false, "completed": true})
		os.Exit(0)
	case "died":
		_ = ch.Notify("tests_done", map[string]any{"died": true, "completed": false})
		os.Exit(0)
	case "silent":
		// Drop the channel without a final report.
		_ = ch.Close()
		os.Exit(0)
	case "hang":
		time.Sleep(time.Minute)
	}
	os.Exit(5)
}

type helperRunner struct {
	hang bool
}

func (r *helperRunner) IsApplicable() bool    { return true }
func (r *helperRunner) Flags() registry.Flags { return registry.Flags{} }
func (r *helperRunner) Run(_ context.Context) registry.Result {
	if r.hang {
		time.Sleep(time.Minute)
	}
	return registry.Ok()
}

func helperSupervisor(t *testing.T, mode string, env ...string) *Supervisor {
	t.Helper()
	sup, err := NewSupervisor(SupervisorConfig{
		Log:     log.NewLogger(log.DiscardHandler()),
		Backend: &ipc.AckHandler{Snapshots: true},
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperWorker"},
		Env:     append([]string{"WORKER_HELPER=1", "WORKER_HELPER_MODE=" + mode}, env...),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	require.NoError(t, err)
	return sup
}

func TestTerminateExitCode(t *testing.T) {
	assert.Equal(t, 1, terminateExitCode(true))
	assert.Equal(t, 0, terminateExitCode(false))
}

func TestNewSupervisorRequiresBackend(t *testing.T) {
	_, err := NewSupervisor(SupervisorConfig{Log: log.NewLogger(log.DiscardHandler())})
	require.Error(t, err)
}

func TestSupervisorCompletedRun(t *testing.T) {
	sup := helperSupervisor(t, "completed")

	status, code, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.NotNil(t, status)
	assert.True(t, status.Completed)
	assert.False(t, status.Died)
}

func TestSupervisorDiedRun(t *testing.T) {
	sup := helperSupervisor(t, "died")

	status, code, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.NotNil(t, status)
	assert.True(t, status.Died)
	assert.False(t, status.Completed)
}

func TestSupervisorSilentWorker(t *testing.T) {
	sup := helperSupervisor(t, "silent")

	status, code, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Nil(t, status, "no tests_done means no final status")
}

func TestSupervisorTerminatesOnContextCancel(t *testing.T) {
	sup := helperSupervisor(t, "hang")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	status, code, err := sup.Run(ctx)
	require.NoError(t, err)
	assert.Nil(t, status)
	assert.NotEqual(t, 0, code, "a signaled worker must not report success")
}

func TestSupervisorRunsWorkerMain(t *testing.T) {
	caseDir := t.TempDir()
	resultDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(caseDir, "console"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(caseDir, "console", "smoke.pm"), []byte("# test unit\n"), 0o644))

	sup := helperSupervisor(t, "main",
		"WORKER_HELPER_CASEDIR="+caseDir,
		"WORKER_HELPER_RESULTDIR="+resultDir,
	)

	status, code, err := sup.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	require.NotNil(t, status)
	assert.True(t, status.Completed)
	assert.False(t, status.Died)

	// The worker persisted both the schedule and the unit result.
	data, err := os.ReadFile(filepath.Join(resultDir, "result-smoke.json"))
	require.NoError(t, err)
	var res results.UnitResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.Equal(t, "passed", res.Result)
	assert.Equal(t, "console-smoke", res.Fullname)

	_, err = os.Stat(filepath.Join(resultDir, "testorder.json"))
	assert.NoError(t, err)
}

// unitStartedHandler flags the first pre-run snapshot save, which the
// worker only issues once the unit is marked as executing.
type unitStartedHandler struct {
	inner   ipc.Handler
	once    sync.Once
	started chan struct{}
}

func (h *unitStartedHandler) Handle(req ipc.Request) (any, error) {
	if req.Cmd() == "backend_save_snapshot" {
		h.once.Do(func() { close(h.started) })
	}
	return h.inner.Handle(req)
}

func TestSupervisorTerminateMidUnit(t *testing.T) {
	caseDir := t.TempDir()
	resultDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(caseDir, "console"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(caseDir, "console", "smoke.pm"), []byte("# test unit\n"), 0o644))

	started := &unitStartedHandler{inner: &ipc.AckHandler{Snapshots: true}, started: make(chan struct{})}
	sup, err := NewSupervisor(SupervisorConfig{
		Log:     log.NewLogger(log.DiscardHandler()),
		Backend: started,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperWorker"},
		Env: []string{
			"WORKER_HELPER=1",
			"WORKER_HELPER_MODE=main",
			"WORKER_HELPER_UNIT=hang",
			"WORKER_HELPER_SNAPSHOTS=1",
			"WORKER_HELPER_CASEDIR=" + caseDir,
			"WORKER_HELPER_RESULTDIR=" + resultDir,
		},
		Stdout: io.Discard,
		Stderr: io.Discard,
	})
	require.NoError(t, err)

	type result struct {
		status *ipc.FinalStatus
		code   int
		err    error
	}
	done := make(chan result, 1)
	go func() {
		status, code, rerr := sup.Run(context.Background())
		done <- result{status, code, rerr}
	}()

	select {
	case <-started.started:
	case <-time.After(10 * time.Second):
		t.Fatal("worker never started a unit")
	}
	require.NoError(t, sup.Terminate())

	res := <-done
	require.NoError(t, res.err)
	assert.Nil(t, res.status, "a terminated worker does not report tests_done")
	assert.Equal(t, 1, res.code)

	// The in-flight unit's result was persisted as canceled on the way out.
	data, err := os.ReadFile(filepath.Join(resultDir, "result-smoke.json"))
	require.NoError(t, err)
	var unitRes results.UnitResult
	require.NoError(t, json.Unmarshal(data, &unitRes))
	assert.Equal(t, "canceled", unitRes.Result)
}
