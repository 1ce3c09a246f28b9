package service

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleHealthz(t *testing.T) {
	h := &HealthzServer{}
	rec := httptest.NewRecorder()
	h.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "testorder.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"name":"bootloader"}]`), 0o644))

	h := &HealthzServer{schedulePath: path}
	rec := httptest.NewRecorder()
	h.HandleSchedule(rec, httptest.NewRequest(http.MethodGet, "/schedule", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "bootloader")
}

func TestHandleScheduleNotYetPersisted(t *testing.T) {
	h := &HealthzServer{schedulePath: filepath.Join(t.TempDir(), "testorder.json")}
	rec := httptest.NewRecorder()
	h.HandleSchedule(rec, httptest.NewRequest(http.MethodGet, "/schedule", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
