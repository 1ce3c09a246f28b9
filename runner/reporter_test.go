package runner

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdostal/os-autoinst/registry"
)

func TestPrintSummary(t *testing.T) {
	h := newHarness(t, false)
	h.addUnit("installation", "bootloader", registry.Flags{}, pass)
	h.addUnit("console", "breaks", registry.Flags{}, fail)
	h.addUnit("console", "unreached", registry.Flags{}, pass)
	sched := h.scheduler(nil)

	completed, err := sched.Run(context.Background())
	require.NoError(t, err)
	require.False(t, completed)

	var buf bytes.Buffer
	PrintSummary(&buf, h.reg, 90*time.Second, completed)
	out := buf.String()

	assert.Contains(t, out, "bootloader")
	assert.Contains(t, out, "breaks")
	assert.Contains(t, out, "not reached")
	assert.Contains(t, out, "1 passed, 1 failed, 0 skipped, 0 canceled")
	assert.Contains(t, out, "✗ failed")
	assert.Contains(t, out, "90.0s")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0.0s", formatDuration(0))
	assert.Equal(t, "12.3s", formatDuration(12340*time.Millisecond))
}
