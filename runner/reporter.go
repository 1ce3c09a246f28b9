package runner

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/pdostal/os-autoinst/registry"
)

// PrintSummary renders the executed schedule as a table, one row per unit.
func PrintSummary(w io.Writer, reg *registry.Registry, duration time.Duration, completed bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Test Schedule Results (%s)", formatDuration(duration)))

	t.AppendHeader(table.Row{"Unit", "Category", "Script", "Status", "Duration"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Script", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
	})

	var passed, failed, skipped, canceled int
	for _, u := range reg.ScheduleOrder() {
		switch u.Status() {
		case registry.StatusPassed:
			passed++
		case registry.StatusFailed:
			failed++
		case registry.StatusSkipped:
			skipped++
		case registry.StatusCanceled:
			canceled++
		}
		t.AppendRow(table.Row{
			u.Name,
			u.Category,
			u.Script,
			statusString(u.Status()),
			formatDuration(u.Duration()),
		})
	}

	if completed {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		"",
		fmt.Sprintf("%d passed, %d failed, %d skipped, %d canceled", passed, failed, skipped, canceled),
		overallString(completed),
		formatDuration(duration),
	})
	t.Render()
}

func statusString(s registry.Status) string {
	switch s {
	case registry.StatusPassed:
		return "✓ pass"
	case registry.StatusSkipped:
		return "- skip"
	case registry.StatusPending:
		return "  not reached"
	case registry.StatusCanceled:
		return "✗ canceled"
	default:
		return "✗ fail"
	}
}

func overallString(completed bool) string {
	if completed {
		return "✓ completed"
	}
	return "✗ failed"
}

// formatDuration renders seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
