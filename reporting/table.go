package reporting

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// PrintTable renders the run results.
func PrintTable(w io.Writer, r *RunResult) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle(fmt.Sprintf("Page Test Results (%s)", formatDuration(r.Duration)))

	t.AppendHeader(table.Row{
		"Type", "ID", "Duration", "Tests", "Passed", "Failed", "Status", "Error",
	})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Type", AutoMerge: true},
		{Name: "ID", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Tests", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Error", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, page := range r.Pages {
		t.AppendRow(table.Row{
			"Page",
			page.URL,
			formatDuration(page.Duration),
			page.Tests,
			page.Passed,
			page.Failed,
			statusString(page.Status),
			page.Error,
		})
		for i, name := range page.FailedTests {
			prefix := "├──"
			if i == len(page.FailedTests)-1 {
				prefix = "└──"
			}
			t.AppendRow(table.Row{
				"Test",
				fmt.Sprintf("%s %s", prefix, name),
				"", "", "", "",
				statusString(StatusFail),
				"",
			})
		}
		t.AppendSeparator()
	}

	if r.Status == StatusPass {
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	} else {
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	}

	t.AppendFooter(table.Row{
		"TOTAL",
		fmt.Sprintf("%d pages", r.Stats.Pages),
		formatDuration(r.Duration),
		r.Stats.Tests,
		r.Stats.Passed,
		r.Stats.Failed,
		statusString(r.Status),
		"",
	})
	t.Render()
}

func statusString(s Status) string {
	switch s {
	case StatusPass:
		return "✓ pass"
	case StatusFail:
		return "✗ fail"
	}
	return strings.ToLower(string(s))
}
