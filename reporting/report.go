// Package reporting turns the pages of a finished run into a result summary,
// printed as a table and persisted as report.json.
package reporting

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
)

// Status is the outcome of a page or of the whole run.
type Status string

const (
	StatusPass       Status = "pass"
	StatusFail       Status = "fail"
	StatusIncomplete Status = "incomplete"
)

// PageResult summarizes one tested page.
type PageResult struct {
	URL      string        `json:"url"`
	ID       string        `json:"id,omitempty"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Tests    int           `json:"tests"`
	Passed   int           `json:"passed"`
	Failed   int           `json:"failed"`
	Error    string        `json:"error,omitempty"`
	// FailedTests lists "module: test" for each failed test.
	FailedTests []string  `json:"failedTests,omitempty"`
	Page        *job.Page `json:"page,omitempty"`
}

// Stats aggregates counts across pages.
type Stats struct {
	Pages  int `json:"pages"`
	Tests  int `json:"tests"`
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// RunResult is the summary of a whole run.
type RunResult struct {
	RunID    string        `json:"runId"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Stats    Stats         `json:"stats"`
	Pages    []PageResult  `json:"pages"`
}

// Build summarizes the tested urls. errors holds the failure of each page
// whose session did not end cleanly; pages the run never heard from are
// reported incomplete.
func Build(j *job.Job, urls []string, errors map[string]error, duration time.Duration) *RunResult {
	pages := j.Snapshot()
	result := &RunResult{
		RunID:    j.RunID,
		Status:   StatusPass,
		Duration: duration,
	}
	for _, url := range urls {
		pr := PageResult{URL: url, Status: StatusIncomplete}
		if page := pages[job.StripHash(url)]; page != nil {
			pr = pageResult(url, page)
		}
		if err := errors[url]; err != nil {
			pr.Error = err.Error()
			if pr.Status == StatusPass {
				pr.Status = StatusFail
			}
		}
		result.Pages = append(result.Pages, pr)

		result.Stats.Pages++
		result.Stats.Tests += pr.Tests
		result.Stats.Passed += pr.Passed
		result.Stats.Failed += pr.Failed
		if pr.Status != StatusPass {
			result.Status = StatusFail
		}
	}
	if j.Failed() {
		result.Status = StatusFail
	}
	return result
}

func pageResult(url string, page *job.Page) PageResult {
	pr := PageResult{
		URL:    url,
		ID:     page.ID,
		Tests:  page.Count,
		Passed: page.Passed,
		Failed: page.Failed,
		Page:   page,
	}
	if pr.Tests == 0 {
		pr.Tests = page.RecordedTests()
	}
	if page.End != nil {
		pr.Duration = page.End.Sub(page.Start)
	}
	switch {
	case !page.Completed():
		pr.Status = StatusIncomplete
	case page.Failed > 0:
		pr.Status = StatusFail
	default:
		pr.Status = StatusPass
	}
	for _, m := range page.Modules {
		for _, t := range m.Tests {
			if failedCount(t.Report) > 0 {
				pr.FailedTests = append(pr.FailedTests, fmt.Sprintf("%s: %s", m.Name, t.Name))
			}
		}
	}
	slices.Sort(pr.FailedTests)
	return pr
}

func failedCount(report map[string]any) int {
	switch n := report["failed"].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// String is a one-line summary of the run.
func (r *RunResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s %s: %d pages, %d tests, %d passed, %d failed (%s)",
		r.RunID, strings.ToUpper(string(r.Status)), r.Stats.Pages, r.Stats.Tests, r.Stats.Passed, r.Stats.Failed,
		formatDuration(r.Duration))
	return b.String()
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Millisecond).String()
}
