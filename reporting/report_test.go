package reporting

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	passingURL    = "http://localhost:8080/test/unit/unitTests.qunit.html"
	failingURL    = "http://localhost:8080/test/integration/opaTests.qunit.html"
	incompleteURL = "http://localhost:8080/test/other.qunit.html"
)

func testRun(t *testing.T) *job.Job {
	t.Helper()
	j := job.New(job.DefaultConfig(), log.NewLogger(log.DiscardHandler()))
	start := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(1500 * time.Millisecond)

	j.Lock()
	defer j.Unlock()
	j.Pages[passingURL] = &job.Page{
		ID: "unit", URL: passingURL, Start: start, End: &end,
		Passed: 2, Count: 2,
		Modules: []*job.Module{{Name: "Formatter", Tests: []*job.Test{
			{Name: "formats dates", TestID: "a", Report: map[string]any{"failed": 0}},
			{Name: "formats numbers", TestID: "b", Report: map[string]any{"failed": 0}},
		}}},
		Report: map[string]any{"failed": 0},
	}
	j.Pages[failingURL] = &job.Page{
		ID: "opa", URL: failingURL, Start: start, End: &end, IsOpa: true,
		Passed: 1, Failed: 1, Count: 2,
		Modules: []*job.Module{{Name: "Navigation", Tests: []*job.Test{
			{Name: "opens detail", TestID: "c", Report: map[string]any{"failed": float64(2)}},
			{Name: "goes back", TestID: "d", Report: map[string]any{"failed": float64(0)}},
		}}},
		Report: map[string]any{"failed": 1},
	}
	j.Pages[incompleteURL] = &job.Page{
		ID: "other", URL: incompleteURL, Start: start, Count: 3,
		Modules: []*job.Module{{Name: "Model", Tests: []*job.Test{{Name: "loads", TestID: "e"}}}},
	}
	return j
}

func TestBuild(t *testing.T) {
	j := testRun(t)
	missing := "http://localhost:8080/test/never.qunit.html"

	result := Build(j, []string{passingURL, failingURL, incompleteURL + "#1", missing}, map[string]error{
		missing: errors.New("browser failed"),
	}, 3*time.Second)

	require.Len(t, result.Pages, 4)
	assert.Equal(t, StatusFail, result.Status)
	assert.Equal(t, Stats{Pages: 4, Tests: 7, Passed: 3, Failed: 1}, result.Stats)

	assert.Equal(t, StatusPass, result.Pages[0].Status)
	assert.Equal(t, 1500*time.Millisecond, result.Pages[0].Duration)
	assert.Empty(t, result.Pages[0].FailedTests)

	assert.Equal(t, StatusFail, result.Pages[1].Status)
	assert.Equal(t, []string{"Navigation: opens detail"}, result.Pages[1].FailedTests)

	assert.Equal(t, StatusIncomplete, result.Pages[2].Status)
	assert.Equal(t, "other", result.Pages[2].ID)

	assert.Equal(t, StatusIncomplete, result.Pages[3].Status)
	assert.Equal(t, "browser failed", result.Pages[3].Error)
}

func TestBuildStatus(t *testing.T) {
	tests := []struct {
		name       string
		urls       []string
		pageErrors map[string]error
		failed     bool
		want       Status
	}{
		{name: "all pages passed", urls: []string{passingURL}, want: StatusPass},
		{name: "run flagged failed", urls: []string{passingURL}, failed: true, want: StatusFail},
		{name: "page error", urls: []string{passingURL}, pageErrors: map[string]error{passingURL: errors.New("x")}, want: StatusFail},
		{name: "incomplete page", urls: []string{incompleteURL}, want: StatusFail},
		{name: "no pages", want: StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := testRun(t)
			if tt.failed {
				j.MarkFailed()
			}
			result := Build(j, tt.urls, tt.pageErrors, time.Second)
			assert.Equal(t, tt.want, result.Status)
		})
	}
}

func TestPrintTable(t *testing.T) {
	result := Build(testRun(t), []string{passingURL, failingURL}, nil, 2*time.Second)

	var buf bytes.Buffer
	PrintTable(&buf, result)
	out := buf.String()

	assert.Contains(t, strings.ToUpper(out), "PAGE TEST RESULTS (2S)")
	assert.Contains(t, out, "unitTests.qunit.html")
	assert.Contains(t, out, "└── Navigation: opens detail")
	assert.Contains(t, out, "✗ fail")
	assert.Contains(t, strings.ToUpper(out), "2 PAGES")
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	result := Build(testRun(t), []string{passingURL}, nil, time.Second)

	filename, err := WriteJSON(dir, result)
	require.NoError(t, err)

	data, err := os.ReadFile(filename)
	require.NoError(t, err)
	var decoded RunResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, result.RunID, decoded.RunID)
	assert.Equal(t, StatusPass, decoded.Status)
	require.Len(t, decoded.Pages, 1)
	require.NotNil(t, decoded.Pages[0].Page)
	assert.Equal(t, "unit", decoded.Pages[0].Page.ID)
}

func TestRunResultString(t *testing.T) {
	result := &RunResult{RunID: "r1", Status: StatusFail, Duration: 1500 * time.Millisecond, Stats: Stats{Pages: 2, Tests: 5, Passed: 4, Failed: 1}}
	assert.Equal(t, "Run r1 FAIL: 2 pages, 5 tests, 4 passed, 1 failed (1.5s)", result.String())
}
