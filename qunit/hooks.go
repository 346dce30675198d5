// Package qunit turns the QUnit lifecycle events posted by test pages into
// the run's test trees.
package qunit

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
	"github.com/ethereum/go-ethereum/log"
)

const coverageKey = "__coverage__"

// Browsers is the part of the browser supervisor the hooks drive.
type Browsers interface {
	Screenshot(ctx context.Context, url string, label string) (string, error)
	Stop(url string, retry bool)
}

// Collector stores the coverage snapshot embedded in a final report.
type Collector interface {
	Collect(ctx context.Context, url string, coverage any) error
}

// Hooks is the per-run protocol state machine. Events of one page are
// applied in arrival order; events of different pages run concurrently.
type Hooks struct {
	job      *job.Job
	browsers Browsers
	coverage Collector
	log      log.Logger

	seqMu sync.Mutex
	seq   map[string]*sync.Mutex
}

func New(j *job.Job, browsers Browsers, coverage Collector) *Hooks {
	return &Hooks{
		job:      j,
		browsers: browsers,
		coverage: coverage,
		log:      j.Log.New("component", "qunit"),
		seq:      make(map[string]*sync.Mutex),
	}
}

// sequence serializes the events of one page.
func (h *Hooks) sequence(url string) func() {
	h.seqMu.Lock()
	mu, ok := h.seq[url]
	if !ok {
		mu = &sync.Mutex{}
		h.seq[url] = mu
	}
	h.seqMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// fail aborts the page: its browser is stopped, the run is marked failed and
// a protocol error is returned to the caller.
func (h *Hooks) fail(url string, format string, args ...any) error {
	err := errs.Newf(errs.ProtocolError, format, args...)
	h.log.Error("Protocol error", "url", url, "err", err)
	h.browsers.Stop(url, false)
	h.job.MarkFailed()
	return err
}

// page returns the page of url with the job lock held. On error the lock is
// released. A nil page with no error means the page is already completed.
func (h *Hooks) page(url string) (*job.Page, error) {
	h.job.Lock()
	page := h.job.Page(url)
	if page == nil {
		h.job.Unlock()
		return nil, h.fail(url, "No QUnit page found for %s", url)
	}
	if page.Completed() {
		h.job.Unlock()
		h.log.Debug("Ignoring event for completed page", "url", url)
		return nil, nil
	}
	return page, nil
}

// Begin registers the page. A page that cannot tell its tests yet is flagged
// earlyStart and fills up as tests start.
func (h *Hooks) Begin(ctx context.Context, pageURL string, event BeginEvent) (err error) {
	defer func() { metrics.RecordProtocolEvent("begin", err) }()
	url := job.StripHash(pageURL)
	defer h.sequence(url)()

	declared := event.Modules != nil && event.TotalTests != nil
	earlyStart := !declared || (*event.TotalTests == 0 && !h.job.Config.CompleteEmptyPages)
	if earlyStart {
		h.log.Warn("QUnit early start", "url", url)
		if h.job.Config.Strict {
			return h.fail(url, "Invalid begin hook details")
		}
	}

	page := &job.Page{
		ID:         job.Filename(url),
		URL:        url,
		Start:      time.Now(),
		IsOpa:      event.IsOpa,
		Modules:    make([]*job.Module, 0, len(event.Modules)),
		EarlyStart: earlyStart,
	}
	if event.TotalTests != nil {
		page.Count = *event.TotalTests
	}
	for _, decl := range event.Modules {
		module := &job.Module{Name: decl.Name, Tests: make([]*job.Test, 0, len(decl.Tests))}
		for _, test := range decl.Tests {
			module.Tests = append(module.Tests, &job.Test{Name: test.Name, TestID: test.TestID})
		}
		page.Modules = append(page.Modules, module)
	}
	if event.TotalTests == nil {
		page.Count = page.RecordedTests()
	}

	h.job.Lock()
	defer h.job.Unlock()
	if existing := h.job.Page(url); existing != nil {
		if existing.Completed() {
			h.log.Debug("Ignoring begin for completed page", "url", url)
			return nil
		}
		h.log.Info("QUnit page restarted", "url", url)
	}
	h.job.Pages[url] = page
	h.log.Info("QUnit begin", "url", url, "opa", event.IsOpa, "tests", page.Count)
	return nil
}

// TestStart stamps the start of a test, creating it (and its module) when
// the page did not declare it.
func (h *Hooks) TestStart(ctx context.Context, pageURL string, event TestStartEvent) (err error) {
	defer func() { metrics.RecordProtocolEvent("testStart", err) }()
	url := job.StripHash(pageURL)
	defer h.sequence(url)()

	page, err := h.page(url)
	if page == nil {
		return err
	}
	module, test := page.FindTest(event.TestID)
	if test == nil && event.TestID != "" && h.job.Config.Strict {
		h.job.Unlock()
		return h.fail(url, "No QUnit unit test found with id %s", event.TestID)
	}
	if module == nil {
		module = page.FindModule(event.Module)
		if module == nil {
			module = &job.Module{Name: event.Module}
			page.Modules = append(page.Modules, module)
		}
	}
	if test == nil {
		test = &job.Test{Name: event.Name, TestID: event.TestID}
		module.Tests = append(module.Tests, test)
		page.Count++
	}
	now := time.Now()
	test.Start = &now
	h.job.Unlock()
	return nil
}

// Log appends an assertion to its test. OPA pages get a screenshot of every
// step when per-step screenshots are enabled.
func (h *Hooks) Log(ctx context.Context, pageURL string, event LogEvent) (err error) {
	defer func() { metrics.RecordProtocolEvent("log", err) }()
	url := job.StripHash(pageURL)
	defer h.sequence(url)()

	page, err := h.page(url)
	if page == nil {
		return err
	}
	_, test := page.FindTest(event.TestID)
	if test == nil {
		h.job.Unlock()
		return h.fail(url, "No QUnit unit test found with id %s", event.TestID)
	}
	entry := event.Details
	if entry == nil {
		entry = map[string]any{}
	}
	test.Logs = append(test.Logs, entry)
	wantScreenshot := page.IsOpa && h.job.Config.Screenshot
	h.job.Unlock()

	if !wantScreenshot || !h.job.ScreenshotsEnabled() {
		return nil
	}
	name := h.screenshot(ctx, url, fmt.Sprintf("%s-%v", event.TestID, entry["runtime"]))
	if name != "" {
		h.job.Lock()
		entry["screenshot"] = name
		h.job.Unlock()
	}
	return nil
}

// TestDone records the result of a test. With fail-fast enabled, the first
// failure skips what is left and completes the page.
func (h *Hooks) TestDone(ctx context.Context, pageURL string, event TestDoneEvent) (err error) {
	defer func() { metrics.RecordProtocolEvent("testDone", err) }()
	url := job.StripHash(pageURL)
	defer h.sequence(url)()

	page, err := h.page(url)
	if page == nil {
		return err
	}
	_, test := page.FindTest(event.TestID)
	if test == nil {
		h.job.Unlock()
		return h.fail(url, "No QUnit unit test found with id %s", event.TestID)
	}
	h.job.Unlock()

	failed := event.Failed()
	metrics.RecordTest(failed)
	var screenshot string
	if failed {
		h.job.MarkFailed()
		h.log.Warn("QUnit test failed", "url", url, "module", event.Module, "test", event.Name)
		screenshot = h.screenshot(ctx, url, event.TestID)
	}

	h.job.Lock()
	if failed {
		page.Failed++
		if screenshot != "" {
			test.Screenshot = screenshot
		}
	} else {
		page.Passed++
	}
	now := time.Now()
	test.End = &now
	report := event.Report
	if report == nil {
		report = map[string]any{}
	}
	test.Report = report

	if !failed || !h.job.Config.FailOpaFast {
		h.job.Unlock()
		return nil
	}
	for _, module := range page.Modules {
		for _, t := range module.Tests {
			if t.Report == nil {
				t.Skip = true
			}
		}
	}
	summary := map[string]any{
		"failed":  page.Failed,
		"passed":  page.Passed,
		"total":   page.Count,
		"runtime": 0,
	}
	h.job.Unlock()
	h.log.Info("Failing fast", "url", url)
	return h.done(ctx, url, summary)
}

// Done completes the page with the final QUnit report and stops its browser.
func (h *Hooks) Done(ctx context.Context, pageURL string, report map[string]any) (err error) {
	defer func() { metrics.RecordProtocolEvent("done", err) }()
	url := job.StripHash(pageURL)
	defer h.sequence(url)()
	return h.done(ctx, url, report)
}

func (h *Hooks) done(ctx context.Context, url string, report map[string]any) error {
	page, err := h.page(url)
	if page == nil {
		return err
	}
	if page.EarlyStart && page.RecordedTests() == 0 {
		h.job.Unlock()
		h.log.Debug("Ignoring premature done", "url", url)
		return nil
	}
	h.job.Unlock()

	h.screenshot(ctx, url, "done")

	if report == nil {
		report = map[string]any{}
	}
	if coverage, ok := report[coverageKey]; ok {
		delete(report, coverageKey)
		if coverage != nil && h.coverage != nil {
			if err := h.coverage.Collect(ctx, url, coverage); err != nil {
				h.log.Error("Failed to collect coverage", "url", url, "err", err)
				metrics.RecordErrorDetails("coverage_collect", err)
			}
		}
	}

	h.job.Lock()
	if page.Completed() {
		h.job.Unlock()
		return nil
	}
	end := time.Now()
	page.End = &end
	page.Report = report
	passed, failed := page.Passed, page.Failed
	h.job.Unlock()

	metrics.RecordPageDuration(end.Sub(page.Start))
	h.log.Info("QUnit done", "url", url, "passed", passed, "failed", failed, "duration", end.Sub(page.Start))
	h.browsers.Stop(url, false)
	return nil
}

// screenshot takes a screenshot and returns its base name, or "" when none
// was taken. Failures are logged and otherwise ignored.
func (h *Hooks) screenshot(ctx context.Context, url string, label string) string {
	if !h.job.ScreenshotsEnabled() {
		return ""
	}
	filename, err := h.browsers.Screenshot(ctx, url, label)
	if err != nil {
		h.log.Warn("Screenshot failed", "url", url, "label", label, "err", err)
		return ""
	}
	if filename == "" {
		return ""
	}
	return filepath.Base(filename)
}

// PageProgress summarizes one page.
type PageProgress struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Passed     int    `json:"passed"`
	Failed     int    `json:"failed"`
	Total      int    `json:"total"`
	Done       bool   `json:"done"`
	EarlyStart bool   `json:"earlyStart,omitempty"`
}

// Progress summarizes every known page.
func (h *Hooks) Progress() []PageProgress {
	h.job.Lock()
	defer h.job.Unlock()
	out := make([]PageProgress, 0, len(h.job.Pages))
	for url, page := range h.job.Pages {
		out = append(out, PageProgress{
			ID:         page.ID,
			URL:        url,
			Passed:     page.Passed,
			Failed:     page.Failed,
			Total:      page.Count,
			Done:       page.Completed(),
			EarlyStart: page.EarlyStart,
		})
	}
	slices.SortFunc(out, func(a, b PageProgress) int { return strings.Compare(a.URL, b.URL) })
	return out
}
