// Package job holds the run-scoped context shared by the browser supervisor,
// the test protocol state machine and the coverage pipeline.
//
// One Job exists per run. It is constructed by the coordinator and passed by
// reference into every component; nothing in this module keeps run state in
// package-level variables.
package job

import (
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
)

// Job is the run context.
//
// Lock guards Pages, the status string and the capabilities. The failed flag and
// the run-scoped counters are atomic and may be used without the lock.
type Job struct {
	RunID  string
	Config Config
	Log    log.Logger

	// Pages maps a page URL (fragment stripped) to its test tree. Only the
	// protocol state machine mutates it, always with the lock held.
	Pages map[string]*Page

	mu           sync.Mutex
	status       string
	capabilities *Capabilities
	port         int

	failed       atomic.Bool
	screenshotID atomic.Uint64
	coverageIdx  atomic.Uint64
}

// New creates a Job with a fresh run id.
func New(cfg Config, logger log.Logger) *Job {
	if logger == nil {
		logger = log.New()
	}
	runID := uuid.New().String()
	return &Job{
		RunID:  runID,
		Config: cfg,
		Log:    logger.New("run_id", runID),
		Pages:  make(map[string]*Page),
	}
}

func (j *Job) Lock()   { j.mu.Lock() }
func (j *Job) Unlock() { j.mu.Unlock() }

// SetStatus records what the run is currently doing.
func (j *Job) SetStatus(status string) {
	j.mu.Lock()
	j.status = status
	j.mu.Unlock()
	j.Log.Info("Status", "status", status)
}

func (j *Job) Status() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// MarkFailed sets the run-wide failed flag. The flag is never cleared.
func (j *Job) MarkFailed() {
	j.failed.Store(true)
}

func (j *Job) Failed() bool {
	return j.failed.Load()
}

func (j *Job) SetCapabilities(c *Capabilities) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.capabilities = c
}

// Capabilities returns the reported driver capabilities, or defaults when the
// driver has not been asked yet.
func (j *Job) Capabilities() Capabilities {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.capabilities == nil {
		return DefaultCapabilities()
	}
	return *j.capabilities
}

// ScreenshotsEnabled reports whether screenshots can be taken at all: the
// driver supports them and the run did not disable them.
func (j *Job) ScreenshotsEnabled() bool {
	return !j.Config.NoScreenshot && j.Capabilities().Screenshot != ""
}

// SetPort records the port of the embedded endpoint server, used as the
// callback base address injected into pages.
func (j *Job) SetPort(port int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.port = port
}

func (j *Job) Port() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.port
}

// NextScreenshotID returns a run-unique, monotonically increasing id.
func (j *Job) NextScreenshotID() uint64 {
	return j.screenshotID.Add(1)
}

// NextCoverageIndex returns a run-unique, monotonically increasing index used
// to name coverage snapshots.
func (j *Job) NextCoverageIndex() uint64 {
	return j.coverageIdx.Add(1)
}

// Page returns the page registered for url. The lock must be held.
func (j *Job) Page(url string) *Page {
	return j.Pages[url]
}

// Snapshot returns a deep copy of every page, safe to read without the lock.
func (j *Job) Snapshot() map[string]*Page {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[string]*Page, len(j.Pages))
	for url, page := range j.Pages {
		out[url] = page.Clone()
	}
	return out
}
