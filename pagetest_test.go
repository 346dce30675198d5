package pagetest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/qunit"
	"github.com/ethereum-optimism/infra/op-pagetest/reporting"
)

// pageScript is what a simulated page posts to the hooks once loaded. A nil
// script makes the driver exit without reporting anything.
type pageScript func(post func(event string, body string) error) error

func passingPage(post func(string, string) error) error {
	return postAll(post,
		"begin", `{"isOpa":false,"totalTests":2,"modules":[{"name":"m","tests":[{"name":"a","testId":"1"},{"name":"b","testId":"2"}]}]}`,
		"testStart", `{"module":"m","name":"a","testId":"1"}`,
		"testDone", `{"module":"m","name":"a","testId":"1","failed":0,"passed":1,"total":1}`,
		"testStart", `{"module":"m","name":"b","testId":"2"}`,
		"testDone", `{"module":"m","name":"b","testId":"2","failed":0,"passed":2,"total":2}`,
		"done", `{"failed":0,"passed":3,"total":3}`,
	)
}

func failingPage(post func(string, string) error) error {
	return postAll(post,
		"begin", `{"isOpa":false,"totalTests":1,"modules":[{"name":"m","tests":[{"name":"broken","testId":"1"}]}]}`,
		"testStart", `{"module":"m","name":"broken","testId":"1"}`,
		"log", `{"module":"m","name":"broken","testId":"1","result":false,"message":"expected 1"}`,
		"testDone", `{"module":"m","name":"broken","testId":"1","failed":1,"passed":0,"total":1}`,
		"done", `{"failed":1,"passed":0,"total":1}`,
	)
}

func postAll(post func(string, string) error, pairs ...string) error {
	for i := 0; i < len(pairs); i += 2 {
		if err := post(pairs[i], pairs[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// simulatedDriver loads the page it is given like a browser would and runs
// the script registered for its path.
type simulatedDriver struct {
	t            *testing.T
	capabilities string
	capabilitiesErr     error
	scripts      map[string]pageScript

	mu      sync.Mutex
	configs []browser.DriverConfig
	bodies  map[string]string
}

func newSimulatedDriver(t *testing.T, scripts map[string]pageScript) *simulatedDriver {
	return &simulatedDriver{
		t:            t,
		capabilities: `{"console":true,"scripts":true,"parallel":true}`,
		scripts:      scripts,
		bodies:       make(map[string]string),
	}
}

func (d *simulatedDriver) Output(ctx context.Context, args ...string) ([]byte, error) {
	if d.capabilitiesErr != nil {
		return nil, d.capabilitiesErr
	}
	return []byte(d.capabilities), nil
}

func (d *simulatedDriver) Start(ctx context.Context, output io.Writer, args ...string) (browser.Process, error) {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	var config browser.DriverConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.configs = append(d.configs, config)
	d.mu.Unlock()

	p := newSimulatedProcess()
	go d.load(p, config.URL, output)
	return p, nil
}

func (d *simulatedDriver) load(p *simulatedProcess, url string, output io.Writer) {
	resp, err := http.Get(url)
	if err != nil {
		_, _ = fmt.Fprintf(output, "failed to load %s: %v\n", url, err)
		p.exit()
		return
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	d.mu.Lock()
	d.bodies[url] = string(body)
	d.mu.Unlock()

	path := url[strings.Index(url[len("http://"):], "/")+len("http://"):]
	script := d.scripts[path]
	if script == nil {
		p.exit()
		return
	}
	hooks := url[:len(url)-len(path)] + qunit.DefaultPrefix + "/"
	post := func(event string, body string) error {
		req, err := http.NewRequest(http.MethodPost, hooks+event, strings.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set(qunit.PageURLHeader, url)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("%s: status %d", event, resp.StatusCode)
		}
		return nil
	}
	if err := script(post); err != nil {
		_, _ = fmt.Fprintf(output, "page script failed: %v\n", err)
	}
}

func (d *simulatedDriver) Body(url string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bodies[url]
}

func (d *simulatedDriver) Launches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.configs)
}

type simulatedProcess struct {
	messages  chan browser.Reply
	done      chan struct{}
	once      sync.Once
	connected atomic.Bool
}

func newSimulatedProcess() *simulatedProcess {
	p := &simulatedProcess{
		messages: make(chan browser.Reply),
		done:     make(chan struct{}),
	}
	p.connected.Store(true)
	return p
}

func (p *simulatedProcess) Send(cmd browser.Command) error {
	if !p.connected.Load() {
		return errors.New("disconnected")
	}
	if cmd.Command == browser.CommandStop {
		p.exit()
	}
	return nil
}

func (p *simulatedProcess) Messages() <-chan browser.Reply { return p.messages }
func (p *simulatedProcess) Done() <-chan struct{}          { return p.done }
func (p *simulatedProcess) Connected() bool                { return p.connected.Load() }

func (p *simulatedProcess) Kill() error {
	p.exit()
	return nil
}

func (p *simulatedProcess) exit() {
	p.once.Do(func() {
		p.connected.Store(false)
		close(p.messages)
		close(p.done)
	})
}

type noopTool struct{}

func (noopTool) Run(ctx context.Context, args ...string) error { return nil }

func (noopTool) Instrument(ctx context.Context, source string, out string) error { return nil }

// testConfig serves webapp files from a temporary directory and runs every
// page against the simulated driver.
func testConfig(t *testing.T, driver *simulatedDriver, pages ...string) *Config {
	t.Helper()
	cwd := t.TempDir()
	webapp := filepath.Join(cwd, "webapp")
	for _, page := range pages {
		path := filepath.Join(webapp, filepath.FromSlash(page))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("<html>"+page+"</html>"), 0o644))
	}

	jc := job.DefaultConfig()
	jc.Cwd = cwd
	jc.Browser = "simulated"
	jc.ReportDir = filepath.Join(cwd, "report")
	jc.BrowserRetry = 0
	jc.PageTimeout = 5 * time.Second
	jc.StopGracePeriod = time.Second
	jc.Coverage.Webapp = "webapp"

	cfg := &Config{
		Job:          jc,
		Pages:        pages,
		Webapp:       "webapp",
		Parallel:     2,
		Log:          log.NewLogger(log.DiscardHandler()),
		Launcher:     driver,
		Resolver:     nopResolver{},
		CoverageTool: noopTool{},
		Instrumenter: noopTool{},
	}
	require.NoError(t, cfg.Check())
	return cfg
}

type nopResolver struct{}

func (nopResolver) Root(ctx context.Context, global bool) (string, error) { return os.TempDir(), nil }
func (nopResolver) Install(ctx context.Context, name string) error      { return nil }

func newTestRunner(t *testing.T, cfg *Config) (*runner, *bytes.Buffer) {
	t.Helper()
	r, err := New(context.Background(), cfg, "test", nil)
	require.NoError(t, err)
	out := new(bytes.Buffer)
	r.output = out
	t.Cleanup(func() {
		_ = r.Stop(context.Background())
	})
	return r, out
}

func runWithTimeout(t *testing.T, r *runner) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return r.Start(ctx)
}

func TestRunPassingPages(t *testing.T) {
	driver := newSimulatedDriver(t, map[string]pageScript{
		"/test/unit.html":        passingPage,
		"/test/integration.html": passingPage,
	})
	cfg := testConfig(t, driver, "test/unit.html", "test/integration.html")
	r, out := newTestRunner(t, cfg)

	require.NoError(t, runWithTimeout(t, r))

	result := r.Result()
	require.NotNil(t, result)
	assert.Equal(t, reporting.StatusPass, result.Status)
	assert.Equal(t, 2, result.Stats.Pages)
	assert.Equal(t, 4, result.Stats.Tests)
	assert.Equal(t, 0, result.Stats.Failed)
	assert.Equal(t, 2, driver.Launches())

	for _, page := range result.Pages {
		assert.Equal(t, reporting.StatusPass, page.Status, page.URL)
		assert.Contains(t, driver.Body(page.URL), "<html>test/")
	}
	assert.Contains(t, strings.ToUpper(out.String()), "PAGE TEST RESULTS")
	assert.FileExists(t, filepath.Join(cfg.Job.ReportDir, reporting.ReportFilename))
}

func TestRunFailingPage(t *testing.T) {
	driver := newSimulatedDriver(t, map[string]pageScript{
		"/ok.html":     passingPage,
		"/broken.html": failingPage,
	})
	cfg := testConfig(t, driver, "ok.html", "broken.html")
	r, _ := newTestRunner(t, cfg)

	err := runWithTimeout(t, r)
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))
	assert.False(t, IsRuntimeError(err))

	result := r.Result()
	require.NotNil(t, result)
	assert.Equal(t, reporting.StatusFail, result.Status)
	assert.Equal(t, 1, result.Stats.Failed)
}

func TestRunCrashingPage(t *testing.T) {
	driver := newSimulatedDriver(t, map[string]pageScript{"/ok.html": passingPage})
	cfg := testConfig(t, driver, "ok.html", "silent.html")
	r, _ := newTestRunner(t, cfg)

	err := runWithTimeout(t, r)
	require.Error(t, err)
	assert.True(t, IsTestFailureError(err))

	result := r.Result()
	require.NotNil(t, result)
	assert.NotEqual(t, reporting.StatusPass, result.Status)
	for _, page := range result.Pages {
		if strings.HasSuffix(page.URL, "/silent.html") {
			assert.NotEmpty(t, page.Error)
			assert.NotEqual(t, reporting.StatusPass, page.Status)
		}
	}
}

func TestRunCapabilitiesFailure(t *testing.T) {
	driver := newSimulatedDriver(t, nil)
	driver.capabilitiesErr = errors.New("exit status 1")
	cfg := testConfig(t, driver, "unit.html")
	r, _ := newTestRunner(t, cfg)

	err := runWithTimeout(t, r)
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
	assert.Nil(t, r.Result())
	assert.Equal(t, 0, driver.Launches())
}

func TestRunInvalidCapabilities(t *testing.T) {
	driver := newSimulatedDriver(t, nil)
	driver.capabilities = `{"screenshot":42}`
	cfg := testConfig(t, driver, "unit.html")
	r, _ := newTestRunner(t, cfg)

	err := runWithTimeout(t, r)
	require.Error(t, err)
	assert.True(t, IsRuntimeError(err))
}

func TestRunnerLifecycle(t *testing.T) {
	driver := newSimulatedDriver(t, map[string]pageScript{"/unit.html": passingPage})
	cfg := testConfig(t, driver, "unit.html")

	shutdown := make(chan error, 1)
	r, err := New(context.Background(), cfg, "test", func(err error) { shutdown <- err })
	require.NoError(t, err)
	r.output = io.Discard
	assert.True(t, r.Stopped())

	require.NoError(t, runWithTimeout(t, r))
	assert.False(t, r.Stopped())
	select {
	case err := <-shutdown:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown callback was not called")
	}

	require.NoError(t, r.Stop(context.Background()))
	assert.True(t, r.Stopped())
	require.NoError(t, r.Stop(context.Background()))
}

func TestNewRequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, "test", nil)
	require.Error(t, err)
}
