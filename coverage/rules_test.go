package coverage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGlobalContextFS(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "snippet replaced once",
			content: `(function(){var global=new Function("return this")();global.x=1;var global=new Function("return this")();})`,
			want:    `(function(){var global=window.top;global.x=1;var global=new Function("return this")();})`,
		},
		{
			name:    "without snippet",
			content: `sap.ui.define([], function () { return {}; });`,
			want:    `sap.ui.define([], function () { return {}; });`,
		},
		{
			name:    "empty file",
			content: ``,
			want:    ``,
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name := filepath.Join(dir, fmt.Sprintf("file%d.js", i))
			require.NoError(t, os.WriteFile(name, []byte(tt.content), 0o644))
			files := GlobalContextFS{Base: osFS{}}

			data, err := files.ReadFile(name)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))

			size, err := files.Size(name)
			require.NoError(t, err)
			assert.Equal(t, int64(len(data)), size)
		})
	}

	_, err := GlobalContextFS{Base: osFS{}}.Size(filepath.Join(dir, "missing.js"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLegacyMappings(t *testing.T) {
	tests := []struct {
		name       string
		noCustomFS bool
		want       string
	}{
		{name: "global context rewritten", want: `var global=window.top;`},
		{name: "custom file system disabled", noCustomFS: true, want: `var global=new Function("return this")();`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := testCoverage(t, &fakeTool{}, nil, func(cfg *job.Config) {
				cfg.Coverage.NoCustomFS = tt.noCustomFS
			})
			script := filepath.Join(c.tempDir, instrumentedDir, "resources", "app.js")
			require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
			require.NoError(t, os.WriteFile(script, []byte(`var global=new Function("return this")();`), 0o644))

			rules, err := c.Mappings(context.Background())
			require.NoError(t, err)
			require.Len(t, rules, 1)
			fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("original"))
			})
			handler := Chain(rules, fallback)

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resources/app.js?v=1", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.want, rec.Body.String())
			assert.Equal(t, strconv.Itoa(len(tt.want)), rec.Header().Get("Content-Length"))

			rec = httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/resources/other.js", nil))
			assert.Equal(t, "original", rec.Body.String())

			rec = httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
			assert.Equal(t, "original", rec.Body.String())
		})
	}
}

func TestRemoteOnLegacyMappings(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("origin" + r.URL.RequestURI()))
	}))
	defer origin.Close()

	c, _ := testCoverage(t, &fakeTool{}, nil, func(cfg *job.Config) {
		cfg.Mode = job.ModeURL
		cfg.RemoteOnLegacy = true
		cfg.TestPageURLs = []string{origin.URL + "/test/unit.html"}
	})
	script := filepath.Join(c.tempDir, instrumentedDir, "app", "Component.js")
	require.NoError(t, os.MkdirAll(filepath.Dir(script), 0o755))
	require.NoError(t, os.WriteFile(script, []byte("instrumented"), 0o644))

	rules, err := c.Mappings(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)
	handler := Chain(rules, nil)

	rec := get(t, handler, "/app/Component.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "instrumented", rec.Body.String())

	rec = get(t, handler, "/test/unit.html?module=a")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "origin/test/unit.html?module=a", rec.Body.String())

	rec = get(t, handler, "/app/Other.js")
	assert.Equal(t, "origin/app/Other.js", rec.Body.String())
}

func TestChainWithoutFallback(t *testing.T) {
	rec := httptest.NewRecorder()
	Chain(nil, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/a.js", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// countingInstrumenter prefixes sources and counts how often each one was
// instrumented.
type countingInstrumenter struct {
	mu     sync.Mutex
	counts map[string]int
	delay  time.Duration
}

func (c *countingInstrumenter) Instrument(ctx context.Context, source string, out string) error {
	c.mu.Lock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[filepath.Base(source)]++
	c.mu.Unlock()
	time.Sleep(c.delay)
	data, err := os.ReadFile(source)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return err
	}
	return os.WriteFile(out, append([]byte("/*instrumented*/"), data...), 0o644)
}

func (c *countingInstrumenter) Count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

func proxyFixture(t *testing.T, instrumenter Instrumenter) (http.Handler, *atomic.Int32) {
	t.Helper()
	var downloads atomic.Int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/app/Component.js", "/test/unit/AllTests.js":
			downloads.Add(1)
			_, _ = w.Write([]byte("source" + r.URL.Path))
		case "/index.html":
			_, _ = w.Write([]byte("<html>" + r.Host + "</html>"))
		case "/forbidden.js":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(origin.Close)

	c, _ := testCoverage(t, &fakeTool{}, instrumenter, func(cfg *job.Config) {
		cfg.Mode = job.ModeURL
		cfg.Coverage.Proxy = true
		cfg.TestPageURLs = []string{origin.URL + "/test/testsuite.qunit.html"}
	})
	rules, err := c.Mappings(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 3)
	return Chain(rules, nil), &downloads
}

func get(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestProxyInstrumentsOncePerScript(t *testing.T) {
	instrumenter := &countingInstrumenter{delay: 50 * time.Millisecond}
	handler, downloads := proxyFixture(t, instrumenter)

	const requests = 16
	var wg sync.WaitGroup
	bodies := make([]string, requests)
	codes := make([]int, requests)
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/app/Component.js?r=%d", i), nil))
			codes[i] = rec.Code
			bodies[i] = rec.Body.String()
		}(i)
	}
	wg.Wait()

	for i := 0; i < requests; i++ {
		assert.Equal(t, http.StatusOK, codes[i])
		assert.Equal(t, "/*instrumented*/source/app/Component.js", bodies[i])
	}
	assert.Equal(t, 1, instrumenter.Count("Component.js"))
	assert.Equal(t, int32(1), downloads.Load())

	rec := get(t, handler, "/app/Component.js")
	assert.Equal(t, "/*instrumented*/source/app/Component.js", rec.Body.String())
	assert.Equal(t, 1, instrumenter.Count("Component.js"))
}

func TestProxyExcludedScriptsAreForwarded(t *testing.T) {
	instrumenter := &countingInstrumenter{}
	handler, _ := proxyFixture(t, instrumenter)

	rec := get(t, handler, "/test/unit/AllTests.js")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "source/test/unit/AllTests.js", rec.Body.String())
	assert.Zero(t, instrumenter.Count("AllTests.js"))
}

func TestProxyForwardsOtherRequests(t *testing.T) {
	handler, _ := proxyFixture(t, &countingInstrumenter{})

	rec := get(t, handler, "/index.html")
	assert.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "<html>127.0.0.1:"))
}

func TestProxyForwardsDownloadStatus(t *testing.T) {
	instrumenter := &countingInstrumenter{}
	handler, _ := proxyFixture(t, instrumenter)

	assert.Equal(t, http.StatusNotFound, get(t, handler, "/missing.js").Code)
	assert.Equal(t, http.StatusForbidden, get(t, handler, "/forbidden.js").Code)
	assert.Zero(t, instrumenter.Count("missing.js"))
}

func TestProxyInstrumentationFailure(t *testing.T) {
	handler, _ := proxyFixture(t, instrumenterFunc(func(ctx context.Context, source string, out string) error {
		return fmt.Errorf("boom")
	}))

	assert.Equal(t, http.StatusInternalServerError, get(t, handler, "/app/Component.js").Code)
}

type instrumenterFunc func(ctx context.Context, source string, out string) error

func (f instrumenterFunc) Instrument(ctx context.Context, source string, out string) error {
	return f(ctx, source, out)
}

func TestProxyMappingsRequireTestPage(t *testing.T) {
	c, _ := testCoverage(t, &fakeTool{}, nil, func(cfg *job.Config) {
		cfg.Mode = job.ModeURL
		cfg.Coverage.Proxy = true
	})
	_, err := c.Mappings(context.Background())
	require.Error(t, err)
}
