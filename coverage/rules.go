package coverage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
)

// Rule is one entry of the serving layer's mapping chain. Serve reports
// whether it answered the request; otherwise the next rule is tried.
type Rule interface {
	Serve(w http.ResponseWriter, r *http.Request) bool
}

// RuleFunc adapts a function to a Rule.
type RuleFunc func(w http.ResponseWriter, r *http.Request) bool

func (f RuleFunc) Serve(w http.ResponseWriter, r *http.Request) bool { return f(w, r) }

// Chain serves a request with the first rule that accepts it, falling back
// to next.
func Chain(rules []Rule, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, rule := range rules {
			if rule.Serve(w, r) {
				return
			}
		}
		if next == nil {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

var scriptPattern = regexp.MustCompile(`(.*\.js)(\?.*)?$`)

// FileSystem is what the instrumented copy rule reads files through.
type FileSystem interface {
	Size(name string) (int64, error)
	ReadFile(name string) ([]byte, error)
}

type osFS struct{}

func (osFS) Size(name string) (int64, error) {
	info, err := os.Stat(name)
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fs.ErrNotExist
	}
	return info.Size(), nil
}

func (osFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(name)
}

var (
	globalContextSearch  = []byte(`var global=new Function("return this")();`)
	globalContextReplace = []byte(`var global=window.top;`)
)

// GlobalContextFS rewrites the global context detection of bundled
// libraries so that they register coverage on the top window. The reported
// size matches the rewritten content.
type GlobalContextFS struct {
	Base FileSystem
}

func (g GlobalContextFS) ReadFile(name string) ([]byte, error) {
	data, err := g.Base.ReadFile(name)
	if err != nil {
		return nil, err
	}
	return bytes.Replace(data, globalContextSearch, globalContextReplace, 1), nil
}

func (g GlobalContextFS) Size(name string) (int64, error) {
	size, err := g.Base.Size(name)
	if err != nil {
		return 0, err
	}
	data, err := g.Base.ReadFile(name)
	if err != nil {
		return 0, err
	}
	if bytes.Contains(data, globalContextSearch) {
		size -= int64(len(globalContextSearch) - len(globalContextReplace))
	}
	return size, nil
}

// copyRule serves the instrumented copy of a script when one exists.
type copyRule struct {
	root string
	fs   FileSystem
}

func (c copyRule) Serve(w http.ResponseWriter, r *http.Request) bool {
	m := scriptPattern.FindStringSubmatch(r.URL.RequestURI())
	if m == nil {
		return false
	}
	name := filepath.Join(c.root, filepath.FromSlash(path.Clean("/"+m[1])))
	size, err := c.fs.Size(name)
	if err != nil {
		return false
	}
	data, err := c.fs.ReadFile(name)
	if err != nil {
		return false
	}
	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(data)
	}
	return true
}

// Mappings returns the rules the serving layer applies before anything else.
func (c *Coverage) Mappings(ctx context.Context) ([]Rule, error) {
	if !c.cfg.Enabled {
		return nil, nil
	}
	instrumented := filepath.Join(c.tempDir, instrumentedDir)
	var files FileSystem = osFS{}
	if !c.cfg.NoCustomFS {
		files = GlobalContextFS{Base: files}
	}

	switch {
	case c.job.Config.Mode == job.ModeLegacy:
		return []Rule{copyRule{root: instrumented, fs: files}}, nil

	case c.job.Config.Mode == job.ModeURL && c.job.Config.RemoteOnLegacy:
		// Scripts come from the locally instrumented webapp, everything
		// else from the origin.
		origin, err := c.origin()
		if err != nil {
			return nil, err
		}
		return []Rule{copyRule{root: instrumented, fs: files}, c.forward(origin)}, nil

	case c.job.Config.Mode == job.ModeURL && c.cfg.Proxy:
		origin, err := c.origin()
		if err != nil {
			return nil, err
		}
		return []Rule{
			RuleFunc(func(w http.ResponseWriter, r *http.Request) bool {
				return c.serveInstrumentOnDemand(w, r, origin)
			}),
			copyRule{root: instrumented, fs: osFS{}},
			c.forward(origin),
		}, nil
	}
	return nil, nil
}

// forward proxies every request to the origin.
func (c *Coverage) forward(origin *url.URL) Rule {
	proxy := httputil.NewSingleHostReverseProxy(origin)
	director := proxy.Director
	proxy.Director = func(r *http.Request) {
		director(r)
		r.Host = origin.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		c.log.Warn("Proxy request failed", "url", r.URL.String(), "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}
	return RuleFunc(func(w http.ResponseWriter, r *http.Request) bool {
		proxy.ServeHTTP(w, r)
		return true
	})
}

// origin is inferred from the first test page: every source is assumed to
// come from the same server.
func (c *Coverage) origin() (*url.URL, error) {
	if len(c.job.Config.TestPageURLs) == 0 {
		return nil, errors.New("no test page to infer the coverage origin from")
	}
	u, err := url.Parse(c.job.Config.TestPageURLs[0])
	if err != nil {
		return nil, fmt.Errorf("invalid test page url: %w", err)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

// serveInstrumentOnDemand makes sure the requested script has an
// instrumented copy, then lets the copy rule serve it. Download failures are
// answered with the origin's status.
func (c *Coverage) serveInstrumentOnDemand(w http.ResponseWriter, r *http.Request, origin *url.URL) bool {
	if !scriptPattern.MatchString(r.URL.RequestURI()) {
		return false
	}
	p := r.URL.Path
	if (c.cfg.ProxyInclude != nil && !c.cfg.ProxyInclude.MatchString(p)) ||
		(c.cfg.ProxyExclude != nil && c.cfg.ProxyExclude.MatchString(p)) {
		c.debug("coverage_proxy ignore", "path", p)
		return false
	}

	err := c.instrumentOnce(r.Context(), origin, p)
	if err == nil {
		return false
	}
	var status *statusError
	if errors.As(err, &status) {
		w.WriteHeader(status.code)
		return true
	}
	c.log.Error("On demand instrumentation failed", "path", p, "err", err)
	metrics.RecordErrorDetails("coverage_instrument", err)
	w.WriteHeader(http.StatusInternalServerError)
	return true
}

// instrumentOnce instruments the script at path exactly once, however many
// requests ask for it concurrently.
func (c *Coverage) instrumentOnce(ctx context.Context, origin *url.URL, p string) error {
	if c.instrumented.Contains(p) {
		metrics.RecordInstrumentationCacheHit()
		return nil
	}
	ctx = context.WithoutCancel(ctx)
	_, err, _ := c.flight.Do(p, func() (any, error) {
		if c.instrumented.Contains(p) {
			metrics.RecordInstrumentationCacheHit()
			return nil, nil
		}
		rel := filepath.FromSlash(path.Clean("/" + p))
		source := filepath.Join(c.tempDir, sourcesDir, rel)
		if _, err := os.Stat(source); err != nil {
			if err := c.download(ctx, origin.String()+p, source); err != nil {
				return nil, err
			}
		}
		c.debug("coverage_proxy instrument", "path", p)
		err := c.instrumenter.Instrument(ctx, source, filepath.Join(c.tempDir, instrumentedDir, rel))
		metrics.RecordInstrumentation(err)
		if err != nil {
			return nil, err
		}
		c.instrumented.Add(p, struct{}{})
		return nil, nil
	})
	return err
}
