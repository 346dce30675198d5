// Package coverage drives source instrumentation, collects the coverage
// snapshots reported by test pages and produces the final report.
package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
)

const (
	settingsDir      = "settings"
	settingsFilename = "nyc.json"
	instrumentedDir  = "instrumented"
	sourcesDir       = "sources"
	mergedDir        = "merged"
	mergedFilename   = "coverage.json"
	lcovFilename     = "lcov.info"
)

// instrumentSettingsFilename holds the settings of on-demand instrumentation,
// which must not filter the downloaded sources.
const instrumentSettingsFilename = "instrument.json"

// Coverage is the run's coverage pipeline. Every operation is a no-op when
// coverage is disabled.
type Coverage struct {
	job          *job.Job
	cfg          job.CoverageConfig
	tool         Tool
	instrumenter Instrumenter
	client       *http.Client
	log          log.Logger

	tempDir      string
	settingsPath string
	// remote is set when sources are served by a remote origin and were not
	// instrumented up front.
	remote atomic.Bool

	flight       singleflight.Group
	instrumented *lru.Cache[string, struct{}]
}

// New creates the pipeline. The tool is used for batch instrumentation,
// merge and report; the instrumenter for on-demand instrumentation in proxy
// mode.
func New(j *job.Job, tool Tool, instrumenter Instrumenter) (*Coverage, error) {
	cfg := j.Config.Coverage
	tempDir, err := filepath.Abs(resolve(j.Config.Cwd, cfg.TempDir))
	if err != nil {
		return nil, err
	}
	size := cfg.ProxyCacheSize
	if size <= 0 {
		size = 4096
	}
	cache, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &Coverage{
		job:          j,
		cfg:          cfg,
		tool:         tool,
		instrumenter: instrumenter,
		client:       http.DefaultClient,
		log:          j.Log.New("component", "coverage"),
		tempDir:      tempDir,
		settingsPath: filepath.Join(tempDir, settingsDir, settingsFilename),
		instrumented: cache,
	}, nil
}

func resolve(cwd string, path string) string {
	if path == "" || filepath.IsAbs(path) || cwd == "" {
		return path
	}
	return filepath.Join(cwd, path)
}

// SettingsPath is the generated nyc settings file.
func (c *Coverage) SettingsPath() string {
	return c.settingsPath
}

// InstrumentSettingsPath is the nyc settings file of on-demand
// instrumentation. Every file below the sources directory is instrumented.
func (c *Coverage) InstrumentSettingsPath() string {
	return filepath.Join(filepath.Dir(c.settingsPath), instrumentSettingsFilename)
}

func (c *Coverage) debug(msg string, ctx ...any) {
	if c.cfg.Debug {
		c.log.Info(msg, ctx...)
	} else {
		c.log.Debug(msg, ctx...)
	}
}

// Instrument prepares the temp directory and the nyc settings, then
// instruments the web application. Remote pages not routed through the
// local server are not instrumented here.
func (c *Coverage) Instrument(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	if err := os.RemoveAll(c.tempDir); err != nil {
		return errors.Wrap(err, "clean coverage temp dir")
	}
	if err := os.MkdirAll(filepath.Dir(c.settingsPath), 0o755); err != nil {
		return errors.Wrap(err, "create coverage settings dir")
	}
	if err := c.writeSettings(); err != nil {
		return err
	}

	if c.job.Config.Mode == job.ModeURL && !c.job.Config.RemoteOnLegacy {
		c.remote.Store(true)
		c.log.Info("Instrumentation skipped, sources are remote")
		return nil
	}
	c.job.SetStatus("Instrumenting")
	return c.tool.Run(ctx, "instrument", resolve(c.job.Config.Cwd, c.cfg.Webapp), filepath.Join(c.tempDir, instrumentedDir), "--nycrc-path", c.settingsPath)
}

func (c *Coverage) writeSettings() error {
	settings := map[string]any{}
	if c.cfg.Settings != "" {
		data, err := os.ReadFile(resolve(c.job.Config.Cwd, c.cfg.Settings))
		if err != nil {
			return errors.Wrap(err, "read coverage settings")
		}
		if err := json.Unmarshal(data, &settings); err != nil {
			return errors.Wrapf(err, "parse coverage settings %s", c.cfg.Settings)
		}
	}
	settings["cwd"] = c.job.Config.Cwd

	var exclude []any
	if existing, ok := settings["exclude"].([]any); ok {
		exclude = existing
	}
	exclude = append(exclude, filepath.Join(c.tempDir, "**"))
	if c.job.Config.CacheDir != "" {
		exclude = append(exclude, filepath.Join(resolve(c.job.Config.Cwd, c.job.Config.CacheDir), "**"))
	}
	exclude = append(exclude,
		filepath.Join(resolve(c.job.Config.Cwd, c.job.Config.ReportDir), "**"),
		filepath.Join(resolve(c.job.Config.Cwd, c.cfg.ReportDir), "**"),
	)
	settings["exclude"] = exclude

	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.settingsPath, data, 0o644); err != nil {
		return errors.Wrap(err, "write coverage settings")
	}

	data, err = json.Marshal(map[string]any{
		"cwd":                filepath.Join(c.tempDir, sourcesDir),
		"include":            []string{},
		"exclude":            []string{},
		"excludeNodeModules": false,
	})
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(c.InstrumentSettingsPath(), data, 0o644), "write instrument settings")
}

// Collect stores the raw coverage reported by a page under a run-unique
// name.
func (c *Coverage) Collect(ctx context.Context, url string, coverage any) error {
	if !c.cfg.Enabled {
		c.log.Debug("Ignoring coverage, coverage is disabled", "url", url)
		return nil
	}
	filename := filepath.Join(c.tempDir, fmt.Sprintf("%s_%d.json", job.Filename(url), c.job.NextCoverageIndex()))
	c.debug("Coverage collected", "url", url, "file", filename)
	data, err := json.Marshal(coverage)
	if err != nil {
		return errors.Wrap(err, "encode coverage")
	}
	if err := os.MkdirAll(c.tempDir, 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "write coverage")
	}
	metrics.RecordCoverageSnapshot()
	return nil
}
