package pagetest

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
	"github.com/ethereum-optimism/infra/op-pagetest/coverage"
	"github.com/ethereum-optimism/infra/op-pagetest/flags"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/service"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
	"github.com/ethereum/go-ethereum/log"
)

// Config holds the application configuration
type Config struct {
	Job      job.Config
	Pages    []string // Pages as given, relative paths are served from Webapp
	Scripts  []string // Scripts injected in every page, *.js names are read from the inject dir
	Webapp   string
	Port     int
	Parallel int // Upper bound of concurrently tested pages
	Npm      string
	Service  service.Config
	Log      log.Logger

	// Optional collaborators, the process based implementations are used when nil.
	Launcher     browser.Launcher
	Resolver     browser.Resolver
	CoverageTool coverage.Tool
	Instrumenter coverage.Instrumenter
}

// NewConfig creates a new Config from cli context. Values of the run file are
// applied over flag defaults; explicitly set flags win over the run file.
func NewConfig(ctx *cli.Context, log log.Logger) (*Config, error) {
	if err := flags.CheckRequired(ctx); err != nil {
		return nil, fmt.Errorf("missing required flags: %w", err)
	}

	cwd, err := filepath.Abs(ctx.String(flags.Cwd.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path for working directory '%s': %w", ctx.String(flags.Cwd.Name), err)
	}

	jc := job.DefaultConfig()
	jc.Cwd = cwd
	jc.Browser = ctx.String(flags.Browser.Name)
	jc.BrowserArgs = ctx.StringSlice(flags.BrowserArgs.Name)
	jc.InjectDir = ctx.String(flags.InjectDir.Name)
	jc.ReportDir = ctx.String(flags.ReportDir.Name)
	jc.CacheDir = ctx.String(flags.CacheDir.Name)
	jc.PageTimeout = ctx.Duration(flags.PageTimeout.Name)
	jc.BrowserRetry = ctx.Int(flags.BrowserRetry.Name)
	jc.StopGracePeriod = ctx.Duration(flags.StopGracePeriod.Name)
	jc.ScreenshotTimeout = ctx.Duration(flags.ScreenshotTimeout.Name)
	jc.Screenshot = ctx.Bool(flags.Screenshot.Name)
	jc.NoScreenshot = ctx.Bool(flags.NoScreenshot.Name)
	jc.Strict = ctx.Bool(flags.Strict.Name)
	jc.FailOpaFast = ctx.Bool(flags.FailOpaFast.Name)
	jc.CompleteEmptyPages = ctx.Bool(flags.CompleteEmptyPages.Name)

	cc := &jc.Coverage
	cc.Enabled = ctx.Bool(flags.Coverage.Name)
	cc.Nyc = ctx.String(flags.Nyc.Name)
	cc.Settings = ctx.String(flags.CoverageSettings.Name)
	cc.TempDir = ctx.String(flags.CoverageTempDir.Name)
	cc.ReportDir = ctx.String(flags.CoverageReportDir.Name)
	cc.Reporters = ctx.StringSlice(flags.CoverageReporters.Name)
	cc.CheckBranches = ctx.Int(flags.CheckBranches.Name)
	cc.CheckFunctions = ctx.Int(flags.CheckFunctions.Name)
	cc.CheckLines = ctx.Int(flags.CheckLines.Name)
	cc.CheckStatements = ctx.Int(flags.CheckStatements.Name)
	cc.Proxy = ctx.Bool(flags.CoverageProxy.Name)
	cc.Debug = ctx.Bool(flags.DebugCoverage.Name)
	cc.NoCustomFS = ctx.Bool(flags.DebugCoverageNoCustomFS.Name)

	cfg := &Config{
		Job:      jc,
		Pages:    ctx.StringSlice(flags.Pages.Name),
		Webapp:   ctx.String(flags.Webapp.Name),
		Port:     ctx.Int(flags.Port.Name),
		Parallel: ctx.Int(flags.Parallel.Name),
		Npm:      ctx.String(flags.Npm.Name),
		Service: service.Config{
			HealthzAddr: ctx.String(flags.HealthzAddr.Name),
			Metrics:     opmetrics.ReadCLIConfig(ctx),
		},
		Log: log,
	}
	include := ctx.String(flags.CoverageProxyInclude.Name)
	exclude := ctx.String(flags.CoverageProxyExclude.Name)

	if path := ctx.String(flags.ConfigFile.Name); path != "" {
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		rf, err := LoadRunFile(path)
		if err != nil {
			return nil, err
		}
		rf.apply(cfg, ctx.IsSet)
		if rf.Coverage != nil {
			if rf.Coverage.ProxyInclude != "" && !ctx.IsSet(flags.CoverageProxyInclude.Name) {
				include = rf.Coverage.ProxyInclude
			}
			if rf.Coverage.ProxyExclude != "" && !ctx.IsSet(flags.CoverageProxyExclude.Name) {
				exclude = rf.Coverage.ProxyExclude
			}
		}
	}

	cfg.Job.Coverage.Webapp = cfg.Webapp
	cfg.Job.ReportDir = resolvePath(cwd, cfg.Job.ReportDir)
	cfg.Job.InjectDir = resolvePath(cwd, cfg.Job.InjectDir)
	if cfg.Job.Coverage.ProxyInclude, err = compilePattern(include); err != nil {
		return nil, fmt.Errorf("invalid coverage proxy include: %w", err)
	}
	if cfg.Job.Coverage.ProxyExclude, err = compilePattern(exclude); err != nil {
		return nil, fmt.Errorf("invalid coverage proxy exclude: %w", err)
	}

	if err := cfg.Check(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolvePath(cwd string, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(cwd, path)
}

func compilePattern(expr string) (*regexp.Regexp, error) {
	if expr == "" {
		return nil, nil
	}
	return regexp.Compile(expr)
}

// Check validates the configuration and derives the run mode from the pages.
func (c *Config) Check() error {
	if len(c.Pages) == 0 {
		return errors.New("at least one test page is required")
	}
	if c.Job.Browser == "" {
		return errors.New("browser command is required")
	}
	if c.Job.BrowserRetry < 0 {
		return fmt.Errorf("invalid browser retry: %d", c.Job.BrowserRetry)
	}
	if c.Parallel < 1 {
		return fmt.Errorf("invalid parallel: %d", c.Parallel)
	}
	if err := c.Service.Metrics.Check(); err != nil {
		return err
	}

	remote := 0
	for _, page := range c.Pages {
		if isRemote(page) {
			remote++
		}
	}
	switch remote {
	case 0:
		c.Job.Mode = job.ModeLegacy
	case len(c.Pages):
		c.Job.Mode = job.ModeURL
		c.Job.TestPageURLs = c.Pages
	default:
		return errors.New("test pages must be either all remote urls or all local paths")
	}
	if c.Job.Coverage.Proxy && c.Job.Mode != job.ModeURL {
		return errors.New("coverage proxy requires remote test pages")
	}
	if c.Job.Coverage.Proxy && c.Job.RemoteOnLegacy {
		return errors.New("coverage proxy and remote on legacy are exclusive")
	}
	return nil
}

func isRemote(page string) bool {
	u, err := url.Parse(page)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// routesRemotePages reports whether remote pages are loaded through the local
// server, so that their scripts can be replaced by instrumented ones.
func (c *Config) routesRemotePages() bool {
	cov := c.Job.Coverage
	return cov.Enabled && (cov.Proxy || c.Job.RemoteOnLegacy)
}

// pageURL returns the url the browser opens for page, given the port of the
// local server.
func (c *Config) pageURL(page string, port int) string {
	local := fmt.Sprintf("http://localhost:%d", port)
	if !isRemote(page) {
		return local + "/" + strings.TrimLeft(filepath.ToSlash(page), "/")
	}
	if c.routesRemotePages() {
		u, _ := url.Parse(page)
		return local + u.RequestURI()
	}
	return page
}
