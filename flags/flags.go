package flags

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	opservice "github.com/ethereum-optimism/optimism/op-service"
	opflags "github.com/ethereum-optimism/optimism/op-service/flags"
	oplog "github.com/ethereum-optimism/optimism/op-service/log"
	opmetrics "github.com/ethereum-optimism/optimism/op-service/metrics"
)

const EnvVarPrefix = "OP_PAGETEST"

const (
	defaultStopGracePeriod   = 5 * time.Second
	defaultScreenshotTimeout = 5 * time.Second
)

var (
	Browser = &cli.StringFlag{
		Name:     "browser",
		Value:    "",
		Required: true,
		EnvVars:  opservice.PrefixEnvVar(EnvVarPrefix, "BROWSER"),
		Usage:    "Browser driver command line (eg. 'rod-driver' or 'node puppeteer.js')",
	}
	Pages = &cli.StringSliceFlag{
		Name:    "url",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "URL"),
		Usage:   "Test page to run, repeat for several pages. Relative paths are served from --webapp",
	}
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a run file (.yaml, .yml or .toml) providing pages and settings",
	}
	Cwd = &cli.StringFlag{
		Name:    "cwd",
		Value:   ".",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CWD"),
		Usage:   "Working directory, relative paths are resolved from it",
	}
	Webapp = &cli.StringFlag{
		Name:    "webapp",
		Value:   "webapp",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "WEBAPP"),
		Usage:   "Directory of the application served in legacy mode",
	}
	Port = &cli.IntFlag{
		Name:    "port",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PORT"),
		Usage:   "Port of the local server, 0 picks a free one",
	}
	BrowserArgs = &cli.StringSliceFlag{
		Name:    "browser-arg",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BROWSER_ARG"),
		Usage:   "Extra argument passed to the browser driver through browser.json",
	}
	InjectDir = &cli.StringFlag{
		Name:    "inject-dir",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "INJECT_DIR"),
		Usage:   "Directory holding the scripts injected in test pages",
	}
	ReportDir = &cli.StringFlag{
		Name:    "report-dir",
		Value:   "report",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "REPORT_DIR"),
		Usage:   "Directory receiving the page reports",
	}
	CacheDir = &cli.StringFlag{
		Name:    "cache-dir",
		Value:   ".pagetest",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "CACHE_DIR"),
		Usage:   "Directory used for cached artifacts, excluded from coverage",
	}
	Npm = &cli.StringFlag{
		Name:    "npm",
		Value:   "npm",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NPM"),
		Usage:   "Path to the npm binary used to resolve driver modules",
	}
	PageTimeout = &cli.DurationFlag{
		Name:    "page-timeout",
		Value:   0,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PAGE_TIMEOUT"),
		Usage:   "Maximum duration of one page (e.g. '2m'). Set to 0 to disable",
	}
	BrowserRetry = &cli.IntFlag{
		Name:    "browser-retry",
		Value:   1,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "BROWSER_RETRY"),
		Usage:   "Number of relaunches of a crashed or timed out browser",
	}
	StopGracePeriod = &cli.DurationFlag{
		Name:    "stop-grace-period",
		Value:   defaultStopGracePeriod,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STOP_GRACE_PERIOD"),
		Usage:   "Delay granted to a browser to honour a stop command before it is killed",
	}
	ScreenshotTimeout = &cli.DurationFlag{
		Name:    "screenshot-timeout",
		Value:   defaultScreenshotTimeout,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCREENSHOT_TIMEOUT"),
		Usage:   "Maximum wait for a screenshot acknowledgement",
	}
	Screenshot = &cli.BoolFlag{
		Name:    "screenshot",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "SCREENSHOT"),
		Usage:   "Take a screenshot after every OPA step",
	}
	NoScreenshot = &cli.BoolFlag{
		Name:    "no-screenshot",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "NO_SCREENSHOT"),
		Usage:   "Disable every screenshot, including the ones of failed tests",
	}
	Strict = &cli.BoolFlag{
		Name:    "strict",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "STRICT"),
		Usage:   "Fail pages whose test count does not match the declared total",
	}
	FailOpaFast = &cli.BoolFlag{
		Name:    "fail-opa-fast",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "FAIL_OPA_FAST"),
		Usage:   "Stop an OPA page at its first failed test",
	}
	CompleteEmptyPages = &cli.BoolFlag{
		Name:    "complete-empty-pages",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COMPLETE_EMPTY_PAGES"),
		Usage:   "Let pages declaring no test complete on their done event",
	}
	Parallel = &cli.IntFlag{
		Name:    "parallel",
		Value:   2,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "PARALLEL"),
		Usage:   "Number of pages run concurrently, forced to 1 when the driver cannot run in parallel",
	}
	Coverage = &cli.BoolFlag{
		Name:    "coverage",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE"),
		Usage:   "Instrument sources and collect code coverage",
	}
	Nyc = &cli.StringFlag{
		Name:    "coverage.nyc",
		Value:   "nyc",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_NYC"),
		Usage:   "Command line of nyc",
	}
	CoverageSettings = &cli.StringFlag{
		Name:    "coverage.settings",
		Value:   "",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_SETTINGS"),
		Usage:   "nyc settings file merged into the generated one",
	}
	CoverageTempDir = &cli.StringFlag{
		Name:    "coverage.temp-dir",
		Value:   ".nyc_output",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_TEMP_DIR"),
		Usage:   "Directory receiving coverage snapshots and instrumented sources",
	}
	CoverageReportDir = &cli.StringFlag{
		Name:    "coverage.report-dir",
		Value:   "coverage",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_REPORT_DIR"),
		Usage:   "Directory receiving the coverage report",
	}
	CoverageReporters = &cli.StringSliceFlag{
		Name:    "coverage.reporter",
		Value:   cli.NewStringSlice("lcov", "cobertura"),
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_REPORTER"),
		Usage:   "nyc reporter, repeat for several reporters",
	}
	CheckBranches = &cli.IntFlag{
		Name:    "coverage.check-branches",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_CHECK_BRANCHES"),
		Usage:   "Minimum branch coverage in percent",
	}
	CheckFunctions = &cli.IntFlag{
		Name:    "coverage.check-functions",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_CHECK_FUNCTIONS"),
		Usage:   "Minimum function coverage in percent",
	}
	CheckLines = &cli.IntFlag{
		Name:    "coverage.check-lines",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_CHECK_LINES"),
		Usage:   "Minimum line coverage in percent",
	}
	CheckStatements = &cli.IntFlag{
		Name:    "coverage.check-statements",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_CHECK_STATEMENTS"),
		Usage:   "Minimum statement coverage in percent",
	}
	CoverageProxy = &cli.BoolFlag{
		Name:    "coverage.proxy",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_PROXY"),
		Usage:   "Route remote pages through the local server and instrument sources on demand",
	}
	CoverageProxyInclude = &cli.StringFlag{
		Name:    "coverage.proxy-include",
		Value:   ".*",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_PROXY_INCLUDE"),
		Usage:   "Regular expression of the proxied sources to instrument",
	}
	CoverageProxyExclude = &cli.StringFlag{
		Name:    "coverage.proxy-exclude",
		Value:   `/((test-)?resources|tests?)/`,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "COVERAGE_PROXY_EXCLUDE"),
		Usage:   "Regular expression of the proxied sources never instrumented",
	}
	DebugCoverage = &cli.BoolFlag{
		Name:    "debug.coverage",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBUG_COVERAGE"),
		Usage:   "Log coverage decisions at info level",
	}
	DebugCoverageNoCustomFS = &cli.BoolFlag{
		Name:    "debug.coverage-no-custom-fs",
		Value:   false,
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "DEBUG_COVERAGE_NO_CUSTOM_FS"),
		Usage:   "Serve instrumented sources without the global context rewrite",
	}
	HealthzAddr = &cli.StringFlag{
		Name:    "healthz.addr",
		Value:   "0.0.0.0:8080",
		EnvVars: opservice.PrefixEnvVar(EnvVarPrefix, "HEALTHZ_ADDR"),
		Usage:   "Listen address of the health check server, empty to disable",
	}
)

var requiredFlags = []cli.Flag{
	Browser,
}

var optionalFlags = []cli.Flag{
	Pages,
	ConfigFile,
	Cwd,
	Webapp,
	Port,
	BrowserArgs,
	InjectDir,
	ReportDir,
	CacheDir,
	Npm,
	PageTimeout,
	BrowserRetry,
	StopGracePeriod,
	ScreenshotTimeout,
	Screenshot,
	NoScreenshot,
	Strict,
	FailOpaFast,
	CompleteEmptyPages,
	Parallel,
	Coverage,
	Nyc,
	CoverageSettings,
	CoverageTempDir,
	CoverageReportDir,
	CoverageReporters,
	CheckBranches,
	CheckFunctions,
	CheckLines,
	CheckStatements,
	CoverageProxy,
	CoverageProxyInclude,
	CoverageProxyExclude,
	DebugCoverage,
	DebugCoverageNoCustomFS,
	HealthzAddr,
}
var Flags []cli.Flag

func init() {
	optionalFlags = append(optionalFlags, oplog.CLIFlags(EnvVarPrefix)...)
	optionalFlags = append(optionalFlags, opmetrics.CLIFlags(EnvVarPrefix)...)

	Flags = append(requiredFlags, optionalFlags...)
}

func CheckRequired(ctx *cli.Context) error {
	for _, f := range requiredFlags {
		if !ctx.IsSet(f.Names()[0]) {
			return fmt.Errorf("flag %s is required", f.Names()[0])
		}
	}
	return opflags.CheckRequiredXor(ctx)
}
