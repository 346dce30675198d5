package job

import (
	"regexp"
	"time"
)

// Mode tells where the application under test is served from.
type Mode string

const (
	// ModeLegacy serves a local application through this run's own server.
	ModeLegacy Mode = "legacy"
	// ModeURL tests pages served from a remote origin.
	ModeURL Mode = "url"
)

// Config holds the run-scoped settings read by the core components.
type Config struct {
	Mode Mode
	Cwd  string

	// Browser is the driver command line, e.g. "node puppeteer.js".
	Browser     string
	BrowserArgs []string
	InjectDir   string

	ReportDir    string
	CacheDir     string
	PageTimeout  time.Duration
	BrowserRetry int
	// StopGracePeriod bounds how long a driver may take to honour a
	// cooperative stop before it is killed.
	StopGracePeriod   time.Duration
	ScreenshotTimeout time.Duration

	// NoScreenshot disables every screenshot; Screenshot enables the per-step
	// screenshots of OPA logs.
	NoScreenshot bool
	Screenshot   bool

	Strict      bool
	FailOpaFast bool
	// CompleteEmptyPages lets a page that declares zero tests complete on its
	// done event instead of being treated as a premature report.
	CompleteEmptyPages bool

	// RemoteOnLegacy is set when a remote origin is routed through this run's
	// legacy serving layer.
	RemoteOnLegacy bool
	// TestPageURLs are the pages to run; the first one gives the inferred
	// origin of remote sources.
	TestPageURLs []string

	Coverage CoverageConfig
}

// CoverageConfig holds the coverage toggles and tool settings.
type CoverageConfig struct {
	Enabled bool
	// Nyc is the command line of the coverage tool.
	Nyc       string
	Settings  string
	TempDir   string
	ReportDir string
	Webapp    string
	Reporters []string

	CheckBranches   int
	CheckFunctions  int
	CheckLines      int
	CheckStatements int

	Proxy        bool
	ProxyInclude *regexp.Regexp
	ProxyExclude *regexp.Regexp

	Debug          bool
	NoCustomFS     bool
	ProxyCacheSize int
}

// HasThresholds reports whether any coverage check is configured.
func (c CoverageConfig) HasThresholds() bool {
	return c.CheckBranches > 0 || c.CheckFunctions > 0 || c.CheckLines > 0 || c.CheckStatements > 0
}

// DefaultConfig returns the settings used when nothing else is configured.
func DefaultConfig() Config {
	return Config{
		Mode:              ModeLegacy,
		ReportDir:         "report",
		PageTimeout:       0,
		BrowserRetry:      1,
		StopGracePeriod:   5 * time.Second,
		ScreenshotTimeout: 5 * time.Second,
		Coverage: CoverageConfig{
			Nyc:            "nyc",
			TempDir:        ".nyc_output",
			ReportDir:      "coverage",
			Reporters:      []string{"lcov", "cobertura"},
			ProxyInclude:   regexp.MustCompile(`.*`),
			ProxyExclude:   regexp.MustCompile(`/((test-)?resources|tests?)/`),
			ProxyCacheSize: 4096,
		},
	}
}
