package pagetest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ethereum-optimism/infra/op-pagetest/flags"
)

// RunFile is the optional configuration file of a run, in YAML or TOML.
type RunFile struct {
	Pages          []string     `yaml:"pages" toml:"pages"`
	Scripts        []string     `yaml:"scripts" toml:"scripts"`
	Webapp         string       `yaml:"webapp" toml:"webapp"`
	InjectDir      string       `yaml:"injectDir" toml:"inject_dir"`
	ReportDir      string       `yaml:"reportDir" toml:"report_dir"`
	BrowserArgs    []string     `yaml:"browserArgs" toml:"browser_args"`
	PageTimeout    TOMLDuration `yaml:"pageTimeout" toml:"page_timeout"`
	BrowserRetry   *int         `yaml:"browserRetry" toml:"browser_retry"`
	Parallel       int          `yaml:"parallel" toml:"parallel"`
	Screenshot     *bool        `yaml:"screenshot" toml:"screenshot"`
	Strict         *bool        `yaml:"strict" toml:"strict"`
	FailOpaFast    *bool        `yaml:"failOpaFast" toml:"fail_opa_fast"`
	RemoteOnLegacy bool         `yaml:"remoteOnLegacy" toml:"remote_on_legacy"`
	Coverage       *RunCoverage `yaml:"coverage" toml:"coverage"`
}

// RunCoverage holds the coverage section of a run file.
type RunCoverage struct {
	Enabled         *bool    `yaml:"enabled" toml:"enabled"`
	Settings        string   `yaml:"settings" toml:"settings"`
	ReportDir       string   `yaml:"reportDir" toml:"report_dir"`
	Reporters       []string `yaml:"reporters" toml:"reporters"`
	CheckBranches   int      `yaml:"checkBranches" toml:"check_branches"`
	CheckFunctions  int      `yaml:"checkFunctions" toml:"check_functions"`
	CheckLines      int      `yaml:"checkLines" toml:"check_lines"`
	CheckStatements int      `yaml:"checkStatements" toml:"check_statements"`
	Proxy           *bool    `yaml:"proxy" toml:"proxy"`
	ProxyInclude    string   `yaml:"proxyInclude" toml:"proxy_include"`
	ProxyExclude    string   `yaml:"proxyExclude" toml:"proxy_exclude"`
}

type TOMLDuration time.Duration

func (t *TOMLDuration) UnmarshalText(b []byte) error {
	d, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}

	*t = TOMLDuration(d)
	return nil
}

// LoadRunFile reads a run file, the format is picked from the extension.
func LoadRunFile(path string) (*RunFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read run file: %w", err)
	}
	rf := new(RunFile)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), rf); err != nil {
			return nil, fmt.Errorf("failed to parse run file %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, rf); err != nil {
			return nil, fmt.Errorf("failed to parse run file %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported run file format: %s", path)
	}
	return rf, nil
}

// apply copies the values set in the file into cfg, except those whose flag
// was set explicitly.
func (rf *RunFile) apply(cfg *Config, isSet func(name string) bool) {
	use := func(name string, present bool) bool {
		return present && !isSet(name)
	}
	jc := &cfg.Job

	if use(flags.Pages.Name, len(rf.Pages) > 0) {
		cfg.Pages = rf.Pages
	}
	cfg.Scripts = append(cfg.Scripts, rf.Scripts...)
	if use(flags.Webapp.Name, rf.Webapp != "") {
		cfg.Webapp = rf.Webapp
	}
	if use(flags.InjectDir.Name, rf.InjectDir != "") {
		jc.InjectDir = rf.InjectDir
	}
	if use(flags.ReportDir.Name, rf.ReportDir != "") {
		jc.ReportDir = rf.ReportDir
	}
	if use(flags.BrowserArgs.Name, len(rf.BrowserArgs) > 0) {
		jc.BrowserArgs = rf.BrowserArgs
	}
	if use(flags.PageTimeout.Name, rf.PageTimeout != 0) {
		jc.PageTimeout = time.Duration(rf.PageTimeout)
	}
	if use(flags.BrowserRetry.Name, rf.BrowserRetry != nil) {
		jc.BrowserRetry = *rf.BrowserRetry
	}
	if use(flags.Parallel.Name, rf.Parallel > 0) {
		cfg.Parallel = rf.Parallel
	}
	if use(flags.Screenshot.Name, rf.Screenshot != nil) {
		jc.Screenshot = *rf.Screenshot
	}
	if use(flags.Strict.Name, rf.Strict != nil) {
		jc.Strict = *rf.Strict
	}
	if use(flags.FailOpaFast.Name, rf.FailOpaFast != nil) {
		jc.FailOpaFast = *rf.FailOpaFast
	}
	jc.RemoteOnLegacy = jc.RemoteOnLegacy || rf.RemoteOnLegacy

	c := rf.Coverage
	if c == nil {
		return
	}
	cc := &jc.Coverage
	if use(flags.Coverage.Name, c.Enabled != nil) {
		cc.Enabled = *c.Enabled
	}
	if use(flags.CoverageSettings.Name, c.Settings != "") {
		cc.Settings = c.Settings
	}
	if use(flags.CoverageReportDir.Name, c.ReportDir != "") {
		cc.ReportDir = c.ReportDir
	}
	if use(flags.CoverageReporters.Name, len(c.Reporters) > 0) {
		cc.Reporters = c.Reporters
	}
	if use(flags.CheckBranches.Name, c.CheckBranches > 0) {
		cc.CheckBranches = c.CheckBranches
	}
	if use(flags.CheckFunctions.Name, c.CheckFunctions > 0) {
		cc.CheckFunctions = c.CheckFunctions
	}
	if use(flags.CheckLines.Name, c.CheckLines > 0) {
		cc.CheckLines = c.CheckLines
	}
	if use(flags.CheckStatements.Name, c.CheckStatements > 0) {
		cc.CheckStatements = c.CheckStatements
	}
	if use(flags.CoverageProxy.Name, c.Proxy != nil) {
		cc.Proxy = *c.Proxy
	}
}
