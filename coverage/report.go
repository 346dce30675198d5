package coverage

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/pkg/errors"
)

// GenerateReport merges the collected snapshots and runs the reporters,
// enforcing the configured thresholds.
func (c *Coverage) GenerateReport(ctx context.Context) error {
	if !c.cfg.Enabled {
		return nil
	}
	c.job.SetStatus("Generating coverage report")

	reportDir := resolve(c.job.Config.Cwd, c.cfg.ReportDir)
	if err := os.RemoveAll(reportDir); err != nil {
		return errors.Wrap(err, "clean coverage report dir")
	}
	if err := os.MkdirAll(reportDir, 0o755); err != nil {
		return errors.Wrap(err, "create coverage report dir")
	}
	merged := filepath.Join(c.tempDir, mergedDir)
	if err := os.MkdirAll(merged, 0o755); err != nil {
		return errors.Wrap(err, "create merge dir")
	}
	mergedFile := filepath.Join(merged, mergedFilename)
	if err := c.tool.Run(ctx, "merge", c.tempDir, mergedFile); err != nil {
		return err
	}

	if c.remote.Load() && !c.cfg.Proxy {
		c.job.SetStatus("Checking remote source files")
		if err := c.fetchSources(ctx, mergedFile); err != nil {
			return err
		}
	}

	args := []string{"report"}
	args = append(args, c.reporterArgs()...)
	checks := c.checkArgs()
	args = append(args, checks...)
	args = append(args, "--temp-dir", merged, "--report-dir", reportDir, "--nycrc-path", c.settingsPath)
	if err := c.tool.Run(ctx, args...); err != nil {
		return err
	}

	if len(checks) > 0 {
		// Thresholds are not enforced on empty coverage.
		info, err := os.Stat(filepath.Join(reportDir, lcovFilename))
		if err != nil || info.Size() == 0 {
			return errs.New(errs.CoverageToolFailed, "No coverage information extracted")
		}
	}
	return nil
}

func (c *Coverage) reporterArgs() []string {
	reporters := slices.Clone(c.cfg.Reporters)
	if !slices.Contains(reporters, "text") {
		reporters = append(reporters, "text")
	}
	if c.cfg.HasThresholds() && !slices.Contains(reporters, "lcov") {
		reporters = append(reporters, "lcov")
	}
	args := make([]string, 0, len(reporters))
	for _, reporter := range reporters {
		args = append(args, "--reporter="+reporter)
	}
	return args
}

func (c *Coverage) checkArgs() []string {
	if !c.cfg.HasThresholds() {
		return nil
	}
	return []string{
		fmt.Sprintf("--branches=%d", c.cfg.CheckBranches),
		fmt.Sprintf("--functions=%d", c.cfg.CheckFunctions),
		fmt.Sprintf("--lines=%d", c.cfg.CheckLines),
		fmt.Sprintf("--statements=%d", c.cfg.CheckStatements),
		"--check-coverage",
	}
}

// fetchSources downloads the remote sources referenced by the merged
// coverage so that reporters can read them, and points the coverage at the
// local copies.
func (c *Coverage) fetchSources(ctx context.Context, mergedFile string) error {
	data, err := os.ReadFile(mergedFile)
	if err != nil {
		return errors.Wrap(err, "read merged coverage")
	}
	var coverage map[string]map[string]any
	if err := json.Unmarshal(data, &coverage); err != nil {
		return errors.Wrap(err, "parse merged coverage")
	}
	origin, err := c.origin()
	if err != nil {
		return err
	}

	base := filepath.Join(c.tempDir, sourcesDir)
	changes := 0
	for _, key := range slices.Sorted(maps.Keys(coverage)) {
		fileData := coverage[key]
		p, _ := fileData["path"].(string)
		if p == "" {
			continue
		}
		if filepath.IsAbs(p) {
			if f, err := os.Open(p); err == nil {
				f.Close()
				continue
			}
		}
		local := filepath.Join(base, filepath.FromSlash(p))
		if err := c.download(ctx, origin.String()+p, local); err != nil {
			return err
		}
		fileData["path"] = local
		changes++
	}
	if changes == 0 {
		return nil
	}
	c.log.Info("Remote sources downloaded", "count", changes)
	data, err = json.Marshal(coverage)
	if err != nil {
		return err
	}
	return errors.Wrap(os.WriteFile(mergedFile, data, 0o644), "write merged coverage")
}
