package reporting

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ReportFilename is written at the root of the report directory.
const ReportFilename = "report.json"

// WriteJSON persists the run results, page trees included, into dir.
func WriteJSON(dir string, r *RunResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}
	filename := filepath.Join(dir, ReportFilename)
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report file: %w", err)
	}
	return filename, nil
}
