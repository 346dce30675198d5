package coverage

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Tool runs the coverage command line tool.
type Tool interface {
	Run(ctx context.Context, args ...string) error
}

// Instrumenter instruments one source file into out.
type Instrumenter interface {
	Instrument(ctx context.Context, source string, out string) error
}

// Nyc runs nyc as a child process.
type Nyc struct {
	Path string
	Args []string
	Cwd  string
	// SettingsPath is passed to single file instrumentation. It must not
	// exclude the instrumented file, nyc would silently copy it as is.
	SettingsPath string

	log    log.Logger
	tracer trace.Tracer
}

// NewNyc splits a command line such as "npx nyc".
func NewNyc(commandLine string, cwd string, logger log.Logger) (*Nyc, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errs.New(errs.CoverageToolFailed, "empty nyc command")
	}
	return &Nyc{
		Path:   fields[0],
		Args:   fields[1:],
		Cwd:    cwd,
		log:    logger.New("tool", "nyc"),
		tracer: otel.Tracer("coverage"),
	}, nil
}

func (n *Nyc) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, n.Path, append(append([]string{}, n.Args...), args...)...)
	cmd.Dir = n.Cwd
	return cmd
}

func (n *Nyc) Run(ctx context.Context, args ...string) error {
	ctx, span := n.tracer.Start(ctx, "nyc "+args[0])
	defer span.End()
	span.SetAttributes(attribute.StringSlice("args", args))

	n.log.Info("Running nyc", "args", strings.Join(args, " "))
	var output bytes.Buffer
	cmd := n.command(ctx, args)
	cmd.Stdout = &output
	cmd.Stderr = &output
	err := cmd.Run()
	for _, line := range strings.Split(strings.TrimRight(output.String(), "\n"), "\n") {
		if line != "" {
			n.log.Debug("nyc", "line", line)
		}
	}
	if err != nil {
		return errs.Wrap(errs.CoverageToolFailed, errors.Wrapf(err, "nyc %s", args[0]), lastLines(output.String(), 5))
	}
	return nil
}

// Instrument writes the instrumented version of source to out. Pages run in
// frames, so coverage is accumulated on the top window.
func (n *Nyc) Instrument(ctx context.Context, source string, out string) error {
	args := []string{"instrument", source}
	if n.SettingsPath != "" {
		args = append(args, "--nycrc-path", n.SettingsPath)
	}
	var stdout, stderr bytes.Buffer
	cmd := n.command(ctx, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.CoverageToolFailed, errors.Wrapf(err, "nyc instrument %s", source), lastLines(stderr.String(), 5))
	}
	instrumented := bytes.ReplaceAll(stdout.Bytes(), []byte(globalThisScope), []byte(topWindowScope))
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return errors.Wrap(err, "create instrumented directory")
	}
	return errors.Wrap(os.WriteFile(out, instrumented, 0o644), "write instrumented source")
}

const (
	globalThisScope = `new Function("return this")()`
	topWindowScope  = `window.top`
)

func lastLines(output string, n int) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
