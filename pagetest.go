// Package pagetest runs browser-resident unit test pages: it serves the
// application and the test hooks, drives one browser per page and reports
// the results and the code coverage.
package pagetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ethereum-optimism/infra/op-pagetest/browser"
	"github.com/ethereum-optimism/infra/op-pagetest/coverage"
	"github.com/ethereum-optimism/infra/op-pagetest/exitcodes"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
	"github.com/ethereum-optimism/infra/op-pagetest/qunit"
	"github.com/ethereum-optimism/infra/op-pagetest/reporting"
	"github.com/ethereum-optimism/infra/op-pagetest/service"
	"github.com/ethereum-optimism/optimism/op-service/cliapp"
	"github.com/ethereum/go-ethereum/log"
)

// runner implements the cliapp.Lifecycle interface.
var _ cliapp.Lifecycle = &runner{}

// runner executes one run of the configured pages.
type runner struct {
	config  *Config
	version string
	log     log.Logger
	tracer  trace.Tracer

	job        *job.Job
	supervisor *browser.Supervisor
	hooks      *qunit.Hooks
	coverage   *coverage.Coverage
	service    *service.Service

	listener net.Listener
	server   *http.Server
	result   *reporting.RunResult
	output   io.Writer

	running atomic.Bool

	shutdownCallback func(error) // Callback to signal application shutdown
}

func New(ctx context.Context, config *Config, version string, shutdownCallback func(error)) (*runner, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	logger := config.Log
	if logger == nil {
		logger = log.New()
	}

	j := job.New(config.Job, logger)

	launcher := config.Launcher
	if launcher == nil {
		l, err := browser.NewExecLauncher(config.Job.Browser, config.Job.Cwd, j.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create browser launcher: %w", err)
		}
		launcher = l
	}
	resolver := config.Resolver
	if resolver == nil {
		npm := browser.NewNpmResolver(config.Job.Cwd, j.Log)
		if config.Npm != "" {
			npm.Path = config.Npm
		}
		resolver = npm
	}
	supervisor := browser.NewSupervisor(j, launcher, resolver)

	tool, instrumenter := config.CoverageTool, config.Instrumenter
	var nyc *coverage.Nyc
	if tool == nil || instrumenter == nil {
		n, err := coverage.NewNyc(config.Job.Coverage.Nyc, config.Job.Cwd, j.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create coverage tool: %w", err)
		}
		nyc = n
		if tool == nil {
			tool = nyc
		}
		if instrumenter == nil {
			instrumenter = nyc
		}
	}
	cov, err := coverage.New(j, tool, instrumenter)
	if err != nil {
		return nil, fmt.Errorf("failed to create coverage: %w", err)
	}
	if nyc != nil {
		nyc.SettingsPath = cov.InstrumentSettingsPath()
	}

	j.Log.Info("pagetest.New: created supervisor and coverage", "mode", config.Job.Mode, "pages", len(config.Pages))

	return &runner{
		config:           config,
		version:          version,
		log:              j.Log,
		tracer:           otel.Tracer("pagetest"),
		job:              j,
		supervisor:       supervisor,
		hooks:            qunit.New(j, supervisor, cov),
		coverage:         cov,
		service:          service.New(config.Service, j.Log),
		output:           os.Stdout,
		shutdownCallback: shutdownCallback,
	}, nil
}

// Start runs every page once, then reports.
// Start implements the cliapp.Lifecycle interface.
func (r *runner) Start(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("Runtime error occurred", "error", rec)
			os.Exit(exitcodes.RuntimeErr)
		}
	}()
	r.running.Store(true)

	if err := r.service.Start(ctx); err != nil {
		return NewRuntimeError(fmt.Errorf("failed to start service: %w", err))
	}
	if err := r.run(ctx); err != nil {
		r.log.Error("Run failed", "err", err)
		return err
	}
	if r.shutdownCallback != nil {
		go r.shutdownCallback(nil)
	}
	return nil
}

func (r *runner) run(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, fmt.Sprintf("run %s", r.job.RunID))
	defer span.End()
	start := time.Now()

	if err := r.listen(); err != nil {
		return NewRuntimeError(err)
	}
	if err := r.supervisor.Probe(ctx); err != nil {
		return classify(err)
	}
	if err := r.coverage.Instrument(ctx); err != nil {
		return classify(err)
	}
	rules, err := r.coverage.Mappings(ctx)
	if err != nil {
		return NewRuntimeError(err)
	}
	r.serve(rules)

	urls, pageErrors, err := r.runPages(ctx)
	if err != nil {
		return classify(err)
	}

	if err := r.coverage.GenerateReport(ctx); err != nil {
		return classify(err)
	}

	r.result = reporting.Build(r.job, urls, pageErrors, time.Since(start))
	reporting.PrintTable(r.output, r.result)
	fmt.Fprintln(r.output, r.result.String())
	if filename, err := reporting.WriteJSON(r.job.Config.ReportDir, r.result); err != nil {
		r.log.Error("Failed to write report", "err", err)
		metrics.RecordErrorDetails("report", err)
	} else {
		r.log.Info("Report written", "file", filename)
	}
	metrics.RecordRun(r.job.RunID, string(r.result.Status), r.result.Duration)
	span.SetAttributes(attribute.String("status", string(r.result.Status)))
	r.log.Info("Test run completed", "run_id", r.job.RunID, "status", r.result.Status)

	if r.result.Status != reporting.StatusPass {
		return NewTestFailureError(r.result.String())
	}
	return nil
}

// listen binds the local server so that its port is known before any page
// or injected script refers to it.
func (r *runner) listen() error {
	listener, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(r.config.Port)))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	r.listener = listener
	r.job.SetPort(listener.Addr().(*net.TCPAddr).Port)
	r.log.Info("Server listening", "addr", listener.Addr())
	return nil
}

// handler is the local server: the test hooks, then the coverage rules,
// then the application files in legacy mode.
func (r *runner) handler(rules []coverage.Rule) http.Handler {
	var static http.Handler
	if r.job.Config.Mode == job.ModeLegacy {
		static = http.FileServer(http.Dir(filepath.Join(r.job.Config.Cwd, r.config.Webapp)))
	}
	mux := http.NewServeMux()
	mux.Handle(qunit.DefaultPrefix+"/", qunit.NewHandler(r.hooks, r.supervisor, qunit.DefaultPrefix))
	mux.Handle("/", coverage.Chain(rules, static))
	return mux
}

func (r *runner) serve(rules []coverage.Rule) {
	r.server = &http.Server{Handler: r.handler(rules)}
	go func() {
		if err := r.server.Serve(r.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.log.Error("Server failed", "err", err)
			metrics.RecordErrorDetails("server", err)
		}
	}()
}

// runPages starts one browser per page, at most parallel at once. A fatal
// failure cancels the remaining pages.
func (r *runner) runPages(ctx context.Context) ([]string, map[string]error, error) {
	parallel := r.config.Parallel
	if parallel < 1 || !r.job.Capabilities().Parallel {
		parallel = 1
	}
	r.job.SetStatus("Running tests")
	r.log.Info("Running pages", "count", len(r.config.Pages), "parallel", parallel)

	urls := make([]string, len(r.config.Pages))
	for i, page := range r.config.Pages {
		urls[i] = r.config.pageURL(page, r.job.Port())
	}

	var mu sync.Mutex
	pageErrors := make(map[string]error)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for _, url := range urls {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := r.supervisor.Start(gctx, url, r.config.Scripts)
			if err == nil {
				return nil
			}
			r.log.Warn("Page failed", "url", url, "err", err)
			r.job.MarkFailed()
			mu.Lock()
			pageErrors[url] = err
			mu.Unlock()
			if IsRuntimeError(classify(err)) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return urls, pageErrors, nil
}

// Stop shuts the local server and the side servers down.
// Stop implements the cliapp.Lifecycle interface.
func (r *runner) Stop(ctx context.Context) error {
	r.log.Info("Stopping op-pagetest")
	if !r.running.Load() {
		r.log.Debug("Service already stopped, nothing to do")
		return nil
	}
	r.running.Store(false)

	defer r.service.Shutdown(ctx)
	if r.server != nil {
		if err := r.server.Shutdown(ctx); err != nil {
			return err
		}
	} else if r.listener != nil {
		_ = r.listener.Close()
	}
	r.log.Info("op-pagetest stopped successfully")
	return nil
}

// Stopped implements the cliapp.Lifecycle interface.
func (r *runner) Stopped() bool {
	return !r.running.Load()
}

// Result is the summary of the last run, nil until it completed.
func (r *runner) Result() *reporting.RunResult {
	return r.result
}
