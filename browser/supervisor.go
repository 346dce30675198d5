// Package browser supervises the external driver processes that load test
// pages: one process per page, restarted on crash or timeout until the retry
// budget runs out.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/errs"
	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum-optimism/infra/op-pagetest/metrics"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	configFilename  = "browser.json"
	consoleFilename = "console.log"
	baseHostKey     = "ui5-test-runner/base-host"
)

// Supervisor owns the driver sessions of a run, keyed by page URL.
type Supervisor struct {
	job      *job.Job
	launcher Launcher
	resolver Resolver
	log      log.Logger
	tracer   trace.Tracer

	mu       sync.Mutex
	sessions map[string]*session
	pending  map[uint64]chan Reply
}

// session is the stable identity of a page under test. Each launch of its
// driver is a separate attempt.
type session struct {
	url       string
	reportDir string
	scripts   []string
	done      chan struct{}

	// Guarded by Supervisor.mu.
	retries int
	current *attempt
	abort   bool
	failed  bool
}

// attempt is one driver launch. It is never mutated once published.
type attempt struct {
	number  int
	process Process
	timer   *time.Timer
	tail    *tailBuffer
}

// SessionInfo describes a live session.
type SessionInfo struct {
	URL     string `json:"url"`
	Retries int    `json:"retries"`
	Live    bool   `json:"live"`
}

func NewSupervisor(j *job.Job, launcher Launcher, resolver Resolver) *Supervisor {
	return &Supervisor{
		job:      j,
		launcher: launcher,
		resolver: resolver,
		log:      j.Log.New("component", "browser"),
		tracer:   otel.Tracer("browser supervisor"),
		sessions: make(map[string]*session),
		pending:  make(map[uint64]chan Reply),
	}
}

// Probe asks the driver for its capabilities, resolves the modules it needs
// and records the result on the job.
func (s *Supervisor) Probe(ctx context.Context) error {
	s.job.SetStatus("Probing browser instantiation command")
	out, err := s.launcher.Output(ctx, CapabilitiesArg)
	if err != nil {
		return errs.Wrap(errs.BrowserProbeFailed, err, "failed to run browser command")
	}
	caps, err := ParseCapabilities(out)
	if err != nil {
		return err
	}
	s.log.Info("Browser capabilities", "capabilities", caps.String())
	if len(caps.Ignored) > 0 {
		s.log.Debug("Ignoring unknown capabilities", "fields", caps.Ignored)
	}

	modules, err := resolveModules(ctx, s.resolver, caps.Modules, s.job.SetStatus)
	if err != nil {
		return err
	}
	for name, path := range modules {
		s.log.Debug("Resolved browser module", "module", name, "path", path)
	}
	s.job.SetCapabilities(&job.Capabilities{
		Modules:    modules,
		Screenshot: caps.Screenshot,
		Console:    caps.Console,
		Scripts:    caps.Scripts,
		Parallel:   caps.Parallel,
	})
	return nil
}

// Start runs the page in a driver and blocks until its session ends. It
// returns a BrowserFailed error when every attempt crashed or timed out, and
// ctx.Err() when the caller gave up first.
func (s *Supervisor) Start(ctx context.Context, url string, scripts []string) error {
	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("page %s", url))
	defer span.End()

	resolved, err := s.resolveScripts(scripts)
	if err != nil {
		return err
	}
	reportDir, err := filepath.Abs(filepath.Join(s.job.Config.ReportDir, job.Filename(url)))
	if err != nil {
		return err
	}

	sess := &session{
		url:       url,
		reportDir: reportDir,
		scripts:   resolved,
		done:      make(chan struct{}),
	}
	s.mu.Lock()
	if _, exists := s.sessions[url]; exists {
		s.mu.Unlock()
		return errs.Newf(errs.Generic, "a browser is already running %s", url)
	}
	s.sessions[url] = sess
	metrics.SetLiveBrowsers(len(s.sessions))
	s.mu.Unlock()

	s.log.Info("Browser started", "url", url)
	go s.launch(ctx, sess, 0)

	select {
	case <-sess.done:
	case <-ctx.Done():
		s.Stop(url, false)
		<-sess.done
		span.SetAttributes(attribute.Bool("cancelled", true))
		return ctx.Err()
	}

	s.mu.Lock()
	failed, retries := sess.failed, sess.retries
	s.mu.Unlock()
	span.SetAttributes(attribute.Int("retries", retries), attribute.Bool("failed", failed))
	s.log.Info("Browser stopped", "url", url, "retries", retries)
	if failed {
		metrics.RecordBrowserFailure()
		return errs.Newf(errs.BrowserFailed, "%s failed after %d retries", url, retries)
	}
	return nil
}

// resolveScripts loads .js entries from the inject directory and keeps other
// entries as inline source. When anything is injected, the callback base
// address is defined first.
func (s *Supervisor) resolveScripts(scripts []string) ([]string, error) {
	resolved := make([]string, 0, len(scripts)+1)
	for _, script := range scripts {
		if !strings.HasSuffix(script, ".js") {
			resolved = append(resolved, script)
			continue
		}
		content, err := os.ReadFile(filepath.Join(s.job.Config.InjectDir, script))
		if err != nil {
			return nil, fmt.Errorf("failed to read injected script %s: %w", script, err)
		}
		resolved = append(resolved, string(content))
	}
	if len(resolved) > 0 {
		bootstrap := fmt.Sprintf("window['%s'] = 'http://localhost:%d'\n", baseHostKey, s.job.Port())
		resolved = append([]string{bootstrap}, resolved...)
	}
	return resolved, nil
}

// launch runs one attempt of the session. A launch failure counts as a crash.
func (s *Supervisor) launch(ctx context.Context, sess *session, number int) {
	if number > 0 {
		s.log.Warn("Browser retry", "url", sess.url, "retry", number)
	}
	metrics.RecordBrowserLaunch(number)

	att, err := s.spawn(ctx, sess, number)
	if err != nil {
		s.log.Error("Failed to launch browser", "url", sess.url, "retry", number, "err", err)
		metrics.RecordErrorDetails("browser_launch", err)
	}

	s.mu.Lock()
	if err == nil && !sess.abort {
		if timeout := s.job.Config.PageTimeout; timeout > 0 {
			att.timer = time.AfterFunc(timeout, func() {
				s.log.Warn("Browser timeout", "url", sess.url, "timeout", timeout)
				s.stop(sess.url, number, true, metrics.RetryReasonTimeout)
			})
		}
		sess.current = att
		s.mu.Unlock()

		go s.pump(att)
		go func() {
			<-att.process.Done()
			s.stop(sess.url, number, true, metrics.RetryReasonCrash)
		}()
		return
	}
	next, finished := s.settleLocked(sess, err != nil && !sess.abort)
	s.mu.Unlock()

	if att != nil {
		go s.terminate(att)
	}
	s.advance(ctx, sess, next, finished, metrics.RetryReasonCrash)
}

func (s *Supervisor) spawn(ctx context.Context, sess *session, number int) (*attempt, error) {
	if err := os.RemoveAll(sess.reportDir); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(sess.reportDir, 0o755); err != nil {
		return nil, err
	}

	caps := s.job.Capabilities()
	config := DriverConfig{
		Modules: caps.Modules,
		URL:     sess.url,
		Retry:   number,
		Scripts: sess.scripts,
		Args:    s.job.Config.BrowserArgs,
	}
	if config.Modules == nil {
		config.Modules = map[string]string{}
	}
	if config.Scripts == nil {
		config.Scripts = []string{}
	}
	if config.Args == nil {
		config.Args = []string{}
	}
	data, err := json.Marshal(config)
	if err != nil {
		return nil, err
	}
	configPath := filepath.Join(sess.reportDir, configFilename)
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return nil, err
	}

	console, err := os.Create(filepath.Join(sess.reportDir, consoleFilename))
	if err != nil {
		return nil, err
	}
	tail := newTailBuffer(0)
	output := newConsoleWriter(s.log.New("url", sess.url, "retry", number), caps.Console, console, tail)

	process, err := s.launcher.Start(ctx, output, configPath)
	if err != nil {
		console.Close()
		return nil, err
	}
	go func() {
		<-process.Done()
		output.Flush()
		console.Close()
	}()
	return &attempt{number: number, process: process, tail: tail}, nil
}

// pump routes the driver's replies until its message channel closes.
func (s *Supervisor) pump(att *attempt) {
	for reply := range att.process.Messages() {
		switch reply.Command {
		case CommandScreenshot:
			s.ackScreenshot(reply)
		default:
			s.log.Warn("Unexpected browser message", "command", reply.Command)
		}
	}
}

// Stop ends the session of url. With retry set and budget left, a new attempt
// is launched for the same page; otherwise the session ends and Start returns.
// Stopping an unknown or already stopped session does nothing.
func (s *Supervisor) Stop(url string, retry bool) {
	s.stop(url, -1, retry, metrics.RetryReasonCrash)
}

// stop applies to the attempt with the given number, or to the current one
// when number is negative. Events of superseded attempts are dropped.
func (s *Supervisor) stop(url string, number int, retry bool, reason string) {
	s.mu.Lock()
	sess, ok := s.sessions[url]
	if !ok {
		s.mu.Unlock()
		return
	}
	cur := sess.current
	if number >= 0 && (cur == nil || cur.number != number) {
		s.mu.Unlock()
		return
	}
	if cur == nil {
		// A relaunch is in flight: make it end the session instead.
		if !retry {
			sess.abort = true
		}
		s.mu.Unlock()
		return
	}
	sess.current = nil
	if cur.timer != nil {
		cur.timer.Stop()
	}
	next, finished := s.settleLocked(sess, retry)
	s.mu.Unlock()

	if retry && reason == metrics.RetryReasonCrash {
		select {
		case <-cur.process.Done():
			s.log.Warn("Browser closed", "url", url, "retry", cur.number, "output", lastLine(cur.tail.String()))
		default:
		}
	}
	go s.terminate(cur)
	s.advance(context.Background(), sess, next, finished, reason)
}

// settleLocked decides whether the session gets another attempt. The
// supervisor lock must be held.
func (s *Supervisor) settleLocked(sess *session, retry bool) (int, bool) {
	if retry && sess.retries < s.job.Config.BrowserRetry {
		sess.retries++
		return sess.retries, false
	}
	delete(s.sessions, sess.url)
	sess.failed = retry
	metrics.SetLiveBrowsers(len(s.sessions))
	return 0, true
}

func (s *Supervisor) advance(ctx context.Context, sess *session, next int, finished bool, reason string) {
	if finished {
		close(sess.done)
		return
	}
	metrics.RecordBrowserRetry(reason)
	go s.launch(context.WithoutCancel(ctx), sess, next)
}

// terminate asks the driver to stop and kills it if it does not comply
// within the grace period.
func (s *Supervisor) terminate(att *attempt) {
	if att.process.Connected() {
		if err := att.process.Send(StopCommand()); err != nil {
			s.log.Debug("Failed to send stop command", "err", err)
		}
	}
	grace := s.job.Config.StopGracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	select {
	case <-att.process.Done():
	case <-time.After(grace):
		s.log.Warn("Browser did not stop, killing it", "retry", att.number)
		if err := att.process.Kill(); err != nil {
			s.log.Error("Failed to kill browser", "err", err)
		}
	}
}

// Screenshot asks the driver of url to capture the page into label plus the
// driver's extension, inside the page report directory, and returns the
// absolute filename. It returns "" without contacting the driver when
// screenshots are disabled or unsupported, or when no process is live.
func (s *Supervisor) Screenshot(ctx context.Context, url string, label string) (string, error) {
	if !s.job.ScreenshotsEnabled() {
		return "", nil
	}
	ext := s.job.Capabilities().Screenshot

	s.mu.Lock()
	sess, ok := s.sessions[url]
	if !ok || sess.current == nil || !sess.current.process.Connected() {
		s.mu.Unlock()
		return "", nil
	}
	att := sess.current
	filename := filepath.Join(sess.reportDir, label+ext)
	id := s.job.NextScreenshotID()
	ack := make(chan Reply, 1)
	s.pending[id] = ack
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := att.process.Send(ScreenshotCommand(id, filename)); err != nil {
		metrics.RecordScreenshot("failed")
		return "", errs.Wrap(errs.BrowserScreenshotFailed, err, label)
	}

	timeout := s.job.Config.ScreenshotTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-ack:
		if reply.Error != "" {
			metrics.RecordScreenshot("failed")
			return "", errs.Newf(errs.BrowserScreenshotFailed, "%s: %s", label, reply.Error)
		}
		metrics.RecordScreenshot("ok")
		return filename, nil
	case <-att.process.Done():
		metrics.RecordScreenshot("failed")
		return "", errs.Newf(errs.BrowserScreenshotFailed, "%s: browser exited", label)
	case <-timer.C:
		metrics.RecordScreenshot("timeout")
		return "", errs.Newf(errs.BrowserScreenshotTimeout, "%s: no acknowledgement after %s", label, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ackScreenshot resolves the waiter of a screenshot id exactly once.
func (s *Supervisor) ackScreenshot(reply Reply) {
	s.mu.Lock()
	ack, ok := s.pending[reply.ID]
	delete(s.pending, reply.ID)
	s.mu.Unlock()
	if !ok {
		s.log.Warn("Unexpected screenshot acknowledgement", "id", reply.ID)
		return
	}
	ack <- reply
}

// Sessions lists the live sessions.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SessionInfo, 0, len(s.sessions))
	for url, sess := range s.sessions {
		out = append(out, SessionInfo{URL: url, Retries: sess.retries, Live: sess.current != nil})
	}
	return out
}

func lastLine(output string) string {
	output = strings.TrimRight(output, "\n")
	if i := strings.LastIndexByte(output, '\n'); i >= 0 {
		return output[i+1:]
	}
	return output
}
