package browser

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum-optimism/infra/op-pagetest/job"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"
)

// fakeProcess is an in-memory driver. By default it exits when it receives a
// stop command and acknowledges screenshots when autoAck is set.
type fakeProcess struct {
	autoAck    bool
	ignoreStop bool

	mu        sync.Mutex
	sent      []Command
	messages  chan Reply
	done      chan struct{}
	exitOnce  sync.Once
	connected atomic.Bool
}

func newFakeProcess() *fakeProcess {
	p := &fakeProcess{
		messages: make(chan Reply, 16),
		done:     make(chan struct{}),
	}
	p.connected.Store(true)
	return p
}

func (p *fakeProcess) Send(cmd Command) error {
	p.mu.Lock()
	if !p.connected.Load() {
		p.mu.Unlock()
		return errors.New("disconnected")
	}
	p.sent = append(p.sent, cmd)
	if cmd.Command == CommandScreenshot && p.autoAck {
		p.messages <- Reply{Command: CommandScreenshot, ID: cmd.ID}
	}
	p.mu.Unlock()

	if cmd.Command == CommandStop && !p.ignoreStop {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Messages() <-chan Reply { return p.messages }
func (p *fakeProcess) Done() <-chan struct{}  { return p.done }
func (p *fakeProcess) Connected() bool        { return p.connected.Load() }

func (p *fakeProcess) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProcess) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitOnce.Do(func() {
		p.connected.Store(false)
		close(p.messages)
		close(p.done)
	})
}

func (p *fakeProcess) Sent() []Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Command(nil), p.sent...)
}

type fakeLauncher struct {
	output    []byte
	outputErr error
	// configure is called on every new process before it is returned.
	configure func(n int, p *fakeProcess)

	mu        sync.Mutex
	processes []*fakeProcess
	configs   []string
	started   chan *fakeProcess
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{started: make(chan *fakeProcess, 64)}
}

func (l *fakeLauncher) Output(ctx context.Context, args ...string) ([]byte, error) {
	return l.output, l.outputErr
}

func (l *fakeLauncher) Start(ctx context.Context, output io.Writer, args ...string) (Process, error) {
	p := newFakeProcess()
	l.mu.Lock()
	n := len(l.processes)
	l.processes = append(l.processes, p)
	l.configs = append(l.configs, args[0])
	l.mu.Unlock()
	_, _ = io.WriteString(output, "launched\n")
	if l.configure != nil {
		l.configure(n, p)
	}
	l.started <- p
	return p, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

func (l *fakeLauncher) waitStarted(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.started:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a browser launch")
		return nil
	}
}

type fakeResolver struct {
	local, global string
	rootErr       error

	mu        sync.Mutex
	installed []string
}

func (r *fakeResolver) Root(ctx context.Context, global bool) (string, error) {
	if r.rootErr != nil {
		return "", r.rootErr
	}
	if global {
		return r.global, nil
	}
	return r.local, nil
}

func (r *fakeResolver) Install(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.installed = append(r.installed, name)
	return os.MkdirAll(filepath.Join(r.global, name), 0o755)
}

func testJob(t *testing.T, mutate func(*job.Config)) *job.Job {
	t.Helper()
	cfg := job.DefaultConfig()
	cfg.ReportDir = t.TempDir()
	cfg.StopGracePeriod = time.Second
	cfg.ScreenshotTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	return job.New(cfg, log.NewLogger(log.DiscardHandler()))
}

func startAsync(ctx context.Context, s *Supervisor, url string, scripts []string) <-chan error {
	result := make(chan error, 1)
	go func() {
		result <- s.Start(ctx, url, scripts)
	}()
	return result
}

func waitResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Start to return")
		return nil
	}
}

func waitLive(t *testing.T, s *Supervisor, url string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, info := range s.Sessions() {
			if info.URL == url && info.Live {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
}
