package browser

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

const outputWaitDelay = 5 * time.Second

// Launcher forks driver processes.
type Launcher interface {
	// Output runs the driver to completion and returns its stdout.
	Output(ctx context.Context, args ...string) ([]byte, error)
	// Start launches a long running driver. Its console output is copied to
	// output until it exits.
	Start(ctx context.Context, output io.Writer, args ...string) (Process, error)
}

// Process is a running driver.
type Process interface {
	// Send writes one command on the driver's message channel.
	Send(cmd Command) error
	// Messages delivers the driver's replies; closed when the channel ends.
	Messages() <-chan Reply
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Connected reports whether commands can still be sent.
	Connected() bool
	Kill() error
}

// ExecLauncher runs the driver command line as a child process. Commands go
// to the child's stdin and replies come back on its fd 3, both as JSON lines.
type ExecLauncher struct {
	Path string
	Args []string
	Dir  string
	Log  log.Logger
}

// NewExecLauncher splits a driver command line such as "node driver.js".
func NewExecLauncher(commandLine string, dir string, logger log.Logger) (*ExecLauncher, error) {
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return nil, errors.New("empty browser command")
	}
	return &ExecLauncher{Path: fields[0], Args: fields[1:], Dir: dir, Log: logger}, nil
}

func (l *ExecLauncher) command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, l.Path, append(append([]string{}, l.Args...), args...)...)
	cmd.Dir = l.Dir
	return cmd
}

func (l *ExecLauncher) Output(ctx context.Context, args ...string) ([]byte, error) {
	cmd := l.command(ctx, args)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("browser command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

func (l *ExecLauncher) Start(ctx context.Context, output io.Writer, args ...string) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The process outlives the launching call; the supervisor ends it.
	cmd := l.command(context.Background(), args)
	cmd.Stdout = output
	cmd.Stderr = output
	// Grandchildren may keep the output pipes open after the driver exits.
	cmd.WaitDelay = outputWaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open driver stdin: %w", err)
	}
	replies, replyWriter, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open driver message channel: %w", err)
	}
	cmd.ExtraFiles = []*os.File{replyWriter}

	if err := cmd.Start(); err != nil {
		replies.Close()
		replyWriter.Close()
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}
	// The child holds its own copy of the write end.
	replyWriter.Close()

	p := &execProcess{
		cmd:      cmd,
		stdin:    stdin,
		log:      l.Log.New("pid", cmd.Process.Pid),
		messages: make(chan Reply, 16),
		done:     make(chan struct{}),
	}
	p.connected.Store(true)
	go p.readReplies(replies)
	go p.wait()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	log   log.Logger

	sendMu    sync.Mutex
	connected atomic.Bool
	messages  chan Reply
	done      chan struct{}
}

func (p *execProcess) Send(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	line, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	if !p.connected.Load() {
		return errors.New("driver disconnected")
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		p.connected.Store(false)
		return fmt.Errorf("failed to send %s command: %w", cmd.Command, err)
	}
	return nil
}

func (p *execProcess) Messages() <-chan Reply { return p.messages }
func (p *execProcess) Done() <-chan struct{}  { return p.done }
func (p *execProcess) Connected() bool        { return p.connected.Load() }

func (p *execProcess) Kill() error {
	p.connected.Store(false)
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) readReplies(r io.ReadCloser) {
	defer close(p.messages)
	defer r.Close()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		var reply Reply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			p.log.Warn("Ignoring malformed driver message", "err", err)
			continue
		}
		p.messages <- reply
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.sendMu.Lock()
	p.connected.Store(false)
	p.stdin.Close()
	p.sendMu.Unlock()
	if err != nil {
		p.log.Debug("Driver exited", "err", err)
	} else {
		p.log.Debug("Driver exited")
	}
	close(p.done)
}
