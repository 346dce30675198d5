package browser

import (
	"bytes"
	"io"
	"sync"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
)

const defaultOutputTailBytes = 64 * 1024 // last driver output kept per attempt

// tailBuffer keeps only the last N bytes written to it so a crashed driver's
// final output can be reported without retaining its whole console.
type tailBuffer struct {
	maxBytes int

	mu       sync.Mutex
	total    int64
	contents []byte
}

func newTailBuffer(maxBytes int) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = defaultOutputTailBytes
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.total += int64(len(p))
	b.contents = append(b.contents, p...)
	if len(b.contents) > b.maxBytes {
		b.contents = b.contents[len(b.contents)-b.maxBytes:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.contents)
}

func (b *tailBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.contents)) < b.total
}

// consoleWriter splits driver output into lines, strips ANSI sequences and
// forwards every line to the logger, the attempt's console file and the tail.
type consoleWriter struct {
	log     log.Logger
	verbose bool
	sinks   io.Writer

	mu      sync.Mutex
	partial []byte
}

func newConsoleWriter(logger log.Logger, verbose bool, sinks ...io.Writer) *consoleWriter {
	return &consoleWriter{
		log:     logger,
		verbose: verbose,
		sinks:   io.MultiWriter(sinks...),
	}
}

func (w *consoleWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.emit(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing line that was not newline terminated.
func (w *consoleWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.emit(w.partial)
		w.partial = nil
	}
}

func (w *consoleWriter) emit(raw []byte) {
	line := stripansi.Strip(string(bytes.TrimRight(raw, "\r")))
	if w.verbose {
		w.log.Info("Browser console", "line", line)
	} else {
		w.log.Debug("Browser console", "line", line)
	}
	_, _ = io.WriteString(w.sinks, line+"\n")
}
