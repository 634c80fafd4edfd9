package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/murmulab/chatpod/pkg/buffer"
)

// LogWriter is an io.Writer that retains the most recent log lines in a
// bounded ring. Quiet interactive commands route engine logs through it so
// the console stays clean while the tail remains available on failure.
type LogWriter struct {
	ring *buffer.Ring[string]
}

// NewLogWriter creates a log writer retaining at most maxLines lines.
func NewLogWriter(maxLines int) *LogWriter {
	return &LogWriter{ring: buffer.NewRing[string](maxLines)}
}

// Write implements io.Writer. Multi-line writes are split on newlines.
func (w *LogWriter) Write(p []byte) (int, error) {
	text := strings.TrimRight(string(p), "\n")
	for _, line := range strings.Split(text, "\n") {
		w.ring.Add(line)
	}
	return len(p), nil
}

// Lines returns the retained lines, oldest first.
func (w *LogWriter) Lines() []string {
	return w.ring.Snapshot()
}

// DumpTo writes the retained lines to out, one per line.
func (w *LogWriter) DumpTo(out io.Writer) {
	for _, line := range w.ring.Snapshot() {
		fmt.Fprintln(out, line)
	}
}
