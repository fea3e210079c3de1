package buffer

import (
	"bytes"
	"log/slog"
	"sync"
)

// TailWriter splits subprocess diagnostics into lines, logs each at debug
// level and keeps the most recent ones for error reporting.
type TailWriter struct {
	logger  *slog.Logger
	max     int
	mu      sync.Mutex
	lines   []string
	partial []byte
}

// NewTailWriter keeps up to max lines.
func NewTailWriter(logger *slog.Logger, max int) *TailWriter {
	if max <= 0 {
		max = 20
	}
	return &TailWriter{logger: logger, max: max}
}

// Write implements io.Writer.
func (w *TailWriter) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()
	data := append(w.partial, p...)
	w.partial = nil
	for len(data) > 0 {
		idx := bytes.IndexAny(data, "\r\n")
		if idx == -1 {
			w.partial = append([]byte(nil), data...)
			break
		}
		w.addLocked(data[:idx])
		data = data[idx+1:]
	}
	return total, nil
}

// Flush records a trailing line that was not newline terminated.
func (w *TailWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.partial) > 0 {
		w.addLocked(w.partial)
		w.partial = nil
	}
}

func (w *TailWriter) addLocked(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	text := string(line)
	if w.logger != nil {
		w.logger.Debug("transcoder stderr", "line", text)
	}
	w.lines = append(w.lines, text)
	if len(w.lines) > w.max {
		w.lines = append([]string(nil), w.lines[len(w.lines)-w.max:]...)
	}
}

// Lines returns the retained lines, oldest first.
func (w *TailWriter) Lines() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

// Last returns the most recent line.
func (w *TailWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.lines) == 0 {
		return ""
	}
	return w.lines[len(w.lines)-1]
}
