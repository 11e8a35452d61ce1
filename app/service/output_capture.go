package service

import (
	"bytes"
	"strings"
	"sync"
)

// defaultCaptureLimit bounds the tail kept for notification bodies
const defaultCaptureLimit = 100

// OutputCapture keeps the last N lines written to it. It sits on the tee next
// to the real output writer, so failure notifications can include the tail of
// the job's log without re-reading the log file. Safe for concurrent writes.
type OutputCapture struct {
	limit   int
	lines   []string
	partial []byte // bytes after the last newline, completed by the next Write
	mu      sync.Mutex
}

// NewOutputCapture makes a capture keeping up to limit lines, 100 if limit <= 0
func NewOutputCapture(limit int) *OutputCapture {
	if limit <= 0 {
		limit = defaultCaptureLimit
	}
	return &OutputCapture{limit: limit}
}

// Write implements io.Writer, never fails
func (c *OutputCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := append(c.partial, p...) //nolint:gocritic // partial is reassigned below
	for {
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		c.addLine(string(buf[:idx]))
		buf = buf[idx+1:]
	}
	c.partial = buf
	return len(p), nil
}

// GetOutput returns captured lines joined with newlines, including any
// unterminated trailing line
func (c *OutputCapture) GetOutput() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	lines := c.lines
	if len(c.partial) > 0 {
		lines = append(lines, string(c.partial))
		if len(lines) > c.limit {
			lines = lines[len(lines)-c.limit:]
		}
	}
	return strings.Join(lines, "\n")
}

func (c *OutputCapture) addLine(line string) {
	c.lines = append(c.lines, line)
	if len(c.lines) > c.limit {
		c.lines = c.lines[len(c.lines)-c.limit:]
	}
}
