package service

import (
	"bytes"
	"io"
)

// maxPrefixLen caps the identity shown in the prefix to keep lines readable
const maxPrefixLen = 16

// LogPrefixer wraps a writer and prepends "{identity} " to every line, so
// interleaved output of consecutive jobs stays attributable on the shared
// stdout. Long identities are truncated with an ellipsis.
type LogPrefixer struct {
	wr     io.Writer
	prefix []byte
}

// NewLogPrefixer creates a prefixer for the given job identity
func NewLogPrefixer(wr io.Writer, identity string) *LogPrefixer {
	if len(identity) > maxPrefixLen {
		identity = identity[:maxPrefixLen-3] + "..."
	}
	return &LogPrefixer{wr: wr, prefix: []byte("{" + identity + "} ")}
}

// Write implements io.Writer, prefixing each complete line. Bytes written to
// the underlying writer exceed len(p) by the size of the injected prefixes,
// but the returned n reports input consumption as io.Writer requires.
func (p *LogPrefixer) Write(b []byte) (n int, err error) {
	for _, line := range bytes.SplitAfter(b, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if _, err = p.wr.Write(p.prefix); err != nil {
			return n, err
		}
		var k int
		if k, err = p.wr.Write(line); err != nil {
			return n + k, err
		}
		n += k
	}
	return n, nil
}
