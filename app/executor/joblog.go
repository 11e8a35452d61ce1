package executor

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"buildq/app/queue"
)

// header grammar, version 1. Two lines:
//
//	<label> for <identity> - <timestamp>
//	<target-label>: <target path>
//
// This is the only persisted machine-readable record of a job once it failed,
// and the requeue extractor depends on it verbatim.
var (
	headerLabels = []string{"Build log", "Install log"}
	targetLabels = []string{"Dockerfile", "package.json"}

	reHeaderFirst  = regexp.MustCompile(`^(` + strings.Join(headerLabels, "|") + `) for (.+) - (.+)$`)
	reHeaderSecond = regexp.MustCompile(`^(` + strings.Join(targetLabels, "|") + `): (.+)$`)
)

// headerTimeFormat is human-oriented, the parser keeps it as opaque text
const headerTimeFormat = "2006-01-02 15:04:05"

// Header is the parsed or to-be-written per-job log header
type Header struct {
	Label       string
	Identity    string
	TargetLabel string
	Target      string
	TS          string // opaque timestamp text, not load-bearing
}

// WriteHeader writes the two header lines plus a separator
func WriteHeader(w io.Writer, tool Tool, job queue.Job, now time.Time) error {
	_, err := fmt.Fprintf(w, "%s for %s - %s\n%s: %s\n\n",
		tool.Label(), job.Identity, now.Format(headerTimeFormat), tool.TargetLabel(), job.Target)
	if err != nil {
		return fmt.Errorf("can't write job log header: %w", err)
	}
	return nil
}

// ParseHeader scans lines until both header fields are found. Missing either
// field is a parse error, not a best-effort result.
func ParseHeader(r io.Reader) (Header, error) {
	var res Header
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if res.Identity == "" {
			if m := reHeaderFirst.FindStringSubmatch(line); m != nil {
				res.Label, res.Identity, res.TS = m[1], m[2], m[3]
				continue
			}
		}
		if res.Target == "" {
			if m := reHeaderSecond.FindStringSubmatch(line); m != nil {
				res.TargetLabel, res.Target = m[1], m[2]
			}
		}
		if res.Identity != "" && res.Target != "" {
			return res, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return Header{}, fmt.Errorf("can't scan job log: %w", err)
	}
	switch {
	case res.Identity == "" && res.Target == "":
		return Header{}, fmt.Errorf("no header lines found")
	case res.Identity == "":
		return Header{}, fmt.Errorf("header misses identity line")
	default:
		return Header{}, fmt.Errorf("header misses target line for %s", res.Identity)
	}
}

// LogFileName is the per-job log path for an identity, keyed by identity with
// path separators made safe. The header, not the name, is authoritative.
func LogFileName(dir, identity string) string {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, identity)
	return filepath.Join(dir, safe+".log")
}

// createJobLog makes (or truncates) the per-job log and writes its header
func createJobLog(dir string, tool Tool, job queue.Job) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("can't make log dir %s: %w", dir, err)
	}
	fh, err := os.OpenFile(LogFileName(dir, job.Identity), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path derived from identity, sanitized
	if err != nil {
		return nil, fmt.Errorf("can't create job log for %s: %w", job.Identity, err)
	}
	if err := WriteHeader(fh, tool, job, time.Now()); err != nil {
		_ = fh.Close()
		return nil, err
	}
	return fh, nil
}
