package executor

import (
	"fmt"
	"os"
	"time"

	"buildq/app/queue"
)

// ReportFileName is the default error report file under the log directory
const ReportFileName = "errors.txt"

// Report is the flat append-only file of human-readable failure summaries,
// one block per failed job, each pointing at the retained per-job log
type Report struct {
	File string
}

// NewReport makes report for the given file, not touching it yet
func NewReport(file string) *Report {
	return &Report{File: file}
}

// Append writes one failure block. Never called for successes.
func (r *Report) Append(job queue.Job, res Result) error {
	fh, err := os.OpenFile(r.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("can't open error report %s: %w", r.File, err)
	}
	defer fh.Close()

	exitInfo := fmt.Sprintf("%d", res.ExitCode)
	if res.TimedOut {
		exitInfo += " (timed out)"
	}
	_, err = fmt.Fprintf(fh, "==== FAILED: %s\ntime: %s\ntarget: %s\nexit code: %s\nlog: %s\n\n",
		job.Identity, res.Finished.Format(time.RFC3339), job.Target, exitInfo, res.LogFile)
	if err != nil {
		return fmt.Errorf("can't append error report block: %w", err)
	}
	return nil
}
