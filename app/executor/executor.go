package executor

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"

	"buildq/app/queue"
)

// TimeoutExitCode is the reserved exit code reported for timed out jobs,
// matching the coreutils timeout(1) convention
const TimeoutExitCode = 124

// Result classifies one finished attempt. Success deletes the per-job log,
// failure keeps it and appends an error report block.
type Result struct {
	Outcome  queue.Outcome
	ExitCode int
	TimedOut bool
	LogFile  string // empty after a success, the log is gone
	Started  time.Time
	Finished time.Time

	CapturedOutput string // tail of the job's output, set by the caller for notifications
}

// Adapter executes one job at a time via its Tool, under a wall-clock timeout
type Adapter struct {
	Tool    Tool
	LogDir  string
	Report  *Report
	Timeout time.Duration
}

// Run executes the tool for a job, duplicating live output to out and the
// per-job log. The returned error covers environment problems only (log
// creation, spawn failure); a failing or hanging tool is a Failed result,
// never an error.
func (a *Adapter) Run(job queue.Job, out io.Writer) (Result, error) {
	stdout := out
	if stdout == nil {
		stdout = os.Stdout
	}

	logFile := LogFileName(a.LogDir, job.Identity)
	fh, err := createJobLog(a.LogDir, a.Tool, job)
	if err != nil {
		return Result{}, err
	}

	res := Result{Started: time.Now(), LogFile: logFile}
	tee := io.MultiWriter(stdout, fh)

	cmd := a.Tool.Command(job)
	cmd.Stdout, cmd.Stderr = tee, tee
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true} // own process group so timeout kill reaps the whole tree

	log.Printf("[INFO] %s %s (%s)", a.Tool.Name(), job.Identity, job.Target)
	if err := cmd.Start(); err != nil {
		_ = fh.Close()
		return Result{}, fmt.Errorf("can't start %s for %s: %w", a.Tool.Name(), job.Identity, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(a.Timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		// kill the whole process group, not just the immediate child
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			log.Printf("[WARN] can't kill process group for %s, %v", job.Identity, err)
		}
		<-done // reap
		res.TimedOut = true
		fmt.Fprintf(tee, "\nTIMED OUT after %v, process group killed\n", a.Timeout)
		log.Printf("[WARN] %s %s timed out after %v", a.Tool.Name(), job.Identity, a.Timeout)
	}
	res.Finished = time.Now()
	if err := fh.Close(); err != nil {
		log.Printf("[WARN] can't close job log %s, %v", logFile, err)
	}

	switch {
	case res.TimedOut:
		res.Outcome, res.ExitCode = queue.Failed, TimeoutExitCode
	case runErr == nil:
		res.Outcome, res.ExitCode = queue.Succeeded, 0
	default:
		res.Outcome = queue.Failed
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = 1
		}
	}

	if res.Outcome == queue.Succeeded {
		if err := os.Remove(logFile); err != nil {
			log.Printf("[WARN] can't remove job log %s, %v", logFile, err)
		}
		res.LogFile = ""
		if err := a.Tool.Cleanup(job); err != nil {
			log.Printf("[WARN] cleanup after %s failed, %v", job.Identity, err)
		}
		log.Printf("[INFO] %s %s succeeded in %v", a.Tool.Name(), job.Identity, res.Finished.Sub(res.Started).Round(time.Millisecond))
		return res, nil
	}

	if a.Report != nil {
		if err := a.Report.Append(job, res); err != nil {
			log.Printf("[WARN] can't append error report for %s, %v", job.Identity, err)
		}
	}
	log.Printf("[WARN] %s %s failed with exit code %d, log kept at %s", a.Tool.Name(), job.Identity, res.ExitCode, logFile)
	return res, nil
}
