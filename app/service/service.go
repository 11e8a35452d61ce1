// Package service provides the run driver. It ties discovery, the durable
// queue, the executor and the ledger together and owns all state transitions:
// a job is queued, then running, then recorded as succeeded or failed. One
// job at a time, no concurrent consumers of the queue.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	log "github.com/go-pkgz/lgr"

	"buildq/app/conditions"
	"buildq/app/executor"
	"buildq/app/history"
	"buildq/app/queue"
)

// JobSource provides the candidate jobs for a fresh queue
type JobSource interface {
	List() ([]queue.Job, error)
	String() string
}

// Queue defines the durable FIFO operations the driver needs
type Queue interface {
	InitializeOrResume(candidates []queue.Job) (queue.ResumeInfo, error)
	DequeueNext() (queue.Job, error)
	IsEmpty() bool
	Cleanup() error
}

// Ledger records completed attempts, append-only
type Ledger interface {
	Record(job queue.Job, outcome queue.Outcome) error
	CompletedCount() int
	SuccessCount() int
	FailedCount() int
}

// Executor runs one job to completion under its timeout
type Executor interface {
	Run(job queue.Job, out io.Writer) (executor.Result, error)
}

// Notifier delivers failure and completion messages
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(identity, target, errorLog string) (string, error)
	MakeSummaryHTML(attempted, succeeded, failed, skipped int) (string, error)
}

// Recorder persists runs and executions for reporting
type Recorder interface {
	StartRun(tool string) (string, error)
	RecordExecution(e history.Execution) error
	FinishRun(runID string, attempted, succeeded, failed int) error
}

// Repeater re-runs failed attempts per the configured backoff
type Repeater interface {
	Do(ctx context.Context, fun func() error, errs ...error) error
}

// ConditionChecker gates the next job on system load
type ConditionChecker interface {
	Check(conf conditions.Config) (bool, string)
}

// Runner is the run driver, the single writer of queue state
type Runner struct {
	Source   JobSource
	Queue    Queue
	Ledger   Ledger
	Executor Executor
	ToolName string

	Notifier         Notifier
	History          Recorder
	Repeater         Repeater
	ConditionChecker ConditionChecker
	Conditions       conditions.Config

	Stdout            io.Writer
	EnableLogPrefix   bool
	NotifyMaxLogLines int
	NotifyTimeout     time.Duration
	HostName          string
}

// Summary is the aggregate result of one driver run, accumulated locally and
// returned to the caller instead of any process-wide counters
type Summary struct {
	Attempted int
	Succeeded int
	Failed    int
	Skipped   int
	Resumed   bool
	Completed int // recorded before this run started, for resume reporting
}

func (s Summary) String() string {
	return fmt.Sprintf("attempted:%d, succeeded:%d, failed:%d, skipped:%d", s.Attempted, s.Succeeded, s.Failed, s.Skipped)
}

// errJobFailed makes the repeater re-run a failed attempt; never escapes Do
var errJobFailed = errors.New("job attempt failed")

// Do executes the batch: resume or initialize the queue, then drain it one
// job at a time. Returns the summary and the first environment error; per-job
// failures never abort the batch. On context cancellation the loop stops
// between jobs, leaving queue state consistent for a later resume.
func (r *Runner) Do(ctx context.Context) (Summary, error) {
	candidates, err := r.Source.List()
	if err != nil {
		return Summary{}, fmt.Errorf("discovery failed for %s: %w", r.Source.String(), err)
	}

	info, err := r.Queue.InitializeOrResume(candidates)
	if err != nil {
		return Summary{}, fmt.Errorf("can't initialize queue: %w", err)
	}
	summary := Summary{Resumed: info.Resumed, Completed: info.Completed}

	runID := r.startRun()

	interrupted := false
	for !r.Queue.IsEmpty() {
		select {
		case <-ctx.Done():
			log.Printf("[WARN] interrupted, queue left on disk for resume")
			interrupted = true
		default:
		}
		if interrupted {
			break
		}

		r.waitForConditions(ctx)

		job, err := r.Queue.DequeueNext()
		if errors.Is(err, queue.ErrEmpty) {
			break
		}
		if err != nil {
			return summary, fmt.Errorf("dequeue failed: %w", err)
		}

		if _, err := os.Stat(job.Target); err != nil {
			// target vanished since discovery - skipped, not a failure
			log.Printf("[WARN] skipped %s, target %s is gone", job.Identity, job.Target)
			summary.Skipped++
			continue
		}

		res, err := r.executeJob(ctx, job)
		if err != nil {
			return summary, err
		}

		summary.Attempted++
		if res.Outcome == queue.Succeeded {
			summary.Succeeded++
		} else {
			summary.Failed++
		}

		if err := r.Ledger.Record(job, res.Outcome); err != nil {
			return summary, fmt.Errorf("ledger append failed, aborting to avoid untracked work: %w", err)
		}
		r.recordExecution(runID, job, res)

		if res.Outcome == queue.Failed {
			r.notifyFailure(ctx, job, res)
		}
	}

	if !interrupted {
		if err := r.Queue.Cleanup(); err != nil {
			log.Printf("[WARN] can't cleanup drained queue, %v", err)
		}
	}

	r.finishRun(runID, summary)
	if !interrupted {
		r.notifyCompletion(ctx, summary)
	}
	log.Printf("[INFO] batch done, %s", summary)
	return summary, nil
}

// executeJob runs one job through the executor, re-running failed attempts via
// the repeater when one is configured. Environment errors abort immediately.
func (r *Runner) executeJob(ctx context.Context, job queue.Job) (executor.Result, error) {
	out := r.stdout()
	if r.EnableLogPrefix {
		out = NewLogPrefixer(out, job.Identity)
	}
	capture := NewOutputCapture(r.NotifyMaxLogLines)
	tee := io.MultiWriter(out, capture)

	var res executor.Result
	var envErr error
	attempt := func() error {
		var err error
		res, err = r.Executor.Run(job, tee)
		if err != nil {
			envErr = err
			return nil // environment errors are not retryable, stop the repeater
		}
		if res.Outcome == queue.Failed {
			return errJobFailed
		}
		return nil
	}

	if r.Repeater != nil {
		_ = r.Repeater.Do(ctx, attempt) // classification is by res, not by the sentinel
	} else if err := attempt(); err != nil && !errors.Is(err, errJobFailed) {
		return executor.Result{}, err
	}

	if envErr != nil {
		return executor.Result{}, fmt.Errorf("executor environment failure on %s: %w", job.Identity, envErr)
	}
	res.CapturedOutput = capture.GetOutput()
	return res, nil
}

// waitForConditions blocks until system-load conditions are met, the postpone
// deadline passes, or the context is canceled
func (r *Runner) waitForConditions(ctx context.Context) {
	if r.ConditionChecker == nil || !r.Conditions.Enabled() {
		return
	}

	met, reason := r.ConditionChecker.Check(r.Conditions)
	if met {
		return
	}

	if r.Conditions.MaxPostpone == nil {
		log.Printf("[INFO] conditions not met (%s), proceeding anyway - no postpone configured", reason)
		return
	}

	deadline := time.Now().Add(*r.Conditions.MaxPostpone)
	log.Printf("[INFO] next job postponed: %s, deadline %s", reason, deadline.Format(time.RFC3339))

	checkInterval := 30 * time.Second
	if r.Conditions.CheckInterval != nil {
		checkInterval = *r.Conditions.CheckInterval
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	deadlineTimer := time.NewTimer(*r.Conditions.MaxPostpone)
	defer deadlineTimer.Stop()

	for {
		select {
		case <-ticker.C:
			if met, reason = r.ConditionChecker.Check(r.Conditions); met {
				log.Printf("[INFO] conditions met, resuming batch")
				return
			}
			log.Printf("[DEBUG] conditions still not met: %s", reason)
		case <-deadlineTimer.C:
			log.Printf("[WARN] max postpone reached, resuming anyway")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) notifyFailure(ctx context.Context, job queue.Job, res executor.Result) {
	if !r.notifierSet() || !r.Notifier.IsOnError() {
		return
	}
	errLog := fmt.Sprintf("exit code %d", res.ExitCode)
	if res.TimedOut {
		errLog = "timed out"
	}
	if res.CapturedOutput != "" {
		errLog += "\n\n" + res.CapturedOutput
	}
	msg, err := r.Notifier.MakeErrorHTML(job.Identity, job.Target, errLog)
	if err != nil {
		log.Printf("[WARN] can't make failure message, %v", err)
		return
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, r.notifyTimeout())
	defer cancel()
	if err := r.Notifier.Send(ctxTimeout, fmt.Sprintf("failed %q on %s", job.Identity, r.HostName), msg); err != nil {
		log.Printf("[WARN] failed to notify, %v", err)
	}
}

func (r *Runner) notifyCompletion(ctx context.Context, summary Summary) {
	if !r.notifierSet() || !r.Notifier.IsOnCompletion() {
		return
	}
	msg, err := r.Notifier.MakeSummaryHTML(summary.Attempted, summary.Succeeded, summary.Failed, summary.Skipped)
	if err != nil {
		log.Printf("[WARN] can't make summary message, %v", err)
		return
	}
	ctxTimeout, cancel := context.WithTimeout(ctx, r.notifyTimeout())
	defer cancel()
	if err := r.Notifier.Send(ctxTimeout, fmt.Sprintf("batch completed on %s", r.HostName), msg); err != nil {
		log.Printf("[WARN] failed to notify, %v", err)
	}
}

func (r *Runner) startRun() string {
	if r.History == nil || reflect.ValueOf(r.History).IsNil() {
		r.History = nil
		return ""
	}
	runID, err := r.History.StartRun(r.ToolName)
	if err != nil {
		log.Printf("[WARN] can't start history run, %v", err)
		return ""
	}
	return runID
}

func (r *Runner) recordExecution(runID string, job queue.Job, res executor.Result) {
	if r.History == nil || runID == "" {
		return
	}
	err := r.History.RecordExecution(history.Execution{
		RunID:      runID,
		Identity:   job.Identity,
		Target:     job.Target,
		StartedAt:  res.Started.Unix(),
		FinishedAt: res.Finished.Unix(),
		Outcome:    string(res.Outcome),
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		LogFile:    res.LogFile,
	})
	if err != nil {
		log.Printf("[WARN] can't record execution of %s, %v", job.Identity, err)
	}
}

func (r *Runner) finishRun(runID string, summary Summary) {
	if r.History == nil || runID == "" {
		return
	}
	if err := r.History.FinishRun(runID, summary.Attempted, summary.Succeeded, summary.Failed); err != nil {
		log.Printf("[WARN] can't finish history run, %v", err)
	}
}

func (r *Runner) notifierSet() bool {
	return r.Notifier != nil && !reflect.ValueOf(r.Notifier).IsNil()
}

func (r *Runner) notifyTimeout() time.Duration {
	if r.NotifyTimeout == 0 {
		return 10 * time.Second
	}
	return r.NotifyTimeout
}

func (r *Runner) stdout() io.Writer {
	if r.Stdout == nil {
		return os.Stdout
	}
	return r.Stdout
}
