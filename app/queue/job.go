// Package queue implements the durable FIFO of pending jobs and the append-only
// progress ledger. Both are plain line-oriented files and their shape is the
// external wire format: queue lines are "identity|target" and ledger lines are
// "timestamp|identity|target|outcome". All parsing and serialization goes
// through the typed Job and Record boundary in this package.
package queue

import (
	"fmt"
	"strings"
	"time"
)

// Job is one unit of work - an identity (usually a repository name) plus the
// target file the executor will be pointed at (Dockerfile, package.json).
// The same identity may appear with multiple targets.
type Job struct {
	Identity string
	Target   string
}

// String serializes job to the queue file line format
func (j Job) String() string {
	return j.Identity + "|" + j.Target
}

// ParseJob parses a single queue file line
func ParseJob(line string) (Job, error) {
	l := strings.TrimSpace(line)
	if l == "" {
		return Job{}, fmt.Errorf("empty queue line")
	}
	elems := strings.SplitN(l, "|", 2)
	if len(elems) != 2 || elems[0] == "" || elems[1] == "" {
		return Job{}, fmt.Errorf("malformed queue line %q", line)
	}
	return Job{Identity: elems[0], Target: elems[1]}, nil
}

// Outcome of a completed job attempt
type Outcome string

// valid outcomes, also the literal ledger file representation
const (
	Succeeded Outcome = "SUCCESS"
	Failed    Outcome = "FAILED"
)

// Record is one immutable ledger entry for a completed attempt
type Record struct {
	TS      time.Time
	Job     Job
	Outcome Outcome
}

// String serializes record to the ledger file line format
func (r Record) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", r.TS.Format(time.RFC3339), r.Job.Identity, r.Job.Target, r.Outcome)
}

// ParseRecord parses a single ledger file line
func ParseRecord(line string) (Record, error) {
	l := strings.TrimSpace(line)
	if l == "" {
		return Record{}, fmt.Errorf("empty ledger line")
	}
	elems := strings.SplitN(l, "|", 4)
	if len(elems) != 4 {
		return Record{}, fmt.Errorf("malformed ledger line %q", line)
	}
	ts, err := time.Parse(time.RFC3339, elems[0])
	if err != nil {
		return Record{}, fmt.Errorf("bad timestamp in ledger line %q: %w", line, err)
	}
	outcome := Outcome(elems[3])
	if outcome != Succeeded && outcome != Failed {
		return Record{}, fmt.Errorf("unknown outcome %q in ledger line %q", elems[3], line)
	}
	return Record{TS: ts, Job: Job{Identity: elems[1], Target: elems[2]}, Outcome: outcome}, nil
}
