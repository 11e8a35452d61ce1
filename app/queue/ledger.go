package queue

import (
	"fmt"
	"os"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
)

// Ledger is the append-only record of completed attempts. It is the
// authoritative source for all counts - no side counters are kept, every
// query re-scans the file.
type Ledger struct {
	File string
}

// NewLedger makes ledger for the given file, not touching it yet
func NewLedger(file string) *Ledger {
	return &Ledger{File: file}
}

// Record appends one outcome line. Never rewrites prior entries.
func (l *Ledger) Record(job Job, outcome Outcome) error {
	rec := Record{TS: time.Now(), Job: job, Outcome: outcome}
	fh, err := os.OpenFile(l.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("can't open ledger %s: %w", l.File, err)
	}
	defer fh.Close()
	if _, err := fmt.Fprintln(fh, rec.String()); err != nil {
		return fmt.Errorf("can't append to ledger %s: %w", l.File, err)
	}
	log.Printf("[DEBUG] recorded %s %s", job, outcome)
	return nil
}

// Records returns all parsed ledger entries in file order. Unparseable lines
// are skipped with a warning, they never fail the whole scan.
func (l *Ledger) Records() []Record {
	data, err := os.ReadFile(l.File)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("[WARN] can't read ledger %s, %v", l.File, err)
		}
		return []Record{}
	}

	var res []Record
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		rec, err := ParseRecord(line)
		if err != nil {
			log.Printf("[WARN] skipped ledger line, %v", err)
			continue
		}
		res = append(res, rec)
	}
	return res
}

// CompletedCount is the total number of recorded attempts
func (l *Ledger) CompletedCount() int { return len(l.Records()) }

// SuccessCount is the number of recorded successes
func (l *Ledger) SuccessCount() int { return l.count(Succeeded) }

// FailedCount is the number of recorded failures
func (l *Ledger) FailedCount() int { return l.count(Failed) }

// NotEmpty reports if at least one attempt has been recorded, the signal
// distinguishing a resumed run from a fresh start
func (l *Ledger) NotEmpty() bool { return l.CompletedCount() > 0 }

func (l *Ledger) count(outcome Outcome) int {
	n := 0
	for _, rec := range l.Records() {
		if rec.Outcome == outcome {
			n++
		}
	}
	return n
}
