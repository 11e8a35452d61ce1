// Package requeue rebuilds a fresh work queue purely from retained per-job
// failure logs. Nothing but the two-line log header survives a crashed or
// finished run, so the header is parsed as a strict grammar and every
// recovered job is re-validated against the filesystem before it is queued.
package requeue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"

	"buildq/app/executor"
	"buildq/app/queue"
)

// DefaultPreviewLimit bounds how many rebuilt entries get echoed back
const DefaultPreviewLimit = 10

// Extractor scans a directory of per-job logs and replaces the queue with the
// recoverable jobs found there. It owns queue re-creation: any prior
// queue/ledger files are backed up with a timestamp suffix before truncation.
type Extractor struct {
	LogDir       string
	Store        *queue.Store
	PreviewLimit int
}

// Stats summarizes one rebuild
type Stats struct {
	Valid   int
	Invalid int
	Preview []queue.Job
	Backups []string
}

// Rebuild parses every log in LogDir, validates targets still exist on disk
// and writes the valid jobs as the new queue. Unparseable logs and stale
// targets are counted and reported, never silently dropped.
func (e *Extractor) Rebuild() (Stats, error) {
	entries, err := os.ReadDir(e.LogDir)
	if err != nil {
		return Stats{}, fmt.Errorf("can't read log directory %s: %w", e.LogDir, err)
	}

	var stats Stats
	var jobs []queue.Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		fname := filepath.Join(e.LogDir, entry.Name())
		job, err := e.extract(fname)
		if err != nil {
			stats.Invalid++
			log.Printf("[WARN] skipped %s: %v", fname, err)
			continue
		}
		stats.Valid++
		jobs = append(jobs, job)
	}

	backups, err := e.Store.Replace(jobs)
	if err != nil {
		return stats, fmt.Errorf("can't write rebuilt queue: %w", err)
	}
	stats.Backups = backups

	limit := e.PreviewLimit
	if limit <= 0 {
		limit = DefaultPreviewLimit
	}
	if limit > len(jobs) {
		limit = len(jobs)
	}
	stats.Preview = jobs[:limit]

	log.Printf("[INFO] queue rebuilt from %s: %d valid, %d invalid", e.LogDir, stats.Valid, stats.Invalid)
	return stats, nil
}

// extract parses one log's header and re-verifies its target on disk
func (e *Extractor) extract(fname string) (queue.Job, error) {
	fh, err := os.Open(fname) //nolint:gosec // scanning the configured log dir
	if err != nil {
		return queue.Job{}, fmt.Errorf("can't open: %w", err)
	}
	defer fh.Close()

	header, err := executor.ParseHeader(fh)
	if err != nil {
		return queue.Job{}, fmt.Errorf("unparseable header: %w", err)
	}

	if fi, err := os.Stat(filepath.Dir(header.Target)); err != nil || !fi.IsDir() {
		return queue.Job{}, fmt.Errorf("stale: directory of %s is gone", header.Target)
	}
	if _, err := os.Stat(header.Target); err != nil {
		return queue.Job{}, fmt.Errorf("stale: target %s is gone", header.Target)
	}

	return queue.Job{Identity: header.Identity, Target: header.Target}, nil
}
