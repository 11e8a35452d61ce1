package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"
)

// queue and ledger file names inside the state directory
const (
	QueueFileName  = "queue.txt"
	LedgerFileName = "progress.log"
)

// ErrEmpty returned by DequeueNext when no pending jobs left
var ErrEmpty = errors.New("queue is empty")

// Store is the durable FIFO of pending jobs, persisted as a line-oriented
// file consumed head-first. Single writer only - concurrent drivers against
// the same state directory are unsupported.
type Store struct {
	QueueFile  string
	LedgerFile string
}

// ResumeInfo reports what InitializeOrResume found on stable storage
type ResumeInfo struct {
	Resumed   bool
	Remaining int
	Completed int
}

// NewStore makes a store keeping queue and ledger files in dir
func NewStore(dir string) *Store {
	return &Store{
		QueueFile:  filepath.Join(dir, QueueFileName),
		LedgerFile: filepath.Join(dir, LedgerFileName),
	}
}

// InitializeOrResume writes candidates as a fresh queue unless prior state
// exists. An existing queue file always wins, making restarts continue instead
// of duplicating work. A missing queue file with a non-empty ledger means the
// prior run drained completely; reported as resumed with nothing remaining.
func (s *Store) InitializeOrResume(candidates []Job) (ResumeInfo, error) {
	completed := NewLedger(s.LedgerFile).CompletedCount()

	if _, err := os.Stat(s.QueueFile); err == nil {
		pending, err := s.Pending()
		if err != nil {
			return ResumeInfo{}, fmt.Errorf("can't read existing queue %s: %w", s.QueueFile, err)
		}
		log.Printf("[INFO] resuming: %d jobs remaining, %d already completed", len(pending), completed)
		return ResumeInfo{Resumed: true, Remaining: len(pending), Completed: completed}, nil
	}

	if completed > 0 {
		log.Printf("[INFO] prior run fully drained, %d completed, nothing to resume", completed)
		return ResumeInfo{Resumed: true, Remaining: 0, Completed: completed}, nil
	}

	if err := s.write(candidates); err != nil {
		return ResumeInfo{}, err
	}
	if err := os.WriteFile(s.LedgerFile, []byte{}, 0o600); err != nil {
		return ResumeInfo{}, fmt.Errorf("can't create ledger %s: %w", s.LedgerFile, err)
	}
	log.Printf("[INFO] fresh queue with %d jobs in %s", len(candidates), s.QueueFile)
	return ResumeInfo{Resumed: false, Remaining: len(candidates)}, nil
}

// DequeueNext returns the head job and removes its line from the persisted
// queue before returning. The removal is atomic (temp file + rename), so the
// returned job never reappears after a crash. A crash after this call but
// before the matching ledger append loses that one job - it is neither re-run
// nor recorded. Documented trade-off, kept from the observed contract.
func (s *Store) DequeueNext() (Job, error) {
	pending, err := s.Pending()
	if err != nil {
		return Job{}, err
	}
	if len(pending) == 0 {
		return Job{}, ErrEmpty
	}

	if err := s.write(pending[1:]); err != nil {
		return Job{}, fmt.Errorf("can't persist dequeue: %w", err)
	}
	log.Printf("[DEBUG] dequeued %s, %d left", pending[0], len(pending)-1)
	return pending[0], nil
}

// IsEmpty reports if no pending jobs left. Missing queue file counts as empty.
func (s *Store) IsEmpty() bool {
	pending, err := s.Pending()
	if err != nil {
		return true
	}
	return len(pending) == 0
}

// Pending returns all queued jobs in order without mutating anything
func (s *Store) Pending() ([]Job, error) {
	data, err := os.ReadFile(s.QueueFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []Job{}, nil
		}
		return nil, fmt.Errorf("can't read queue %s: %w", s.QueueFile, err)
	}

	var res []Job
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		job, err := ParseJob(line)
		if err != nil {
			return nil, err
		}
		res = append(res, job)
	}
	return res, nil
}

// Cleanup removes a fully drained queue file. The ledger stays as evidence.
func (s *Store) Cleanup() error {
	pending, err := s.Pending()
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return fmt.Errorf("refuse to cleanup, %d jobs still queued", len(pending))
	}
	if err := os.Remove(s.QueueFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("can't remove drained queue %s: %w", s.QueueFile, err)
	}
	log.Printf("[DEBUG] removed drained queue %s", s.QueueFile)
	return nil
}

// Clear truncates queue and ledger, optionally copying both to timestamped
// backups first. Returns the backup paths made.
func (s *Store) Clear(withBackup bool) ([]string, error) {
	var backups []string
	if withBackup {
		paths, err := backupAll(s.QueueFile, s.LedgerFile)
		if err != nil {
			return nil, err
		}
		backups = paths
	}
	for _, fname := range []string{s.QueueFile, s.LedgerFile} {
		if _, err := os.Stat(fname); os.IsNotExist(err) {
			continue
		}
		if err := os.WriteFile(fname, []byte{}, 0o600); err != nil {
			return backups, fmt.Errorf("can't truncate %s: %w", fname, err)
		}
	}
	log.Printf("[INFO] cleared queue and ledger in %s", filepath.Dir(s.QueueFile))
	return backups, nil
}

// Replace backs up any existing queue/ledger files, truncates the ledger and
// writes jobs as the new queue. Used by requeue to rebuild from failure logs.
func (s *Store) Replace(jobs []Job) ([]string, error) {
	backups, err := backupAll(s.QueueFile, s.LedgerFile)
	if err != nil {
		return nil, err
	}
	if err := s.write(jobs); err != nil {
		return backups, err
	}
	if err := os.WriteFile(s.LedgerFile, []byte{}, 0o600); err != nil {
		return backups, fmt.Errorf("can't truncate ledger %s: %w", s.LedgerFile, err)
	}
	log.Printf("[INFO] queue replaced with %d jobs", len(jobs))
	return backups, nil
}

// write persists jobs as the full queue content, atomically via temp + rename
func (s *Store) write(jobs []Job) error {
	if err := os.MkdirAll(filepath.Dir(s.QueueFile), 0o700); err != nil {
		return fmt.Errorf("can't make state dir for %s: %w", s.QueueFile, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.QueueFile), "queue-*.tmp")
	if err != nil {
		return fmt.Errorf("can't make temp queue file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after successful rename

	for _, job := range jobs {
		if _, err := fmt.Fprintln(tmp, job.String()); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("can't write temp queue file: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("can't close temp queue file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.QueueFile); err != nil {
		return fmt.Errorf("can't replace queue file %s: %w", s.QueueFile, err)
	}
	return nil
}
