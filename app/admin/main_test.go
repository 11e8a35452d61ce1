package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildq/app/executor"
	"buildq/app/queue"
)

// writeFailureLog creates a parseable per-job log with an existing target
func writeFailureLog(t *testing.T, logDir, identity string) queue.Job {
	t.Helper()
	targetDir := filepath.Join(t.TempDir(), identity)
	require.NoError(t, os.MkdirAll(targetDir, 0o700))
	target := filepath.Join(targetDir, "Dockerfile")
	require.NoError(t, os.WriteFile(target, []byte("FROM scratch\n"), 0o600))

	job := queue.Job{Identity: identity, Target: target}
	fh, err := os.Create(filepath.Join(logDir, identity+".log"))
	require.NoError(t, err)
	defer fh.Close()
	require.NoError(t, executor.WriteHeader(fh, executor.DockerBuild{}, job, time.Now()))
	return job
}

func Test_run_Create(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.LogDir = t.TempDir()
	opts.Status, opts.Clear = false, false

	job := writeFailureLog(t, opts.LogDir, "webapp")

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(strings.NewReader(""), out))
	assert.Contains(t, out.String(), "queued 1 job(s)")
	assert.Contains(t, out.String(), "webapp -> "+job.Target)

	// the rebuilt queue is readable
	store := queue.NewStore(opts.StateDir)
	pending, err := store.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job, pending[0])
}

func Test_run_CreateMissingLogDir(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.LogDir = filepath.Join(t.TempDir(), "nope")
	opts.Status, opts.Clear = false, false

	err := run(strings.NewReader(""), bytes.NewBuffer(nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't rebuild queue")
}

func Test_run_Status(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.Status, opts.Clear = true, false

	store := queue.NewStore(opts.StateDir)
	jobs := []queue.Job{
		{Identity: "webapp", Target: "/srv/webapp/Dockerfile"},
		{Identity: "api", Target: "/srv/api/Dockerfile"},
	}
	_, err := store.InitializeOrResume(jobs)
	require.NoError(t, err)

	ledger := queue.NewLedger(store.LedgerFile)
	first, err := store.DequeueNext()
	require.NoError(t, err)
	require.NoError(t, ledger.Record(first, queue.Succeeded))

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(strings.NewReader(""), out))

	assert.Contains(t, out.String(), "remaining: 1, completed: 1 (success: 1, failed: 0)")
	assert.Contains(t, out.String(), "api -> /srv/api/Dockerfile")
	assert.Contains(t, out.String(), "webapp SUCCESS")
}

func Test_run_StatusEmpty(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.Status, opts.Clear = true, false

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(strings.NewReader(""), out))
	assert.Contains(t, out.String(), "remaining: 0, completed: 0")
}

func Test_run_ClearConfirmed(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.Status, opts.Clear = false, true

	store := queue.NewStore(opts.StateDir)
	_, err := store.InitializeOrResume([]queue.Job{{Identity: "webapp", Target: "/srv/webapp/Dockerfile"}})
	require.NoError(t, err)

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(strings.NewReader("y\n"), out))
	assert.Contains(t, out.String(), "queue and progress cleared")

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func Test_run_ClearAborted(t *testing.T) {
	opts.StateDir = t.TempDir()
	opts.Status, opts.Clear = false, true

	store := queue.NewStore(opts.StateDir)
	_, err := store.InitializeOrResume([]queue.Job{{Identity: "webapp", Target: "/srv/webapp/Dockerfile"}})
	require.NoError(t, err)

	out := bytes.NewBuffer(nil)
	require.NoError(t, run(strings.NewReader("n\n"), out))
	assert.Contains(t, out.String(), "aborted")

	pending, err := store.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1, "queue untouched")
}
