package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_RunLifecycle(t *testing.T) {
	store := testStore(t)

	runID, err := store.StartRun("docker")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, store.FinishRun(runID, 5, 3, 2))

	run, found, err := store.LastRun()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, "docker", run.Tool)
	assert.Equal(t, 5, run.Attempted)
	assert.Equal(t, 3, run.Succeeded)
	assert.Equal(t, 2, run.Failed)
}

func TestStore_LastRunEmpty(t *testing.T) {
	store := testStore(t)
	_, found, err := store.LastRun()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Executions(t *testing.T) {
	store := testStore(t)
	runID, err := store.StartRun("npm")
	require.NoError(t, err)

	now := time.Now().Unix()
	for i, outcome := range []string{"SUCCESS", "FAILED", "SUCCESS"} {
		require.NoError(t, store.RecordExecution(Execution{
			RunID:      runID,
			Identity:   "svc",
			Target:     "repos/svc/package.json",
			StartedAt:  now + int64(i),
			FinishedAt: now + int64(i) + 1,
			Outcome:    outcome,
			ExitCode:   i,
		}))
	}

	recs, err := store.RecentExecutions(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "SUCCESS", recs[0].Outcome, "newest first")
	assert.Equal(t, 2, recs[0].ExitCode)
	assert.Equal(t, "FAILED", recs[1].Outcome)
	assert.Equal(t, now+2, recs[0].Started().Unix())
}

func TestStore_TimedOutFlag(t *testing.T) {
	store := testStore(t)
	runID, err := store.StartRun("docker")
	require.NoError(t, err)

	require.NoError(t, store.RecordExecution(Execution{
		RunID: runID, Identity: "svc", Target: "t", Outcome: "FAILED", ExitCode: 124, TimedOut: true, LogFile: "logs/svc.log",
	}))

	recs, err := store.RecentExecutions(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].TimedOut)
	assert.Equal(t, "logs/svc.log", recs[0].LogFile)
}
