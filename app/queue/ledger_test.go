package queue

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_RecordAndCounts(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "progress.log"))
	assert.False(t, ledger.NotEmpty())
	assert.Equal(t, 0, ledger.CompletedCount())

	require.NoError(t, ledger.Record(Job{Identity: "a", Target: "ta"}, Succeeded))
	require.NoError(t, ledger.Record(Job{Identity: "b", Target: "tb"}, Failed))
	require.NoError(t, ledger.Record(Job{Identity: "c", Target: "tc"}, Succeeded))

	assert.True(t, ledger.NotEmpty())
	assert.Equal(t, 3, ledger.CompletedCount())
	assert.Equal(t, 2, ledger.SuccessCount())
	assert.Equal(t, 1, ledger.FailedCount())
}

func TestLedger_AppendOnly(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "progress.log")
	ledger := NewLedger(fname)
	require.NoError(t, ledger.Record(Job{Identity: "a", Target: "ta"}, Succeeded))

	before, err := os.ReadFile(fname)
	require.NoError(t, err)

	require.NoError(t, ledger.Record(Job{Identity: "b", Target: "tb"}, Failed))
	after, err := os.ReadFile(fname)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(after), string(before)), "prior entries never rewritten")
	assert.Equal(t, 2, len(strings.Split(strings.TrimSpace(string(after)), "\n")))
}

func TestLedger_SkipsUnparseableLines(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "progress.log")
	ledger := NewLedger(fname)
	require.NoError(t, ledger.Record(Job{Identity: "a", Target: "ta"}, Succeeded))

	fh, err := os.OpenFile(fname, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = fh.WriteString("not a ledger line\n")
	require.NoError(t, err)
	require.NoError(t, fh.Close())

	require.NoError(t, ledger.Record(Job{Identity: "b", Target: "tb"}, Failed))
	recs := ledger.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].Job.Identity)
	assert.Equal(t, "b", recs[1].Job.Identity)
}

func TestLedger_MissingFile(t *testing.T) {
	ledger := NewLedger(filepath.Join(t.TempDir(), "nope.log"))
	assert.Empty(t, ledger.Records())
	assert.Equal(t, 0, ledger.CompletedCount())
	assert.False(t, ledger.NotEmpty())
}
