package executor

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildq/app/queue"
)

// fakeTool runs an arbitrary shell script instead of a real build tool
type fakeTool struct {
	script  string
	cleaned []queue.Job
}

func (f *fakeTool) Name() string        { return "fake" }
func (f *fakeTool) Label() string       { return "Build log" }
func (f *fakeTool) TargetLabel() string { return "Dockerfile" }
func (f *fakeTool) Command(queue.Job) *exec.Cmd {
	return exec.Command("sh", "-c", f.script)
}
func (f *fakeTool) Cleanup(job queue.Job) error { f.cleaned = append(f.cleaned, job); return nil }
func (f *fakeTool) Check() error                { return nil }

func testAdapter(t *testing.T, tool Tool, timeout time.Duration) (*Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	return &Adapter{
		Tool:    tool,
		LogDir:  filepath.Join(dir, "logs"),
		Report:  NewReport(filepath.Join(dir, "errors.log")),
		Timeout: timeout,
	}, dir
}

func TestAdapter_Success(t *testing.T) {
	tool := &fakeTool{script: "echo building; exit 0"}
	adapter, dir := testAdapter(t, tool, 5*time.Second)
	job := queue.Job{Identity: "svc", Target: "repos/svc/Dockerfile"}

	res, err := adapter.Run(job, bytes.NewBuffer(nil))
	require.NoError(t, err)
	assert.Equal(t, queue.Succeeded, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.TimedOut)
	assert.Empty(t, res.LogFile)

	// log deleted, artifacts cleaned, no error report
	assert.NoFileExists(t, LogFileName(adapter.LogDir, "svc"))
	assert.Equal(t, []queue.Job{job}, tool.cleaned)
	assert.NoFileExists(t, filepath.Join(dir, "errors.log"))
}

func TestAdapter_Failure(t *testing.T) {
	tool := &fakeTool{script: "echo broken >&2; exit 3"}
	adapter, dir := testAdapter(t, tool, 5*time.Second)
	job := queue.Job{Identity: "svc", Target: "repos/svc/Dockerfile"}

	res, err := adapter.Run(job, bytes.NewBuffer(nil))
	require.NoError(t, err)
	assert.Equal(t, queue.Failed, res.Outcome)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TimedOut)

	// log retained with parseable header and captured output
	fh, err := os.Open(res.LogFile)
	require.NoError(t, err)
	defer fh.Close()
	header, err := ParseHeader(fh)
	require.NoError(t, err)
	assert.Equal(t, "svc", header.Identity)
	assert.Equal(t, "repos/svc/Dockerfile", header.Target)

	data, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "broken")

	// exactly one error report block referencing the log
	report, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(report, []byte("==== FAILED: svc")))
	assert.Contains(t, string(report), "exit code: 3")
	assert.Contains(t, string(report), res.LogFile)

	assert.Empty(t, tool.cleaned, "no cleanup on failure")
}

func TestAdapter_Timeout(t *testing.T) {
	tool := &fakeTool{script: "echo starting; sleep 10"}
	adapter, dir := testAdapter(t, tool, 300*time.Millisecond)
	job := queue.Job{Identity: "svc", Target: "repos/svc/Dockerfile"}

	started := time.Now()
	res, err := adapter.Run(job, bytes.NewBuffer(nil))
	require.NoError(t, err)
	assert.Less(t, time.Since(started), 5*time.Second, "must not wait out the sleep")

	assert.Equal(t, queue.Failed, res.Outcome)
	assert.True(t, res.TimedOut)
	assert.Equal(t, TimeoutExitCode, res.ExitCode)

	data, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "TIMED OUT after 300ms")

	report, err := os.ReadFile(filepath.Join(dir, "errors.log"))
	require.NoError(t, err)
	assert.Contains(t, string(report), "(timed out)")
}

func TestAdapter_TeesOutput(t *testing.T) {
	tool := &fakeTool{script: "echo to-both; exit 1"}
	adapter, _ := testAdapter(t, tool, 5*time.Second)
	out := bytes.NewBuffer(nil)

	res, err := adapter.Run(queue.Job{Identity: "svc", Target: "repos/svc/Dockerfile"}, out)
	require.NoError(t, err)

	assert.Contains(t, out.String(), "to-both", "console copy")
	data, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to-both", "log copy")
}

func TestAdapter_SpawnFailureIsError(t *testing.T) {
	adapter, _ := testAdapter(t, brokenTool{}, time.Second)
	_, err := adapter.Run(queue.Job{Identity: "svc", Target: "repos/svc/Dockerfile"}, bytes.NewBuffer(nil))
	assert.Error(t, err, "missing binary is an environment error, not a job failure")
}

type brokenTool struct{}

func (brokenTool) Name() string                   { return "broken" }
func (brokenTool) Label() string                  { return "Build log" }
func (brokenTool) TargetLabel() string            { return "Dockerfile" }
func (brokenTool) Command(queue.Job) *exec.Cmd    { return exec.Command("/no/such/binary") }
func (brokenTool) Cleanup(queue.Job) error        { return nil }
func (brokenTool) Check() error                   { return nil }
