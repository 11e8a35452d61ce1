package discovery

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildq/app/queue"
)

func makeTree(t *testing.T, files ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, f := range files {
		fname := filepath.Join(root, f)
		require.NoError(t, os.MkdirAll(filepath.Dir(fname), 0o700))
		require.NoError(t, os.WriteFile(fname, []byte("x"), 0o600))
	}
	return root
}

func identities(jobs []queue.Job) []string {
	var res []string
	for _, j := range jobs {
		res = append(res, j.Identity)
	}
	sort.Strings(res)
	return res
}

func TestWalker_Dockerfiles(t *testing.T) {
	root := makeTree(t,
		"repoA/Dockerfile",
		"repoB/dockerfile.prod",
		"repoB/sub/DOCKERFILE",
		"repoC/readme.md",
		"repoD/Dockerfileish", // not part of the family
	)
	jobs, err := NewWalker(root, Dockerfiles).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"repoA", "repoB", "repoB"}, identities(jobs))
}

func TestWalker_PackageJSONExactName(t *testing.T) {
	root := makeTree(t,
		"repoA/package.json",
		"repoB/Package.json", // wrong case, exact-name family
		"repoC/package.json.bak",
	)
	jobs, err := NewWalker(root, PackageJSON).List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "repoA", jobs[0].Identity)
	assert.Equal(t, filepath.Join(root, "repoA", "package.json"), jobs[0].Target)
}

func TestWalker_SkipsExcludedDirs(t *testing.T) {
	root := makeTree(t,
		"repoA/package.json",
		"repoA/node_modules/dep/package.json",
		"repoB/.git/package.json",
		"repoC/dist/package.json",
	)
	jobs, err := NewWalker(root, PackageJSON).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"repoA"}, identities(jobs))
}

func TestWalker_DepthBound(t *testing.T) {
	root := makeTree(t,
		"repoA/Dockerfile",                // depth 2
		"repoB/sub/Dockerfile",            // depth 3
		"repoC/sub/deeper/Dockerfile",     // depth 4, beyond bound
		"repoD/s1/s2/s3/s4/Dockerfile",    // way beyond
	)
	jobs, err := NewWalker(root, Dockerfiles).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"repoA", "repoB"}, identities(jobs))
}

func TestWalker_EmptyResultNotError(t *testing.T) {
	jobs, err := NewWalker(t.TempDir(), Dockerfiles).List()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestWalker_RootLevelTarget(t *testing.T) {
	root := makeTree(t, "Dockerfile")
	jobs, err := NewWalker(root, Dockerfiles).List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, filepath.Base(root), jobs[0].Identity)
}

func TestSingle_List(t *testing.T) {
	s := Single{Target: "repos/serviceA/Dockerfile"}
	jobs, err := s.List()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, queue.Job{Identity: "serviceA", Target: "repos/serviceA/Dockerfile"}, jobs[0])

	s = Single{Identity: "custom", Target: "repos/serviceA/Dockerfile"}
	jobs, err = s.List()
	require.NoError(t, err)
	assert.Equal(t, "custom", jobs[0].Identity)

	_, err = Single{}.List()
	assert.Error(t, err)
}
