package executor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildq/app/queue"
)

func TestDockerBuild_Command(t *testing.T) {
	job := queue.Job{Identity: "My Service", Target: "repos/svc/Dockerfile.prod"}
	cmd := DockerBuild{}.Command(job)
	require.NotEmpty(t, cmd.Args)
	assert.Equal(t, []string{"build", "-t", "buildq/my-service", "-f", "repos/svc/Dockerfile.prod", filepath.Join("repos", "svc")}, cmd.Args[1:])
}

func TestDockerBuild_ImageTag(t *testing.T) {
	tbl := []struct{ identity, tag string }{
		{"serviceA", "buildq/servicea"},
		{"My Service", "buildq/my-service"},
		{"svc_1.2", "buildq/svc_1.2"},
	}
	for _, tt := range tbl {
		assert.Equal(t, tt.tag, DockerBuild{}.imageTag(queue.Job{Identity: tt.identity}), tt.identity)
	}
}

func TestNpmInstall_Command(t *testing.T) {
	job := queue.Job{Identity: "svc", Target: "repos/svc/package.json"}
	cmd := NpmInstall{}.Command(job)
	require.NotEmpty(t, cmd.Args)
	assert.Equal(t, []string{"install", "--no-audit", "--no-fund"}, cmd.Args[1:])
	assert.Equal(t, filepath.Join("repos", "svc"), cmd.Dir)
}

func TestTool_Labels(t *testing.T) {
	assert.Equal(t, "Build log", DockerBuild{}.Label())
	assert.Equal(t, "Dockerfile", DockerBuild{}.TargetLabel())
	assert.Equal(t, "Install log", NpmInstall{}.Label())
	assert.Equal(t, "package.json", NpmInstall{}.TargetLabel())
}

func TestTool_CheckMissingBinary(t *testing.T) {
	assert.Error(t, DockerBuild{Binary: "no-such-docker-binary"}.Check())
	assert.Error(t, NpmInstall{Binary: "no-such-npm-binary"}.Check())
	assert.NoError(t, NpmInstall{Binary: "sh"}.Check(), "any resolvable binary passes the check")
}
