// Package executor runs one external build tool invocation per job under a
// hard wall-clock timeout, teeing all output to the console and a per-job log
// file. The two-line log header it writes is the contract the requeue
// extractor parses later - changing its shape breaks queue reconstruction.
package executor

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"

	"buildq/app/queue"
)

// Tool builds the external command for a job and cleans up its on-disk
// artifacts after a success
type Tool interface {
	Name() string                   // short tool name for logs
	Label() string                  // per-job log header label, e.g. "Build log"
	TargetLabel() string            // header target label, e.g. "Dockerfile"
	Command(job queue.Job) *exec.Cmd // ready to start, workdir set
	Cleanup(job queue.Job) error    // remove success artifacts (image, node_modules)
	Check() error                   // verify the external binary is available
}

// DockerBuild drives "docker build" against a job's Dockerfile. Each built
// image is tagged from the job identity and removed again on success to bound
// disk usage across a long batch.
type DockerBuild struct {
	Binary     string // docker binary, default "docker"
	KeepImages bool   // skip rmi after a successful build
}

// Name returns tool name
func (d DockerBuild) Name() string { return "docker" }

// Label returns the per-job log header label
func (d DockerBuild) Label() string { return "Build log" }

// TargetLabel returns the header target label
func (d DockerBuild) TargetLabel() string { return "Dockerfile" }

// Command makes docker build command for the job's Dockerfile, building in
// the directory owning the target
func (d DockerBuild) Command(job queue.Job) *exec.Cmd {
	return exec.Command(d.binary(), "build", "-t", d.imageTag(job), "-f", job.Target, filepath.Dir(job.Target)) //nolint:gosec // args come from discovery, not user input
}

// Cleanup removes the image produced by a successful build
func (d DockerBuild) Cleanup(job queue.Job) error {
	if d.KeepImages {
		return nil
	}
	out, err := exec.Command(d.binary(), "rmi", "-f", d.imageTag(job)).CombinedOutput() //nolint:gosec // tag derived from identity
	if err != nil {
		return fmt.Errorf("can't remove image %s: %w, %s", d.imageTag(job), err, strings.TrimSpace(string(out)))
	}
	log.Printf("[DEBUG] removed image %s", d.imageTag(job))
	return nil
}

// Check verifies docker binary is present
func (d DockerBuild) Check() error {
	if _, err := exec.LookPath(d.binary()); err != nil {
		return fmt.Errorf("docker binary %q not found: %w", d.binary(), err)
	}
	return nil
}

func (d DockerBuild) binary() string {
	if d.Binary == "" {
		return "docker"
	}
	return d.Binary
}

// imageTag derives a valid docker tag from the job identity
func (d DockerBuild) imageTag(job queue.Job) string {
	tag := strings.ToLower(job.Identity)
	tag = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, tag)
	return "buildq/" + tag
}

// NpmInstall drives "npm install" against a job's package.json. The installed
// node_modules tree is removed again on success.
type NpmInstall struct {
	Binary   string // npm binary, default "npm"
	KeepDeps bool   // skip node_modules removal after success
}

// Name returns tool name
func (n NpmInstall) Name() string { return "npm" }

// Label returns the per-job log header label
func (n NpmInstall) Label() string { return "Install log" }

// TargetLabel returns the header target label
func (n NpmInstall) TargetLabel() string { return "package.json" }

// Command makes npm install command running in the manifest's directory
func (n NpmInstall) Command(job queue.Job) *exec.Cmd {
	cmd := exec.Command(n.binary(), "install", "--no-audit", "--no-fund") //nolint:gosec // fixed args
	cmd.Dir = filepath.Dir(job.Target)
	return cmd
}

// Cleanup removes the installed dependency tree
func (n NpmInstall) Cleanup(job queue.Job) error {
	if n.KeepDeps {
		return nil
	}
	modules := filepath.Join(filepath.Dir(job.Target), "node_modules")
	if err := os.RemoveAll(modules); err != nil {
		return fmt.Errorf("can't remove %s: %w", modules, err)
	}
	log.Printf("[DEBUG] removed %s", modules)
	return nil
}

// Check verifies npm binary is present
func (n NpmInstall) Check() error {
	if _, err := exec.LookPath(n.binary()); err != nil {
		return fmt.Errorf("npm binary %q not found: %w", n.binary(), err)
	}
	return nil
}

func (n NpmInstall) binary() string {
	if n.Binary == "" {
		return "npm"
	}
	return n.Binary
}
