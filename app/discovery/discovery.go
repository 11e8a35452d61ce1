// Package discovery finds build targets (Dockerfile family, package.json)
// under a root directory and emits them as jobs. Traversal order follows the
// filesystem and is not guaranteed stable across platforms.
package discovery

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	log "github.com/go-pkgz/lgr"

	"buildq/app/queue"
)

// DefaultMaxDepth bounds the walk, counted in path elements below the root
const DefaultMaxDepth = 3

// DefaultExcludes are subdirectory names never descended into: dependency
// caches, version-control metadata and build output
var DefaultExcludes = []string{"node_modules", "bower_components", ".git", ".svn", ".hg", "vendor", "dist", "build", "out", "coverage", ".cache"}

// Matcher decides if a file name is a build target
type Matcher func(name string) bool

// Dockerfiles matches the Dockerfile family case-insensitively, e.g.
// Dockerfile, dockerfile, Dockerfile.prod
func Dockerfiles(name string) bool {
	l := strings.ToLower(name)
	return l == "dockerfile" || strings.HasPrefix(l, "dockerfile.")
}

// PackageJSON matches npm manifests by exact name
func PackageJSON(name string) bool {
	return name == "package.json"
}

// Walker discovers jobs under Root. Zero side effects; an empty result is not
// an error.
type Walker struct {
	Root     string
	MaxDepth int
	Excludes []string
	Match    Matcher
}

// NewWalker makes walker with default depth and exclusion set
func NewWalker(root string, match Matcher) *Walker {
	return &Walker{Root: root, MaxDepth: DefaultMaxDepth, Excludes: DefaultExcludes, Match: match}
}

// List walks the tree and returns a job per matching target. Identity is the
// top-level directory under the root owning the target, or the root's own
// name for targets sitting directly in it.
func (w *Walker) List() ([]queue.Job, error) {
	var res []queue.Job

	err := filepath.WalkDir(w.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			log.Printf("[WARN] can't access %s, %v", path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == w.Root {
			return nil
		}

		rel, rerr := filepath.Rel(w.Root, path)
		if rerr != nil {
			return nil
		}
		depth := len(strings.Split(rel, string(filepath.Separator)))

		if d.IsDir() {
			if w.excluded(d.Name()) {
				log.Printf("[DEBUG] skip excluded %s", rel)
				return filepath.SkipDir
			}
			if depth >= w.MaxDepth {
				return filepath.SkipDir
			}
			return nil
		}

		if depth > w.MaxDepth || !w.Match(d.Name()) {
			return nil
		}
		res = append(res, queue.Job{Identity: w.identity(rel), Target: path})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk of %s failed: %w", w.Root, err)
	}

	log.Printf("[INFO] discovered %d targets under %s", len(res), w.Root)
	return res, nil
}

func (w *Walker) String() string {
	return fmt.Sprintf("walker root:%s, depth:%d", w.Root, w.MaxDepth)
}

func (w *Walker) excluded(name string) bool {
	for _, e := range w.Excludes {
		if name == e {
			return true
		}
	}
	return false
}

func (w *Walker) identity(rel string) string {
	elems := strings.Split(rel, string(filepath.Separator))
	if len(elems) < 2 {
		return filepath.Base(w.Root)
	}
	return elems[0]
}
