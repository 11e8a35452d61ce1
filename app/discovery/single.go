package discovery

import (
	"fmt"
	"path/filepath"

	"buildq/app/queue"
)

// Single is a one-job source for running a single explicit target without
// walking anything
type Single struct {
	Identity string
	Target   string
}

// List returns exactly one job. Identity defaults to the name of the
// directory owning the target.
func (s Single) List() ([]queue.Job, error) {
	if s.Target == "" {
		return nil, fmt.Errorf("single job needs a target")
	}
	identity := s.Identity
	if identity == "" {
		identity = filepath.Base(filepath.Dir(s.Target))
	}
	return []queue.Job{{Identity: identity, Target: s.Target}}, nil
}

func (s Single) String() string {
	return fmt.Sprintf("single target:%s", s.Target)
}
