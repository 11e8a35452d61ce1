package queue

import (
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/go-pkgz/lgr"
)

// backupTimeFormat used as suffix for backup copies, filesystem-safe
const backupTimeFormat = "20060102-150405"

// backupAll copies each existing file to a timestamped sibling before it gets
// overwritten. Missing files are silently skipped. Returns paths of copies.
func backupAll(files ...string) ([]string, error) {
	var res []string
	now := time.Now()
	for _, fname := range files {
		if _, err := os.Stat(fname); os.IsNotExist(err) {
			continue
		}
		bak := fmt.Sprintf("%s.%s.bak", fname, now.Format(backupTimeFormat))
		if err := copyFile(fname, bak); err != nil {
			return res, fmt.Errorf("can't back up %s: %w", fname, err)
		}
		log.Printf("[INFO] backed up %s to %s", fname, bak)
		res = append(res, bak)
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // src is an internal state file
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
