// Package state implements the filesystem-backed claim and marker
// operations that make up the loop's entire source of truth. Markers are
// truth: nothing in this package consults any in-memory cache, and every
// operation is safe to retry after a crash.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Dirs holds the well-known subdirectories under a state root.
type Dirs struct {
	Root string
}

func (d Dirs) Queue() string   { return filepath.Join(d.Root, "queue") }
func (d Dirs) Running() string { return filepath.Join(d.Root, "running") }
func (d Dirs) Done() string    { return filepath.Join(d.Root, "done") }
func (d Dirs) Failed() string  { return filepath.Join(d.Root, "failed") }
func (d Dirs) Trigger() string { return filepath.Join(d.Root, "trigger") }

// EnsureDirs creates every well-known subdirectory under the state root.
func EnsureDirs(d Dirs) error {
	for _, dir := range []string{d.Queue(), d.Running(), d.Done(), d.Failed(), d.Trigger()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir %s: %w", dir, err)
		}
	}
	return nil
}

// Claim atomically claims a job by symlinking jobID.claimed -> zipPath inside
// the queue directory. Returns true if this call won the claim; false if
// another process already holds it. The symlink creation is atomic at the
// filesystem level, so concurrent claimers can never both succeed.
func Claim(dirs Dirs, jobID, zipPath string) (bool, error) {
	claimPath := filepath.Join(dirs.Queue(), jobID+".claimed")
	err := os.Symlink(zipPath, claimPath)
	if err == nil {
		return true, nil
	}
	if os.IsExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("claim job %s: %w", jobID, err)
}

// IsDone reports whether a job already has a done marker.
func IsDone(dirs Dirs, jobID string) bool {
	_, err := os.Stat(filepath.Join(dirs.Done(), jobID))
	return err == nil
}

// IsFailed reports whether a job already has a failed marker.
func IsFailed(dirs Dirs, jobID string) bool {
	_, err := os.Stat(filepath.Join(dirs.Failed(), jobID))
	return err == nil
}

// RunningCount counts the regular files in the running directory, i.e. the
// number of jobs currently in flight.
func RunningCount(dirs Dirs) (int, error) {
	entries, err := os.ReadDir(dirs.Running())
	if err != nil {
		return 0, fmt.Errorf("read running dir: %w", err)
	}
	n := 0
	for _, e := range entries {
		if e.Type().IsRegular() {
			n++
		}
	}
	return n, nil
}

// MarkRunning touches the running marker for jobID.
func MarkRunning(dirs Dirs, jobID string) error {
	return touch(filepath.Join(dirs.Running(), jobID))
}

// ClearRunning removes the running marker for jobID, if present.
func ClearRunning(dirs Dirs, jobID string) error {
	return removeIfExists(filepath.Join(dirs.Running(), jobID))
}

// MarkDone touches the done marker for jobID.
func MarkDone(dirs Dirs, jobID string) error {
	return touch(filepath.Join(dirs.Done(), jobID))
}

// MarkFailed touches the failed marker for jobID.
func MarkFailed(dirs Dirs, jobID string) error {
	return touch(filepath.Join(dirs.Failed(), jobID))
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", path, err)
	}
	defer f.Close()
	now := time.Now()
	return os.Chtimes(path, now, now)
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
