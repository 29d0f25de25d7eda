// Package trigger implements the loop's two gating mechanisms: an
// edge-triggered "start" file and a level-triggered "persistent" file whose
// mtime is compared against a stored last-handled timestamp.
package trigger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ResolvePath joins a possibly-relative file name onto a base directory,
// following the resolution rule shared by both trigger kinds: an absolute
// rel is returned unchanged; otherwise it is joined onto dir (if set) or
// scriptDir. An empty rel means the gate is disabled, signalled by "" here.
func ResolvePath(rel, dir, scriptDir string) string {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	base := strings.TrimSpace(dir)
	if base == "" {
		base = scriptDir
	}
	return filepath.Join(base, rel)
}

// StartGate is the edge-triggered gate: armed while the file exists, and
// optionally consumed (deleted) once it has been acted on.
type StartGate struct {
	Path string // empty means disabled
}

// Armed reports whether the start trigger file currently exists. A disabled
// gate is always considered armed, since there is nothing to wait for.
func (g StartGate) Armed() bool {
	if g.Path == "" {
		return true
	}
	_, err := os.Stat(g.Path)
	return err == nil
}

// Enabled reports whether this gate has a configured path.
func (g StartGate) Enabled() bool {
	return g.Path != ""
}

// Consume removes the start trigger file. Missing files and removal errors
// are swallowed, matching the "don't crash the loop on filesystem quirks"
// behavior of the source this was ported from.
func (g StartGate) Consume() {
	if g.Path == "" {
		return
	}
	if _, err := os.Stat(g.Path); err != nil {
		return
	}
	_ = os.Remove(g.Path)
}

// PersistentGate is the level-triggered gate: armed when the file's mtime
// has advanced past the last-handled timestamp recorded under stateDir.
type PersistentGate struct {
	Path     string // empty means disabled
	StateDir string
}

// Enabled reports whether this gate has a configured path.
func (g PersistentGate) Enabled() bool {
	return g.Path != ""
}

func (g PersistentGate) stampPath() string {
	return filepath.Join(g.StateDir, "trigger", filepath.Base(g.Path)+".mtime")
}

// ShouldFire reports whether the trigger file's mtime is newer than the
// last-handled stamp. A missing trigger file never fires.
func (g PersistentGate) ShouldFire() bool {
	if g.Path == "" {
		return false
	}
	info, err := os.Stat(g.Path)
	if err != nil {
		return false
	}
	last := readFloat(g.stampPath())
	current := float64(info.ModTime().UnixNano()) / 1e9
	return current > last
}

// MarkHandled stamps the trigger file's current mtime as handled.
func (g PersistentGate) MarkHandled() {
	info, err := os.Stat(g.Path)
	if err != nil {
		return
	}
	current := float64(info.ModTime().UnixNano()) / 1e9
	writeFloat(g.stampPath(), current)
}

func readFloat(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0
	}
	return v
}

func writeFloat(path string, value float64) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(path, []byte(fmt.Sprintf("%v\n", value)), 0o644)
}
