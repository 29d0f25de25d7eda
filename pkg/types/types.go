// Package types holds the data model shared by the loop, the supervisor and
// the iteration engine.
package types

import (
	"fmt"
	"strings"
	"time"
)

// Job represents a unit of overnight work discovered on the filesystem. Its
// identity is the archive stem: the job directory name and every marker file
// derive from ID, never from a separately allocated identifier.
type Job struct {
	ID          string
	ZipPath     string
	WorkDir     string
	Prompt      string
	ZipChain    bool
	MaxIters    int
	DiscoveredAt time.Time
}

// MarkerKind identifies one of the presence-only state markers a job can
// carry in the state directory (see pkg/state). The marker's existence is the signal; the
// file's content, if any, is informational only.
type MarkerKind string

const (
	MarkerClaimed MarkerKind = "claimed" // symlink, atomic claim
	MarkerRunning MarkerKind = "running"
	MarkerDone    MarkerKind = "done"
	MarkerFailed  MarkerKind = "failed"
)

// Outcome classifies how a supervised job run ended.
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeFailed  Outcome = "failed"
	OutcomeTimeout Outcome = "timeout"
)

// StopReason records why the iteration engine stopped driving the assistant
// process, independent of whether the job ultimately succeeded.
type StopReason string

const (
	StopReasonComplete     StopReason = "complete_signal"
	StopReasonRateLimit    StopReason = "rate_limit_detected"
	StopReasonContextLimit StopReason = "context_limit_detected"
	StopReasonTransient    StopReason = "too_many_transient_errors"
	StopReasonIterCap      StopReason = "max_iterations_reached"
	StopReasonTimeout      StopReason = "iteration_timeout"
)

// nonzeroExitPrefix tags a generic nonzero assistant exit. The actual reason
// value embeds the return code: see NonzeroExitReason/IsNonzeroExit.
const nonzeroExitPrefix = "assistant_exit_"

// NonzeroExitReason builds the stop reason for a generic nonzero assistant
// exit, embedding the return code per the "assistant_exit_<rc>" tag.
func NonzeroExitReason(rc int) StopReason {
	return StopReason(fmt.Sprintf("%s%d", nonzeroExitPrefix, rc))
}

// IsNonzeroExit reports whether reason was produced by NonzeroExitReason.
func IsNonzeroExit(reason StopReason) bool {
	return strings.HasPrefix(string(reason), nonzeroExitPrefix)
}

// IterationResult is the pure classification of one iteration's assistant
// process run: its exit code and captured log bytes mapped onto the
// regex-driven outcome taxonomy.
type IterationResult struct {
	Reason       StopReason
	ShouldStop   bool
	ExitCode     int
	ConsecutiveTransient int
}

// ArchiveMetadata is written as metadata.txt inside every result archive.
type ArchiveMetadata struct {
	JobID      string
	Status     string
	Iterations int
	StopReason StopReason
	StartedAt  time.Time
	FinishedAt time.Time
	Version    int // 0 for classic mode, >=1 for zip-chain checkpoints
}

// SyncCursor tracks bytes already forwarded for one iteration log file, so
// that repeated sync ticks only ship the delta.
type SyncCursor struct {
	Path       string
	BytesSent  int64
}
