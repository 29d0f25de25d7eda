/*
Package types defines the data model shared by the loop, the supervisor, and
the iteration engine.

This package contains the small set of types that cross package boundaries:
a discovered Job, the presence-only marker vocabulary a job passes through,
the outcome/stop-reason taxonomy a run is classified into, and the metadata
written alongside every result archive.

# Architecture

None of these types are persisted as records of their own; the filesystem
itself is the database (see pkg/state). These types exist to give the values
that flow between packages - a job ID, a marker kind, a classified outcome -
names instead of bare strings, and to collect the fields a job carries
through its lifecycle in one place.

# Core Types

Job Identity:
  - Job: one unit of overnight work, identified by its archive stem. Every
    marker file, work directory, and log line derives its name from Job.ID;
    there is no separately allocated identifier.

State Markers:
  - MarkerKind: claimed, running, done, failed - the presence-only markers a
    job carries in its state directory. The file's existence is the signal;
    most carry no meaningful content.

Outcome Classification:
  - Outcome: done, failed, or timeout - how a supervised run ended.
  - StopReason: why the iteration engine stopped driving the assistant
    process - complete_signal, rate_limit_detected, context_limit_detected,
    too_many_transient_errors, max_iterations_reached, iteration_timeout, or
    assistant_exit_<rc> for a generic nonzero exit (see NonzeroExitReason/
    IsNonzeroExit) - independent of whether the job ultimately succeeded.
  - IterationResult: the classification of one iteration's assistant run -
    its exit code, captured log bytes mapped onto the stop-reason taxonomy,
    and whether the loop should stop.

Archive Metadata:
  - ArchiveMetadata: built by pkg/iteration for every result archive, whose
    metadata.txt holds the job ID, status, iteration count, stop reason, and
    start/finish timestamps. Its Version field (0 for classic mode, >=1 for
    zip-chain checkpoints) is not written to metadata.txt.
  - SyncCursor: a byte count already forwarded for one log file. The
    supervisor's sync keeps its own per-file offset map and does not use it.

# Integration Points

This package is imported by:

  - pkg/loop: constructs Job values from discovered archives
  - pkg/supervisor: drives a Job through its full lifecycle
  - pkg/iteration: produces IterationResult per iteration and StopReason on
    exit, and writes ArchiveMetadata into result archives
  - pkg/classify: maps captured log text onto IterationResult/StopReason

# Thread Safety

These are plain value types with no internal synchronization. Callers that
share one across goroutines must guard access themselves.
*/
package types
