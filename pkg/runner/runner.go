// Package runner abstracts the batch scheduler behind a two-call interface:
// submit a job in a directory, and inspect what has become of it.
//
// Inspect is a read-only probe over the scheduler and the job's artifacts on
// the shared filesystem. It never blocks past the caller's context, and it
// reports raw signals only — classification into pipeline statuses is the
// state machine's business, which keeps that logic testable with a fake
// runner and no scheduler present.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SchedState is the scheduler's coarse view of a job.
type SchedState string

const (
	// SchedMissing: the job directory or its expected files are absent.
	SchedMissing SchedState = "missing"

	// SchedPending: the scheduler holds the job in queue.
	SchedPending SchedState = "pending"

	// SchedRunning: the scheduler reports the job executing.
	SchedRunning SchedState = "running"

	// SchedCompleted: the job's output carries a completion marker.
	SchedCompleted SchedState = "completed"

	// SchedFailed: the job's output carries a failure signal.
	SchedFailed SchedState = "failed"

	// SchedNone: no live job and no terminal record.
	SchedNone SchedState = "none"
)

// JobHandle is the scheduler's identifier for a submitted job.
type JobHandle string

// JobSpec describes one submission.
type JobSpec struct {
	// Name labels the job for the scheduler (calculation name).
	Name string

	// Script is the submission script file name inside the job directory.
	Script string
}

// Detector carries the stage-specific signals used to interpret a job's
// output. Detection phrases are configuration per external engine, not core
// invariants: each stage of a project names its own.
type Detector struct {
	// OutputGlob locates the job's primary output file within the job
	// directory (doublestar syntax, e.g. "results*/OUTPUT" or "*.out").
	OutputGlob string

	// CompletionPhrase marks successful completion when present in the
	// output tail.
	CompletionPhrase string

	// TimeoutPhrase marks a scheduler kill for exceeded walltime.
	TimeoutPhrase string

	// RequiredFiles must exist in the job directory for the job to be
	// submittable or pollable; absence is a configuration error.
	RequiredFiles []string
}

// Probe parameterizes one inspection.
type Probe struct {
	// Handle is the live scheduler handle, empty if none is known.
	Handle JobHandle

	// Detector interprets the job's artifacts.
	Detector Detector
}

// Inspection is the raw result of one probe.
type Inspection struct {
	State SchedState

	// MarkerText is the matched completion-marker line, for downstream
	// consumers that extract results from it.
	MarkerText string

	// FailureReason describes a detected failure, if any.
	FailureReason string

	// TimedOut is true when the timeout phrase was found.
	TimedOut bool

	// FilesPresent is false when required files are absent.
	FilesPresent bool

	// OutputModifiedAt is the last modification time of the job's output
	// file; zero when no output exists yet.
	OutputModifiedAt time.Time
}

// Runner submits and inspects batch jobs.
type Runner interface {
	// Submit starts the job described by spec inside dir and returns the
	// scheduler's handle. Fails with ErrSubmission when the scheduler
	// rejects the job.
	Submit(ctx context.Context, dir string, spec JobSpec) (JobHandle, error)

	// Inspect probes dir (and the scheduler, when probe.Handle is set) and
	// returns the current raw signals. Fails with ErrUnavailable when the
	// scheduler cannot be reached; that is transient, not a job failure.
	Inspect(ctx context.Context, dir string, probe Probe) (Inspection, error)
}

// Sentinel errors for runner operations.
var (
	// ErrSubmission indicates the scheduler rejected a job submission.
	ErrSubmission = errors.New("job submission failed")

	// ErrUnavailable indicates the scheduler could not be reached. The
	// orchestrator treats this as "no status change this cycle".
	ErrUnavailable = errors.New("scheduler unavailable")
)

// RunnerError wraps runner failures with operation context.
type RunnerError struct {
	// Op is the operation that failed ("Submit", "Inspect").
	Op string

	// Dir is the job directory.
	Dir string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *RunnerError) Error() string {
	return fmt.Sprintf("runner %s: %s: %v", e.Op, e.Dir, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RunnerError) Unwrap() error {
	return e.Err
}

// IsSubmission returns true if the error indicates a rejected submission.
func IsSubmission(err error) bool {
	return errors.Is(err, ErrSubmission)
}

// IsUnavailable returns true if the error indicates an unreachable scheduler.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
