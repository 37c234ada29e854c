// Package pipeline holds the pure state logic of the two pipeline stages.
//
// Both stage types — the structure search and each refinement step — share
// one sub-machine shape:
//
//	Waiting -> Submitted -> Running -> Done
//	                    \-> TimedOut | Stalled | FilesMissing
//
// Next classifies a status from the current observation alone, never from
// accumulated history, so a crashed-and-restarted orchestrator reaches the
// same conclusion as one that watched the job the whole time. No function in
// this package performs I/O; the runner package supplies observations and
// the driver package applies the results.
package pipeline

import (
	"fmt"
	"time"

	"github.com/latticeworks/propagator/pkg/inventory"
)

// DefaultStallThreshold is how long a running job's output may go unmodified
// before the job is suspected hung rather than slow.
const DefaultStallThreshold = 7200 * time.Second

// Observation is one poll's view of a job, assembled by the driver from the
// runner's inspection.
type Observation struct {
	// FilesPresent is false when the job's expected input or submission
	// files are absent. That is a configuration error, not a transient
	// failure, and overrides every other signal.
	FilesPresent bool

	// JobQueued and JobRunning reflect the scheduler's view of the job.
	JobQueued  bool
	JobRunning bool

	// CompletionMarker is true when the job's output carries the stage's
	// completion phrase.
	CompletionMarker bool

	// TimeoutMarker is true when the job's output indicates the scheduler
	// killed it for exceeding its time allocation.
	TimeoutMarker bool

	// SinceOutputChange is the time since the job's output file was last
	// modified. Only consulted for the stall heuristic.
	SinceOutputChange time.Duration

	// StallThreshold is the configured stall cutoff. Zero disables the
	// heuristic.
	StallThreshold time.Duration
}

// Next maps (current status, observation) to the new status.
//
// Precedence: explicit signals (missing files, completion marker, timeout
// marker) beat the modification-time stall heuristic, so a job that is both
// "timed out per its output" and "stale per mtime" classifies as TimedOut.
func Next(cur inventory.StepStatus, obs Observation) inventory.StepStatus {
	if !obs.FilesPresent {
		return inventory.StatusFilesMissing
	}
	if obs.CompletionMarker {
		return inventory.StatusDone
	}
	if obs.TimeoutMarker {
		return inventory.StatusTimedOut
	}

	if obs.JobRunning {
		if obs.StallThreshold > 0 && obs.SinceOutputChange > obs.StallThreshold {
			return inventory.StatusStalled
		}
		return inventory.StatusRunning
	}
	if obs.JobQueued {
		return inventory.StatusSubmitted
	}

	// No live job and no marker.
	switch cur {
	case inventory.StatusWaiting:
		return inventory.StatusWaiting
	case inventory.StatusSubmitted, inventory.StatusRunning:
		// The job vanished from the scheduler without leaving a marker.
		return inventory.StatusStalled
	case inventory.StatusDone:
		return inventory.StatusDone
	case inventory.StatusTimedOut, inventory.StatusStalled, inventory.StatusFilesMissing:
		// Failure branches persist until an explicit resubmission.
		return cur
	default:
		return inventory.StatusUnknown
	}
}

// BeginSearch moves a NotStarted entity into the structure-search stage.
func BeginSearch(rec *inventory.EntityRecord) error {
	if rec.Stage != inventory.StageNotStarted {
		return fmt.Errorf("cannot begin structure search from stage %q", rec.Stage)
	}
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusWaiting
	rec.AttemptCount = 0
	return nil
}

// BeginRefinement moves an entity whose structure search completed into
// refinement step 1, seeding it with the search's best-structure artifact.
func BeginRefinement(rec *inventory.EntityRecord, bestStructure string) error {
	if rec.Stage != inventory.StageStructureSearch || rec.SearchStatus != inventory.StatusDone {
		return fmt.Errorf("cannot begin refinement: stage=%q search_status=%q", rec.Stage, rec.SearchStatus)
	}
	rec.Stage = inventory.StageRefinement
	rec.RefineStep = 1
	rec.RefineStatus = inventory.StatusWaiting
	rec.BestStructurePath = bestStructure
	rec.JobDir = ""
	rec.JobHandle = ""
	rec.AttemptCount = 0
	return nil
}

// AdvanceRefinement reacts to the current refinement step completing: it
// moves to the next step's Waiting, or promotes the entity to Done when the
// final configured step just finished. RefineStep never decreases.
func AdvanceRefinement(rec *inventory.EntityRecord) error {
	if rec.Stage != inventory.StageRefinement || rec.RefineStatus != inventory.StatusDone {
		return fmt.Errorf("cannot advance refinement: stage=%q refine_status=%q", rec.Stage, rec.RefineStatus)
	}
	if rec.RefineStep >= rec.RefineTotalSteps {
		rec.Stage = inventory.StageDone
		rec.JobDir = ""
		rec.JobHandle = ""
		return nil
	}
	rec.RefineStep++
	rec.RefineStatus = inventory.StatusWaiting
	rec.JobDir = ""
	rec.JobHandle = ""
	rec.AttemptCount = 0
	return nil
}

// Resubmit clears a failed sub-status back to Waiting and counts the
// attempt. The driver calls this for automatic retries; the reset command
// reaches the same state through Reset without touching the bound.
func Resubmit(rec *inventory.EntityRecord) error {
	st := rec.ActiveStatus()
	if !st.Failed() {
		return fmt.Errorf("cannot resubmit from status %q", st)
	}
	rec.SetActiveStatus(inventory.StatusWaiting)
	rec.JobDir = ""
	rec.JobHandle = ""
	rec.AttemptCount++
	return nil
}

// Reset is the operator's forced re-entry of the active stage: sub-status
// back to Waiting with the job directory, handle, and attempt count cleared.
// It applies to any non-terminal, started entity regardless of sub-status.
func Reset(rec *inventory.EntityRecord) error {
	switch rec.Stage {
	case inventory.StageStructureSearch, inventory.StageRefinement:
		rec.SetActiveStatus(inventory.StatusWaiting)
		rec.JobDir = ""
		rec.JobHandle = ""
		rec.AttemptCount = 0
		return nil
	default:
		return fmt.Errorf("cannot reset entity in stage %q", rec.Stage)
	}
}

// Abandon marks the entity terminally failed with a reason for operators.
func Abandon(rec *inventory.EntityRecord, reason string) {
	rec.Stage = inventory.StageAbandoned
	rec.AbandonReason = reason
	rec.JobDir = ""
	rec.JobHandle = ""
}
