// Package inventory implements the durable table of candidate compounds and
// their pipeline progress.
//
// The inventory is a CSV file with one row per entity. Structured sub-fields
// (composition counts, provenance, predicted properties) are serialized as
// flat delimited key:value text inside a single column, so the table stays
// inspectable with standard shell tooling on the cluster.
//
// All mutation goes through Store, which rewrites the table via a
// write-temp-then-rename cycle: a crash mid-write leaves either the previous
// or the new table intact, never a torn row.
package inventory

import "time"

// Stage is the coarse pipeline position of an entity.
//
// NOTE: These values are persisted in the inventory table and are part of
// the stable on-disk contract.
type Stage string

const (
	StageNotStarted      Stage = "not_started"
	StageStructureSearch Stage = "structure_search"
	StageRefinement      Stage = "refinement"
	StageDone            Stage = "done"
	StageAbandoned       Stage = "abandoned"
)

// Index returns the position of the stage in pipeline order. Abandoned is a
// terminal side exit and shares the ordering slot of the stage it left.
func (s Stage) Index() int {
	switch s {
	case StageNotStarted:
		return 0
	case StageStructureSearch:
		return 1
	case StageRefinement:
		return 2
	case StageDone:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether no further actions are ever taken on the entity.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageAbandoned
}

// StepStatus is the sub-state of the active stage's current job.
//
// The same machine shape applies to the structure-search stage and to every
// refinement step; see the pipeline package for the transition rules.
type StepStatus string

const (
	StatusWaiting      StepStatus = "waiting"
	StatusSubmitted    StepStatus = "submitted"
	StatusRunning      StepStatus = "running"
	StatusDone         StepStatus = "done"
	StatusTimedOut     StepStatus = "timed_out"
	StatusStalled      StepStatus = "stalled"
	StatusFilesMissing StepStatus = "files_missing"
	StatusUnknown      StepStatus = "unknown"
)

// Failed reports whether the status is a recoverable failure branch, i.e.
// eligible for resubmission up to the configured retry bound.
func (s StepStatus) Failed() bool {
	switch s {
	case StatusTimedOut, StatusStalled, StatusFilesMissing:
		return true
	default:
		return false
	}
}

// Parent identifies one parent compound that contributed to a candidate.
type Parent struct {
	Composition string
	Fraction    float64
}

// Provenance records how a candidate was generated: the method and the
// parent entities it was derived from. Immutable after creation.
type Provenance struct {
	Method  string
	Parents []Parent
}

// EntityRecord is one row of the inventory: a single candidate compound and
// its position in the pipeline.
type EntityRecord struct {
	// ID is the stable short identifier, assigned at creation, immutable.
	ID string

	// Composition is the chemical formula label, immutable after creation.
	Composition string

	// CompositionCounts maps element symbol to atom count.
	CompositionCounts map[string]int

	// Provenance is how this candidate came to exist. Immutable.
	Provenance Provenance

	// PredictedProperties maps property name to the upstream numeric
	// estimate. Set once at creation; read-only in this core.
	PredictedProperties map[string]float64

	Stage        Stage
	SearchStatus StepStatus

	// RefineStep is the 1-based index of the current refinement step.
	// Zero means refinement has not begun.
	RefineStep       int
	RefineStatus     StepStatus
	RefineTotalSteps int

	// JobDir is the filesystem location of the entity's current job, if any.
	JobDir string

	// JobHandle is the scheduler's identifier for the live job, if any.
	JobHandle string

	// AttemptCount counts submissions of the current (stage, step); it is
	// reset when the entity advances and bounds automatic resubmission.
	AttemptCount int

	// AbandonReason is set when Stage becomes Abandoned, for operators.
	AbandonReason string

	// BestStructurePath is the structure-search output artifact that seeds
	// refinement, once the search stage completes.
	BestStructurePath string

	// LastObservedAt is the time of the last successful status poll.
	LastObservedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CalcName is the directory-naming label for the entity's calculations,
// combining formula and ID so reruns of the same composition stay distinct.
func (r *EntityRecord) CalcName() string {
	return r.Composition + "_" + r.ID
}

// ActiveStatus returns the sub-status of the stage currently holding a job.
func (r *EntityRecord) ActiveStatus() StepStatus {
	switch r.Stage {
	case StageStructureSearch:
		return r.SearchStatus
	case StageRefinement:
		return r.RefineStatus
	default:
		return StatusUnknown
	}
}

// SetActiveStatus writes the sub-status of the currently active stage.
// It is a no-op for terminal and not-started stages.
func (r *EntityRecord) SetActiveStatus(st StepStatus) {
	switch r.Stage {
	case StageStructureSearch:
		r.SearchStatus = st
	case StageRefinement:
		r.RefineStatus = st
	}
}
