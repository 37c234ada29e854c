// Package driver decides and performs the single next action for one entity
// per orchestration cycle.
//
// Step is a total function of the entity's visible record fields: the record
// alone determines whether the cycle submits, polls, retries, advances, or
// abandons. At most one externally visible side effect happens per call, so
// a crash between a side effect and the subsequent record write is repaired
// by the next cycle re-deriving the same decision.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/latticeworks/propagator/pkg/artifacts"
	"github.com/latticeworks/propagator/pkg/inventory"
	"github.com/latticeworks/propagator/pkg/pipeline"
	"github.com/latticeworks/propagator/pkg/project"
	"github.com/latticeworks/propagator/pkg/runner"
)

// Action names the single thing a Step call did.
type Action string

const (
	// ActionNone: nothing to do, or the scheduler was unreachable.
	ActionNone Action = "none"

	// ActionSubmit: a job was submitted for the entity's active stage.
	ActionSubmit Action = "submit"

	// ActionPoll: the live job was inspected and the status reclassified.
	ActionPoll Action = "poll"

	// ActionRetry: a failed attempt was cleared back to Waiting.
	ActionRetry Action = "retry"

	// ActionAdvance: a completed stage moved the entity forward.
	ActionAdvance Action = "advance"

	// ActionAbandon: the entity was terminally abandoned.
	ActionAbandon Action = "abandon"
)

// Driver applies pipeline decisions to entities through a Runner.
type Driver struct {
	// Run is the batch scheduler adapter.
	Run runner.Runner

	// Manifest supplies stage templates, detectors, and retry policy.
	Manifest *project.Manifest

	// Now overrides the clock, mainly for tests. Nil means time.Now.
	Now func() time.Time
}

// New returns a Driver over the given runner and manifest.
func New(run runner.Runner, m *project.Manifest) *Driver {
	return &Driver{Run: run, Manifest: m}
}

func (d *Driver) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

// stageConfig resolves the manifest stage configuration for the record's
// active stage.
func (d *Driver) stageConfig(rec *inventory.EntityRecord) (*project.StageConfig, error) {
	switch rec.Stage {
	case inventory.StageStructureSearch:
		return &d.Manifest.Search, nil
	case inventory.StageRefinement:
		return d.Manifest.RefineStep(rec.RefineStep)
	default:
		return nil, fmt.Errorf("no stage configuration for stage %q", rec.Stage)
	}
}

// Step performs the one next action for rec, mutating it in place. The
// caller persists the record afterwards.
func (d *Driver) Step(ctx context.Context, rec *inventory.EntityRecord) (Action, error) {
	if rec.Stage.Terminal() {
		return ActionNone, nil
	}

	if rec.Stage == inventory.StageNotStarted {
		// Entering the search stage has no external effect; the same call
		// goes on to submit.
		if err := pipeline.BeginSearch(rec); err != nil {
			return ActionNone, err
		}
	}

	switch st := rec.ActiveStatus(); {
	case st == inventory.StatusWaiting:
		return d.submit(ctx, rec)
	case st == inventory.StatusSubmitted || st == inventory.StatusRunning:
		return d.poll(ctx, rec)
	case st == inventory.StatusDone:
		return d.advance(rec)
	case st.Failed():
		return d.retryOrAbandon(rec, st)
	default:
		return ActionNone, fmt.Errorf("entity %s: unhandled status %q", rec.ID, st)
	}
}

// submit prepares the job directory for the active stage and hands it to the
// scheduler. A rejected submission consumes an attempt; exhausting the bound
// abandons the entity.
func (d *Driver) submit(ctx context.Context, rec *inventory.EntityRecord) (Action, error) {
	stage, err := d.stageConfig(rec)
	if err != nil {
		return ActionNone, err
	}

	dir, err := d.prepareJobDir(rec, d.Manifest.TemplatePath(stage))
	if err != nil {
		return ActionNone, err
	}
	rec.JobDir = dir

	handle, err := d.Run.Submit(ctx, dir, runner.JobSpec{Name: rec.CalcName(), Script: stage.SubmitScript})
	if err != nil {
		if runner.IsSubmission(err) {
			rec.AttemptCount++
			if rec.AttemptCount > d.Manifest.Orchestrate.RetryLimit {
				pipeline.Abandon(rec, fmt.Sprintf("submission rejected %d times: %v", rec.AttemptCount, err))
				return ActionAbandon, nil
			}
		}
		return ActionNone, err
	}

	rec.JobHandle = string(handle)
	rec.SetActiveStatus(inventory.StatusSubmitted)
	rec.LastObservedAt = d.now()
	return ActionSubmit, nil
}

// poll inspects the live job and reclassifies the active status. An
// unreachable scheduler changes nothing.
func (d *Driver) poll(ctx context.Context, rec *inventory.EntityRecord) (Action, error) {
	stage, err := d.stageConfig(rec)
	if err != nil {
		return ActionNone, err
	}

	probe := runner.Probe{Handle: runner.JobHandle(rec.JobHandle), Detector: stage.Detector()}
	insp, err := d.Run.Inspect(ctx, rec.JobDir, probe)
	if err != nil {
		if runner.IsUnavailable(err) {
			return ActionNone, nil
		}
		return ActionNone, err
	}

	now := d.now()
	obs := pipeline.Observation{
		FilesPresent:     insp.FilesPresent,
		JobQueued:        insp.State == runner.SchedPending,
		JobRunning:       insp.State == runner.SchedRunning,
		CompletionMarker: insp.State == runner.SchedCompleted,
		TimeoutMarker:    insp.TimedOut,
		StallThreshold:   d.Manifest.Orchestrate.StallThreshold.Std(),
	}
	if !insp.OutputModifiedAt.IsZero() {
		obs.SinceOutputChange = now.Sub(insp.OutputModifiedAt)
	}

	rec.SetActiveStatus(pipeline.Next(rec.ActiveStatus(), obs))
	rec.LastObservedAt = now
	return ActionPoll, nil
}

// advance reacts to a completed stage: search completion extracts the best
// structure and enters refinement; refinement completion moves to the next
// step or finishes the entity.
func (d *Driver) advance(rec *inventory.EntityRecord) (Action, error) {
	switch rec.Stage {
	case inventory.StageStructureSearch:
		resultsDir, err := artifacts.LocateResultsDir(rec.JobDir, d.Manifest.Search.ResultsGlob)
		if err == nil {
			var best string
			best, err = artifacts.ExtractBestStructure(resultsDir)
			if err == nil {
				if err := pipeline.BeginRefinement(rec, best); err != nil {
					return ActionNone, err
				}
				return ActionAdvance, nil
			}
		}
		if errors.Is(err, artifacts.ErrNoResults) {
			// The engine reported completion but left no usable results.
			pipeline.Abandon(rec, fmt.Sprintf("search completed without results: %v", err))
			return ActionAbandon, nil
		}
		return ActionNone, err

	case inventory.StageRefinement:
		if err := pipeline.AdvanceRefinement(rec); err != nil {
			return ActionNone, err
		}
		return ActionAdvance, nil

	default:
		return ActionNone, fmt.Errorf("entity %s: cannot advance from stage %q", rec.ID, rec.Stage)
	}
}

// retryOrAbandon clears a failed attempt back to Waiting while attempts
// remain, and abandons the entity otherwise. Missing files get a tighter
// bound than timeouts and stalls: absent inputs are a configuration error
// that resubmission rarely heals.
func (d *Driver) retryOrAbandon(rec *inventory.EntityRecord, st inventory.StepStatus) (Action, error) {
	limit := d.Manifest.Orchestrate.RetryLimit
	if st == inventory.StatusFilesMissing {
		limit = d.Manifest.Orchestrate.FilesMissingRetryLimit
	}

	if rec.AttemptCount >= limit {
		pipeline.Abandon(rec, fmt.Sprintf("%s after %d attempts", st, rec.AttemptCount+1))
		return ActionAbandon, nil
	}
	if err := pipeline.Resubmit(rec); err != nil {
		return ActionNone, err
	}
	return ActionRetry, nil
}
