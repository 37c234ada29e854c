package driver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/latticeworks/propagator/pkg/inventory"
	"github.com/latticeworks/propagator/pkg/project"
	"github.com/latticeworks/propagator/pkg/runner"
)

// fakeRunner is a scripted scheduler: Submit hands out a fixed handle and
// Inspect replays a fixed inspection.
type fakeRunner struct {
	handle    runner.JobHandle
	submitErr error
	insp      runner.Inspection
	inspErr   error

	submitted []string
	inspected int
}

func (f *fakeRunner) Submit(_ context.Context, dir string, _ runner.JobSpec) (runner.JobHandle, error) {
	f.submitted = append(f.submitted, dir)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.handle, nil
}

func (f *fakeRunner) Inspect(_ context.Context, _ string, _ runner.Probe) (runner.Inspection, error) {
	f.inspected++
	if f.inspErr != nil {
		return runner.Inspection{}, f.inspErr
	}
	return f.insp, nil
}

// testManifest builds a two-step project rooted in a temp dir, with template
// directories holding the submission scripts and one engine input each.
func testManifest(t *testing.T) *project.Manifest {
	t.Helper()
	root := t.TempDir()

	mkTemplate := func(rel, script string) string {
		dir := filepath.Join(root, rel)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("mkdir template: %v", err)
		}
		for _, name := range []string{script, "INPUT.txt"} {
			if err := os.WriteFile(filepath.Join(dir, name), []byte("template\n"), 0644); err != nil {
				t.Fatalf("write template file: %v", err)
			}
		}
		return rel
	}

	m := &project.Manifest{
		Version: "1.0",
		Project: project.ProjectConfig{Root: root},
		Search: project.StageConfig{
			TemplateDir:      mkTemplate("templates/search", "search_submission.slurm"),
			SubmitScript:     "search_submission.slurm",
			OutputGlob:       "log",
			CompletionPhrase: "Optimization finished",
		},
		Refine: project.RefineConfig{Steps: []project.StageConfig{
			{
				Name:             "coarse_relax",
				TemplateDir:      mkTemplate("templates/refine/01", "refine_submission.slurm"),
				SubmitScript:     "refine_submission.slurm",
				OutputGlob:       "*.out",
				CompletionPhrase: "TERMINATION",
			},
			{
				Name:             "final_scf",
				TemplateDir:      mkTemplate("templates/refine/02", "refine_submission.slurm"),
				SubmitScript:     "refine_submission.slurm",
				OutputGlob:       "*.out",
				CompletionPhrase: "TERMINATION",
			},
		}},
	}
	m.ApplyDefaults()
	if err := m.Validate(); err != nil {
		t.Fatalf("test manifest invalid: %v", err)
	}
	return m
}

func newEntity(m *project.Manifest) *inventory.EntityRecord {
	return &inventory.EntityRecord{
		ID:               "a7Qk2",
		Composition:      "LiMgF3",
		Stage:            inventory.StageNotStarted,
		RefineTotalSteps: m.RefineTotalSteps(),
	}
}

func TestStep_TerminalStagesNoop(t *testing.T) {
	fake := &fakeRunner{}
	d := New(fake, testManifest(t))

	for _, stage := range []inventory.Stage{inventory.StageDone, inventory.StageAbandoned} {
		rec := &inventory.EntityRecord{ID: "x", Stage: stage}
		action, err := d.Step(context.Background(), rec)
		if err != nil {
			t.Fatalf("Step(%s) error: %v", stage, err)
		}
		if action != ActionNone {
			t.Fatalf("Step(%s): got=%q want=%q", stage, action, ActionNone)
		}
	}
	if len(fake.submitted) != 0 || fake.inspected != 0 {
		t.Fatal("terminal entities must not touch the scheduler")
	}
}

func TestStep_NewEntitySubmits(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{handle: "4242"}
	d := New(fake, m)
	rec := newEntity(m)

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionSubmit {
		t.Fatalf("action: got=%q want=%q", action, ActionSubmit)
	}
	if rec.Stage != inventory.StageStructureSearch || rec.SearchStatus != inventory.StatusSubmitted {
		t.Fatalf("record not submitted: stage=%q status=%q", rec.Stage, rec.SearchStatus)
	}
	if rec.JobHandle != "4242" {
		t.Fatalf("job handle: got=%q", rec.JobHandle)
	}
	if !strings.Contains(rec.JobDir, "LiMgF3_a7Qk2") {
		t.Fatalf("job dir not under calc name: %s", rec.JobDir)
	}
	for _, name := range []string{"search_submission.slurm", "INPUT.txt"} {
		if _, err := os.Stat(filepath.Join(rec.JobDir, name)); err != nil {
			t.Fatalf("template file %s not copied: %v", name, err)
		}
	}
}

func TestStep_SearchLifecycle(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{handle: "4242"}
	d := New(fake, m)
	rec := newEntity(m)
	ctx := context.Background()

	if _, err := d.Step(ctx, rec); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Queued, then executing.
	fake.insp = runner.Inspection{State: runner.SchedPending, FilesPresent: true}
	if action, err := d.Step(ctx, rec); err != nil || action != ActionPoll {
		t.Fatalf("poll pending: action=%q err=%v", action, err)
	}
	if rec.SearchStatus != inventory.StatusSubmitted {
		t.Fatalf("status after pending: %q", rec.SearchStatus)
	}

	fake.insp = runner.Inspection{State: runner.SchedRunning, FilesPresent: true, OutputModifiedAt: time.Now()}
	if _, err := d.Step(ctx, rec); err != nil {
		t.Fatalf("poll running: %v", err)
	}
	if rec.SearchStatus != inventory.StatusRunning {
		t.Fatalf("status after running: %q", rec.SearchStatus)
	}

	// Completion marker found in the output tail.
	fake.insp = runner.Inspection{State: runner.SchedCompleted, FilesPresent: true, MarkerText: "Optimization finished"}
	if _, err := d.Step(ctx, rec); err != nil {
		t.Fatalf("poll completed: %v", err)
	}
	if rec.SearchStatus != inventory.StatusDone {
		t.Fatalf("status after completion: %q", rec.SearchStatus)
	}

	// Results on disk; the next cycle advances into refinement.
	resultsDir := filepath.Join(rec.JobDir, "results1")
	if err := os.Mkdir(resultsDir, 0755); err != nil {
		t.Fatalf("mkdir results: %v", err)
	}
	seed := map[string]string{
		"BESTIndividuals":            "gen1 2 -10.0\n",
		"symmetrized_structures.cif": "data_findsym-STRUC2\n_cell_length_a 4.1\n",
	}
	for name, content := range seed {
		if err := os.WriteFile(filepath.Join(resultsDir, name), []byte(content), 0644); err != nil {
			t.Fatalf("seed %s: %v", name, err)
		}
	}

	action, err := d.Step(ctx, rec)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if action != ActionAdvance {
		t.Fatalf("action: got=%q want=%q", action, ActionAdvance)
	}
	if rec.Stage != inventory.StageRefinement || rec.RefineStep != 1 || rec.RefineStatus != inventory.StatusWaiting {
		t.Fatalf("refinement not entered: %+v", rec)
	}
	if filepath.Base(rec.BestStructurePath) != "best_structure.cif" {
		t.Fatalf("best structure path: %q", rec.BestStructurePath)
	}
}

func TestStep_RefinementAdvancesThroughSteps(t *testing.T) {
	m := testManifest(t)
	d := New(&fakeRunner{}, m)
	rec := newEntity(m)
	rec.Stage = inventory.StageRefinement
	rec.RefineStep = 1
	rec.RefineStatus = inventory.StatusDone
	rec.AttemptCount = 2

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionAdvance {
		t.Fatalf("action: got=%q want=%q", action, ActionAdvance)
	}
	if rec.RefineStep != 2 || rec.RefineStatus != inventory.StatusWaiting || rec.AttemptCount != 0 {
		t.Fatalf("step not advanced: step=%d status=%q attempts=%d", rec.RefineStep, rec.RefineStatus, rec.AttemptCount)
	}
}

func TestStep_FinalRefinementStepFinishesEntity(t *testing.T) {
	m := testManifest(t)
	d := New(&fakeRunner{}, m)
	rec := newEntity(m)
	rec.Stage = inventory.StageRefinement
	rec.RefineStep = 2
	rec.RefineStatus = inventory.StatusDone

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionAdvance {
		t.Fatalf("action: got=%q want=%q", action, ActionAdvance)
	}
	if rec.Stage != inventory.StageDone {
		t.Fatalf("stage: got=%q want=%q", rec.Stage, inventory.StageDone)
	}

	// Finished entities never produce further actions.
	action, err = d.Step(context.Background(), rec)
	if err != nil || action != ActionNone {
		t.Fatalf("finished entity: action=%q err=%v", action, err)
	}
}

func TestStep_StalledOutputThenRetry(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{}
	d := New(fake, m)
	now := time.Now().UTC()
	d.Now = func() time.Time { return now }

	rec := newEntity(m)
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusRunning
	rec.JobDir = t.TempDir()
	rec.JobHandle = "7"

	// Output untouched for 8000s against the 7200s default threshold.
	fake.insp = runner.Inspection{
		State:            runner.SchedRunning,
		FilesPresent:     true,
		OutputModifiedAt: now.Add(-8000 * time.Second),
	}
	if _, err := d.Step(context.Background(), rec); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if rec.SearchStatus != inventory.StatusStalled {
		t.Fatalf("status: got=%q want=%q", rec.SearchStatus, inventory.StatusStalled)
	}

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if action != ActionRetry {
		t.Fatalf("action: got=%q want=%q", action, ActionRetry)
	}
	if rec.SearchStatus != inventory.StatusWaiting || rec.AttemptCount != 1 || rec.JobDir != "" {
		t.Fatalf("retry state: status=%q attempts=%d dir=%q", rec.SearchStatus, rec.AttemptCount, rec.JobDir)
	}
}

func TestStep_RetryExhaustionAbandons(t *testing.T) {
	m := testManifest(t)
	d := New(&fakeRunner{}, m)
	rec := newEntity(m)
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusTimedOut
	rec.AttemptCount = m.Orchestrate.RetryLimit

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionAbandon {
		t.Fatalf("action: got=%q want=%q", action, ActionAbandon)
	}
	if rec.Stage != inventory.StageAbandoned {
		t.Fatalf("stage: got=%q", rec.Stage)
	}
	if !strings.Contains(rec.AbandonReason, string(inventory.StatusTimedOut)) {
		t.Fatalf("abandon reason: %q", rec.AbandonReason)
	}
}

func TestStep_FilesMissingTighterBound(t *testing.T) {
	m := testManifest(t)
	d := New(&fakeRunner{}, m)

	// First failure retries.
	rec := newEntity(m)
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusFilesMissing
	if action, err := d.Step(context.Background(), rec); err != nil || action != ActionRetry {
		t.Fatalf("first failure: action=%q err=%v", action, err)
	}

	// Second failure hits the files-missing bound well before the general
	// retry limit would.
	rec.SearchStatus = inventory.StatusFilesMissing
	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionAbandon {
		t.Fatalf("second failure: got=%q want=%q", action, ActionAbandon)
	}
}

func TestStep_SchedulerUnavailableChangesNothing(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{inspErr: &runner.RunnerError{Op: "Inspect", Err: fmt.Errorf("%w: squeue", runner.ErrUnavailable)}}
	d := New(fake, m)

	rec := newEntity(m)
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusRunning
	rec.JobDir = t.TempDir()
	rec.JobHandle = "7"
	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionNone {
		t.Fatalf("action: got=%q want=%q", action, ActionNone)
	}
	if rec.SearchStatus != inventory.StatusRunning || rec.AttemptCount != 0 || rec.JobHandle != "7" {
		t.Fatalf("record changed during outage: %+v", rec)
	}
}

func TestStep_SubmissionRejectedConsumesAttempts(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{submitErr: &runner.RunnerError{Op: "Submit", Err: fmt.Errorf("%w: invalid partition", runner.ErrSubmission)}}
	d := New(fake, m)
	rec := newEntity(m)

	for i := 1; i <= m.Orchestrate.RetryLimit; i++ {
		_, err := d.Step(context.Background(), rec)
		if err == nil {
			t.Fatalf("attempt %d: expected error", i)
		}
		if rec.AttemptCount != i {
			t.Fatalf("attempt %d: count=%d", i, rec.AttemptCount)
		}
	}

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if action != ActionAbandon || rec.Stage != inventory.StageAbandoned {
		t.Fatalf("exhausted submissions: action=%q stage=%q", action, rec.Stage)
	}
}

func TestStep_CompletedSearchWithoutResultsAbandons(t *testing.T) {
	m := testManifest(t)
	d := New(&fakeRunner{}, m)
	rec := newEntity(m)
	rec.Stage = inventory.StageStructureSearch
	rec.SearchStatus = inventory.StatusDone
	rec.JobDir = t.TempDir()

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionAbandon {
		t.Fatalf("action: got=%q want=%q", action, ActionAbandon)
	}
	if !strings.Contains(rec.AbandonReason, "without results") {
		t.Fatalf("abandon reason: %q", rec.AbandonReason)
	}
}

func TestStep_RefinementSeedsBestStructure(t *testing.T) {
	m := testManifest(t)
	fake := &fakeRunner{handle: "99"}
	d := New(fake, m)

	best := filepath.Join(t.TempDir(), "best_structure.cif")
	if err := os.WriteFile(best, []byte("data_findsym-STRUC2\n"), 0644); err != nil {
		t.Fatalf("write best structure: %v", err)
	}

	rec := newEntity(m)
	rec.Stage = inventory.StageRefinement
	rec.RefineStep = 1
	rec.RefineStatus = inventory.StatusWaiting
	rec.BestStructurePath = best

	action, err := d.Step(context.Background(), rec)
	if err != nil {
		t.Fatalf("Step() error: %v", err)
	}
	if action != ActionSubmit {
		t.Fatalf("action: got=%q want=%q", action, ActionSubmit)
	}
	if _, err := os.Stat(filepath.Join(rec.JobDir, "best_structure.cif")); err != nil {
		t.Fatalf("seed structure not copied: %v", err)
	}
	if _, err := os.Stat(filepath.Join(rec.JobDir, "refine_submission.slurm")); err != nil {
		t.Fatalf("refine template not copied: %v", err)
	}
}
