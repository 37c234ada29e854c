package project

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validManifest = `
version: "1.0"
project:
  root: /scratch/fluoride-screen
search:
  template_dir: templates/search
  submit_script: search_submission.slurm
  output_glob: "log"
  completion_phrase: "Optimization finished"
refine:
  steps:
    - name: coarse_relax
      template_dir: templates/refine/01_coarse
      submit_script: refine_submission.slurm
      output_glob: "*.out"
      completion_phrase: "TERMINATION: CONDITION ACHIEVED"
    - name: final_scf
      template_dir: templates/refine/02_final
      submit_script: refine_submission.slurm
      output_glob: "*.out"
      completion_phrase: "TERMINATION: CONDITION ACHIEVED"
orchestrate:
  concurrency: 8
  stall_threshold: 30m
  retry_limit: 2
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "project.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoad_Valid(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if m.RefineTotalSteps() != 2 {
		t.Fatalf("steps: got=%d want=2", m.RefineTotalSteps())
	}
	if m.Orchestrate.Concurrency != 8 {
		t.Fatalf("concurrency: got=%d want=8", m.Orchestrate.Concurrency)
	}
	if m.Orchestrate.StallThreshold.Std() != 30*time.Minute {
		t.Fatalf("stall threshold: got=%v", m.Orchestrate.StallThreshold.Std())
	}
	if m.Orchestrate.RetryLimit != 2 {
		t.Fatalf("retry limit: got=%d want=2", m.Orchestrate.RetryLimit)
	}
}

const minimalManifest = `
version: "1.0"
project:
  root: /scratch/min
search:
  template_dir: templates/search
  submit_script: search_submission.slurm
  output_glob: "log"
  completion_phrase: "Optimization finished"
refine:
  steps:
    - name: only_step
      template_dir: templates/refine/01
      submit_script: refine_submission.slurm
      output_glob: "*.out"
      completion_phrase: "TERMINATION"
`

func TestLoad_Defaults(t *testing.T) {
	m, err := Load(writeManifest(t, minimalManifest))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if m.Project.Inventory != DefaultInventory {
		t.Fatalf("inventory default: got=%q", m.Project.Inventory)
	}
	if m.Project.Ledger != DefaultLedger {
		t.Fatalf("ledger default: got=%q", m.Project.Ledger)
	}
	if m.Search.ResultsGlob != DefaultResultsGlob {
		t.Fatalf("results glob default: got=%q", m.Search.ResultsGlob)
	}
	if m.Search.TimeoutPhrase != DefaultTimeoutPhrase {
		t.Fatalf("timeout phrase default: got=%q", m.Search.TimeoutPhrase)
	}
	if m.Refine.Steps[0].TimeoutPhrase != DefaultTimeoutPhrase {
		t.Fatalf("step timeout phrase default: got=%q", m.Refine.Steps[0].TimeoutPhrase)
	}
	if m.Orchestrate.Concurrency != DefaultConcurrency {
		t.Fatalf("concurrency default: got=%d", m.Orchestrate.Concurrency)
	}
	if m.Orchestrate.StallThreshold != DefaultStallThreshold {
		t.Fatalf("stall threshold default: got=%v", m.Orchestrate.StallThreshold.Std())
	}
	if m.Orchestrate.FilesMissingRetryLimit != DefaultFilesMissingRetryLimit {
		t.Fatalf("files-missing retry default: got=%d", m.Orchestrate.FilesMissingRetryLimit)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			"wrong version",
			func(s string) string { return strings.Replace(s, `version: "1.0"`, `version: "2.0"`, 1) },
			"unsupported manifest version",
		},
		{
			"missing root",
			func(s string) string { return strings.Replace(s, "root: /scratch/fluoride-screen", "root: \"\"", 1) },
			"project.root is required",
		},
		{
			"missing completion phrase",
			func(s string) string {
				return strings.Replace(s, `completion_phrase: "Optimization finished"`, `completion_phrase: ""`, 1)
			},
			"completion_phrase is required",
		},
		{
			"unnamed step",
			func(s string) string { return strings.Replace(s, "name: coarse_relax", `name: ""`, 1) },
			"name is required",
		},
		{
			"unknown field",
			func(s string) string { return strings.Replace(s, "version:", "bogus_key: true\nversion:", 1) },
			"bogus_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeManifest(t, tt.mutate(validManifest)))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoad_NoRefineSteps(t *testing.T) {
	content := `
version: "1.0"
project:
  root: /tmp/p
search:
  template_dir: t
  submit_script: s.slurm
  output_glob: "log"
  completion_phrase: done
refine:
  steps: []
`
	_, err := Load(writeManifest(t, content))
	if err == nil || !strings.Contains(err.Error(), "at least one step") {
		t.Fatalf("expected step-count error, got %v", err)
	}
}

func TestManifest_Paths(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if got := m.InventoryPath(); got != filepath.Join("/scratch/fluoride-screen", "inventory.csv") {
		t.Fatalf("inventory path: got=%q", got)
	}
	if got := m.LedgerPath(); got != filepath.Join("/scratch/fluoride-screen", "cycles.db") {
		t.Fatalf("ledger path: got=%q", got)
	}

	m.Project.Inventory = "/elsewhere/inv.csv"
	if got := m.InventoryPath(); got != "/elsewhere/inv.csv" {
		t.Fatalf("absolute inventory path not honored: got=%q", got)
	}
}

func TestStageConfig_Detector(t *testing.T) {
	s := &StageConfig{
		SubmitScript:     "run.slurm",
		OutputGlob:       "*.out",
		CompletionPhrase: "done",
		TimeoutPhrase:    "TIME LIMIT",
		RequiredFiles:    []string{"INPUT.txt"},
	}
	d := s.Detector()
	if len(d.RequiredFiles) != 2 || d.RequiredFiles[0] != "run.slurm" || d.RequiredFiles[1] != "INPUT.txt" {
		t.Fatalf("required files: %v", d.RequiredFiles)
	}
	if d.OutputGlob != "*.out" || d.CompletionPhrase != "done" || d.TimeoutPhrase != "TIME LIMIT" {
		t.Fatalf("detector fields: %+v", d)
	}
}

func TestManifest_RefineStep(t *testing.T) {
	m, err := Load(writeManifest(t, validManifest))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	step, err := m.RefineStep(2)
	if err != nil {
		t.Fatalf("RefineStep(2) error: %v", err)
	}
	if step.Name != "final_scf" {
		t.Fatalf("step name: got=%q", step.Name)
	}

	for _, bad := range []int{0, 3, -1} {
		if _, err := m.RefineStep(bad); err == nil {
			t.Fatalf("RefineStep(%d) should fail", bad)
		}
	}
}
