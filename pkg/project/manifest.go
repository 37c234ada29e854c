// Package project provides loading and validation of propagator project
// manifests.
//
// A project manifest is a YAML file describing one screening campaign: where
// the inventory and job directories live, how each pipeline stage is
// templated and submitted, which output phrases signal completion or
// timeout for each external engine, and the orchestration policy (worker
// count, stall threshold, retry bounds).
//
// Example manifest:
//
//	version: "1.0"
//	project:
//	  root: /scratch/fluoride-screen
//	search:
//	  template_dir: templates/search
//	  submit_script: search_submission.slurm
//	  output_glob: "log"
//	  results_glob: "results*"
//	  completion_phrase: "Optimization finished"
//	refine:
//	  steps:
//	    - name: coarse_relax
//	      template_dir: templates/refine/01_coarse
//	      submit_script: refine_submission.slurm
//	      output_glob: "*.out"
//	      completion_phrase: "TERMINATION: CONDITION ACHIEVED"
//	    - name: final_scf
//	      template_dir: templates/refine/02_final
//	      submit_script: refine_submission.slurm
//	      output_glob: "*.out"
//	      completion_phrase: "TERMINATION: CONDITION ACHIEVED"
//	orchestrate:
//	  concurrency: 4
//	  stall_threshold: 2h
package project

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/latticeworks/propagator/pkg/runner"
)

// Duration wraps time.Duration with YAML support for values like "2h" or
// "7200s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Manifest represents a validated project manifest.
type Manifest struct {
	// Version is the manifest schema version. Must be "1.0".
	Version string `yaml:"version"`

	// Project locates the campaign on disk.
	Project ProjectConfig `yaml:"project"`

	// Search configures the structure-search stage.
	Search StageConfig `yaml:"search"`

	// Refine configures the ordered refinement steps.
	Refine RefineConfig `yaml:"refine"`

	// Orchestrate configures cycle behavior (optional).
	Orchestrate OrchestrateConfig `yaml:"orchestrate,omitempty"`

	// Archive configures artifact archival for finished entities
	// (optional; archival is disabled when absent).
	Archive *ArchiveConfig `yaml:"archive,omitempty"`
}

// ProjectConfig locates the campaign's files.
type ProjectConfig struct {
	// Root is the campaign directory. Job directories, the inventory
	// table, and the cycle ledger live under it.
	Root string `yaml:"root"`

	// Inventory is the inventory table path, relative to Root unless
	// absolute. Default "inventory.csv".
	Inventory string `yaml:"inventory,omitempty"`

	// Ledger is the cycle ledger database path, relative to Root unless
	// absolute. Default "cycles.db".
	Ledger string `yaml:"ledger,omitempty"`
}

// StageConfig describes how one stage type is templated, submitted, and
// interpreted.
type StageConfig struct {
	// Name labels the stage (refinement steps only; the search stage is
	// implicitly named "search").
	Name string `yaml:"name,omitempty"`

	// TemplateDir holds the engine input templates copied into each new
	// job directory, relative to the project root unless absolute.
	TemplateDir string `yaml:"template_dir"`

	// SubmitScript is the submission script file name inside the job
	// directory.
	SubmitScript string `yaml:"submit_script"`

	// OutputGlob locates the engine's primary output within the job
	// directory (doublestar syntax).
	OutputGlob string `yaml:"output_glob"`

	// ResultsGlob locates the search results directory (search stage
	// only). Default "results*".
	ResultsGlob string `yaml:"results_glob,omitempty"`

	// CompletionPhrase marks successful completion in the output tail.
	CompletionPhrase string `yaml:"completion_phrase"`

	// TimeoutPhrase marks a walltime kill. Default "DUE TO TIME LIMIT"
	// (the SLURM cancellation notice).
	TimeoutPhrase string `yaml:"timeout_phrase,omitempty"`

	// RequiredFiles must exist in the job directory; absence classifies
	// the job FilesMissing. The submit script is always required.
	RequiredFiles []string `yaml:"required_files,omitempty"`
}

// RefineConfig holds the ordered refinement steps.
type RefineConfig struct {
	Steps []StageConfig `yaml:"steps"`
}

// OrchestrateConfig tunes cycle behavior.
type OrchestrateConfig struct {
	// Concurrency is the worker pool size. Default 4.
	Concurrency int `yaml:"concurrency,omitempty"`

	// StallThreshold is how long a running job's output may go
	// unmodified before it is classified stalled. Default 2h.
	StallThreshold Duration `yaml:"stall_threshold,omitempty"`

	// RetryLimit bounds automatic resubmission after TimedOut or
	// Stalled. Default 3.
	RetryLimit int `yaml:"retry_limit,omitempty"`

	// FilesMissingRetryLimit bounds resubmission after FilesMissing,
	// which is a configuration error and rarely heals itself. Default 1.
	FilesMissingRetryLimit int `yaml:"files_missing_retry_limit,omitempty"`

	// PollRateLimit is the maximum scheduler probes per second across
	// all workers. Zero means unlimited.
	PollRateLimit float64 `yaml:"poll_rate_limit,omitempty"`
}

// ArchiveConfig configures S3 (or S3-compatible) artifact archival.
type ArchiveConfig struct {
	// Bucket is the destination bucket (required when archive is set).
	Bucket string `yaml:"bucket"`

	// Prefix is the key prefix for uploaded artifacts.
	Prefix string `yaml:"prefix,omitempty"`

	// Region is the bucket region.
	Region string `yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Profile is the AWS shared-config profile to use.
	Profile string `yaml:"profile,omitempty"`

	// ForcePathStyle forces path-style URLs, required by most
	// S3-compatible stores.
	ForcePathStyle bool `yaml:"force_path_style,omitempty"`
}

// Defaults.
const (
	DefaultInventory              = "inventory.csv"
	DefaultLedger                 = "cycles.db"
	DefaultResultsGlob            = "results*"
	DefaultTimeoutPhrase          = "DUE TO TIME LIMIT"
	DefaultConcurrency            = 4
	DefaultRetryLimit             = 3
	DefaultFilesMissingRetryLimit = 1
	DefaultStallThreshold         = Duration(7200 * time.Second)
)

// ApplyDefaults fills optional fields with their defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Project.Inventory == "" {
		m.Project.Inventory = DefaultInventory
	}
	if m.Project.Ledger == "" {
		m.Project.Ledger = DefaultLedger
	}
	if m.Search.ResultsGlob == "" {
		m.Search.ResultsGlob = DefaultResultsGlob
	}
	if m.Search.TimeoutPhrase == "" {
		m.Search.TimeoutPhrase = DefaultTimeoutPhrase
	}
	for i := range m.Refine.Steps {
		if m.Refine.Steps[i].TimeoutPhrase == "" {
			m.Refine.Steps[i].TimeoutPhrase = DefaultTimeoutPhrase
		}
	}
	if m.Orchestrate.Concurrency <= 0 {
		m.Orchestrate.Concurrency = DefaultConcurrency
	}
	if m.Orchestrate.StallThreshold <= 0 {
		m.Orchestrate.StallThreshold = DefaultStallThreshold
	}
	if m.Orchestrate.RetryLimit <= 0 {
		m.Orchestrate.RetryLimit = DefaultRetryLimit
	}
	if m.Orchestrate.FilesMissingRetryLimit <= 0 {
		m.Orchestrate.FilesMissingRetryLimit = DefaultFilesMissingRetryLimit
	}
}

// Validate checks that required fields are present and coherent.
func (m *Manifest) Validate() error {
	if m.Version != "1.0" {
		return fmt.Errorf("unsupported manifest version %q", m.Version)
	}
	if m.Project.Root == "" {
		return fmt.Errorf("project.root is required")
	}
	if err := validateStage("search", &m.Search); err != nil {
		return err
	}
	if len(m.Refine.Steps) == 0 {
		return fmt.Errorf("refine.steps must name at least one step")
	}
	for i := range m.Refine.Steps {
		step := &m.Refine.Steps[i]
		label := fmt.Sprintf("refine.steps[%d]", i)
		if step.Name == "" {
			return fmt.Errorf("%s: name is required", label)
		}
		if err := validateStage(label, step); err != nil {
			return err
		}
	}
	if m.Archive != nil && m.Archive.Bucket == "" {
		return fmt.Errorf("archive.bucket is required when archive is configured")
	}
	return nil
}

func validateStage(label string, s *StageConfig) error {
	if s.TemplateDir == "" {
		return fmt.Errorf("%s: template_dir is required", label)
	}
	if s.SubmitScript == "" {
		return fmt.Errorf("%s: submit_script is required", label)
	}
	if s.OutputGlob == "" {
		return fmt.Errorf("%s: output_glob is required", label)
	}
	if s.CompletionPhrase == "" {
		return fmt.Errorf("%s: completion_phrase is required", label)
	}
	return nil
}

// Detector builds the runner-facing detector for this stage.
func (s *StageConfig) Detector() runner.Detector {
	required := append([]string{s.SubmitScript}, s.RequiredFiles...)
	return runner.Detector{
		OutputGlob:       s.OutputGlob,
		CompletionPhrase: s.CompletionPhrase,
		TimeoutPhrase:    s.TimeoutPhrase,
		RequiredFiles:    required,
	}
}

// RefineTotalSteps returns the configured number of refinement steps.
func (m *Manifest) RefineTotalSteps() int {
	return len(m.Refine.Steps)
}

// RefineStep returns the configuration for the 1-based step index.
func (m *Manifest) RefineStep(step int) (*StageConfig, error) {
	if step < 1 || step > len(m.Refine.Steps) {
		return nil, fmt.Errorf("refinement step %d out of range 1..%d", step, len(m.Refine.Steps))
	}
	return &m.Refine.Steps[step-1], nil
}
