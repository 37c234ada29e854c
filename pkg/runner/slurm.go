package runner

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// outputTailBytes bounds how much of a job's output file is scanned for
// markers. Engine outputs can reach gigabytes; markers sit at the end.
const outputTailBytes = 64 * 1024

var jobIDPattern = regexp.MustCompile(`\d+`)

// Slurm runs jobs through the SLURM batch scheduler via sbatch and squeue.
type Slurm struct {
	// SbatchPath and SqueuePath override the binaries, mainly for tests.
	// Empty means resolve from PATH.
	SbatchPath string
	SqueuePath string
}

// NewSlurm returns a Slurm runner using sbatch and squeue from PATH.
func NewSlurm() *Slurm {
	return &Slurm{}
}

var _ Runner = (*Slurm)(nil)

func (s *Slurm) sbatch() string {
	if s.SbatchPath != "" {
		return s.SbatchPath
	}
	return "sbatch"
}

func (s *Slurm) squeue() string {
	if s.SqueuePath != "" {
		return s.SqueuePath
	}
	return "squeue"
}

// Submit runs sbatch on the job's submit script inside dir and parses the job id
// out of the scheduler's acknowledgement line.
func (s *Slurm) Submit(ctx context.Context, dir string, spec JobSpec) (JobHandle, error) {
	script := filepath.Join(dir, spec.Script)
	if _, err := os.Stat(script); err != nil {
		return "", &RunnerError{Op: "Submit", Dir: dir, Err: fmt.Errorf("%w: submission script missing: %s", ErrSubmission, spec.Script)}
	}

	cmd := exec.CommandContext(ctx, s.sbatch(), spec.Script)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", &RunnerError{Op: "Submit", Dir: dir, Err: fmt.Errorf("%w: %v", ErrSubmission, err)}
	}

	// sbatch acknowledges with "Submitted batch job <id>".
	id := jobIDPattern.FindString(string(out))
	if id == "" {
		return "", &RunnerError{Op: "Submit", Dir: dir, Err: fmt.Errorf("%w: no job id in sbatch output %q", ErrSubmission, strings.TrimSpace(string(out)))}
	}
	return JobHandle(id), nil
}

// Inspect gathers the raw signals for one job: required-file presence,
// marker phrases in the output tail, output modification time, and the
// scheduler's queue state for the handle.
func (s *Slurm) Inspect(ctx context.Context, dir string, probe Probe) (Inspection, error) {
	insp := Inspection{State: SchedNone, FilesPresent: true}

	if _, err := os.Stat(dir); err != nil {
		insp.State = SchedMissing
		insp.FilesPresent = false
		return insp, nil
	}
	for _, name := range probe.Detector.RequiredFiles {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			insp.State = SchedMissing
			insp.FilesPresent = false
			return insp, nil
		}
	}

	outputPath, modTime, err := latestOutput(dir, probe.Detector.OutputGlob)
	if err != nil {
		return Inspection{}, &RunnerError{Op: "Inspect", Dir: dir, Err: err}
	}
	insp.OutputModifiedAt = modTime

	if outputPath != "" {
		tail, err := readTail(outputPath, outputTailBytes)
		if err != nil {
			return Inspection{}, &RunnerError{Op: "Inspect", Dir: dir, Err: err}
		}
		if p := probe.Detector.CompletionPhrase; p != "" {
			if line, ok := findPhrase(tail, p); ok {
				insp.State = SchedCompleted
				insp.MarkerText = line
			}
		}
		if p := probe.Detector.TimeoutPhrase; p != "" {
			if line, ok := findPhrase(tail, p); ok {
				insp.TimedOut = true
				if insp.State != SchedCompleted {
					insp.State = SchedFailed
					insp.FailureReason = strings.TrimSpace(line)
				}
			}
		}
	}

	if probe.Handle != "" {
		queued, running, err := s.queueState(ctx, probe.Handle)
		if err != nil {
			return Inspection{}, err
		}
		if insp.State == SchedNone {
			switch {
			case running:
				insp.State = SchedRunning
			case queued:
				insp.State = SchedPending
			}
		}
	}

	return insp, nil
}

// queueState asks squeue about one job. A failure to execute squeue at all
// is ErrUnavailable; an empty result just means the job left the queue.
func (s *Slurm) queueState(ctx context.Context, handle JobHandle) (queued, running bool, err error) {
	cmd := exec.CommandContext(ctx, s.squeue(), "-h", "-j", string(handle), "-o", "%T")
	out, err := cmd.Output()
	if err != nil {
		// squeue exits non-zero for unknown (completed, aged-out) job ids;
		// that is a definitive "not in queue", not an outage.
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok && len(exitErr.Stderr) > 0 && strings.Contains(strings.ToLower(string(exitErr.Stderr)), "invalid job id") {
			return false, false, nil
		}
		return false, false, &RunnerError{Op: "Inspect", Dir: "", Err: fmt.Errorf("%w: squeue: %v", ErrUnavailable, err)}
	}

	state := strings.TrimSpace(string(out))
	switch state {
	case "":
		return false, false, nil
	case "RUNNING", "COMPLETING":
		return false, true, nil
	default:
		// PENDING, CONFIGURING, SUSPENDED and friends all count as queued.
		return true, false, nil
	}
}

func asExitError(err error, target **exec.ExitError) bool {
	e, ok := err.(*exec.ExitError)
	if !ok {
		return false
	}
	*target = e
	return true
}

// latestOutput resolves the output glob inside dir and returns the most
// recently modified match.
func latestOutput(dir, glob string) (string, time.Time, error) {
	if glob == "" {
		return "", time.Time{}, nil
	}
	matches, err := doublestar.FilepathGlob(filepath.Join(dir, glob))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("output glob %q: %w", glob, err)
	}
	if len(matches) == 0 {
		return "", time.Time{}, nil
	}
	sort.Strings(matches)

	var (
		newest     string
		newestTime time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || info.IsDir() {
			continue
		}
		if info.ModTime().After(newestTime) {
			newest = m
			newestTime = info.ModTime()
		}
	}
	return newest, newestTime, nil
}

// readTail returns up to n trailing bytes of the file at path.
func readTail(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() > n {
		if _, err := f.Seek(-n, io.SeekEnd); err != nil {
			return "", err
		}
	}
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// findPhrase scans text line by line for the phrase and returns the last
// matching line.
func findPhrase(text, phrase string) (string, bool) {
	var (
		match string
		found bool
	)
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, phrase) {
			match = line
			found = true
		}
	}
	return match, found
}
