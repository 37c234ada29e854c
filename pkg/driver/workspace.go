package driver

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/latticeworks/propagator/pkg/inventory"
)

// jobDirName builds the per-attempt directory name for a stage, so a
// resubmission never inherits a stale completion marker from the previous
// attempt's output.
func jobDirName(rec *inventory.EntityRecord) string {
	var base string
	switch rec.Stage {
	case inventory.StageStructureSearch:
		base = "search"
	case inventory.StageRefinement:
		base = fmt.Sprintf("refine_%02d", rec.RefineStep)
	default:
		base = "job"
	}
	return fmt.Sprintf("%s_a%d", base, rec.AttemptCount)
}

// prepareJobDir creates the entity's job directory for the current attempt
// and populates it from the stage template. It is idempotent: existing files
// are left alone, so a crash between preparation and submission resumes
// cleanly.
func (d *Driver) prepareJobDir(rec *inventory.EntityRecord, templateDir string) (string, error) {
	dir := rec.JobDir
	if dir == "" {
		dir = filepath.Join(d.Manifest.Project.Root, rec.CalcName(), jobDirName(rec))
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	if err := copyTree(templateDir, dir); err != nil {
		return "", fmt.Errorf("populate job dir from %s: %w", templateDir, err)
	}

	// Refinement consumes the search's best structure as its reference
	// geometry, placed next to the engine inputs.
	if rec.Stage == inventory.StageRefinement && rec.BestStructurePath != "" {
		dst := filepath.Join(dir, filepath.Base(rec.BestStructurePath))
		if err := copyFileIfAbsent(rec.BestStructurePath, dst); err != nil {
			return "", fmt.Errorf("seed structure: %w", err)
		}
	}
	return dir, nil
}

// copyTree copies src's contents into dst, skipping files that already exist.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if entry.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFileIfAbsent(path, target)
	})
}

func copyFileIfAbsent(src, dst string) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
