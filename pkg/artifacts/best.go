// Package artifacts extracts the output artifact of a completed stage so it
// can seed the next one.
//
// A structure-search engine leaves a ranked-individuals file and an
// aggregate CIF of symmetrized structures in its results directory. The best
// individual's block is sliced out into a standalone CIF, which refinement
// step 1 consumes as its reference geometry.
package artifacts

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// RankedIndividualsFile lists individuals by generation; the engine
	// appends the best-so-far last, with the individual index in column 2.
	RankedIndividualsFile = "BESTIndividuals"

	// AggregateStructuresFile holds every symmetrized structure as CIF
	// data blocks named data_findsym-STRUC<index>.
	AggregateStructuresFile = "symmetrized_structures.cif"

	// BestStructureFile is the extracted artifact written next to the
	// aggregate file.
	BestStructureFile = "best_structure.cif"

	blockPrefix = "data_findsym-STRUC"
)

// ErrNoResults indicates the expected results artifacts are absent or empty.
var ErrNoResults = errors.New("no search results found")

// LocateResultsDir resolves glob (doublestar syntax, e.g. "results*")
// inside jobDir and returns the lexically last matching directory — search
// engines number their result directories, so the last is the newest run.
func LocateResultsDir(jobDir, glob string) (string, error) {
	matches, err := doublestar.FilepathGlob(filepath.Join(jobDir, glob))
	if err != nil {
		return "", fmt.Errorf("results glob %q: %w", glob, err)
	}

	var dirs []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && info.IsDir() {
			dirs = append(dirs, m)
		}
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("%w: no directory matches %q under %s", ErrNoResults, glob, jobDir)
	}
	sort.Strings(dirs)
	return dirs[len(dirs)-1], nil
}

// ExtractBestStructure reads the ranked-individuals file in resultsDir,
// slices the best individual's block out of the aggregate CIF, writes it to
// BestStructureFile, and returns the written path.
func ExtractBestStructure(resultsDir string) (string, error) {
	index, err := bestIndividualIndex(filepath.Join(resultsDir, RankedIndividualsFile))
	if err != nil {
		return "", err
	}

	block, err := extractBlock(filepath.Join(resultsDir, AggregateStructuresFile), index)
	if err != nil {
		return "", err
	}

	outPath := filepath.Join(resultsDir, BestStructureFile)
	if err := os.WriteFile(outPath, []byte(block), 0644); err != nil {
		return "", fmt.Errorf("write best structure: %w", err)
	}
	return outPath, nil
}

// bestIndividualIndex returns column 2 of the last non-empty line.
func bestIndividualIndex(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s missing", ErrNoResults, RankedIndividualsFile)
		}
		return "", err
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		fields := strings.Fields(lines[i])
		if len(fields) >= 2 {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("%w: %s has no ranked rows", ErrNoResults, RankedIndividualsFile)
}

// extractBlock returns the CIF data block whose name index matches exactly.
// Matching is on the full index token, so block 3 is never confused with
// block 13 or 31.
func extractBlock(path, index string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s missing", ErrNoResults, AggregateStructuresFile)
		}
		return "", err
	}
	defer func() { _ = f.Close() }()

	var (
		b      strings.Builder
		saving bool
		found  bool
	)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), blockPrefix) {
			blockIndex := strings.TrimPrefix(strings.TrimSpace(line), blockPrefix)
			saving = blockIndex == index
			if saving {
				found = true
			}
		}
		if saving {
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if !found {
		return "", fmt.Errorf("%w: structure %s not present in %s", ErrNoResults, index, AggregateStructuresFile)
	}
	return b.String(), nil
}
