package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeworks/propagator/pkg/inventory"
)

func TestParseIntPairs(t *testing.T) {
	counts, err := parseIntPairs([]string{"Li=1", "Mg=1", "F=3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"Li": 1, "Mg": 1, "F": 3}, counts)

	counts, err = parseIntPairs(nil)
	require.NoError(t, err)
	assert.Nil(t, counts)

	for _, bad := range []string{"Li", "Li=", "=3", "Li=x", "Li=1.5"} {
		_, err := parseIntPairs([]string{bad})
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseFloatPairs(t *testing.T) {
	props, err := parseFloatPairs([]string{"band_gap_ev=7.2", "hull_dist=0.031"})
	require.NoError(t, err)
	assert.InDelta(t, 7.2, props["band_gap_ev"], 1e-12)
	assert.InDelta(t, 0.031, props["hull_dist"], 1e-12)

	_, err = parseFloatPairs([]string{"band_gap_ev=high"})
	assert.Error(t, err)
}

func TestParseParents(t *testing.T) {
	parents, err := parseParents([]string{"LiCaF3=0.5", "MgF2=0.5"})
	require.NoError(t, err)
	require.Len(t, parents, 2)
	assert.Equal(t, inventory.Parent{Composition: "LiCaF3", Fraction: 0.5}, parents[0])

	_, err = parseParents([]string{"LiCaF3=1.5"})
	assert.Error(t, err, "fraction above 1 must be rejected")

	_, err = parseParents([]string{"LiCaF3=-0.1"})
	assert.Error(t, err, "negative fraction must be rejected")
}

func TestStatusLabel(t *testing.T) {
	tests := []struct {
		name string
		rec  inventory.EntityRecord
		want string
	}{
		{
			"not started",
			inventory.EntityRecord{Stage: inventory.StageNotStarted},
			"not started",
		},
		{
			"search running",
			inventory.EntityRecord{Stage: inventory.StageStructureSearch, SearchStatus: inventory.StatusRunning},
			"search: running",
		},
		{
			"refinement step",
			inventory.EntityRecord{
				Stage:            inventory.StageRefinement,
				RefineStep:       2,
				RefineTotalSteps: 3,
				RefineStatus:     inventory.StatusWaiting,
			},
			"refine 2/3: waiting",
		},
		{
			"done",
			inventory.EntityRecord{Stage: inventory.StageDone},
			"done",
		},
		{
			"abandoned",
			inventory.EntityRecord{Stage: inventory.StageAbandoned, AbandonReason: "timed_out after 4 attempts"},
			"abandoned",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusLabel(&tt.rec))
		})
	}
}

func TestSetVersionInfo(t *testing.T) {
	orig := versionInfo
	defer func() {
		versionInfo = orig
		SetVersionInfo(orig.Version, orig.Commit, orig.BuildDate)
	}()

	SetVersionInfo("1.0.0", "abc123", "2026-08-25")
	assert.Equal(t, "1.0.0", versionInfo.Version)
	assert.Equal(t, "abc123", versionInfo.Commit)
	assert.Equal(t, "2026-08-25", versionInfo.BuildDate)
	assert.Contains(t, rootCmd.Version, "abc123")
}
