package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/inventory"
)

var addCmd = &cobra.Command{
	Use:   "add <composition>",
	Short: "Add a candidate compound to the inventory",
	Long: `Add one candidate compound. The entity starts in the not_started stage;
the next cycle submits its structure search.

Example:
  propagator add LiMgF3 \
    --count Li=1 --count Mg=1 --count F=3 \
    --method substitution \
    --parent LiCaF3=0.5 --parent MgF2=0.5 \
    --property band_gap_ev=7.2`,
	Args: cobra.ExactArgs(1),
	RunE: runAdd,
}

var (
	addCounts     []string
	addMethod     string
	addParents    []string
	addProperties []string
)

func init() {
	rootCmd.AddCommand(addCmd)

	addCmd.Flags().StringArrayVar(&addCounts, "count", nil, "Element count as El=N (repeatable)")
	addCmd.Flags().StringVar(&addMethod, "method", "", "Generation method for provenance")
	addCmd.Flags().StringArrayVar(&addParents, "parent", nil, "Parent as composition=fraction (repeatable)")
	addCmd.Flags().StringArrayVar(&addProperties, "property", nil, "Predicted property as name=value (repeatable)")
}

func runAdd(cmd *cobra.Command, args []string) error {
	composition := strings.TrimSpace(args[0])

	counts, err := parseIntPairs(addCounts)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --count value", err)
	}
	props, err := parseFloatPairs(addProperties)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --property value", err)
	}
	parents, err := parseParents(addParents)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid --parent value", err)
	}

	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	store := openStore(m)
	rec, err := store.Create(composition, counts, inventory.Provenance{
		Method:  addMethod,
		Parents: parents,
	}, props, m.RefineTotalSteps())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to add entity", err)
	}

	observability.CLILogger.Info("Entity added",
		zap.String("entity_id", rec.ID),
		zap.String("composition", rec.Composition))

	fmt.Printf("Added %s (id %s)\n", rec.Composition, rec.ID)
	return nil
}

// parseIntPairs parses repeated "key=int" flags.
func parseIntPairs(raw []string) (map[string]int, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]int, len(raw))
	for _, pair := range raw {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("%q: count must be an integer", pair)
		}
		out[key] = n
	}
	return out, nil
}

// parseFloatPairs parses repeated "key=float" flags.
func parseFloatPairs(raw []string) (map[string]float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(raw))
	for _, pair := range raw {
		key, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: value must be numeric", pair)
		}
		out[key] = f
	}
	return out, nil
}

// parseParents parses repeated "composition=fraction" flags.
func parseParents(raw []string) ([]inventory.Parent, error) {
	out := make([]inventory.Parent, 0, len(raw))
	for _, pair := range raw {
		comp, value, err := splitPair(pair)
		if err != nil {
			return nil, err
		}
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, fmt.Errorf("%q: fraction must be numeric", pair)
		}
		if f < 0 || f > 1 {
			return nil, fmt.Errorf("%q: fraction must be in [0, 1]", pair)
		}
		out = append(out, inventory.Parent{Composition: comp, Fraction: f})
	}
	return out, nil
}

func splitPair(pair string) (string, string, error) {
	key, value, ok := strings.Cut(pair, "=")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if !ok || key == "" || value == "" {
		return "", "", fmt.Errorf("%q: want key=value", pair)
	}
	return key, value, nil
}
