package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/inventory"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show pipeline status of the inventory",
	Long: `Show every candidate's position in the pipeline as a table, or one
candidate in detail when an id is given.

Example:
  propagator status --manifest project.yaml
  propagator status --manifest project.yaml --stage refinement
  propagator status --manifest project.yaml a7Qk2 --history 20
  propagator status --manifest project.yaml --json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusJSON    bool
	statusStage   string
	statusHistory int
)

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit JSON instead of a table")
	statusCmd.Flags().StringVar(&statusStage, "stage", "", "Only show entities in this stage")
	statusCmd.Flags().IntVar(&statusHistory, "history", 0, "With an id: show the last N ledger transitions")
}

func runStatus(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	store := openStore(m)

	if len(args) == 1 {
		return statusOne(cmd, m.LedgerPath(), store, args[0])
	}

	records, err := store.Load()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load inventory", err)
	}

	if statusStage != "" {
		filtered := records[:0]
		for _, rec := range records {
			if string(rec.Stage) == statusStage {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMPOSITION\tSTAGE\tSTATUS\tATTEMPTS\tUPDATED")
	for i := range records {
		rec := &records[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.ID, rec.Composition, rec.Stage, statusLabel(rec),
			rec.AttemptCount, humanTime(rec.UpdatedAt))
	}
	return w.Flush()
}

func statusOne(cmd *cobra.Command, ledgerPath string, store *inventory.Store, id string) error {
	rec, err := store.Get(id)
	if err != nil {
		if inventory.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Unknown entity", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load inventory", err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s (%s)\n", rec.Composition, rec.ID)
		fmt.Printf("  stage:     %s\n", statusLabel(&rec))
		fmt.Printf("  attempts:  %d\n", rec.AttemptCount)
		if rec.JobHandle != "" {
			fmt.Printf("  job:       %s in %s\n", rec.JobHandle, rec.JobDir)
		}
		if rec.BestStructurePath != "" {
			fmt.Printf("  structure: %s\n", rec.BestStructurePath)
		}
		if rec.AbandonReason != "" {
			fmt.Printf("  abandoned: %s\n", rec.AbandonReason)
		}
		fmt.Printf("  updated:   %s\n", humanTime(rec.UpdatedAt))
	}

	if statusHistory > 0 {
		ledger, err := cyclelog.Open(ledgerPath)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to open ledger", err)
		}
		defer func() { _ = ledger.Close() }()

		transitions, err := ledger.History(cmd.Context(), id, statusHistory)
		if err != nil {
			return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
		}
		fmt.Println()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "WHEN\tACTION\tSTAGE\tSTATUS\tDETAIL")
		for _, t := range transitions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				humanTime(t.ObservedAt), t.Action, t.Stage, t.Status, t.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// statusLabel renders an entity's pipeline position for humans.
func statusLabel(rec *inventory.EntityRecord) string {
	switch rec.Stage {
	case inventory.StageNotStarted:
		return "not started"
	case inventory.StageStructureSearch:
		return fmt.Sprintf("search: %s", rec.SearchStatus)
	case inventory.StageRefinement:
		return fmt.Sprintf("refine %d/%d: %s", rec.RefineStep, rec.RefineTotalSteps, rec.RefineStatus)
	case inventory.StageDone:
		return "done"
	case inventory.StageAbandoned:
		return "abandoned"
	default:
		return string(rec.Stage)
	}
}

func humanTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
