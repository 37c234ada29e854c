package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/inventory"
	"github.com/latticeworks/propagator/pkg/pipeline"
)

var resetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Force an entity's active stage back to waiting",
	Long: `Clear an entity's active stage back to waiting with a fresh attempt count,
so the next cycle resubmits it regardless of the automatic retry bound. Use
after fixing whatever made the attempts fail.

With --abandon the entity is terminally abandoned instead.

Example:
  propagator reset --manifest project.yaml a7Qk2
  propagator reset --manifest project.yaml a7Qk2 --abandon --reason "implausible structure"`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

var (
	resetAbandon bool
	resetReason  string
)

func init() {
	rootCmd.AddCommand(resetCmd)

	resetCmd.Flags().BoolVar(&resetAbandon, "abandon", false, "Abandon the entity instead of resetting it")
	resetCmd.Flags().StringVar(&resetReason, "reason", "", "Reason recorded with --abandon")
}

func runReset(cmd *cobra.Command, args []string) error {
	id := args[0]

	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	store := openStore(m)

	unlock := store.LockRecord(id)
	defer unlock()

	rec, err := store.Get(id)
	if err != nil {
		if inventory.IsNotFound(err) {
			return exitError(foundry.ExitInvalidArgument, "Unknown entity", err)
		}
		return exitError(foundry.ExitFileReadError, "Failed to load inventory", err)
	}

	var action string
	if resetAbandon {
		if resetReason == "" {
			return exitError(foundry.ExitInvalidArgument, "Missing --reason",
				fmt.Errorf("--abandon requires --reason"))
		}
		pipeline.Abandon(&rec, resetReason)
		action = "abandon"
	} else {
		if err := pipeline.Reset(&rec); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot reset entity", err)
		}
		action = "reset"
	}

	if err := store.Upsert(&rec); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to update inventory", err)
	}

	if ledger, lerr := cyclelog.Open(m.LedgerPath()); lerr == nil {
		_ = ledger.Record(cmd.Context(), cyclelog.Transition{
			EntityID:   rec.ID,
			Stage:      rec.Stage,
			Status:     rec.ActiveStatus(),
			RefineStep: rec.RefineStep,
			Action:     action,
			Detail:     resetReason,
		})
		_ = ledger.Close()
	}

	observability.CLILogger.Info("Entity updated",
		zap.String("entity_id", rec.ID),
		zap.String("action", action))

	if resetAbandon {
		fmt.Printf("Abandoned %s (%s): %s\n", rec.Composition, rec.ID, resetReason)
	} else {
		fmt.Printf("Reset %s (%s) to %s\n", rec.Composition, rec.ID, statusLabel(&rec))
	}
	return nil
}
