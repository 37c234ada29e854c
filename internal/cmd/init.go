package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/inventory"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a fresh inventory and ledger for a project",
	Long: `Create the inventory table and transition ledger for the project described
by the manifest. Fails if an inventory already exists: init never clobbers a
running campaign.

Example:
  propagator init --manifest project.yaml`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	if _, err := inventory.Init(m.InventoryPath()); err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create inventory", err)
	}

	ledger, err := cyclelog.Open(m.LedgerPath())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to create ledger", err)
	}
	_ = ledger.Close()

	observability.CLILogger.Info("Project initialized",
		zap.String("inventory", m.InventoryPath()),
		zap.String("ledger", m.LedgerPath()),
		zap.Int("refine_steps", m.RefineTotalSteps()))

	fmt.Printf("Initialized project at %s\n", m.Project.Root)
	fmt.Printf("  inventory: %s\n", m.InventoryPath())
	fmt.Printf("  ledger:    %s\n", m.LedgerPath())
	return nil
}
