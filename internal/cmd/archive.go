package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/archive"
	"github.com/latticeworks/propagator/pkg/inventory"
)

var archiveCmd = &cobra.Command{
	Use:   "archive [id]",
	Short: "Upload artifacts of finished entities to the object store",
	Long: `Upload the best structure and a metadata document for every finished
entity (or one entity, when an id is given) to the object store configured
in the manifest's archive section.

Example:
  propagator archive --manifest project.yaml
  propagator archive --manifest project.yaml a7Qk2`,
	Args: cobra.MaximumNArgs(1),
	RunE: runArchive,
}

func init() {
	rootCmd.AddCommand(archiveCmd)
}

func runArchive(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}
	if m.Archive == nil {
		return exitError(foundry.ExitInvalidArgument, "Archival not configured",
			fmt.Errorf("manifest has no archive section"))
	}

	archiver, err := archive.New(ctx, archive.FromProject(m.Archive))
	if err != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Failed to connect to object store", err)
	}

	store := openStore(m)
	records, err := store.Load()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to load inventory", err)
	}

	var targets []inventory.EntityRecord
	if len(args) == 1 {
		for _, rec := range records {
			if rec.ID == args[0] {
				targets = append(targets, rec)
			}
		}
		if len(targets) == 0 {
			return exitError(foundry.ExitInvalidArgument, "Unknown entity",
				fmt.Errorf("no entity %s", args[0]))
		}
	} else {
		for _, rec := range records {
			if rec.Stage == inventory.StageDone {
				targets = append(targets, rec)
			}
		}
	}

	var uploaded, failed int
	for i := range targets {
		rec := &targets[i]
		keys, err := archiver.ArchiveEntity(ctx, rec)
		if err != nil {
			failed++
			observability.CLILogger.Error("Archive failed",
				zap.String("entity_id", rec.ID),
				zap.Error(err))
			continue
		}
		uploaded++
		for _, key := range keys {
			fmt.Printf("uploaded s3://%s/%s\n", m.Archive.Bucket, key)
		}
	}

	fmt.Printf("archived %d entities", uploaded)
	if failed > 0 {
		fmt.Printf(" (%d failed)", failed)
	}
	fmt.Println()

	if failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Archive completed with errors",
			fmt.Errorf("failures=%d", failed))
	}
	return nil
}
