package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/cyclelog"
	"github.com/latticeworks/propagator/pkg/driver"
	"github.com/latticeworks/propagator/pkg/orchestrator"
	"github.com/latticeworks/propagator/pkg/runner"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run one orchestration cycle over the inventory",
	Long: `Advance every candidate by at most one action: submit a waiting job, poll
a live one, retry or abandon a failed one, or move a finished stage forward.

One invocation runs one cycle and exits, which suits a cron entry or a login
node screen session. With --watch the command keeps cycling at the given
interval until every entity is terminal.

Example:
  propagator cycle --manifest project.yaml
  propagator cycle --manifest project.yaml --watch --interval 5m
  propagator cycle --manifest project.yaml --json`,
	Args: cobra.NoArgs,
	RunE: runCycle,
}

var (
	cycleWatch       bool
	cycleInterval    time.Duration
	cycleConcurrency int
	cycleRateLimit   float64
	cycleJSON        bool
)

func init() {
	rootCmd.AddCommand(cycleCmd)

	cycleCmd.Flags().BoolVar(&cycleWatch, "watch", false, "Keep cycling until every entity is terminal")
	cycleCmd.Flags().DurationVar(&cycleInterval, "interval", time.Minute, "Delay between cycles with --watch")
	cycleCmd.Flags().IntVar(&cycleConcurrency, "concurrency", 0, "Worker count (default from manifest)")
	cycleCmd.Flags().Float64Var(&cycleRateLimit, "rate-limit", 0, "Max entity steps per second (default from manifest)")
	cycleCmd.Flags().BoolVar(&cycleJSON, "json", false, "Emit the cycle summary as JSON")
}

func runCycle(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	store := openStore(m)

	ledger, err := cyclelog.Open(m.LedgerPath())
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to open ledger", err)
	}
	defer func() { _ = ledger.Close() }()

	cfg := orchestrator.Config{
		Concurrency: m.Orchestrate.Concurrency,
		RateLimit:   m.Orchestrate.PollRateLimit,
	}
	if cycleConcurrency > 0 {
		cfg.Concurrency = cycleConcurrency
	}
	if cycleRateLimit > 0 {
		cfg.RateLimit = cycleRateLimit
	}

	for {
		drv := driver.New(runner.NewSlurm(), m)
		o := orchestrator.New(store, drv, cfg).
			WithLedger(ledger).
			WithLogger(observability.CLILogger)

		summary, err := o.Run(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return exitError(foundry.ExitSignalInt, "Cycle cancelled", err)
			}
			return exitError(foundry.ExitFileWriteError, "Cycle failed", err)
		}

		if err := printSummary(summary); err != nil {
			return err
		}

		if !cycleWatch || summary.Idle() {
			return nil
		}

		observability.CLILogger.Debug("Waiting for next cycle", zap.Duration("interval", cycleInterval))
		select {
		case <-ctx.Done():
			return exitError(foundry.ExitSignalInt, "Watch cancelled", ctx.Err())
		case <-time.After(cycleInterval):
		}
	}
}

func printSummary(s *orchestrator.Summary) error {
	if cycleJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	}

	fmt.Printf("cycle complete in %s: %d entities", s.Duration.Round(time.Millisecond), s.Entities)
	fmt.Printf(" (submitted %d, polled %d, retried %d, advanced %d, abandoned %d, errors %d)\n",
		s.Submitted, s.Polled, s.Retried, s.Advanced, s.Abandoned, s.Errors)
	return nil
}
