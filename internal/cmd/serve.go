package cmd

import (
	"errors"
	"net/http"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/internal/server"
	"github.com/latticeworks/propagator/pkg/cyclelog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a read-only HTTP status view of the inventory",
	Long: `Serve the inventory over HTTP for dashboards and remote operators. The
server is read-only; all mutation stays with the CLI.

Endpoints:
  GET /healthz
  GET /api/v1/summary
  GET /api/v1/entities[?stage=...]
  GET /api/v1/entities/{id}
  GET /api/v1/entities/{id}/history[?limit=N]

Example:
  propagator serve --manifest project.yaml --port 8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var (
	serveHost string
	servePort int
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := loadManifest()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid manifest", err)
	}

	host := toolCfg.Server.Host
	port := toolCfg.Server.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort > 0 {
		port = servePort
	}

	srv := server.New(host, port, openStore(m)).WithVersion(versionInfo.Version)

	ledger, err := cyclelog.Open(m.LedgerPath())
	if err != nil {
		observability.CLILogger.Warn("Ledger unavailable, history endpoint disabled", zap.Error(err))
	} else {
		defer func() { _ = ledger.Close() }()
		srv.WithHistory(ledger)
	}

	observability.CLILogger.Info("Status server listening",
		zap.String("addr", srv.Addr()),
		zap.String("inventory", m.InventoryPath()))

	err = srv.ListenAndServe(ctx, server.Timeouts{
		Read:     toolCfg.Server.ReadTimeout,
		Write:    toolCfg.Server.WriteTimeout,
		Idle:     toolCfg.Server.IdleTimeout,
		Shutdown: toolCfg.Server.ShutdownTimeout,
	})
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Status server failed", err)
	}
	return nil
}
