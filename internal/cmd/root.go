// Package cmd implements the propagator CLI.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/latticeworks/propagator/internal/config"
	"github.com/latticeworks/propagator/internal/observability"
	"github.com/latticeworks/propagator/pkg/inventory"
	"github.com/latticeworks/propagator/pkg/project"
)

var versionInfo = struct {
	Version   string
	Commit    string
	BuildDate string
}{
	Version:   "dev",
	Commit:    "HEAD",
	BuildDate: "unknown",
}

// SetVersionInfo records build-time version metadata. Called from main.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	rootCmd.Version = fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate)
}

var (
	cfgFile      string
	manifestPath string
	logLevel     string
	logFormat    string

	toolCfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "propagator",
	Short: "Track candidate compounds through batch-scheduled search and refinement",
	Long: `propagator drives a screening campaign of candidate compounds through a
two-stage computation pipeline on a batch cluster: a structure search
followed by an ordered series of refinement steps.

Each invocation of 'propagator cycle' advances every candidate by at most
one action (submit, poll, retry, advance, or abandon), derived from the
durable inventory table and the observable state of the cluster. The tool
keeps no other state, so it can crash or be killed at any point and resume
from the table.

A campaign lives in a project directory described by a YAML manifest; see
'propagator init'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if logFormat != "" {
			cfg.Logging.Format = logFormat
		}
		if err := observability.InitCLILogger(cfg.Logging.Level, cfg.Logging.Format); err != nil {
			return err
		}
		toolCfg = cfg
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to tool config file (default: ./propagator.yaml)")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "m", "", "Path to project manifest (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: console or json")
}

// Execute runs the CLI with the given context.
func Execute(ctx context.Context) error {
	defer observability.Sync()
	return rootCmd.ExecuteContext(ctx)
}

// loadManifest resolves the manifest path (flag first, then tool config) and
// loads it.
func loadManifest() (*project.Manifest, error) {
	path := manifestPath
	if path == "" && toolCfg != nil {
		path = toolCfg.Manifest
	}
	if path == "" {
		return nil, fmt.Errorf("no project manifest: pass --manifest or set it in the tool config")
	}
	return project.Load(path)
}

// openStore opens the manifest's inventory table.
func openStore(m *project.Manifest) *inventory.Store {
	return inventory.NewStore(m.InventoryPath())
}

// exitError creates an error that will cause the CLI to exit with the given code.
func exitError(code int, message string, err error) error {
	return fmt.Errorf("%s: %w (exit code %d)", message, err, code)
}
