// Command opmergectl runs ingestion pipeline steps against the master
// dataset from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/opmerge/internal/application"
	"github.com/JonMunkholm/opmerge/internal/config"
	"github.com/JonMunkholm/opmerge/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// globals are the persistent flags shared by every subcommand.
type globals struct {
	envFile  string
	table    string
	master   string
	logLevel string
}

func rootCmd() *cobra.Command {
	var g globals

	cmd := &cobra.Command{
		Use:   "opmergectl",
		Short: "Operator enrichment and dataset maintenance",
		Long: `opmergectl enriches telephone batches with operator and territory
from the reference prefix table and maintains the master dataset.

Configuration comes from the same environment variables as the server;
flags override the reference table and dataset paths.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&g.envFile, "env-file", ".env", "Environment file to load if present")
	cmd.PersistentFlags().StringVar(&g.table, "table", "", "Reference prefix table (overrides PREFIX_TABLE_PATH)")
	cmd.PersistentFlags().StringVar(&g.master, "master", "", "Master dataset CSV (overrides INGEST_MASTER_PATH)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	cmd.AddCommand(
		resolveCmd(&g),
		enrichCmd(&g),
		appendCmd(&g),
		ingestCmd(&g),
		infoCmd(&g),
		unlockCmd(&g),
		reportCmd(&g),
		loadCmd(&g),
	)
	return cmd
}

// loadConfig reads the env file and configuration, applies flag overrides
// and sets up logging on stderr.
func (g *globals) loadConfig() (*config.Config, error) {
	if g.envFile != "" {
		if err := godotenv.Load(g.envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", g.envFile, err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if g.table != "" {
		cfg.Ingest.PrefixTablePath = g.table
	}
	if g.master != "" {
		cfg.Ingest.MasterPath = g.master
	}
	level := cfg.Logging.Level
	if g.logLevel != "" {
		level = g.logLevel
	}
	slog.SetDefault(logging.New(os.Stderr, level, cfg.Logging.Format))
	return cfg, nil
}

// pipeline builds the shared components from configuration.
func (g *globals) pipeline(ctx context.Context, warehouse bool) (*application.Pipeline, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return application.Build(ctx, cfg, application.Options{Warehouse: warehouse})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
