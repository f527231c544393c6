package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/telemetry"
	"github.com/wzdat/wzdat/pkg/workspace"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "wzdat",
		Short: "wzdat - incremental recomputation of analytical units",
		Long: `wzdat keeps a directory of analytical units up to date.

A unit is a notebook that declares the raw file sets and published artifacts
it reads and the one artifact it publishes. On every pass wzdat works out
which units are stale and runs exactly those, producers before consumers.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFileName, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newReconcileCommand())
	rootCmd.AddCommand(newPurgeCommand())
	rootCmd.AddCommand(newWatchCommand())

	return rootCmd
}

// session is an opened workspace and the telemetry it reports through.
type session struct {
	cfg *config.Config
	tel *telemetry.Telemetry
	ws  *workspace.Workspace
}

// openSession loads the configuration, starts telemetry and opens the
// workspace. modify may adjust the configuration before it is used.
func openSession(ctx context.Context, modify func(*config.Config)) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if modify != nil {
		modify(cfg)
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	ws, err := workspace.Open(ctx, cfg, tel)
	if err != nil {
		_ = tel.Shutdown(context.Background())
		return nil, err
	}

	log.Debug().Str("config", configPath).Str("unit_dir", cfg.UnitDir).Msg("Workspace opened")
	return &session{cfg: cfg, tel: tel, ws: ws}, nil
}

// Close closes the workspace and flushes telemetry.
func (s *session) Close() {
	if err := s.ws.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close workspace")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.tel.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
