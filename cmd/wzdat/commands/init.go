package commands

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/workspace"
)

const (
	exampleUnit        = "example.ipynb"
	exampleDeclaration = "depends: files: [\"local.log\", 7]\noutput: hdf: [\"local\", \"log_files\"]\n"
)

var exampleCells = []string{
	"paths = files(\"local.log\", 7)\nprint(\"found %d log files\" % len(paths))\n",
	"artifact_write(\"local\", \"log_files\", [\"path\"], [[p] for p in paths])\n",
}

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a new workspace",
		Long: `Init creates a workspace: a wzdat.yaml configuration, the unit and data
directories, the state database and an example unit reading the last seven
days of *.log files below the data directory.`,
		Example: `  # Initialize in current directory
  wzdat init

  # Initialize in specific directory
  wzdat init ./analytics`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			path := filepath.Join(dir, config.DefaultFileName)

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			cfg := config.DefaultConfig()
			cfg.Selectors = []config.SelectorConfig{{
				Owner: "local",
				Root:  cfg.DataDir,
				Kinds: map[string][]string{"log": {"*.log", "**/*.log"}},
			}}
			if err := cfg.Write(path); err != nil {
				return err
			}

			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			for _, d := range []string{loaded.UnitDir, loaded.DataDir} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create %s: %w", d, err)
				}
			}

			ws, err := workspace.Open(cmd.Context(), loaded, nil)
			if err != nil {
				return err
			}
			defer ws.Close()

			if _, err := os.Stat(ws.Documents().Abs(exampleUnit)); errors.Is(err, os.ErrNotExist) {
				if err := ws.Documents().Create(cmd.Context(), exampleUnit, exampleDeclaration, exampleCells...); err != nil {
					return err
				}
			}

			log.Info().Str("dir", dir).Msg("Workspace initialized")
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized workspace in %s\n", dir)
			fmt.Fprintln(cmd.OutOrStdout(), "Run 'wzdat resolve --run' to bring its units up to date.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")

	return cmd
}
