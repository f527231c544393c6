package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/wzdat/wzdat/pkg/config"
	"github.com/wzdat/wzdat/pkg/engine"
)

func newResolveCommand() *cobra.Command {
	var (
		run     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Bring every unit up to date",
		Long: `Resolve walks every unit in dependency order and decides for each one
whether it is fresh, stale or blocked by an earlier failure.

Without --run the pass is a dry run: stale units are reported but not
executed and nothing is written.`,
		Example: `  # Show what would run
  wzdat resolve

  # Run stale units with a one hour limit per unit
  wzdat resolve --run --timeout 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), func(cfg *config.Config) {
				if cmd.Flags().Changed("timeout") {
					cfg.Runner.Timeout = timeout
				}
			})
			if err != nil {
				return err
			}
			defer s.Close()

			log.Debug().Bool("run", run).Msg("Starting resolution pass")

			result, err := s.ws.Resolve(cmd.Context(), run)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, result)
			}
			return printResolveResult(out, result)
		},
	}

	cmd.Flags().BoolVar(&run, "run", false, "execute stale units instead of only reporting them")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "limit for one unit run, overrides runner.timeout (0 disables)")

	return cmd
}

func printResolveResult(w io.Writer, result *engine.ResolveResult) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tDECISION\tDURATION\tDETAIL")
	counts := make(map[engine.Decision]int)
	for _, r := range result.Reports {
		counts[r.Decision]++

		detail := strings.Join(r.Reasons, ", ")
		if r.Error != "" {
			detail = firstLine(r.Error)
		}
		duration := "-"
		if r.Decision.Ran() {
			duration = r.Duration.Round(time.Millisecond).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Path, r.Decision, duration, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(w, "\nPass %s: %d units in %s (executed %d, failed %d, dry run %d, skipped %d, fresh %d)\n",
		result.PassID,
		len(result.Reports),
		result.Duration.Round(time.Millisecond),
		counts[engine.DecisionExecuted],
		counts[engine.DecisionFailed],
		counts[engine.DecisionDryRun],
		counts[engine.DecisionSkippedError],
		counts[engine.DecisionFresh],
	)
	if len(result.Orphans) > 0 {
		fmt.Fprintf(w, "Reconciled interrupted runs: %s\n", strings.Join(result.Orphans, ", "))
	}
	return nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
