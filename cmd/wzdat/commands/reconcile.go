package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newReconcileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Mark interrupted runs as failed",
		Long: `Reconcile finds run records that started but never finished, for example
because the process was killed, and records them as failed. The affected units
run again on the next pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			orphans, err := s.ws.Reconcile(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if orphans == nil {
					orphans = []string{}
				}
				return writeJSON(out, orphans)
			}
			if len(orphans) == 0 {
				fmt.Fprintln(out, "No interrupted runs")
				return nil
			}
			for _, path := range orphans {
				fmt.Fprintf(out, "Reconciled %s\n", path)
			}
			return nil
		},
	}
	return cmd
}
