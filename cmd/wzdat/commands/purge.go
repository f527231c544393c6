package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPurgeCommand() *cobra.Command {
	var withArtifact bool

	cmd := &cobra.Command{
		Use:   "purge <unit>",
		Short: "Forget the run history of a unit",
		Long: `Purge deletes the run record of a unit so the next pass treats it as never
run. With --artifact the artifact the unit publishes is deleted too.`,
		Example: `  wzdat purge reports/errors.ipynb --artifact`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.ws.Purge(cmd.Context(), args[0], withArtifact); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&withArtifact, "artifact", false, "also delete the published artifact")

	return cmd
}
