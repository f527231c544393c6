package commands

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/wzdat/wzdat/pkg/workspace"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the run state of every unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			statuses, err := s.ws.Status(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, statuses)
			}
			return printStatus(out, statuses)
		},
	}
	return cmd
}

func printStatus(w io.Writer, statuses []workspace.UnitStatus) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "UNIT\tSTATE\tSTEP\tOUTPUT\tELAPSED\tERROR")
	for _, st := range statuses {
		output := "-"
		if st.Output != nil {
			output = st.Output.String()
		}
		elapsed := "-"
		if st.Elapsed != nil {
			elapsed = st.Elapsed.Round(time.Millisecond).String()
		}
		name := st.Path
		if st.Scheduled {
			name += " (scheduled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			name, st.State, st.CurrentStep, st.TotalSteps, output, elapsed, firstLine(st.Error))
	}
	return tw.Flush()
}
