package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newGraphCommand() *cobra.Command {
	var dotFile string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the dependency graph between units",
		Long: `Graph prints the producer to consumer edges between units in DOT format.
With --json the edges are printed as [producer, consumer] pairs.`,
		Example: `  # Render the graph with graphviz
  wzdat graph | dot -Tsvg > units.svg

  # Save the DOT file
  wzdat graph --dot units.dot`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			graph, err := s.ws.Graph(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), graph.Edges())
			}

			dot := graph.ToDOT()
			if dotFile == "" {
				_, err := fmt.Fprint(cmd.OutOrStdout(), dot)
				return err
			}
			if err := os.WriteFile(dotFile, []byte(dot), 0o644); err != nil {
				return fmt.Errorf("failed to write DOT file: %w", err)
			}
			log.Info().Str("file", dotFile).Int("edges", len(graph.Edges())).Msg("Dependency graph written")
			return nil
		},
	}

	cmd.Flags().StringVar(&dotFile, "dot", "", "write the DOT graph to a file instead of stdout")

	return cmd
}
