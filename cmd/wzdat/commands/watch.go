package commands

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wzdat/wzdat/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Resolve continuously as files change",
		Long: `Watch runs an executing pass at start and again whenever unit documents or
data files change. When metrics are enabled they are served for the lifetime
of the command. Stop it with Ctrl-C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer s.Close()

			logger := s.tel.Logger.NewComponentLogger("watch").Zerolog()

			g, ctx := errgroup.WithContext(s.tel.WithContext(cmd.Context()))
			g.Go(func() error {
				return s.tel.Metrics.Serve(ctx, *logger)
			})
			g.Go(func() error {
				return s.ws.Watch(ctx, func(result *engine.ResolveResult, err error) {
					if err != nil {
						logger.Error().Err(err).Msg("Pass failed")
						return
					}
					ran := 0
					for _, r := range result.Reports {
						if r.Decision.Ran() {
							ran++
						}
					}
					logger.Info().
						Str("pass_id", result.PassID).
						Int("units", len(result.Reports)).
						Int("ran", ran).
						Dur("duration", result.Duration).
						Msg("Pass completed")
				})
			})
			return g.Wait()
		},
	}
	return cmd
}
