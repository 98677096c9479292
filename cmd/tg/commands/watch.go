package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/config"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-plan every time the document is saved",
		Long: `Watch the document and print a fresh plan after every save.

Bursts of writes are coalesced. Invalid documents are reported and the
watch continues. Nothing is applied; stop with Ctrl-C.`,
		Example: `  # Watch tengil.yml against the mock host
  tg watch --mock

  # Wait longer for editors that write in several steps
  tg watch --debounce 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			watcher, err := config.NewWatcher(documentPath, debounce, env.logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			replan := func(ctx context.Context) {
				fmt.Fprintf(out, "\n--- %s ---\n", time.Now().Format("15:04:05"))
				ev, err := env.evaluate(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Plan failed")
					return
				}
				if !ev.Drift.Empty() {
					if err := env.printer.Drift(ev.Drift); err != nil {
						log.Warn().Err(err).Msg("Failed to print drift")
					}
				}
				if err := env.printer.Plan(ev.Plan); err != nil {
					log.Warn().Err(err).Msg("Failed to print plan")
				}
			}

			replan(ctx)
			return watcher.Run(ctx, replan)
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", config.DefaultDebounce, "quiet period before re-planning")

	return cmd
}
