package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/output"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past apply runs",
		Long: `List apply runs recorded in the history database, newest first.

Every run is recorded, including dry runs and runs aborted by drift or
policy. Use history show for the actions and drift of one run.`,
		Example: `  # Last 20 runs
  tg history

  # One run in detail (ID prefixes are accepted)
  tg history show 7c1e

  # Rollbacks and checkpoint changes
  tg history audit`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			h, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			runs, err := h.ListRuns(ctx, limit, offset)
			if err != nil {
				return err
			}
			return env.printer.Runs(runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryAuditCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <run>",
		Short: "Show the actions and drift of one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			h, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			run, err := h.GetRun(ctx, args[0])
			if err != nil {
				return err
			}
			actions, err := h.ListActions(ctx, run.ID)
			if err != nil {
				return err
			}
			drift, err := h.ListDrift(ctx, run.ID)
			if err != nil {
				return err
			}
			return env.printer.Run(&output.RunDetail{Run: run, Actions: actions, Drift: drift})
		},
	}
}

func newHistoryAuditCommand() *cobra.Command {
	var (
		action string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show operator actions such as rollbacks and checkpoint changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			h, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			var filter *string
			if action != "" {
				filter = &action
			}
			entries, err := h.ListAuditEntries(ctx, filter, limit, 0)
			if err != nil {
				return err
			}
			return env.printer.Audit(entries)
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only show this action (rollback, checkpoint_create, ...)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "number of entries to show")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a duration",
		Example: `  # Keep 90 days of history
  tg history prune --older-than 2160h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			h, err := env.openHistory(ctx)
			if err != nil {
				return err
			}
			n, err := h.DeleteRunsBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("History pruned")
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete runs started before now minus this")

	return cmd
}
