package commands

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
)

func newApplyCommand() *cobra.Command {
	var (
		dryRun        bool
		autoApprove   bool
		confirmEach   bool
		overrideDrift bool
		acks          []string
		strictDrift   bool
		parallelism   int
		actionTimeout time.Duration
		metricsAddr   string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Bring the host in line with the document",
		Long: `Plan and execute the changes the document requires.

This command:
  - Computes the plan and the drift report (see tg plan)
  - Refuses to run while unacknowledged dangerous drift exists
  - Evaluates policies; error-severity violations abort the run
  - Prompts for approval (unless --yes)
  - Takes a checkpoint and safety snapshots before risky changes
  - Executes tiers in order, independent actions in parallel
  - Rescans the host and saves the new state, even after failures

Exit status is 0 when every action succeeded, 1 when the run completed
with failed actions and 2 when it was aborted before execution.`,
		Example: `  # Apply with an approval prompt
  tg apply

  # Apply unattended
  tg apply --yes

  # Walk the plan without calling any backend
  tg apply --dry-run

  # Accept drift on container 101 and go ahead
  tg apply --ack container:101

  # Confirm every action and expose metrics during the run
  tg apply --confirm-each --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().
				Str("document", documentPath).
				Bool("dry_run", dryRun).
				Bool("auto_approve", autoApprove).
				Msg("Applying document")

			ev, err := env.evaluate(ctx)
			if err != nil {
				return err
			}

			table := env.printer.Format() == output.FormatTable
			if table {
				if !ev.Drift.Empty() {
					if err := env.printer.Drift(ev.Drift); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
				if err := env.printer.Plan(ev.Plan); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}

			prompt := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
			if !autoApprove && !dryRun && !ev.Plan.IsEmpty() {
				question := fmt.Sprintf("Apply %d action(s) to this host?", len(ev.Plan.Actions))
				if ev.Plan.HasRisky() {
					question = fmt.Sprintf("Apply %d action(s), including container recreation?", len(ev.Plan.Actions))
				}
				if !prompt.confirm(question) {
					return withCode(ExitAborted, errors.New("apply cancelled"))
				}
			}

			opts := env.applyOptions(ev)
			opts.DryRun = dryRun
			opts.OverrideDrift = overrideDrift
			opts.AcknowledgedDrift = acks
			if strictDrift {
				opts.AutoAcceptSafeDrift = false
			}
			if cmd.Flags().Changed("parallelism") {
				opts.Parallelism = parallelism
			}
			if cmd.Flags().Changed("action-timeout") {
				opts.ActionTimeout = actionTimeout
			}
			if confirmEach {
				opts.RequireConfirmation = true
				opts.Confirm = func(a engine.Action) bool {
					return prompt.confirm(fmt.Sprintf("%s %s?", a.Kind.Verb(), a.Resource))
				}
			}

			if metricsAddr == "" {
				metricsAddr = env.settings.Metrics.ListenAddress
			}
			if metricsAddr != "" {
				errCh := env.tel.Metrics.StartMetricsServer(ctx, metricsAddr)
				go func() {
					for err := range errCh {
						log.Warn().Err(err).Str("address", metricsAddr).Msg("Metrics server failed")
					}
				}()
			}

			gate, err := env.policyEngine(ctx)
			if err != nil {
				return err
			}

			result, err := env.orchestrator(ctx, gate).Apply(ctx, ev.Plan, ev.Drift, opts)
			if result != nil {
				if perr := env.printer.ApplyResult(result); perr != nil {
					log.Warn().Err(perr).Msg("Failed to print result")
				}
			}
			return applyExit(result, err)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "walk the plan without calling backends or saving state")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "skip the approval prompt")
	cmd.Flags().BoolVar(&confirmEach, "confirm-each", false, "ask before each action")
	cmd.Flags().BoolVar(&overrideDrift, "override-drift", false, "proceed despite unacknowledged drift")
	cmd.Flags().StringSliceVar(&acks, "ack", nil, "acknowledge drift by item key or resource (type:id)")
	cmd.Flags().BoolVar(&strictDrift, "strict-drift", false, "require acknowledgement of safe drift too")
	cmd.Flags().IntVar(&parallelism, "parallelism", engine.DefaultParallelism, "max concurrent actions within a stage")
	cmd.Flags().DurationVar(&actionTimeout, "action-timeout", engine.DefaultActionTimeout, "timeout for a single action")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address during the run")

	return cmd
}
