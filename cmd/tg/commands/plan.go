package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
)

// planReport is the structured form of `tg plan`.
type planReport struct {
	Plan       *engine.Plan             `json:"plan"`
	Drift      *engine.DriftReport      `json:"drift"`
	Violations []engine.PolicyViolation `json:"violations"`
}

func newPlanCommand() *cobra.Command {
	var (
		skipPolicy bool
		dot        bool
	)

	cmd := &cobra.Command{
		Use:     "plan",
		Aliases: []string{"diff"},
		Short:   "Show what apply would change",
		Long: `Compute the plan that would bring the host in line with the document.

This command:
  - Loads and validates the document
  - Scans the host (datasets, containers, mounts, shares)
  - Reports drift since the last recorded scan
  - Prints the tiered plan and any policy findings

Nothing on the host or in the state directory is modified.`,
		Example: `  # Plan against tengil.yml in the current directory
  tg plan

  # Plan a specific document, as JSON
  tg plan -f /etc/tengil/host.yml -o json

  # Try a document against the last scan without touching the host
  tg diff --mock

  # Render the action graph with Graphviz
  tg plan --dot | dot -Tsvg > plan.svg`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().Str("document", documentPath).Msg("Computing plan")

			ev, err := env.evaluate(ctx)
			if err != nil {
				return err
			}

			if dot {
				g, err := ev.Plan.Graph()
				if err != nil {
					return err
				}
				return g.WriteDOT(cmd.OutOrStdout())
			}

			report := planReport{Plan: ev.Plan, Drift: ev.Drift}
			if !skipPolicy {
				gate, err := env.policyEngine(ctx)
				if err != nil {
					return err
				}
				result, err := gate.Evaluate(ctx, ev.Plan, ev.Desired, "plan")
				if err != nil {
					return fmt.Errorf("policy evaluation failed: %w", err)
				}
				report.Violations = append(result.Violations, result.Warnings...)
			}

			if f := output.NewFormatter(env.printer.Format()); f != nil {
				return f.Write(cmd.OutOrStdout(), report)
			}

			if !ev.Drift.Empty() {
				if err := env.printer.Drift(ev.Drift); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			if err := env.printer.Plan(ev.Plan); err != nil {
				return err
			}
			if len(report.Violations) > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				return env.printer.Violations(report.Violations)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not evaluate policies")
	cmd.Flags().BoolVar(&dot, "dot", false, "print the action dependency graph in Graphviz DOT format")

	return cmd
}
