package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/config"
	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
)

// validationReport is the structured form of `tg validate`.
type validationReport struct {
	Document   string                   `json:"document"`
	Valid      bool                     `json:"valid"`
	Errors     []config.ValidationError `json:"errors,omitempty"`
	Error      string                   `json:"error,omitempty"`
	Datasets   int                      `json:"datasets"`
	Containers int                      `json:"containers"`
	Shares     int                      `json:"shares"`
	Notes      []string                 `json:"notes,omitempty"`
	Violations []engine.PolicyViolation `json:"violations,omitempty"`
}

func newValidateCommand() *cobra.Command {
	var (
		scanHost   bool
		skipPolicy bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the document",
		Long: `Check the document without touching the host.

This command:
  - Parses YAML or CUE and checks the #Document schema
  - Validates names, VMIDs and dataset paths
  - Resolves profiles, mounts and shares (dangling references fail)
  - Evaluates policies against the plan for an empty host, or against
    the real host with --scan`,
		Example: `  # Validate tengil.yml
  tg validate

  # Validate a CUE document as JSON
  tg validate -f host.cue -o json

  # Check policies against the current host
  tg validate --scan`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().Str("document", documentPath).Msg("Validating document")

			report := validationReport{Document: documentPath}
			desired, _, err := env.loadDesired(ctx)
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					report.Errors = verrs
				} else {
					report.Error = err.Error()
				}
				if rerr := renderValidation(env, cmd, report); rerr != nil {
					return rerr
				}
				return reported(ExitFailed, err)
			}
			report.Datasets = len(desired.Datasets)
			report.Containers = len(desired.Containers)
			report.Shares = len(desired.Shares)
			report.Notes = desired.Notes

			if !skipPolicy {
				reality := engine.NewReality()
				for name, pool := range desired.Pools {
					reality.Pools[name] = pool
				}
				if scanHost {
					if reality, err = env.scanner().Scan(ctx); err != nil {
						return err
					}
				}
				plan, err := engine.NewPlanner(engine.DefaultContainerRules()).Plan(ctx, desired, reality)
				if err != nil {
					report.Error = err.Error()
					if rerr := renderValidation(env, cmd, report); rerr != nil {
						return rerr
					}
					return reported(ExitFailed, err)
				}
				gate, err := env.policyEngine(ctx)
				if err != nil {
					return err
				}
				result, err := gate.Evaluate(ctx, plan, desired, "validate")
				if err != nil {
					return fmt.Errorf("policy evaluation failed: %w", err)
				}
				report.Violations = append(result.Violations, result.Warnings...)
				report.Valid = result.Allowed
			} else {
				report.Valid = true
			}

			if err := renderValidation(env, cmd, report); err != nil {
				return err
			}
			if !report.Valid {
				return reported(ExitFailed, errors.New("document violates policy"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&scanHost, "scan", false, "evaluate policies against the scanned host")
	cmd.Flags().BoolVar(&skipPolicy, "skip-policy", false, "do not evaluate policies")

	return cmd
}

func renderValidation(env *environment, cmd *cobra.Command, report validationReport) error {
	if f := output.NewFormatter(env.printer.Format()); f != nil {
		return f.Write(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	switch {
	case len(report.Errors) > 0:
		fmt.Fprintf(out, "✗ %s is invalid:\n", report.Document)
		for _, e := range report.Errors {
			fmt.Fprintf(out, "  %s\n", e.String())
		}
		return nil
	case report.Error != "":
		fmt.Fprintf(out, "✗ %s: %s\n", report.Document, report.Error)
		return nil
	}

	fmt.Fprintf(out, "✓ %s: %d datasets, %d containers, %d shares\n",
		report.Document, report.Datasets, report.Containers, report.Shares)
	for _, note := range report.Notes {
		fmt.Fprintf(out, "  note: %s\n", note)
	}
	if len(report.Violations) > 0 {
		fmt.Fprintln(out)
		return env.printer.Violations(report.Violations)
	}
	return nil
}
