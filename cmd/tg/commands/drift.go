package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
)

func newDriftCommand() *cobra.Command {
	var failOnDrift bool

	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Report changes made on the host since the last scan",
		Long: `Compare the host with the last recorded scan.

Every difference is classified:
  - safe: cosmetic changes and headroom increases, which apply keeps and
    lists as suggested document edits when it auto-accepts safe drift, and
    other attribute changes, which apply puts back
  - dangerous: identity changes, or resources the document still needs
    that disappeared; apply refuses to run until they are acknowledged

The recorded state is not modified.`,
		Example: `  # Show drift
  tg drift

  # Exit 1 when dangerous drift exists (for cron or CI)
  tg drift --exit-code`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			// The document decides what is dangerous; without one, every
			// difference is judged against an empty model.
			desired, fingerprint, err := env.loadDesired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("Document unavailable, classifying drift without it")
				desired = nil
			}

			previous, err := env.store.Load(ctx, fingerprint)
			if err != nil {
				return err
			}
			if previous.Reality == nil {
				log.Info().Msg("No recorded scan yet; run tg scan or tg apply first")
			}

			current, err := env.scanner().Scan(ctx)
			if err != nil {
				return err
			}

			report := engine.ClassifyDrift(previous.Reality, current, desired)
			if err := env.printer.Drift(report); err != nil {
				return err
			}
			if failOnDrift && len(report.Dangerous()) > 0 {
				return reported(ExitFailed, nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failOnDrift, "exit-code", false, "exit 1 when dangerous drift exists")

	return cmd
}
