package commands

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
)

func newScanCommand() *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Refresh the recorded host state",
		Long: `Scan the host and record the result as the new baseline.

Drift is measured against the last recorded scan, so scanning accepts
every external change seen so far. The last resolved document is kept.`,
		Example: `  # Record the host as it is now
  tg scan

  # Record without printing the inventory
  tg scan --quiet`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			release, err := env.store.TryLock()
			if err != nil {
				return err
			}
			defer func() {
				if err := release(); err != nil {
					log.Warn().Err(err).Msg("Failed to release run lock")
				}
			}()

			previous, err := env.store.Load(ctx, "")
			if err != nil {
				return err
			}

			reality, err := env.scanner().Scan(ctx)
			if err != nil {
				return err
			}

			drift := engine.ClassifyDrift(previous.Reality, reality, previous.Desired)
			if !drift.Empty() {
				log.Warn().
					Int("dangerous", len(drift.Dangerous())).
					Int("safe", len(drift.Safe())).
					Msg("Recording drift as the new baseline")
			}

			if err := env.store.Save(ctx, &engine.StateSnapshot{
				Desired:     previous.Desired,
				Reality:     reality,
				Fingerprint: previous.Fingerprint,
				Timestamp:   time.Now().UTC(),
			}); err != nil {
				return err
			}
			log.Info().
				Int("datasets", len(reality.Datasets)).
				Int("containers", len(reality.Containers)).
				Int("shares", len(reality.Shares)).
				Msg("Host state recorded")

			if quiet {
				return nil
			}
			return env.printer.Reality(reality)
		},
	}

	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print the scanned inventory")

	return cmd
}
