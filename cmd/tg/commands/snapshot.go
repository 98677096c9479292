package commands

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
)

func newSnapshotCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "snapshot",
		Aliases: []string{"checkpoint"},
		Short:   "Manage checkpoints",
		Long: `Create, list, inspect and prune checkpoints.

A checkpoint is an immutable copy of the recorded state. apply creates one
automatically before risky changes; this command creates them on demand.
Checkpoints are only removed by snapshot prune or snapshot delete.`,
	}

	cmd.AddCommand(newSnapshotCreateCommand())
	cmd.AddCommand(newSnapshotListCommand())
	cmd.AddCommand(newSnapshotShowCommand())
	cmd.AddCommand(newSnapshotPruneCommand())
	cmd.AddCommand(newSnapshotDeleteCommand())

	return cmd
}

func newSnapshotCreateCommand() *cobra.Command {
	var (
		label    string
		rescan   bool
		datasets bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a checkpoint of the recorded state",
		Example: `  # Checkpoint before hand-editing the host
  tg snapshot create --label "before upgrade"

  # Rescan first and take ZFS snapshots of every managed dataset
  tg snapshot create --scan --datasets`,
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

			current, err := env.store.Load(ctx, "")
			if err != nil {
				return err
			}
			if rescan {
				reality, err := env.scanner().Scan(ctx)
				if err != nil {
					return err
				}
				current.Reality = reality
				current.Timestamp = time.Now().UTC()
				if err := env.store.Save(ctx, current); err != nil {
					return err
				}
			}

			meta := map[string]string{}
			if datasets {
				if err := snapshotDatasets(ctx, env, current, meta); err != nil {
					return err
				}
			}

			if label == "" {
				label = "manual " + time.Now().Format("2006-01-02 15:04")
			}
			ckpt, err := env.store.CreateCheckpoint(ctx, label, current, meta)
			if err != nil {
				return err
			}
			env.tel.Metrics.RecordCheckpointCreated()
			env.audit(ctx, "checkpoint_create", ckpt.ID, auditDetails(map[string]any{
				"label":     label,
				"snapshots": len(meta),
			}))
			log.Info().Str("checkpoint", ckpt.ID).Str("label", label).Msg("Checkpoint created")

			return env.printer.Checkpoint(ckpt)
		},
	}

	cmd.Flags().StringVarP(&label, "label", "l", "", "checkpoint label")
	cmd.Flags().BoolVar(&rescan, "scan", false, "rescan the host before checkpointing")
	cmd.Flags().BoolVar(&datasets, "datasets", false, "also take ZFS snapshots of the managed datasets")

	return cmd
}

// snapshotDatasets snapshots every dataset of the recorded document that
// exists on the host, recording the names in meta.
func snapshotDatasets(ctx context.Context, env *environment, snap *engine.StateSnapshot, meta map[string]string) error {
	snapper, ok := env.backends.Datasets.(engine.Snapshotter)
	if !ok {
		return fmt.Errorf("dataset backend cannot take snapshots")
	}
	if snap.Desired == nil || snap.Reality == nil {
		log.Warn().Msg("No recorded document or scan; no dataset snapshots taken")
		return nil
	}

	paths := make([]string, 0, len(snap.Desired.Datasets))
	for path := range snap.Desired.Datasets {
		if _, ok := snap.Reality.Datasets[path]; ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	name := "tengil-" + time.Now().UTC().Format("20060102-150405")
	for _, path := range paths {
		if _, err := snapper.Snapshot(ctx, path, name); err != nil {
			return fmt.Errorf("snapshot of %s failed: %w", path, err)
		}
		meta["snapshot:"+path] = path + "@" + name
		log.Debug().Str("dataset", path).Str("snapshot", name).Msg("Dataset snapshot taken")
	}
	return nil
}

func newSnapshotListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			checkpoints, err := env.store.ListCheckpoints(ctx)
			if err != nil {
				return err
			}
			return env.printer.Checkpoints(checkpoints)
		},
	}
}

func newSnapshotShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <checkpoint>",
		Short: "Show one checkpoint and its safety snapshots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ckpt, err := env.store.GetCheckpoint(ctx, args[0])
			if err != nil {
				return err
			}
			return env.printer.Checkpoint(ckpt)
		},
	}
}

func newSnapshotPruneCommand() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove all but the newest checkpoints",
		Long: `Remove old checkpoints, keeping the newest --keep (default from the
checkpoints_kept setting). ZFS safety snapshots are not destroyed.`,
		Example: `  # Keep the settings default
  tg snapshot prune

  # Keep only the last three
  tg snapshot prune --keep 3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			if !cmd.Flags().Changed("keep") {
				keep = env.settings.CheckpointsKept
			}
			removed, err := env.store.PruneCheckpoints(ctx, keep)
			if err != nil {
				return err
			}
			for _, ckpt := range removed {
				env.audit(ctx, "checkpoint_prune", ckpt.ID, auditDetails(map[string]any{"label": ckpt.Label}))
			}
			log.Info().Int("removed", len(removed)).Int("kept", keep).Msg("Checkpoints pruned")
			return env.printer.Checkpoints(removed)
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 10, "number of checkpoints to keep")

	return cmd
}

func newSnapshotDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <checkpoint>",
		Aliases: []string{"rm"},
		Short:   "Delete one checkpoint",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			ckpt, err := env.store.GetCheckpoint(ctx, args[0])
			if err != nil {
				return err
			}
			if err := env.store.DeleteCheckpoint(ctx, ckpt.ID); err != nil {
				return err
			}
			env.audit(ctx, "checkpoint_delete", ckpt.ID, auditDetails(map[string]any{"label": ckpt.Label}))
			log.Info().Str("checkpoint", ckpt.ID).Msg("Checkpoint deleted")
			return nil
		},
	}
}
