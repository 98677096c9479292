package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
)

// rollbackReport is the structured form of `tg rollback`.
type rollbackReport struct {
	Checkpoint *engine.Checkpoint  `json:"checkpoint"`
	Drift      *engine.DriftReport `json:"drift"`
	Plan       *engine.Plan        `json:"plan,omitempty"`
	Result     *engine.ApplyResult `json:"result,omitempty"`
	Snapshots  []string            `json:"snapshots,omitempty"`
}

func newRollbackCommand() *cobra.Command {
	var (
		apply       bool
		autoApprove bool
	)

	cmd := &cobra.Command{
		Use:   "rollback <checkpoint>",
		Short: "Show or reapply the state recorded by a checkpoint",
		Long: `Compare the host with a checkpoint and report what would need reapplying.

The checkpoint's document is planned against a fresh scan. With --apply the
plan is executed like tg apply. Plans never delete anything, so resources
created after the checkpoint stay in place; the ZFS safety snapshots listed
by the checkpoint can be restored by hand with zfs rollback.

A checkpoint may be named by a unique prefix of its ID.`,
		Example: `  # What changed since checkpoint 3f2a...?
  tg rollback 3f2a

  # Reapply the checkpoint's document
  tg rollback 3f2a --apply --yes`,
		Args: cobra.ExactArgs(1),
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
			snap, err := env.store.RestoreCheckpoint(ctx, ckpt.ID)
			if err != nil {
				return err
			}
			log.Info().Str("checkpoint", ckpt.ID).Str("label", ckpt.Label).Msg("Restoring checkpoint")

			report := rollbackReport{Checkpoint: ckpt, Snapshots: safetySnapshots(ckpt)}

			desired, ok := snap.UsableDesired()
			if !ok {
				if apply {
					return withCode(ExitAborted, errors.New("checkpoint holds no resolved document to reapply"))
				}
				log.Warn().Msg("Checkpoint holds no resolved document; only its snapshots are listed")
				desired = engine.NewDesired()
			}
			if env.memory != nil {
				for name := range desired.Pools {
					env.memory.AddPool(name)
				}
			}

			reality, err := env.scanner().Scan(ctx)
			if err != nil {
				return err
			}
			report.Drift = engine.ClassifyDrift(snap.Reality, reality, desired)
			report.Plan, err = engine.NewPlanner(engine.DefaultContainerRules()).Plan(ctx, desired, reality)
			if err != nil {
				return err
			}

			if apply {
				if env.printer.Format() == output.FormatTable {
					if err := env.printer.Plan(report.Plan); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout())
				}
				if !autoApprove && !report.Plan.IsEmpty() {
					q := fmt.Sprintf("Reapply %d action(s) from checkpoint %s?", len(report.Plan.Actions), shortID(ckpt.ID))
					if !newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr()).confirm(q) {
						return withCode(ExitAborted, errors.New("rollback cancelled"))
					}
				}

				gate, err := env.policyEngine(ctx)
				if err != nil {
					return err
				}
				opts := env.applyOptions(nil)
				opts.Desired = desired
				opts.Fingerprint = snap.Fingerprint
				opts.Reality = reality

				// Differences from the checkpoint are what the user asked to
				// revert, so they are not gated as drift.
				result, applyErr := env.orchestrator(ctx, gate).Apply(ctx, report.Plan, nil, opts)
				report.Result = result
				env.audit(ctx, "rollback", ckpt.ID, auditDetails(map[string]any{
					"apply":   true,
					"actions": len(report.Plan.Actions),
					"status":  statusOf(result),
				}))
				if err := renderRollback(env, cmd, report); err != nil {
					return err
				}
				return applyExit(result, applyErr)
			}

			env.audit(ctx, "rollback", ckpt.ID, auditDetails(map[string]any{
				"apply":   false,
				"actions": len(report.Plan.Actions),
			}))
			return renderRollback(env, cmd, report)
		},
	}

	cmd.Flags().BoolVar(&apply, "apply", false, "execute the plan that restores the checkpoint's document")
	cmd.Flags().BoolVarP(&autoApprove, "yes", "y", false, "skip the approval prompt")

	return cmd
}

func renderRollback(env *environment, cmd *cobra.Command, report rollbackReport) error {
	if f := output.NewFormatter(env.printer.Format()); f != nil {
		return f.Write(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	if err := env.printer.Checkpoint(report.Checkpoint); err != nil {
		return err
	}
	fmt.Fprintln(out)

	if report.Result != nil {
		if err := env.printer.ApplyResult(report.Result); err != nil {
			return err
		}
	} else {
		if err := env.printer.Drift(report.Drift); err != nil {
			return err
		}
		fmt.Fprintln(out)
		if err := env.printer.Plan(report.Plan); err != nil {
			return err
		}
	}

	if len(report.Snapshots) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Safety snapshots (restore with zfs rollback -r):")
		for _, s := range report.Snapshots {
			fmt.Fprintf(out, "  %s\n", s)
		}
	}
	return nil
}

// safetySnapshots lists the ZFS snapshots a checkpoint recorded.
func safetySnapshots(ckpt *engine.Checkpoint) []string {
	var out []string
	for k, v := range ckpt.Backend {
		if strings.HasPrefix(k, "snapshot:") {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func statusOf(result *engine.ApplyResult) string {
	if result == nil {
		return ""
	}
	return string(result.Status)
}

func auditDetails(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
