package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/engine"
	"github.com/tengil/tengil/pkg/output"
)

func newProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles [name]",
		Short: "List dataset profiles",
		Long: `List the dataset profiles a document can reference.

A profile is a bundle of ZFS properties plus an access hint for the
containers that mount the dataset. Properties set under zfs: in the
document override the profile's.`,
		Example: `  # All profiles
  tg profiles

  # One profile as YAML
  tg profiles media -o yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := output.ParseFormat(outputFormat)
			if err != nil {
				return err
			}
			printer := output.NewPrinter(cmd.OutOrStdout(), format)

			if len(args) == 0 {
				return printer.Profiles(engine.Profiles())
			}
			profile, ok := engine.LookupProfile(args[0])
			if !ok {
				return fmt.Errorf("unknown profile %q", args[0])
			}
			return printer.Profiles([]engine.Profile{profile})
		},
	}
}
