package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tengil/tengil/pkg/config"
)

var (
	// Global flags
	documentPath string
	settingsPath string
	stateDir     string
	outputFormat string
	verbose      bool
	mockMode     bool
	remoteHost   string

	buildVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	buildVersion = version
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tg",
		Short: "tengil - declarative storage and container layout for a Proxmox host",
		Long: `tengil reconciles one host against a declarative document.

The document names ZFS datasets, the containers that use them, the bind
mounts between the two and the SMB/NFS shares that export them. tg computes
a tiered plan from the difference between the document and the host, and
applies it in order:
  - Datasets first, parents before children
  - Containers next, created or adjusted in place
  - Bind mounts once both sides exist
  - Shares last

Nothing is ever deleted. Changes made on the host outside of tg are reported
as drift; dangerous drift blocks apply until it is acknowledged.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&documentPath, "file", "f", config.DefaultDocumentPath, "document path (YAML or CUE)")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", "", "settings file (default /etc/tengil/settings.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "override the state directory")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&mockMode, "mock", false, "use in-memory backends seeded from the last scan")
	rootCmd.PersistentFlags().StringVar(&remoteHost, "host", "", "manage a remote host over SSH ([user@]host[:port])")

	// Add subcommands
	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newScanCommand())
	rootCmd.AddCommand(newDriftCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newSnapshotCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newProfilesCommand())

	return rootCmd
}
