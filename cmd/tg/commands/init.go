package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// sampleDocument is written by tg init.
const sampleDocument = `# tengil document: the storage and container layout of this host.
# Run "tg plan" to see what applying it would change.
version: 1

pools:
  tank:
    datasets:
      media:
        profile: media
        containers:
          - jellyfin:/media
        shares:
          smb:
            name: Media
            browseable: true
      media/movies: {}
      downloads:
        zfs:
          compression: lz4
          atime: off
        containers:
          - name: qbittorrent
            mount: /downloads
            readonly: false
        shares:
          nfs:
            allowed: 192.168.1.0/24
            options: rw,sync,no_subtree_check

containers:
  - name: jellyfin
    vmid: 101
    template: debian-12-standard
    auto_create: true
    resources:
      cores: 2
      memory: 2048
      disk: 8
    network:
      bridge: vmbr0
      ip: dhcp
  - name: qbittorrent
    vmid: 102
    kind: image
    image: linuxserver/qbittorrent:latest
    auto_create: true
    env:
      TZ: Etc/UTC
`

func newInitCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a sample document and the state directory",
		Long: `Write a sample document and prepare the state directory.

The document is written to --file (tengil.yml by default) and is never
overwritten unless --force is given. The state directory and the run
history database are created from settings.`,
		Example: `  # Start a new host layout in the current directory
  tg init

  # Use a different document path and state directory
  tg init -f /etc/tengil/host.yml --state-dir /var/lib/tengil`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, ctx, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.Close()

			log.Info().
				Str("document", documentPath).
				Str("state_dir", env.settings.StateDir).
				Msg("Initializing")

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "✓ State directory: %s\n", env.settings.StateDir)

			if _, err := env.openHistory(ctx); err != nil {
				return err
			}
			fmt.Fprintf(out, "✓ Run history: %s\n", env.settings.HistoryDB)

			_, statErr := os.Stat(documentPath)
			switch {
			case statErr == nil && !force:
				fmt.Fprintf(out, "✓ Document already exists: %s\n", documentPath)
			case statErr == nil || errors.Is(statErr, os.ErrNotExist):
				if err := os.WriteFile(documentPath, []byte(sampleDocument), 0o644); err != nil {
					return fmt.Errorf("failed to write document: %w", err)
				}
				fmt.Fprintf(out, "✓ Created document: %s\n", documentPath)
			default:
				return fmt.Errorf("failed to check document: %w", statErr)
			}

			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  1. Edit %s for this host (tg profiles lists dataset profiles)\n", documentPath)
			fmt.Fprintf(out, "  2. Check it:       tg validate\n")
			fmt.Fprintf(out, "  3. Preview it:     tg plan\n")
			fmt.Fprintf(out, "  4. Apply it:       tg apply\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing document")

	return cmd
}
