package cmd

import (
	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/tools/civmirror/internal/update"
)

// updateCmd represents the update command.
var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Update civmirror to the latest version.",
	Long: `Checks for the latest version of civmirror on GitHub and, if a newer
version is found, downloads and installs it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return update.ApplyUpdate(console, version)
	},
}
