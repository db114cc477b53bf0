package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/pkg/storage"
)

// creatorsCmd manages the followed creator list.
var creatorsCmd = &cobra.Command{
	Use:   "creators",
	Short: "Manage followed creators.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCreatorsList(cmd, args)
	},
}

var creatorsAddCmd = &cobra.Command{
	Use:   "add <usernames...>",
	Short: "Follow creators.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, username := range args {
			if err := database.AddCreator(cfg.Profile, username); err != nil {
				console.Error("Failed to add '%s': %v", username, err)
				continue
			}
			console.Success("Following '%s'. Run 'civmirror sync %s' to fetch their posts.", username, username)
		}
		return nil
	},
}

var creatorsRemoveCmd = &cobra.Command{
	Use:   "remove <usernames...>",
	Short: "Unfollow creators. Synced posts are kept.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, username := range args {
			err := database.RemoveCreator(cfg.Profile, username)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				console.Warn("'%s' is not followed.", username)
			case err != nil:
				console.Error("Failed to remove '%s': %v", username, err)
			default:
				console.Success("Unfollowed '%s'.", username)
			}
		}
		return nil
	},
}

var creatorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List followed creators and their sync state.",
	Args:  cobra.NoArgs,
	RunE:  runCreatorsList,
}

func runCreatorsList(cmd *cobra.Command, args []string) error {
	creators, err := database.ListCreators(cfg.Profile)
	if err != nil {
		return fmt.Errorf("failed to list creators: %w", err)
	}
	if len(creators) == 0 {
		console.Info("No creators followed. Add one with 'civmirror creators add <username>'.")
		return nil
	}

	for _, c := range creators {
		synced := "never"
		if c.LastSyncedAt != nil {
			synced = c.LastSyncedAt.Local().Format("2006-01-02 15:04")
		}
		console.Info("%s  %s  %d posts  last synced %s",
			console.Bold.Sprint(c.Username), statusLabel(c.Status), c.TotalPosts, synced)
	}
	return nil
}

func init() {
	creatorsCmd.AddCommand(creatorsAddCmd)
	creatorsCmd.AddCommand(creatorsRemoveCmd)
	creatorsCmd.AddCommand(creatorsListCmd)
}
