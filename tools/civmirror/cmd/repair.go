package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/pkg/syncer"
	"github.com/vesperal/civmirror/tools/civmirror/internal/cli"
)

// repairCmd re-fetches posts with missing metadata.
var repairCmd = &cobra.Command{
	Use:   "repair [usernames...]",
	Short: "Repair posts with missing cover metadata.",
	Long: `Repair posts with missing cover metadata.

Posts without a resolved cover (from interrupted syncs or external imports)
are re-fetched one by one through the by-post endpoint. With --prune, posts
that cannot be repaired are deleted afterwards.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prune, _ := cmd.Flags().GetBool("prune")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		usernames, err := resolveCreators(args)
		if err != nil {
			return err
		}

		opts := syncer.Options{UserID: cfg.Profile}
		for _, username := range usernames {
			taskID := username
			console.AddTask(taskID, "Scanning for incomplete posts...", cli.OpSync)
			perCreator := opts
			perCreator.OnProgress = syncProgress(taskID)

			repaired, err := engine.SyncIncompletePosts(ctx, username, perCreator)
			console.RemoveTask(taskID)
			if err != nil {
				if errors.Is(err, syncer.ErrCancelled) {
					console.Warn("Repair of '%s' cancelled after %d posts.", username, repaired)
					return nil
				}
				console.Error("Repair of '%s' failed: %v", username, err)
				continue
			}
			console.Success("Repaired %d posts for '%s'", repaired, username)

			if prune {
				removed, err := database.PruneCoverlessPosts(username)
				if err != nil {
					console.Error("Prune of '%s' failed: %v", username, err)
					continue
				}
				if removed > 0 {
					console.Info("Pruned %d unrepairable posts for '%s'", removed, username)
				}
			}
		}
		return nil
	},
}

func init() {
	repairCmd.Flags().Bool("prune", false, "Delete posts that still lack a cover after repair")
}
