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

// syncCmd syncs followed creators. It is also the default command.
var syncCmd = &cobra.Command{
	Use:   "sync [usernames...]",
	Short: "Sync creators' posts into the local library.",
	Long: `Sync creators' posts into the local library.

Without arguments, every followed creator that is due gets synced, newest
posts first. Syncing stops early once it reaches content already held
locally; pass --backfill to page the entire feed instead.`,
	Args: cobra.ArbitraryArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().Bool("backfill", false, "Page the whole feed instead of stopping at known content")
	syncCmd.Flags().BoolP("force", "f", false, "Reset creators and sync from scratch")
}

func runSync(cmd *cobra.Command, args []string) error {
	backfill, _ := cmd.Flags().GetBool("backfill")
	force, _ := cmd.Flags().GetBool("force")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := syncer.Options{
		UserID:       cfg.Profile,
		FullBackfill: backfill || cfg.FullBackfill,
	}

	// Without explicit targets, the engine handles ordering, staleness
	// checks and per-creator isolation itself.
	if len(args) == 0 {
		if force {
			return engine.ForceResyncAll(ctx, opts)
		}
		console.AddTask("sync", "Checking for creators due...", cli.OpSync)
		defer console.RemoveTask("sync")
		opts.OnProgress = syncProgress("sync")
		err := engine.SyncAllCreators(ctx, opts)
		if errors.Is(err, syncer.ErrCancelled) {
			console.Warn("Sync cancelled. Progress so far is saved.")
			return nil
		}
		return err
	}

	for _, username := range args {
		taskID := username
		console.AddTask(taskID, "Preparing to sync...", cli.OpSync)
		perCreator := opts
		perCreator.OnProgress = syncProgress(taskID)

		var err error
		if force {
			err = engine.ForceResyncCreator(ctx, username, perCreator)
		} else {
			err = engine.SyncCreator(ctx, username, perCreator)
		}
		console.RemoveTask(taskID)

		switch {
		case err == nil:
			console.Success("Synced '%s'", username)
		case errors.Is(err, syncer.ErrCancelled):
			console.Warn("Sync of '%s' cancelled. Progress so far is saved.", username)
			return nil
		case isNotFound(err):
			console.Error("'%s' is not followed. Add it with 'civmirror creators add %s' first.", username, username)
		case errors.Is(err, syncer.ErrAlreadySyncing):
			console.Warn("'%s' is already being synced.", username)
		default:
			console.Error("Failed to sync '%s': %v", username, err)
		}
	}
	return nil
}
