package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/internal/fs"
	"github.com/vesperal/civmirror/tools/civmirror/internal/cli"
)

// downloadCmd mirrors synced images to disk.
var downloadCmd = &cobra.Command{
	Use:   "download [usernames...]",
	Short: "Download synced images to the local disk.",
	Long: `Download synced images to the local disk.

Files land under the download path, one directory per creator. Already
downloaded images are skipped. Mature content is excluded unless --nsfw
or show_nsfw in the config is set.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		usernames, err := resolveCreators(args)
		if err != nil {
			return err
		}

		for _, username := range usernames {
			taskID := username
			console.AddTask(taskID, "Preparing downloads...", cli.OpDownload)

			res, err := media.MirrorCreator(ctx, username, cfg.ShowNSFW, func(filename string, downloaded, skipped, failed int) {
				console.UpdateTaskActivity(taskID)
				msg := fmt.Sprintf("%d downloaded, %d skipped, %d failed", downloaded, skipped, failed)
				if filename != "" {
					msg = fmt.Sprintf("%s (%s)", msg, filepath.Base(filename))
				}
				console.UpdateTaskMessage(taskID, msg)
			})
			console.RemoveTask(taskID)

			if err != nil {
				if errors.Is(err, fs.ErrDiskSpace) {
					console.Error("Disk space exhausted while downloading '%s'. Halting.", username)
					return err
				}
				console.Error("Download of '%s' failed: %v", username, err)
				continue
			}
			console.Success("'%s': %d downloaded, %d skipped, %d failed",
				username, res.Downloaded, res.Skipped, res.Failed)
		}
		return nil
	},
}
