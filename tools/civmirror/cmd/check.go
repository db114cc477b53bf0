package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// checkCmd probes creators for new content without syncing.
var checkCmd = &cobra.Command{
	Use:   "check [usernames...]",
	Short: "Check creators for new posts without syncing.",
	Long: `Check creators for new posts without syncing.

Each creator's feed is probed with a single small request and compared
against the local library. Nothing is written.`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		usernames, err := resolveCreators(args)
		if err != nil {
			return err
		}

		for _, username := range usernames {
			creator, err := database.GetCreator(cfg.Profile, username)
			if err != nil {
				console.Error("Check of '%s' failed: %v", username, err)
				continue
			}
			fresh, err := engine.HasNewPosts(ctx, *creator)
			if err != nil {
				console.Error("Check of '%s' failed: %v", username, err)
				continue
			}
			if fresh {
				console.Info("%s has new posts.", console.Bold.Sprint(username))
			} else {
				console.Success("%s is up to date.", username)
			}
		}
		return nil
	},
}
