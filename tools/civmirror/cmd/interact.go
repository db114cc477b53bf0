package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// favCmd toggles the favorite flag on a post.
var favCmd = &cobra.Command{
	Use:   "fav <post-id>",
	Short: "Toggle a post's favorite flag.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleInteraction(args[0], "favorited",
			func(postID int64, on bool) error { return database.SetFavorited(cfg.Profile, postID, on) },
			func(postID int64) (bool, error) {
				in, err := database.GetInteraction(cfg.Profile, postID)
				if err != nil {
					return false, err
				}
				return in.IsFavorited, nil
			})
	},
}

// hideCmd toggles the hidden flag on a post.
var hideCmd = &cobra.Command{
	Use:   "hide <post-id>",
	Short: "Toggle a post's hidden flag.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return toggleInteraction(args[0], "hidden",
			func(postID int64, on bool) error { return database.SetHidden(cfg.Profile, postID, on) },
			func(postID int64) (bool, error) {
				in, err := database.GetInteraction(cfg.Profile, postID)
				if err != nil {
					return false, err
				}
				return in.IsHidden, nil
			})
	},
}

// toggleInteraction flips one interaction flag: read the current value (a
// missing row reads as false), write the opposite, report the result.
func toggleInteraction(arg, label string, set func(int64, bool) error, get func(int64) (bool, error)) error {
	postID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || postID <= 0 {
		return fmt.Errorf("invalid post id '%s'", arg)
	}

	current, err := currentFlag(postID, get)
	if err != nil {
		return err
	}
	if err := set(postID, !current); err != nil {
		return fmt.Errorf("failed to update post %d: %w", postID, err)
	}
	if !current {
		console.Success("Post %d is now %s.", postID, label)
	} else {
		console.Success("Post %d is no longer %s.", postID, label)
	}
	return nil
}

func currentFlag(postID int64, get func(int64) (bool, error)) (bool, error) {
	current, err := get(postID)
	if err == nil {
		return current, nil
	}
	// No interaction row yet reads as false.
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to read post %d: %w", postID, err)
}
