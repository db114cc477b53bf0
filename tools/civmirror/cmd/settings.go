package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/pkg/storage"
)

// settingsCmd shows and edits per-profile settings.
var settingsCmd = &cobra.Command{
	Use:   "settings [key] [value]",
	Short: "Show or change profile settings.",
	Long: `Show or change profile settings.

Without arguments, the current settings are printed. With a key and value,
the setting is changed. Keys:
  civitai_username     remote account name associated with this profile
  show_nsfw            true/false
  slideshow_duration   seconds per image in slideshows
  slideshow_loop_post  true/false, loop within one post`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings, err := loadSettings()
		if err != nil {
			return err
		}

		if len(args) == 0 {
			console.Info("civitai_username:    %s", settings.CivitaiUsername)
			console.Info("show_nsfw:           %t", settings.ShowNSFW)
			console.Info("slideshow_duration:  %d", settings.SlideshowDuration)
			console.Info("slideshow_loop_post: %t", settings.SlideshowLoopPost)
			return nil
		}
		if len(args) != 2 {
			return fmt.Errorf("changing a setting takes a key and a value")
		}

		key, value := args[0], args[1]
		switch key {
		case "civitai_username":
			settings.CivitaiUsername = value
		case "show_nsfw":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean '%s'", value)
			}
			settings.ShowNSFW = b
		case "slideshow_duration":
			n, err := strconv.Atoi(value)
			if err != nil || n < 1 {
				return fmt.Errorf("invalid duration '%s': must be a positive number of seconds", value)
			}
			settings.SlideshowDuration = n
		case "slideshow_loop_post":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean '%s'", value)
			}
			settings.SlideshowLoopPost = b
		default:
			return fmt.Errorf("unknown setting '%s'", key)
		}

		if err := database.SaveSettings(*settings); err != nil {
			return fmt.Errorf("failed to save settings: %w", err)
		}
		console.Success("Set %s to %s.", key, value)
		return nil
	},
}

// loadSettings reads the profile's settings row, falling back to defaults
// when none exists yet.
func loadSettings() (*storage.Settings, error) {
	settings, err := database.GetSettings(cfg.Profile)
	if err == nil {
		return settings, nil
	}
	if isNotFound(err) {
		return &storage.Settings{
			UserID:            cfg.Profile,
			ShowNSFW:          cfg.ShowNSFW,
			SlideshowDuration: 5,
		}, nil
	}
	return nil, fmt.Errorf("failed to load settings: %w", err)
}
