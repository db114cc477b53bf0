package cmd

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/spf13/cobra"

	"github.com/vesperal/civmirror/pkg/logging"
	"github.com/vesperal/civmirror/pkg/storage"
	"github.com/vesperal/civmirror/pkg/storage/sqlite"
	"github.com/vesperal/civmirror/pkg/syncer"
	cliconfig "github.com/vesperal/civmirror/tools/civmirror/internal/config"
)

// applyFlagOverrides applies command-line flag overrides to the configuration.
func applyFlagOverrides(cmd *cobra.Command, cfg *cliconfig.Config) {
	if cmd.Flag("dir").Changed {
		cfg.DownloadPath, _ = cmd.Flags().GetString("dir")
	}
	if cmd.Flag("profile").Changed {
		cfg.Profile, _ = cmd.Flags().GetString("profile")
	}
	if cmd.Flag("workers").Changed {
		if val, _ := cmd.Flags().GetInt("workers"); val > 0 {
			cfg.MaxWorkers = val
		}
	}
	if cmd.Flag("nsfw").Changed {
		cfg.ShowNSFW, _ = cmd.Flags().GetBool("nsfw")
	}
	if cmd.Flag("bind").Changed {
		cfg.BindAddress, _ = cmd.Flags().GetString("bind")
	}
}

// setupFileLogger sets up a file logger under the XDG state directory.
func setupFileLogger(clean bool, cfg *cliconfig.Config) (*log.Logger, error) {
	logPath, err := xdg.StateFile(filepath.Join(cliconfig.AppName, "app.log"))
	if err != nil {
		return nil, fmt.Errorf("could not get log file path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0750); err != nil {
		return nil, fmt.Errorf("could not create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640) // #nosec G304 G302
	if err != nil {
		return nil, fmt.Errorf("could not open log file: %w", err)
	}

	var writer io.Writer = f
	if clean {
		writer = logging.NewRedactingWriter(f, cfg.DownloadPath, creatorNames())
	}

	return log.New(writer, "", log.LstdFlags), nil
}

// creatorNames lists the followed creators for log redaction. The database
// is not open yet when the logger is built, so a throwaway connection reads
// the list.
func creatorNames() []string {
	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil
	}
	defer func() { _ = db.Close() }()
	creators, err := db.ListCreators(cfg.Profile)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(creators))
	for _, c := range creators {
		names = append(names, c.Username)
	}
	return names
}

// resolveCreators expands args to creator usernames, falling back to every
// followed creator when no args are given.
func resolveCreators(args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	creators, err := database.ListCreators(cfg.Profile)
	if err != nil {
		return nil, fmt.Errorf("failed to list creators: %w", err)
	}
	names := make([]string, 0, len(creators))
	for _, c := range creators {
		names = append(names, c.Username)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no creators followed; add one with 'civmirror creators add <username>'")
	}
	return names, nil
}

// syncProgress builds a progress callback feeding the console task display.
func syncProgress(taskID string) syncer.ProgressFunc {
	return func(p syncer.Progress) {
		console.UpdateTaskActivity(taskID)
		console.UpdateTaskMessage(taskID, fmt.Sprintf("%s: page %d, %d new posts, %d images seen (%d total posts)", p.Phase, p.Page, p.NewPosts, p.TotalImages, p.TotalPosts))
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func statusLabel(s storage.SyncStatus) string {
	switch s {
	case storage.StatusSyncing:
		return console.Cyan.Sprint(string(s))
	case storage.StatusCompleted:
		return console.Lime.Sprint(string(s))
	case storage.StatusError:
		return console.Orange.Sprint(string(s))
	default:
		return console.Gray.Sprint(string(s))
	}
}
