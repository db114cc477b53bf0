package cmd

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	civitai "github.com/vesperal/civmirror/internal"
	"github.com/vesperal/civmirror/pkg/mirror"
	"github.com/vesperal/civmirror/pkg/network"
	"github.com/vesperal/civmirror/pkg/storage/sqlite"
	"github.com/vesperal/civmirror/pkg/syncer"
	"github.com/vesperal/civmirror/tools/civmirror/internal/cli"
	cliconfig "github.com/vesperal/civmirror/tools/civmirror/internal/config"
	"github.com/vesperal/civmirror/tools/civmirror/internal/update"
)

var (
	// cfg stores the application configuration.
	cfg *cliconfig.Config
	// console is the CLI console for output.
	console *cli.Console
	// fileLogger is the logger for writing logs to a file.
	fileLogger *log.Logger
	// database is the storage backend.
	database *sqlite.DB
	// engine is the sync engine shared by the sync-ish commands.
	engine *syncer.Engine
	// media is the download mirror.
	media *mirror.Mirror
	// dbLock guards the database against concurrent civmirror processes.
	dbLock *flock.Flock
	// flagConfigPath is the path to the config file.
	flagConfigPath string
	// flagQuiet enables or disables quiet mode.
	flagQuiet bool
	// version is the version of the application. It is set at build time.
	version string
)

// SetVersion sets the version of the application.
func SetVersion(v string) {
	version = v
	if rootCmd != nil {
		rootCmd.Version = v
	}
}

var rootCmd = &cobra.Command{
	Use:   "civmirror [command]",
	Short: "A local mirror for Civitai creator galleries.",
	Long: `A local mirror for Civitai creator galleries.

Follow creators, sync their image posts into a local library, and download
the media files. For example:
  civmirror creators add some_creator
  civmirror sync
  civmirror download some_creator`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Commands that touch neither the network nor the database skip the
		// full setup.
		isLightweightCmd := false
		lightweightCommands := []string{"completion", "edit", "update", "help"}
		for c := cmd; c != nil; c = c.Parent() {
			for _, lwCmd := range lightweightCommands {
				if c.Name() == lwCmd {
					isLightweightCmd = true
					break
				}
			}
			if isLightweightCmd {
				break
			}
		}
		if cmd.Name() == "completion" {
			return nil
		}

		if !isLightweightCmd {
			if err := network.Init(cfg.BindAddress); err != nil {
				return err
			}

			// One process at a time. The feed is rate-limited per address,
			// so concurrent runs only get each other banned.
			lockPath, err := xdg.StateFile(filepath.Join(cliconfig.AppName, "civmirror.lock"))
			if err != nil {
				return fmt.Errorf("failed to resolve lock path: %w", err)
			}
			dbLock = flock.New(lockPath)
			locked, err := dbLock.TryLock()
			if err != nil {
				return fmt.Errorf("failed to acquire process lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another civmirror process is already running")
			}

			cleanLogs, _ := cmd.Flags().GetBool("clean-logs")
			fileLogger, err = setupFileLogger(cleanLogs, cfg)
			if err != nil {
				return fmt.Errorf("failed to set up file logger: %w", err)
			}
			if val, _ := cmd.Flags().GetBool("debug"); val {
				civitai.Debug = true
				mw := io.MultiWriter(fileLogger.Writer(), os.Stderr)
				fileLogger.SetOutput(mw)
			}

			database, err = sqlite.New(cfg.DatabasePath)
			if err != nil {
				return fmt.Errorf("error initializing database: %w", err)
			}

			engine = syncer.New(database, civitai.Remote{}, &cfg.Config)
			engine.SetLogger(fileLogger)
			engine.Events.Subscribe(syncer.EventPostsAdded, func(p syncer.EventPayload) {
				fileLogger.Printf("event: %d new posts for %s (%d total)", p.NewPosts, p.Creator, p.TotalPosts)
			})

			media = mirror.New(database, &cfg.Config)
			media.SetLogger(fileLogger)
		}

		if !isLightweightCmd && cfg.CheckForUpdates {
			latestVersion, err := update.CheckForUpdate(version)
			if err != nil {
				// Non-fatal, just warn the user.
				console.Warn("Update check failed: %v", err)
			} else if latestVersion != "" {
				if cfg.AutoUpdate {
					console.Info("New version available (%s). Auto-updating...", latestVersion)
					if err := update.ApplyUpdate(console, version); err != nil {
						console.Error("Auto-update failed: %v", err)
					}
					// Exit after attempting update, successful or not. User should re-run.
					os.Exit(0)
				} else {
					console.Warn("A new version of civmirror is available: %s. Run 'civmirror update' to upgrade.", console.Bold.Sprint(latestVersion))
				}
			}
		}

		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		console.StopRenderer()
		if dbLock != nil {
			if err := dbLock.Unlock(); err != nil {
				console.Warn("Failed to release process lock: %v", err)
			}
		}
		if database != nil {
			return database.Close()
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSync(cmd, args)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// init initializes the command line interface.
func init() {
	console = cli.New(false)

	cobra.OnInitialize(func() {
		if val, err := rootCmd.Flags().GetBool("quiet"); err == nil && val {
			flagQuiet = true
			console = cli.New(true)
		}

		var err error
		if val, err := rootCmd.Flags().GetString("config"); err == nil {
			flagConfigPath = val
		}

		cfg, err = cliconfig.Load(flagConfigPath)
		if err != nil {
			console.Error("Error loading config: %v", err)
			os.Exit(1)
		}

		applyFlagOverrides(rootCmd, cfg)
	})

	rootCmd.Version = version
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Quiet mode, no console output except for errors")
	rootCmd.PersistentFlags().Bool("debug", false, "Log debug info to stderr and log file")
	rootCmd.PersistentFlags().Bool("clean-logs", false, "Redact sensitive info (creators, IDs, paths) from log files")

	rootCmd.PersistentFlags().StringP("dir", "d", "", "Directory to save files (overrides config)")
	rootCmd.PersistentFlags().StringP("profile", "p", "", "Local profile to act as (overrides config)")
	rootCmd.PersistentFlags().IntP("workers", "w", 0, "Number of concurrent download workers (overrides config)")
	rootCmd.PersistentFlags().Bool("nsfw", false, "Include mature content (overrides config)")
	rootCmd.PersistentFlags().String("bind", "", "Outbound IP address or interface to bind to (overrides config)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(creatorsCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(favCmd)
	rootCmd.AddCommand(hideCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(updateCmd)
}

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}
