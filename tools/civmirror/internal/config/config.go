package cliconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/vesperal/civmirror/pkg/config"
)

const AppName = "civmirror"

// Config extends the core config with CLI-specific options.
type Config struct {
	config.Config   `koanf:",squash"`
	DatabasePath    string `koanf:"database_path"`
	Editor          string `koanf:"editor"`
	CheckForUpdates bool   `koanf:"check_for_updates"`
	AutoUpdate      bool   `koanf:"auto_update"`
}

// Default returns the default CLI configuration.
func Default() (*Config, error) {
	coreCfg := config.Default()
	dbPath, err := xdg.DataFile(filepath.Join(AppName, "library.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to get default db path: %w", err)
	}
	return &Config{
		Config:          *coreCfg,
		DatabasePath:    dbPath,
		Editor:          "", // Default editor is determined in the 'edit' command logic
		CheckForUpdates: true,
		AutoUpdate:      false,
	}, nil
}

// Load loads the configuration from the given path, creating a commented
// default file on first run.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	defCfg, err := Default()
	if err != nil {
		return nil, err
	}
	cfgPath := path
	if cfgPath == "" {
		cfgPath, err = xdg.ConfigFile(filepath.Join(AppName, "config.yaml"))
		if err != nil {
			return nil, fmt.Errorf("failed to get default config path: %w", err)
		}
	}
	if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
		if err := createDefaultConfig(cfgPath, defCfg); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}
	if err := k.Load(file.Provider(cfgPath), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}
	cfg := defCfg
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Profile == "" {
		cfg.Profile = defCfg.Profile
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defCfg.DatabasePath
	}
	return cfg, nil
}

// createDefaultConfig creates a default configuration file.
func createDefaultConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	content := fmt.Sprintf(`# civmirror configuration file.
# Path where mirrored media files are saved.
download_path: "%s"
# Path to the SQLite database holding the mirrored library.
database_path: "%s"
# Local profile name. Creators, interactions and settings are scoped to it.
profile: "%s"
# Include mature content when listing and downloading.
show_nsfw: %t
# Page the whole feed on every sync instead of stopping once known content
# is reached. Slower, but repairs local deletions.
full_backfill: %t
# Delay between consecutive feed requests, e.g. "2s".
request_delay: "%s"
# Longer pause after every batch of feed requests, e.g. "30s".
batch_pause: "%s"
# Delay between creators when syncing several in one run.
inter_creator_delay: "%s"
# Age after which a creator is considered due for a sync, e.g. "24h".
stale_after: "%s"
# Concurrent download workers for the media mirror.
max_workers: %d
# Outbound IP address or interface name to bind HTTP traffic to. Empty uses
# the system default.
bind_address: "%s"
# Editor for the 'edit' command. If empty, $EDITOR and common editors are tried.
editor: "%s"
# Check GitHub for a newer release on startup.
check_for_updates: %t
# Apply updates automatically instead of just announcing them.
auto_update: %t
`, cfg.DownloadPath, cfg.DatabasePath, cfg.Profile, cfg.ShowNSFW, cfg.FullBackfill,
		cfg.RequestDelay, cfg.BatchPause, cfg.InterCreatorDelay, cfg.StaleAfter,
		cfg.MaxWorkers, cfg.BindAddress, cfg.Editor, cfg.CheckForUpdates, cfg.AutoUpdate)
	content = strings.ReplaceAll(content, "\\", "/")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write default config file: %w", err)
	}
	return nil
}
