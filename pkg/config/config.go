package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Config holds the core, application-agnostic configuration.
type Config struct {
	DownloadPath      string `koanf:"download_path"`       // Path to mirror media files into.
	Profile           string `koanf:"profile"`             // Local profile name; rows in the store are scoped to it.
	ShowNSFW          bool   `koanf:"show_nsfw"`           // Include mature content when listing/downloading.
	FullBackfill      bool   `koanf:"full_backfill"`       // Disable the early-stop heuristic and page until exhausted.
	RequestDelay      string `koanf:"request_delay"`       // Delay between consecutive feed requests (e.g. "2s").
	BatchPause        string `koanf:"batch_pause"`         // Longer pause after every batch of feed requests.
	InterCreatorDelay string `koanf:"inter_creator_delay"` // Delay between creators in a multi-creator run.
	StaleAfter        string `koanf:"stale_after"`         // Age after which a creator is due for a sync (e.g. "24h").
	MaxWorkers        int    `koanf:"max_workers"`         // Concurrent download workers for the media mirror.
	BindAddress       string `koanf:"bind_address"`        // Optional outbound IP/interface to bind HTTP traffic to.
}

// Default returns the default core configuration.
func Default() *Config {
	var defaultPath string
	downloadDir := xdg.UserDirs.Download
	if downloadDir != "" {
		defaultPath = filepath.Join(downloadDir, "civmirror")
	} else {
		// Fallback for systems without a configured XDG downloads directory.
		defaultPath = filepath.Join("downloads", "civmirror")
	}

	return &Config{
		DownloadPath:      defaultPath,
		Profile:           "default",
		ShowNSFW:          false,
		FullBackfill:      false,
		RequestDelay:      "2s",
		BatchPause:        "30s",
		InterCreatorDelay: "5s",
		StaleAfter:        "24h",
		MaxWorkers:        4,
		BindAddress:       "",
	}
}

// Duration parses one of the duration-valued fields, falling back to def
// when the configured value is empty or unparsable.
func Duration(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return d
}
