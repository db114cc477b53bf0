// Package mirror downloads a creator's synced images from the CDN into a
// local directory tree, one subdirectory per creator, with per-file SHA256
// bookkeeping in the store.
package mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cavaliergopher/grab/v3"

	"github.com/vesperal/civmirror/internal/fs"
	"github.com/vesperal/civmirror/pkg/config"
	"github.com/vesperal/civmirror/pkg/pool"
	"github.com/vesperal/civmirror/pkg/ratelimiter"
	"github.com/vesperal/civmirror/pkg/storage"
)

const (
	// minFreeBytes is the space floor below which downloads abort rather
	// than fill the disk. 512 MiB.
	minFreeBytes = 512 << 20

	defaultRetries    = 3
	defaultRetryDelay = 10 * time.Second
	defaultRate       = time.Second
)

// defaultClient is the grab client used for CDN downloads.
var defaultClient = &grab.Client{
	HTTPClient: &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
		},
		Timeout: 5 * time.Minute,
	},
	UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.1",
}

// Result summarizes one mirror run.
type Result struct {
	Downloaded int
	Skipped    int
	Failed     int
}

// ProgressFunc receives one call per finished file. It may be called from
// multiple goroutines.
type ProgressFunc func(filename string, downloaded, skipped, failed int)

// Mirror drives media downloads against a Store.
type Mirror struct {
	store      storage.Store
	client     *grab.Client
	log        *log.Logger
	dir        string
	workers    int
	rate       time.Duration
	retries    int
	retryDelay time.Duration
}

// New creates a mirror writing under cfg.DownloadPath with cfg.MaxWorkers
// concurrent downloads.
func New(store storage.Store, cfg *config.Config) *Mirror {
	workers := cfg.MaxWorkers
	if workers < 1 {
		workers = 1
	}
	return &Mirror{
		store:      store,
		client:     defaultClient,
		log:        log.Default(),
		dir:        cfg.DownloadPath,
		workers:    workers,
		rate:       defaultRate,
		retries:    defaultRetries,
		retryDelay: defaultRetryDelay,
	}
}

// SetLogger redirects the mirror's log output.
func (m *Mirror) SetLogger(l *log.Logger) {
	if l != nil {
		m.log = l
	}
}

// MirrorCreator downloads every not-yet-mirrored image of a creator.
// Already-recorded images are skipped; individual failures are logged and
// counted without stopping the run. Running out of disk space aborts the
// whole run with fs.ErrDiskSpace.
func (m *Mirror) MirrorCreator(ctx context.Context, username string, includeNSFW bool, progress ProgressFunc) (Result, error) {
	images, err := m.store.ImagesByCreator(username, includeNSFW)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list images for %s: %w", username, err)
	}

	creatorDir := filepath.Join(m.dir, username)
	if err := os.MkdirAll(creatorDir, 0750); err != nil {
		return Result{}, fmt.Errorf("failed to create directory %s: %w", creatorDir, err)
	}
	if err := fs.RequireAvailable(creatorDir, minFreeBytes); err != nil {
		return Result{}, err
	}

	var (
		mu      sync.Mutex
		res     Result
		aborted atomic.Bool
	)
	limiter := ratelimiter.New(ctx, m.rate)
	defer limiter.Stop()
	workers := pool.New(m.workers, len(images))

	for _, img := range images {
		img := img
		workers.Submit(func() {
			if aborted.Load() || ctx.Err() != nil {
				return
			}

			exists, err := m.store.DownloadExists(img.ImageID)
			if err != nil {
				m.log.Printf("mirror: failed to check image %d: %v", img.ImageID, err)
				m.finish(&mu, &res, progress, "", outcomeFailed)
				return
			}
			if exists {
				m.finish(&mu, &res, progress, "", outcomeSkipped)
				return
			}

			if err := fs.RequireAvailable(creatorDir, minFreeBytes); err != nil {
				if errors.Is(err, fs.ErrDiskSpace) {
					aborted.Store(true)
				}
				m.log.Printf("mirror: %v", err)
				m.finish(&mu, &res, progress, "", outcomeFailed)
				return
			}
			if err := limiter.Wait(); err != nil {
				return
			}

			filename := filepath.Join(creatorDir, imageFilename(username, img))
			hash, err := m.downloadRetrying(img.URL, filename, 0, nil)
			if err != nil {
				m.log.Printf("mirror: download of image %d failed: %v", img.ImageID, err)
				m.finish(&mu, &res, progress, "", outcomeFailed)
				return
			}

			record := storage.DownloadRecord{
				ImageID:      img.ImageID,
				Username:     username,
				Path:         filename,
				SHA256:       hash,
				DownloadedAt: time.Now(),
			}
			if err := m.store.RecordDownload(record); err != nil {
				m.log.Printf("mirror: failed to record image %d: %v", img.ImageID, err)
				m.finish(&mu, &res, progress, "", outcomeFailed)
				return
			}
			m.finish(&mu, &res, progress, filename, outcomeDownloaded)
		})
	}
	workers.Stop()

	if aborted.Load() {
		return res, fmt.Errorf("mirror of %s aborted: %w", username, fs.ErrDiskSpace)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

type outcome int

const (
	outcomeDownloaded outcome = iota
	outcomeSkipped
	outcomeFailed
)

func (m *Mirror) finish(mu *sync.Mutex, res *Result, progress ProgressFunc, filename string, o outcome) {
	mu.Lock()
	switch o {
	case outcomeDownloaded:
		res.Downloaded++
	case outcomeSkipped:
		res.Skipped++
	case outcomeFailed:
		res.Failed++
	}
	d, s, f := res.Downloaded, res.Skipped, res.Failed
	mu.Unlock()
	if progress != nil {
		progress(filename, d, s, f)
	}
}

// downloadRetrying downloads url to filename, retrying transient failures
// with a fixed delay. Returns the SHA256 of the completed file.
func (m *Mirror) downloadRetrying(url, filename string, try int, lastErr error) (string, error) {
	if try > m.retries {
		if lastErr == nil {
			lastErr = fmt.Errorf("all retries failed")
		}
		return "", fmt.Errorf("failed after %d retries: %w", m.retries, lastErr)
	}
	if try > 0 {
		time.Sleep(m.retryDelay)
	}

	req, err := grab.NewRequest(filename, url)
	if err != nil {
		return "", err
	}
	if resp := m.client.Do(req); resp.Err() != nil {
		return m.downloadRetrying(url, filename, try+1, resp.Err())
	}

	hash, err := FileSHA256(filename)
	if err != nil {
		_ = os.Remove(filename)
		return m.downloadRetrying(url, filename, try+1, err)
	}
	return hash, nil
}

// FileSHA256 calculates the SHA256 hash of a file.
func FileSHA256(filename string) (string, error) {
	f, err := os.Open(filename) // #nosec G304
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "error closing file: %v\n", err)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// imageFilename names a mirrored file after its post and image identifiers,
// keeping the CDN's file extension when it has one.
func imageFilename(username string, img storage.Image) string {
	ext := path.Ext(img.URL)
	if ext == "" || len(ext) > 5 {
		ext = ".jpeg"
	}
	return fmt.Sprintf("%s_%d_%d%s", username, img.PostID, img.ImageID, ext)
}
