// Package syncer implements the incremental synchronization engine: paging a
// creator's remote image feed newest-first, persisting what is missing, and
// stopping early once it verifiably reaches content it already holds.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	civitai "github.com/vesperal/civmirror/internal"
	"github.com/vesperal/civmirror/pkg/config"
	"github.com/vesperal/civmirror/pkg/storage"
)

// Defaults for the engine tunables. The delays are deliberately conservative;
// the remote API rate-limits aggressively and bans are sticky.
const (
	DefaultPageSize          = 200
	DefaultCheckPageSize     = 10
	DefaultMaxRequests       = 50
	DefaultBatchSize         = 5
	DefaultConvergenceLimit  = 2
	DefaultRequestDelay      = 2 * time.Second
	DefaultBatchPause        = 30 * time.Second
	DefaultRateLimitCooldown = 2 * time.Minute
	DefaultServerErrCooldown = 10 * time.Second
	DefaultInterCreatorDelay = 5 * time.Second
	DefaultStaleAfter        = 24 * time.Hour
)

var (
	// ErrCancelled reports a sync stopped by request. It is an expected
	// outcome, not a failure; progress made before the stop is kept.
	ErrCancelled = errors.New("sync cancelled")
	// ErrAlreadySyncing reports that another run currently holds the creator.
	ErrAlreadySyncing = errors.New("sync already in progress")
)

// Source is the remote feed the engine pulls from. civitai.Remote is the
// live implementation; tests substitute scripted fakes.
type Source interface {
	// CreatorImages fetches one page of a creator's feed, newest first.
	// An empty cursor requests the newest page.
	CreatorImages(ctx context.Context, username string, limit int, cursor string) (*civitai.ImagePage, error)
	// PostImages fetches every image of a single post.
	PostImages(ctx context.Context, postID int64) (*civitai.ImagePage, error)
}

// Options control a single sync run.
type Options struct {
	// UserID scopes creator rows to the acting profile.
	UserID string
	// FullBackfill disables the early-stop heuristic: the run pages until
	// the feed is exhausted, re-verifying every post. Use it to repair local
	// state after deletions or missed runs.
	FullBackfill bool
	// OnProgress, when set, receives a snapshot after every processed page.
	OnProgress ProgressFunc
}

// Progress is a per-page snapshot of a running sync. NewPosts and
// TotalImages accumulate over the run; TotalPosts is the authoritative
// local count after the page.
type Progress struct {
	Creator     string
	Page        int
	NewPosts    int
	TotalImages int
	TotalPosts  int
	Phase       string
}

// ProgressFunc receives progress snapshots. It is called from the syncing
// goroutine and must not block.
type ProgressFunc func(Progress)

// Engine drives creator synchronization against a Store and a Source.
// Methods on Engine are safe for concurrent use; per-creator exclusion is
// enforced through the store's conditional status claim, so two engines over
// the same database also cannot double-sync a creator.
type Engine struct {
	store  storage.Store
	source Source
	log    *log.Logger

	// Events receives engine notifications. Subscribe before syncing.
	Events Events

	pageSize          int
	checkPageSize     int
	maxRequests       int
	batchSize         int
	convergenceLimit  int
	requestDelay      time.Duration
	batchPause        time.Duration
	rateLimitCooldown time.Duration
	serverErrCooldown time.Duration
	interCreatorDelay time.Duration
	staleAfter        time.Duration
}

// New creates an engine with the default tunables, overridden by the
// duration knobs in cfg when present.
func New(store storage.Store, source Source, cfg *config.Config) *Engine {
	e := &Engine{
		store:             store,
		source:            source,
		log:               log.Default(),
		pageSize:          DefaultPageSize,
		checkPageSize:     DefaultCheckPageSize,
		maxRequests:       DefaultMaxRequests,
		batchSize:         DefaultBatchSize,
		convergenceLimit:  DefaultConvergenceLimit,
		requestDelay:      DefaultRequestDelay,
		batchPause:        DefaultBatchPause,
		rateLimitCooldown: DefaultRateLimitCooldown,
		serverErrCooldown: DefaultServerErrCooldown,
		interCreatorDelay: DefaultInterCreatorDelay,
		staleAfter:        DefaultStaleAfter,
	}
	if cfg != nil {
		e.requestDelay = config.Duration(cfg.RequestDelay, DefaultRequestDelay)
		e.batchPause = config.Duration(cfg.BatchPause, DefaultBatchPause)
		e.interCreatorDelay = config.Duration(cfg.InterCreatorDelay, DefaultInterCreatorDelay)
		e.staleAfter = config.Duration(cfg.StaleAfter, DefaultStaleAfter)
	}
	return e
}

// SetLogger redirects the engine's log output.
func (e *Engine) SetLogger(l *log.Logger) {
	if l != nil {
		e.log = l
	}
}

// SyncCreator runs one full incremental sync for a creator.
//
// The run always restarts paging from the newest page rather than resuming
// from a stored cursor: new content appears at the head of the feed, so a
// resumed cursor would walk past it. The stored cursor is only a record of
// how far the last run verified.
//
// Paging stops when the feed is exhausted, when the request cap is reached,
// or - unless FullBackfill is set - after two consecutive pages whose posts
// were all already persisted in full.
//
// Returns storage.ErrNotFound when the profile does not follow the creator,
// ErrAlreadySyncing when the creator is claimed by another run, and
// ErrCancelled when the run is stopped by request; all three leave the store
// consistent. Any other error is fatal and flips the creator to the error
// status before returning.
func (e *Engine) SyncCreator(ctx context.Context, username string, opts Options) error {
	claimed, err := e.store.ClaimForSync(opts.UserID, username)
	if err != nil {
		return fmt.Errorf("failed to claim %s for sync: %w", username, err)
	}
	if !claimed {
		// A failed claim means the creator either is not visible to this
		// profile or is held by another run.
		if _, gerr := e.store.GetCreator(opts.UserID, username); gerr != nil {
			if errors.Is(gerr, storage.ErrNotFound) {
				return fmt.Errorf("creator %s: %w", username, storage.ErrNotFound)
			}
			return fmt.Errorf("failed to inspect %s: %w", username, gerr)
		}
		return fmt.Errorf("%w: %s", ErrAlreadySyncing, username)
	}

	err = e.syncClaimed(ctx, username, opts)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrCancelled):
		// Requested stop. When the run still holds the syncing status (a
		// context cancel), reset it to pending so the next run picks the
		// creator back up. A status written by an external canceller stays
		// as written. Partial progress is already persisted either way.
		status, serr := e.store.SyncStatus(opts.UserID, username)
		if serr == nil && status == storage.StatusSyncing {
			serr = e.store.SetSyncStatus(opts.UserID, username, storage.StatusPending)
		}
		if serr != nil {
			e.log.Printf("syncer: failed to reset status for %s after cancellation: %v", username, serr)
		}
		return ErrCancelled
	default:
		if serr := e.store.SetSyncStatus(opts.UserID, username, storage.StatusError); serr != nil {
			e.log.Printf("syncer: failed to record error status for %s: %v", username, serr)
		}
		return err
	}
}

// syncClaimed is the paging loop. The caller owns the syncing claim and
// translates the returned error into a final status.
func (e *Engine) syncClaimed(ctx context.Context, username string, opts Options) error {
	var (
		cursor    string
		page      int
		requests  int
		converged int
		newPosts  int
		images    int
		total     int
	)

	for {
		if err := e.checkCancelled(ctx, username, opts.UserID); err != nil {
			return err
		}
		if requests >= e.maxRequests {
			e.log.Printf("syncer: request cap reached for %s after %d pages", username, page)
			break
		}
		if err := e.pace(ctx, requests); err != nil {
			return err
		}

		feed, err := e.fetchPage(ctx, username, e.pageSize, cursor)
		if err != nil {
			return err
		}
		requests++
		page++

		groups, dropped := civitai.GroupByPost(feed.Items)
		if dropped > 0 {
			e.log.Printf("syncer: dropped %d items with invalid identifiers on page %d of %s", dropped, page, username)
		}
		images += len(feed.Items) - dropped

		pageNew := 0
		for _, group := range groups {
			fresh, err := e.persistPost(username, group, opts.FullBackfill)
			if err != nil {
				return err
			}
			if fresh {
				pageNew++
			}
		}
		newPosts += pageNew

		next := feed.NextCursor()
		if next != "" {
			// Record the furthest page boundary this run has verified.
			if err := e.store.SetLastCursor(opts.UserID, username, next); err != nil {
				return fmt.Errorf("failed to persist cursor for %s: %w", username, err)
			}
		}

		// The cached count drifts when posts are pruned or the feed shrinks,
		// so recount from the local table every page.
		total, err = e.store.CountPostsByCreator(username)
		if err != nil {
			return fmt.Errorf("failed to count posts for %s: %w", username, err)
		}
		if err := e.store.SetTotalPosts(opts.UserID, username, total); err != nil {
			return fmt.Errorf("failed to record post count for %s: %w", username, err)
		}

		if pageNew == 0 {
			converged++
		} else {
			converged = 0
		}

		e.report(opts, Progress{Creator: username, Page: page, NewPosts: newPosts, TotalImages: images, TotalPosts: total, Phase: "syncing"})

		if !opts.FullBackfill && converged >= e.convergenceLimit {
			e.log.Printf("syncer: %s converged after %d pages", username, page)
			break
		}
		if next == "" && len(feed.Items) < e.pageSize {
			break
		}
		// A full page without a continuation URL is ambiguous: re-request the
		// same cursor and let the convergence counter or the request cap end
		// the run.
		if next != "" {
			cursor = next
		}
	}

	removed, err := e.store.RemoveDuplicateImages(username)
	if err != nil {
		return fmt.Errorf("failed to deduplicate images for %s: %w", username, err)
	}
	if removed > 0 {
		e.log.Printf("syncer: removed %d duplicate images for %s", removed, username)
	}

	if err := e.store.CompleteSync(opts.UserID, username, total, time.Now()); err != nil {
		return fmt.Errorf("failed to record completion for %s: %w", username, err)
	}

	e.report(opts, Progress{Creator: username, Page: page, NewPosts: newPosts, TotalImages: images, TotalPosts: total, Phase: "completed"})
	payload := EventPayload{Creator: username, NewPosts: newPosts, TotalPosts: total}
	e.Events.publish(EventSyncCompleted, payload)
	if newPosts > 0 {
		e.Events.publish(EventPostsAdded, payload)
	}
	return nil
}

// persistPost writes one post group. Posts already held in full are skipped
// unless backfill forces re-verification. Returns whether anything was
// written.
func (e *Engine) persistPost(username string, group civitai.PostGroup, backfill bool) (bool, error) {
	exists, have, err := e.store.PostState(group.PostID)
	if err != nil {
		return false, fmt.Errorf("failed to inspect post %d: %w", group.PostID, err)
	}
	if exists && have >= len(group.Items) && !backfill {
		return false, nil
	}

	if err := e.store.UpsertPost(postFromGroup(username, group)); err != nil {
		return false, fmt.Errorf("failed to store post %d: %w", group.PostID, err)
	}
	for i, it := range group.Items {
		img, ok := imageFromItem(group.PostID, i, it)
		if !ok {
			continue
		}
		if err := e.store.UpsertImage(img); err != nil {
			return false, fmt.Errorf("failed to store image %d of post %d: %w", img.ImageID, group.PostID, err)
		}
	}

	// A page shows at most a window of a post's images; the persisted rows
	// are the source of truth for the cached count.
	count, err := e.store.CountPostImages(group.PostID)
	if err != nil {
		return false, fmt.Errorf("failed to count images of post %d: %w", group.PostID, err)
	}
	if count != len(group.Items) {
		if err := e.store.SetPostImageCount(group.PostID, count); err != nil {
			return false, fmt.Errorf("failed to correct image count of post %d: %w", group.PostID, err)
		}
	}
	return true, nil
}

// fetchPage requests one feed page, absorbing rate limits and server errors
// by cooling down and retrying the same cursor. Only client-side errors and
// cancellation propagate.
func (e *Engine) fetchPage(ctx context.Context, username string, limit int, cursor string) (*civitai.ImagePage, error) {
	for {
		feed, err := e.source.CreatorImages(ctx, username, limit, cursor)
		if err == nil {
			return feed, nil
		}
		switch {
		case ctx.Err() != nil:
			return nil, ErrCancelled
		case civitai.IsRateLimited(err):
			e.log.Printf("syncer: rate limited fetching %s, cooling down for %s", username, e.rateLimitCooldown)
			if err := sleepCtx(ctx, e.rateLimitCooldown); err != nil {
				return nil, err
			}
		case civitai.IsServerError(err):
			e.log.Printf("syncer: server error fetching %s (%v), retrying in %s", username, err, e.serverErrCooldown)
			if err := sleepCtx(ctx, e.serverErrCooldown); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("failed to fetch page for %s: %w", username, err)
		}
	}
}

// checkCancelled polls for a stop request: either the context or an external
// flip of the creator's status away from syncing.
func (e *Engine) checkCancelled(ctx context.Context, username, userID string) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	status, err := e.store.SyncStatus(userID, username)
	if err != nil {
		return fmt.Errorf("failed to poll status of %s: %w", username, err)
	}
	if status != storage.StatusSyncing {
		return ErrCancelled
	}
	return nil
}

// Cancel requests that an in-flight sync of username stop. The running loop
// notices the status change at its next poll.
func (e *Engine) Cancel(userID, username string) error {
	status, err := e.store.SyncStatus(userID, username)
	if err != nil {
		return err
	}
	if status != storage.StatusSyncing {
		return nil
	}
	return e.store.SetSyncStatus(userID, username, storage.StatusPending)
}

// pace sleeps between feed requests: a short delay before every request
// after the first, and a longer pause after every batch.
func (e *Engine) pace(ctx context.Context, requests int) error {
	if requests == 0 {
		return nil
	}
	if requests%e.batchSize == 0 {
		return sleepCtx(ctx, e.batchPause)
	}
	return sleepCtx(ctx, e.requestDelay)
}

func (e *Engine) report(opts Options, p Progress) {
	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
}

// SyncAllCreators syncs every creator of the profile that is due, in the
// order they were added. Previously synced creators get a lightweight probe
// first and are skipped with a freshness stamp when nothing new exists.
// A failure on one creator is logged and does not stop the others;
// cancellation stops the whole run.
func (e *Engine) SyncAllCreators(ctx context.Context, opts Options) error {
	creators, err := e.store.CreatorsNeedingSync(opts.UserID, e.staleAfter)
	if err != nil {
		return fmt.Errorf("failed to list creators needing sync: %w", err)
	}

	for i, c := range creators {
		if i > 0 {
			if err := sleepCtx(ctx, e.interCreatorDelay); err != nil {
				return err
			}
		}

		if c.LastSyncedAt != nil && c.Status == storage.StatusCompleted && !opts.FullBackfill {
			fresh, err := e.HasNewPosts(ctx, c)
			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return err
				}
				e.log.Printf("syncer: update check failed for %s, syncing anyway: %v", c.Username, err)
				fresh = true
			}
			if !fresh {
				if err := e.store.TouchLastSynced(opts.UserID, c.Username, time.Now()); err != nil {
					e.log.Printf("syncer: failed to stamp %s as fresh: %v", c.Username, err)
				}
				e.report(opts, Progress{Creator: c.Username, TotalPosts: c.TotalPosts, Phase: "up to date"})
				continue
			}
		}

		switch err := e.SyncCreator(ctx, c.Username, opts); {
		case err == nil:
		case errors.Is(err, ErrCancelled):
			return err
		case errors.Is(err, ErrAlreadySyncing):
			e.log.Printf("syncer: skipping %s: %v", c.Username, err)
		default:
			e.log.Printf("syncer: sync of %s failed: %v", c.Username, err)
		}
	}
	return nil
}

// ForceResyncCreator clears a creator's progress and runs a fresh sync.
func (e *Engine) ForceResyncCreator(ctx context.Context, username string, opts Options) error {
	if err := e.store.ResetForResync(opts.UserID, username); err != nil {
		return fmt.Errorf("failed to reset %s: %w", username, err)
	}
	return e.SyncCreator(ctx, username, opts)
}

// ForceResyncAll resets every creator of the profile and syncs them all.
func (e *Engine) ForceResyncAll(ctx context.Context, opts Options) error {
	creators, err := e.store.ListCreators(opts.UserID)
	if err != nil {
		return fmt.Errorf("failed to list creators: %w", err)
	}
	for _, c := range creators {
		if err := e.store.ResetForResync(opts.UserID, c.Username); err != nil {
			return fmt.Errorf("failed to reset %s: %w", c.Username, err)
		}
	}
	return e.SyncAllCreators(ctx, opts)
}

func postFromGroup(username string, group civitai.PostGroup) storage.Post {
	cover := group.Items[0]
	nsfw := false
	for _, it := range group.Items {
		if it.NSFW {
			nsfw = true
			break
		}
	}
	return storage.Post{
		PostID:          group.PostID,
		CreatorUsername: &username,
		CoverImageURL:   &cover.URL,
		CoverImageHash:  &cover.Hash,
		CoverWidth:      cover.Width,
		CoverHeight:     cover.Height,
		ImageCount:      len(group.Items),
		NSFW:            nsfw,
		PublishedAt:     cover.CreatedAt,
		UpdatedAt:       time.Now(),
	}
}

func imageFromItem(postID int64, position int, it civitai.ImageItem) (storage.Image, bool) {
	id, ok := it.ImageID()
	if !ok {
		return storage.Image{}, false
	}
	hash := it.Hash
	pos := position
	return storage.Image{
		ImageID:  id,
		PostID:   postID,
		URL:      it.URL,
		Hash:     &hash,
		Width:    it.Width,
		Height:   it.Height,
		NSFW:     it.NSFW,
		Position: &pos,
	}, true
}

// sleepCtx sleeps for d unless the context ends first, in which case it
// reports cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-t.C:
		return nil
	}
}
