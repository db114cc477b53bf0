package syncer

import (
	"context"
	"errors"
	"fmt"

	civitai "github.com/vesperal/civmirror/internal"
)

// SyncIncompletePosts re-fetches a creator's posts that lack resolved cover
// metadata, using the by-post endpoint rather than the paginated feed. Such
// rows come from out-of-band imports or interrupted runs. Each post fails or
// succeeds on its own; a repair run never aborts on a single bad post.
// Returns how many posts were repaired.
func (e *Engine) SyncIncompletePosts(ctx context.Context, username string, opts Options) (int, error) {
	posts, err := e.store.IncompletePosts(username)
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete posts for %s: %w", username, err)
	}
	if len(posts) == 0 {
		return 0, nil
	}

	repaired := 0
	for i, p := range posts {
		if ctx.Err() != nil {
			return repaired, ErrCancelled
		}
		if err := e.pace(ctx, i); err != nil {
			return repaired, err
		}

		feed, err := e.fetchPost(ctx, p.PostID)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return repaired, err
			}
			e.log.Printf("syncer: repair of post %d failed: %v", p.PostID, err)
			continue
		}

		groups, _ := civitai.GroupByPost(feed.Items)
		group, ok := findGroup(groups, p.PostID)
		if !ok {
			// The post is gone upstream. Leave the row for a prune pass.
			e.log.Printf("syncer: post %d no longer exists upstream", p.PostID)
			continue
		}
		if _, err := e.persistPost(username, group, true); err != nil {
			e.log.Printf("syncer: repair of post %d failed: %v", p.PostID, err)
			continue
		}
		repaired++
		e.report(opts, Progress{Creator: username, NewPosts: repaired, Phase: "repairing"})
	}
	return repaired, nil
}

// fetchPost is the by-post counterpart of fetchPage, with the same cooldown
// and retry behavior.
func (e *Engine) fetchPost(ctx context.Context, postID int64) (*civitai.ImagePage, error) {
	for {
		feed, err := e.source.PostImages(ctx, postID)
		if err == nil {
			return feed, nil
		}
		switch {
		case ctx.Err() != nil:
			return nil, ErrCancelled
		case civitai.IsRateLimited(err):
			e.log.Printf("syncer: rate limited fetching post %d, cooling down for %s", postID, e.rateLimitCooldown)
			if err := sleepCtx(ctx, e.rateLimitCooldown); err != nil {
				return nil, err
			}
		case civitai.IsServerError(err):
			e.log.Printf("syncer: server error fetching post %d (%v), retrying in %s", postID, err, e.serverErrCooldown)
			if err := sleepCtx(ctx, e.serverErrCooldown); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("failed to fetch post %d: %w", postID, err)
		}
	}
}

func findGroup(groups []civitai.PostGroup, postID int64) (civitai.PostGroup, bool) {
	for _, g := range groups {
		if g.PostID == postID {
			return g, true
		}
	}
	return civitai.PostGroup{}, false
}
