package syncer

import (
	"context"
	"fmt"
	"time"

	civitai "github.com/vesperal/civmirror/internal"
	"github.com/vesperal/civmirror/pkg/storage"
)

// NeedsSync reports whether a creator is due: pending, never synced, or
// last synced longer than staleAfter ago.
func NeedsSync(c storage.Creator, staleAfter time.Duration, now time.Time) bool {
	if c.Status == storage.StatusPending {
		return true
	}
	if c.LastSyncedAt == nil {
		return true
	}
	return now.Sub(*c.LastSyncedAt) > staleAfter
}

// HasNewPosts probes a creator's feed with a single small request and
// reports whether it contains anything not yet held locally. A creator that
// has never completed a sync, or holds no local posts, always reports true;
// the probe would waste a request.
//
// The probe only sees the newest items, so a false result does not prove the
// whole feed is mirrored. It is an optimization gate for routine runs, never
// a correctness guarantee; backfill runs bypass it.
func (e *Engine) HasNewPosts(ctx context.Context, c storage.Creator) (bool, error) {
	if c.LastSyncedAt == nil {
		return true, nil
	}
	count, err := e.store.CountPostsByCreator(c.Username)
	if err != nil {
		return false, fmt.Errorf("failed to count posts for %s: %w", c.Username, err)
	}
	if count == 0 {
		return true, nil
	}

	feed, err := e.fetchPage(ctx, c.Username, e.checkPageSize, "")
	if err != nil {
		return false, err
	}

	groups, _ := civitai.GroupByPost(feed.Items)
	for _, group := range groups {
		exists, have, err := e.store.PostState(group.PostID)
		if err != nil {
			return false, fmt.Errorf("failed to inspect post %d: %w", group.PostID, err)
		}
		if !exists || have < len(group.Items) {
			return true, nil
		}
	}
	return false, nil
}
