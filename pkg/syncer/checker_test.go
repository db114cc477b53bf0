package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/vesperal/civmirror/pkg/storage"
)

func TestNeedsSync(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Hour)
	old := now.Add(-48 * time.Hour)

	cases := []struct {
		name string
		c    storage.Creator
		want bool
	}{
		{"pending", storage.Creator{Status: storage.StatusPending}, true},
		{"never synced", storage.Creator{Status: storage.StatusCompleted}, true},
		{"fresh", storage.Creator{Status: storage.StatusCompleted, LastSyncedAt: &recent}, false},
		{"stale", storage.Creator{Status: storage.StatusCompleted, LastSyncedAt: &old}, true},
		{"errored but fresh", storage.Creator{Status: storage.StatusError, LastSyncedAt: &recent}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := NeedsSync(tc.c, 24*time.Hour, now); got != tc.want {
				t.Errorf("NeedsSync = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestHasNewPostsNeverSyncedSkipsProbe(t *testing.T) {
	db := newTestStore(t)
	src := newFakeSource()

	src.pages[""] = page("", item(1, 100))

	addCreator(t, db, "u1", "alice")
	e := newTestEngine(db, src)

	fresh, err := e.HasNewPosts(context.Background(), storage.Creator{Username: "alice"})
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !fresh {
		t.Error("never-synced creator must always report new content")
	}
	if got := src.callCount(); got != 0 {
		t.Errorf("made %d requests, want 0 (no probe needed)", got)
	}
}

func TestHasNewPostsDetectsNewContent(t *testing.T) {
	db := newTestStore(t)
	src := newFakeSource()
	src.pages[""] = page("", item(1, 100), item(2, 101))

	addCreator(t, db, "u1", "alice")
	e := newTestEngine(db, src)

	if err := e.SyncCreator(context.Background(), "alice", Options{UserID: "u1"}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	c := syncedCreator(t, db, "u1", "alice")
	fresh, err := e.HasNewPosts(context.Background(), c)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if fresh {
		t.Error("fully mirrored creator reported as having new posts")
	}

	// A new post appears at the head of the feed.
	src.mu.Lock()
	src.pages[""] = page("", item(3, 102), item(1, 100), item(2, 101))
	src.mu.Unlock()

	fresh, err = e.HasNewPosts(context.Background(), c)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !fresh {
		t.Error("new upstream post not detected")
	}
}

func TestHasNewPostsDetectsGrownPost(t *testing.T) {
	db := newTestStore(t)
	src := newFakeSource()
	src.pages[""] = page("", item(1, 100))

	addCreator(t, db, "u1", "alice")
	e := newTestEngine(db, src)

	if err := e.SyncCreator(context.Background(), "alice", Options{UserID: "u1"}); err != nil {
		t.Fatalf("sync failed: %v", err)
	}

	// The same post now carries an extra image.
	src.mu.Lock()
	src.pages[""] = page("", item(1, 100), item(2, 100))
	src.mu.Unlock()

	fresh, err := e.HasNewPosts(context.Background(), syncedCreator(t, db, "u1", "alice"))
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !fresh {
		t.Error("grown post not detected")
	}
}

func syncedCreator(t *testing.T, db storage.Store, userID, username string) storage.Creator {
	t.Helper()
	c, err := db.GetCreator(userID, username)
	if err != nil {
		t.Fatalf("failed to load creator %s: %v", username, err)
	}
	return *c
}
