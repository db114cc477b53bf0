package mirror

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vesperal/civmirror/pkg/config"
	"github.com/vesperal/civmirror/pkg/storage"
	"github.com/vesperal/civmirror/pkg/storage/sqlite"
)

func newTestMirror(t *testing.T) (*Mirror, *sqlite.DB, string) {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.New(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.DownloadPath = filepath.Join(dir, "media")
	cfg.MaxWorkers = 2

	m := New(db, cfg)
	m.rate = time.Millisecond
	m.retryDelay = time.Millisecond
	return m, db, cfg.DownloadPath
}

func seedImages(t *testing.T, db *sqlite.DB, username, baseURL string, ids ...int64) {
	t.Helper()
	owner := username
	if err := db.UpsertPost(storage.Post{PostID: 1, CreatorUsername: &owner}); err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	for _, id := range ids {
		hash := fmt.Sprintf("hash-%d", id)
		img := storage.Image{
			ImageID: id,
			PostID:  1,
			URL:     fmt.Sprintf("%s/%d.jpeg", baseURL, id),
			Hash:    &hash,
		}
		if err := db.UpsertImage(img); err != nil {
			t.Fatalf("failed to seed image: %v", err)
		}
	}
}

func TestMirrorCreatorDownloadsAndRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, "image bytes for %s", r.URL.Path)
	}))
	defer srv.Close()

	m, db, dir := newTestMirror(t)
	seedImages(t, db, "alice", srv.URL, 10, 11)

	res, err := m.MirrorCreator(context.Background(), "alice", true, nil)
	if err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	if res.Downloaded != 2 || res.Skipped != 0 || res.Failed != 0 {
		t.Errorf("result = %+v, want 2 downloads", res)
	}

	for _, id := range []int64{10, 11} {
		path := filepath.Join(dir, "alice", fmt.Sprintf("alice_1_%d.jpeg", id))
		if _, err := os.Stat(path); err != nil {
			t.Errorf("downloaded file missing: %v", err)
		}
		exists, err := db.DownloadExists(id)
		if err != nil || !exists {
			t.Errorf("image %d not recorded (err=%v)", id, err)
		}
	}

	// A second run skips everything.
	res, err = m.MirrorCreator(context.Background(), "alice", true, nil)
	if err != nil {
		t.Fatalf("second mirror failed: %v", err)
	}
	if res.Downloaded != 0 || res.Skipped != 2 {
		t.Errorf("second run result = %+v, want 2 skips", res)
	}
}

func TestMirrorCreatorExcludesNSFW(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	m, db, _ := newTestMirror(t)
	owner := "alice"
	if err := db.UpsertPost(storage.Post{PostID: 1, CreatorUsername: &owner}); err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	hash := "h"
	if err := db.UpsertImage(storage.Image{ImageID: 10, PostID: 1, URL: srv.URL + "/10.jpeg", Hash: &hash}); err != nil {
		t.Fatalf("failed to seed image: %v", err)
	}
	if err := db.UpsertImage(storage.Image{ImageID: 20, PostID: 1, URL: srv.URL + "/20.jpeg", Hash: &hash, NSFW: true}); err != nil {
		t.Fatalf("failed to seed image: %v", err)
	}

	res, err := m.MirrorCreator(context.Background(), "alice", false, nil)
	if err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	if res.Downloaded != 1 {
		t.Errorf("downloaded = %d, want 1 (mature content excluded)", res.Downloaded)
	}
}

func TestMirrorCreatorCountsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bad.jpeg" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	m, db, _ := newTestMirror(t)
	owner := "alice"
	if err := db.UpsertPost(storage.Post{PostID: 1, CreatorUsername: &owner}); err != nil {
		t.Fatalf("failed to seed post: %v", err)
	}
	hash := "h"
	if err := db.UpsertImage(storage.Image{ImageID: 10, PostID: 1, URL: srv.URL + "/ok.jpeg", Hash: &hash}); err != nil {
		t.Fatalf("failed to seed image: %v", err)
	}
	if err := db.UpsertImage(storage.Image{ImageID: 20, PostID: 1, URL: srv.URL + "/bad.jpeg", Hash: &hash}); err != nil {
		t.Fatalf("failed to seed image: %v", err)
	}
	m.retries = 1

	res, err := m.MirrorCreator(context.Background(), "alice", true, nil)
	if err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	if res.Downloaded != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want 1 download and 1 failure", res)
	}
	if exists, _ := db.DownloadExists(20); exists {
		t.Error("failed download was recorded")
	}
}

func TestImageFilename(t *testing.T) {
	img := storage.Image{ImageID: 7, PostID: 3, URL: "https://cdn.example/x/abc.png"}
	if got := imageFilename("alice", img); got != "alice_3_7.png" {
		t.Errorf("filename = %q, want alice_3_7.png", got)
	}

	img.URL = "https://cdn.example/x/abc"
	if got := imageFilename("alice", img); got != "alice_3_7.jpeg" {
		t.Errorf("filename without extension = %q, want alice_3_7.jpeg", got)
	}
}
