package civitai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// withTestServer points the package at a test server with pacing disabled.
func withTestServer(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	oldURL, oldTimeout := URL, Timeout
	URL = srv.URL
	Timeout = 0
	t.Cleanup(func() {
		URL, Timeout = oldURL, oldTimeout
		srv.Close()
	})
}

func TestGetCreatorImagesQuery(t *testing.T) {
	var gotQuery map[string]string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{}
		for key := range r.URL.Query() {
			gotQuery[key] = r.URL.Query().Get(key)
		}
		_, _ = w.Write([]byte(`{"items": [{"id": 1, "postId": 100, "url": "https://image.example/1.jpeg"}], "metadata": {"nextCursor": "200|50"}}`))
	})

	page, err := GetCreatorImages(context.Background(), "alice", 200, "200|25")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	want := map[string]string{
		"username": "alice",
		"limit":    "200",
		"nsfw":     "true",
		"sort":     "Newest",
		"cursor":   "200|25",
	}
	for key, val := range want {
		if gotQuery[key] != val {
			t.Errorf("query %s = %q, want %q", key, gotQuery[key], val)
		}
	}

	if len(page.Items) != 1 {
		t.Fatalf("got %d items, want 1", len(page.Items))
	}
	if got := page.NextCursor(); got != "200|50" {
		t.Errorf("next cursor = %q, want 200|50", got)
	}
}

func TestGetCreatorImagesOmitsEmptyCursor(t *testing.T) {
	var hasCursor bool
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		hasCursor = r.URL.Query().Has("cursor")
		_, _ = w.Write([]byte(`{"items": [], "metadata": {}}`))
	})

	if _, err := GetCreatorImages(context.Background(), "alice", 200, ""); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if hasCursor {
		t.Error("empty cursor was sent as a query parameter")
	}
}

func TestStatusErrorClassification(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := GetCreatorImages(context.Background(), "alice", 200, "")
	if err == nil {
		t.Fatal("expected an error for a 429 response")
	}
	if !IsRateLimited(err) {
		t.Errorf("IsRateLimited(%v) = false, want true", err)
	}
	if IsServerError(err) {
		t.Errorf("IsServerError(%v) = true, want false", err)
	}

	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusTooManyRequests {
		t.Errorf("err = %v, want StatusError with code 429", err)
	}
}

func TestIsServerError(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := GetCreatorImages(context.Background(), "alice", 200, "")
	if !IsServerError(err) {
		t.Errorf("IsServerError(%v) = false, want true", err)
	}
	if IsRateLimited(err) {
		t.Errorf("IsRateLimited(%v) = true, want false", err)
	}
}

func TestErrorClassifiersRejectOtherErrors(t *testing.T) {
	err := errors.New("plain failure")
	if IsRateLimited(err) || IsServerError(err) {
		t.Error("plain errors must not classify as API status errors")
	}
}

func TestGetPostImagesQuery(t *testing.T) {
	var gotPostID string
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPostID = r.URL.Query().Get("postId")
		_, _ = w.Write([]byte(`{"items": [], "metadata": {}}`))
	})

	if _, err := GetPostImages(context.Background(), 12345); err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if gotPostID != "12345" {
		t.Errorf("postId = %q, want 12345", gotPostID)
	}
}

func TestRawHonorsContext(t *testing.T) {
	withTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := Raw(ctx, "images", nil); err == nil {
		t.Fatal("expected a context deadline error")
	}
}
