package civitai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"
)

var (
	// URL is the base URL for the Civitai public API.
	URL string = "https://civitai.com/api/v1"
	// Timeout is the delay applied after each API request to avoid rate-limiting.
	Timeout time.Duration = time.Second
	// MaxPageSize is the largest page the images endpoint accepts.
	MaxPageSize int = 200
	// ProbePageSize is the small page size used for lightweight update checks.
	ProbePageSize int = 10
	// Debug enables verbose logging of API responses.
	Debug = false

	requestSync = &sync.Mutex{} // requestSync serializes API requests across the process.
)

// StatusError reports a non-2xx response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("civitai: unexpected status %d: %s", e.Code, e.Body)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusTooManyRequests
}

// IsServerError reports whether err is a 5xx response.
func IsServerError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code >= 500
}

// Raw executes a GET request against an API endpoint and returns the body.
func Raw(ctx context.Context, endpoint string, query map[string]string) ([]byte, error) {
	if Timeout != 0 {
		requestSync.Lock()
		defer unlock()
	}
	urlPath := fmt.Sprintf("%s/%s", URL, endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlPath, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for key, val := range query {
		q.Add(key, val)
	}
	req.URL.RawQuery = q.Encode()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("error closing response body: %v", err)
		}
	}()
	buffer, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body := string(buffer)
		if len(body) > 256 {
			body = body[:256]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: body}
	}
	if Debug {
		log.Print(string(buffer))
	}
	return buffer, nil
}

// RawParsed executes a raw request and parses the JSON response into T.
func RawParsed[T any](ctx context.Context, endpoint string, query map[string]string) (*T, error) {
	data, err := Raw(ctx, endpoint, query)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("civitai: failed to parse %s response: %w", endpoint, err)
	}
	return out, nil
}

// GetCreatorImages fetches one page of a creator's image feed, newest first.
// An empty cursor requests the newest page.
func GetCreatorImages(ctx context.Context, username string, limit int, cursor string) (*ImagePage, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	query := map[string]string{
		"username": username,
		"limit":    strconv.Itoa(limit),
		"nsfw":     "true",
		"sort":     "Newest",
	}
	if cursor != "" {
		query["cursor"] = cursor
	}
	return RawParsed[ImagePage](ctx, "images", query)
}

// GetPostImages fetches every image belonging to a single post. The by-post
// lookup is more reliable than the paginated by-username feed and is used to
// backfill posts that lack resolved metadata.
func GetPostImages(ctx context.Context, postID int64) (*ImagePage, error) {
	query := map[string]string{
		"postId": strconv.FormatInt(postID, 10),
		"limit":  strconv.Itoa(MaxPageSize),
		"nsfw":   "true",
	}
	return RawParsed[ImagePage](ctx, "images", query)
}

// Remote is the live API implementation of the sync engine's source interface.
type Remote struct{}

// CreatorImages implements syncer.Source.
func (Remote) CreatorImages(ctx context.Context, username string, limit int, cursor string) (*ImagePage, error) {
	return GetCreatorImages(ctx, username, limit, cursor)
}

// PostImages implements syncer.Source.
func (Remote) PostImages(ctx context.Context, postID int64) (*ImagePage, error) {
	return GetPostImages(ctx, postID)
}

func unlock() {
	time.Sleep(Timeout)
	requestSync.Unlock()
}
