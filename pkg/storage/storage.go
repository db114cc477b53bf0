package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist or is not
// visible to the acting user.
var ErrNotFound = errors.New("storage: not found")

// SyncStatus is the durable state of a creator's synchronization.
type SyncStatus string

const (
	// StatusPending marks a creator awaiting its first or next sync.
	StatusPending SyncStatus = "pending"
	// StatusSyncing marks a creator with a sync run in flight.
	StatusSyncing SyncStatus = "syncing"
	// StatusCompleted marks a creator whose last sync finished cleanly.
	StatusCompleted SyncStatus = "completed"
	// StatusError marks a creator whose last sync aborted on a fatal error.
	StatusError SyncStatus = "error"
)

// Creator is a followed remote content author, mirrored locally. Rows are
// scoped to the user that added them.
type Creator struct {
	Username string
	UserID   string
	Status   SyncStatus
	// LastCursor records how far convergence reached on the last run. It is
	// a furthest-verified marker, not a resume point: every run restarts
	// paging from the newest page.
	LastCursor   *string
	LastSyncedAt *time.Time
	// TotalPosts is a cached, advisory count refreshed from an authoritative
	// count query during sync.
	TotalPosts int
	AddedAt    time.Time
}

// Post is one remote content post. CreatorUsername is nil for orphaned posts
// written by the out-of-band scraper and not yet claimed.
type Post struct {
	PostID          int64
	CreatorUsername *string
	CoverImageURL   *string
	CoverImageHash  *string
	CoverWidth      int
	CoverHeight     int
	// ImageCount caches the number of child image rows and is corrected
	// after writes whenever it drifts from the true count.
	ImageCount  int
	NSFW        bool
	PublishedAt time.Time
	UpdatedAt   time.Time
}

// Image is one media item belonging to a post. A nil Hash marks a row added
// by the scraper rather than the remote API; such rows are never removed by
// API reconciliation.
type Image struct {
	ImageID  int64
	PostID   int64
	URL      string
	Hash     *string
	Width    int
	Height   int
	NSFW     bool
	Position *int
}

// Interaction holds per-user, per-post flags. At most one row exists per
// (user, post) pair.
type Interaction struct {
	UserID      string
	PostID      int64
	IsFavorited bool
	IsHidden    bool
	UpdatedAt   time.Time
}

// Settings holds per-user preferences, one row per user.
type Settings struct {
	UserID            string
	CivitaiUsername   string
	ShowNSFW          bool
	SlideshowDuration int
	SlideshowLoopPost bool
}

// DownloadRecord is the media mirror's bookkeeping for one downloaded file.
type DownloadRecord struct {
	ImageID      int64
	Username     string
	Path         string
	SHA256       string
	DownloadedAt time.Time
}

// Store defines the persistence operations the sync engine, repair path and
// media mirror need. Creator, interaction and settings rows are scoped by
// the acting user; posts and images are shared tables.
type Store interface {
	// Creators.
	AddCreator(userID, username string) error
	RemoveCreator(userID, username string) error
	GetCreator(userID, username string) (*Creator, error)
	ListCreators(userID string) ([]Creator, error)
	// CreatorsNeedingSync returns creators whose status is pending, that have
	// never synced, or whose last sync is older than staleAfter.
	CreatorsNeedingSync(userID string, staleAfter time.Duration) ([]Creator, error)
	// ClaimForSync conditionally flips a creator to syncing. It succeeds only
	// when the current status is pending, completed or error, making the
	// "don't double-sync" guard a real compare-and-swap rather than a
	// check-then-act race.
	ClaimForSync(userID, username string) (bool, error)
	SyncStatus(userID, username string) (SyncStatus, error)
	SetSyncStatus(userID, username string, status SyncStatus) error
	SetLastCursor(userID, username, cursor string) error
	SetTotalPosts(userID, username string, total int) error
	// CompleteSync records a clean finish: completed status, authoritative
	// post count and the sync timestamp in one write.
	CompleteSync(userID, username string, totalPosts int, at time.Time) error
	// TouchLastSynced stamps last_synced_at without running a sync, used when
	// the lightweight check finds nothing new.
	TouchLastSynced(userID, username string, at time.Time) error
	// ResetForResync forces a creator back to pending with cleared progress.
	ResetForResync(userID, username string) error

	// Posts and images.
	UpsertPost(p Post) error
	UpsertImage(img Image) error
	// PostState reports whether a post row exists and how many image rows it
	// currently has persisted.
	PostState(postID int64) (exists bool, imageCount int, err error)
	CountPostImages(postID int64) (int, error)
	SetPostImageCount(postID int64, count int) error
	CountPostsByCreator(username string) (int, error)
	// IncompletePosts returns a creator's posts that lack a resolved cover.
	IncompletePosts(username string) ([]Post, error)
	// RemoveDuplicateImages deletes API-sourced image rows that share a URL
	// with a lower-identifier row, scoped to one creator's posts.
	RemoveDuplicateImages(username string) (int64, error)
	// PruneCoverlessPosts deletes a creator's posts without a displayable
	// cover, removing child images first.
	PruneCoverlessPosts(username string) (int64, error)
	ImagesByPost(postID int64) ([]Image, error)
	ImagesByCreator(username string, includeNSFW bool) ([]Image, error)

	// Interactions and settings.
	SetFavorited(userID string, postID int64, favorited bool) error
	SetHidden(userID string, postID int64, hidden bool) error
	GetInteraction(userID string, postID int64) (*Interaction, error)
	GetSettings(userID string) (*Settings, error)
	SaveSettings(s Settings) error

	// Media mirror bookkeeping.
	RecordDownload(d DownloadRecord) error
	DownloadExists(imageID int64) (bool, error)

	Close() error
}
