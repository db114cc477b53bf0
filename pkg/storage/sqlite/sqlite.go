package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/vesperal/civmirror/pkg/storage"
)

//go:embed queries/*.sql
var queryFS embed.FS

// DB is a SQLite implementation of the storage.Store interface.
type DB struct {
	Conn *sql.DB // The raw database connection, exposed for extensibility.
}

var _ storage.Store = (*DB)(nil)

// New creates a new SQLite database connection and ensures the schema is up to date.
// It returns a concrete *DB type to allow for extension.
func New(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	instance := &DB{Conn: db}
	if err := instance.createSchema(); err != nil {
		_ = instance.Close()
		return nil, fmt.Errorf("failed to create database schema: %w", err)
	}

	return instance, nil
}

// getQuery reads a raw SQL query from the embedded filesystem.
func getQuery(name string) (string, error) {
	b, err := queryFS.ReadFile("queries/" + name)
	if err != nil {
		return "", fmt.Errorf("failed to read embedded query %s: %w", name, err)
	}
	return string(b), nil
}

// createSchema creates the necessary tables in the SQLite database if they don't exist.
func (db *DB) createSchema() error {
	query, err := getQuery("schema.sql")
	if err != nil {
		return err
	}
	_, err = db.Conn.Exec(query)
	return err
}

// exec runs a named embedded query with the given arguments.
func (db *DB) exec(name string, args ...any) (sql.Result, error) {
	query, err := getQuery(name)
	if err != nil {
		return nil, err
	}
	res, err := db.Conn.Exec(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", name, err)
	}
	return res, nil
}

// AddCreator inserts a creator row owned by userID with status pending. If
// the creator already exists unowned (discovered by the scraper), the row is
// claimed for userID instead.
func (db *DB) AddCreator(userID, username string) error {
	_, err := db.exec("add_creator.sql", username, userID, time.Now().UTC())
	return err
}

// RemoveCreator deletes a creator row. Shared post/image rows are left in
// place; use PruneCoverlessPosts for content cleanup.
func (db *DB) RemoveCreator(userID, username string) error {
	res, err := db.exec("remove_creator.sql", username, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetCreator loads one creator row visible to userID.
func (db *DB) GetCreator(userID, username string) (*storage.Creator, error) {
	query, err := getQuery("get_creator.sql")
	if err != nil {
		return nil, err
	}
	row := db.Conn.QueryRow(query, username, userID)
	c, err := scanCreator(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load creator %s: %w", username, err)
	}
	return c, nil
}

// ListCreators returns all creators owned by userID.
func (db *DB) ListCreators(userID string) ([]storage.Creator, error) {
	return db.queryCreators("list_creators.sql", userID)
}

// CreatorsNeedingSync returns creators that are pending, never synced, or
// stale relative to staleAfter.
func (db *DB) CreatorsNeedingSync(userID string, staleAfter time.Duration) ([]storage.Creator, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	return db.queryCreators("creators_needing_sync.sql", userID, cutoff)
}

func (db *DB) queryCreators(queryName string, args ...any) ([]storage.Creator, error) {
	query, err := getQuery(queryName)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query creators (%s): %w", queryName, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close rows: %v\n", err)
		}
	}()

	var creators []storage.Creator
	for rows.Next() {
		c, err := scanCreator(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan creator row: %w", err)
		}
		creators = append(creators, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during creator row iteration: %w", err)
	}
	return creators, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCreator(row rowScanner) (*storage.Creator, error) {
	var (
		c        storage.Creator
		userID   sql.NullString
		cursor   sql.NullString
		syncedAt sql.NullTime
	)
	if err := row.Scan(&c.Username, &userID, &c.Status, &cursor, &syncedAt, &c.TotalPosts, &c.AddedAt); err != nil {
		return nil, err
	}
	c.UserID = userID.String
	if cursor.Valid {
		c.LastCursor = &cursor.String
	}
	if syncedAt.Valid {
		t := syncedAt.Time
		c.LastSyncedAt = &t
	}
	return &c, nil
}

// ClaimForSync atomically flips a creator to syncing, succeeding only when
// no other run holds the creator. The conditional update is the mutual
// exclusion: two concurrent claims cannot both see an affected row.
func (db *DB) ClaimForSync(userID, username string) (bool, error) {
	res, err := db.exec("claim_for_sync.sql", username, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result for %s: %w", username, err)
	}
	return n > 0, nil
}

// SyncStatus reads the durable status of one creator.
func (db *DB) SyncStatus(userID, username string) (storage.SyncStatus, error) {
	query, err := getQuery("sync_status.sql")
	if err != nil {
		return "", err
	}
	var status storage.SyncStatus
	err = db.Conn.QueryRow(query, username, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("failed to read sync status for %s: %w", username, err)
	}
	return status, nil
}

// SetSyncStatus writes the durable status of one creator.
func (db *DB) SetSyncStatus(userID, username string, status storage.SyncStatus) error {
	_, err := db.exec("set_sync_status.sql", status, username, userID)
	return err
}

// SetLastCursor persists the furthest-verified pagination marker.
func (db *DB) SetLastCursor(userID, username, cursor string) error {
	var value any
	if cursor != "" {
		value = cursor
	}
	_, err := db.exec("set_last_cursor.sql", value, username, userID)
	return err
}

// SetTotalPosts refreshes the cached post count.
func (db *DB) SetTotalPosts(userID, username string, total int) error {
	_, err := db.exec("set_total_posts.sql", total, username, userID)
	return err
}

// CompleteSync records a clean finish in one write.
func (db *DB) CompleteSync(userID, username string, totalPosts int, at time.Time) error {
	_, err := db.exec("complete_sync.sql", totalPosts, at.UTC(), username, userID)
	return err
}

// TouchLastSynced stamps last_synced_at without a full sync.
func (db *DB) TouchLastSynced(userID, username string, at time.Time) error {
	_, err := db.exec("touch_last_synced.sql", at.UTC(), username, userID)
	return err
}

// ResetForResync forces a creator back to pending with cleared progress.
func (db *DB) ResetForResync(userID, username string) error {
	res, err := db.exec("reset_for_resync.sql", username, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertPost inserts or updates a post keyed by its remote identifier.
// An existing owning creator is never nulled out by an unowned write.
func (db *DB) UpsertPost(p storage.Post) error {
	_, err := db.exec("upsert_post.sql",
		p.PostID, nullStr(p.CreatorUsername), nullStr(p.CoverImageURL), nullStr(p.CoverImageHash),
		p.CoverWidth, p.CoverHeight, p.ImageCount, p.NSFW, p.PublishedAt.UTC(), p.UpdatedAt.UTC())
	return err
}

// UpsertImage inserts or updates an image keyed by its remote identifier.
// Conflicts on an existing identifier are resolved by overwriting, so
// re-syncing the same page is idempotent.
func (db *DB) UpsertImage(img storage.Image) error {
	var position any
	if img.Position != nil {
		position = *img.Position
	}
	_, err := db.exec("upsert_image.sql",
		img.ImageID, img.PostID, img.URL, nullStr(img.Hash),
		img.Width, img.Height, img.NSFW, position)
	return err
}

// PostState reports whether a post exists and how many image rows it has.
func (db *DB) PostState(postID int64) (bool, int, error) {
	exists, err := db.queryBool("post_exists.sql", postID)
	if err != nil {
		return false, 0, err
	}
	if !exists {
		return false, 0, nil
	}
	count, err := db.CountPostImages(postID)
	if err != nil {
		return true, 0, err
	}
	return true, count, nil
}

// CountPostImages counts the persisted image rows of one post.
func (db *DB) CountPostImages(postID int64) (int, error) {
	return db.queryInt("count_post_images.sql", postID)
}

// SetPostImageCount corrects a post's cached image count.
func (db *DB) SetPostImageCount(postID int64, count int) error {
	_, err := db.exec("set_post_image_count.sql", count, postID)
	return err
}

// CountPostsByCreator is the authoritative post count for a creator.
func (db *DB) CountPostsByCreator(username string) (int, error) {
	return db.queryInt("count_posts_by_creator.sql", username)
}

// IncompletePosts returns a creator's posts that lack a resolved cover.
func (db *DB) IncompletePosts(username string) ([]storage.Post, error) {
	query, err := getQuery("incomplete_posts.sql")
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn.Query(query, username)
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete posts for %s: %w", username, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close rows: %v\n", err)
		}
	}()

	var posts []storage.Post
	for rows.Next() {
		var (
			p           storage.Post
			creator     sql.NullString
			coverURL    sql.NullString
			coverHash   sql.NullString
			publishedAt sql.NullTime
			updatedAt   sql.NullTime
		)
		if err := rows.Scan(&p.PostID, &creator, &coverURL, &coverHash,
			&p.CoverWidth, &p.CoverHeight, &p.ImageCount, &p.NSFW, &publishedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan post row: %w", err)
		}
		if creator.Valid {
			p.CreatorUsername = &creator.String
		}
		if coverURL.Valid {
			p.CoverImageURL = &coverURL.String
		}
		if coverHash.Valid {
			p.CoverImageHash = &coverHash.String
		}
		if publishedAt.Valid {
			p.PublishedAt = publishedAt.Time
		}
		if updatedAt.Valid {
			p.UpdatedAt = updatedAt.Time
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during post row iteration for %s: %w", username, err)
	}
	return posts, nil
}

// RemoveDuplicateImages deletes API-sourced image rows sharing a URL with a
// lower-identifier row, scoped to one creator's posts. Rows with a null hash
// were written out-of-band and are never removed here.
func (db *DB) RemoveDuplicateImages(username string) (int64, error) {
	res, err := db.exec("remove_duplicate_images.sql", username)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PruneCoverlessPosts deletes a creator's posts that lack a displayable
// cover, removing child images before their posts in one transaction.
func (db *DB) PruneCoverlessPosts(username string) (int64, error) {
	imagesQuery, err := getQuery("prune_coverless_images.sql")
	if err != nil {
		return 0, err
	}
	postsQuery, err := getQuery("prune_coverless_posts.sql")
	if err != nil {
		return 0, err
	}

	tx, err := db.Conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(imagesQuery, username); err != nil {
		return 0, fmt.Errorf("failed to prune images for %s: %w", username, err)
	}
	res, err := tx.Exec(postsQuery, username)
	if err != nil {
		return 0, fmt.Errorf("failed to prune posts for %s: %w", username, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune for %s: %w", username, err)
	}
	return res.RowsAffected()
}

// ImagesByPost returns a post's images in display order.
func (db *DB) ImagesByPost(postID int64) ([]storage.Image, error) {
	return db.queryImages("images_by_post.sql", postID)
}

// ImagesByCreator returns every image under a creator's posts, optionally
// filtering out mature content.
func (db *DB) ImagesByCreator(username string, includeNSFW bool) ([]storage.Image, error) {
	return db.queryImages("images_by_creator.sql", username, includeNSFW)
}

func (db *DB) queryImages(queryName string, args ...any) ([]storage.Image, error) {
	query, err := getQuery(queryName)
	if err != nil {
		return nil, err
	}
	rows, err := db.Conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query images (%s): %w", queryName, err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close rows: %v\n", err)
		}
	}()

	var images []storage.Image
	for rows.Next() {
		var (
			img      storage.Image
			hash     sql.NullString
			position sql.NullInt64
		)
		if err := rows.Scan(&img.ImageID, &img.PostID, &img.URL, &hash,
			&img.Width, &img.Height, &img.NSFW, &position); err != nil {
			return nil, fmt.Errorf("failed to scan image row: %w", err)
		}
		if hash.Valid {
			img.Hash = &hash.String
		}
		if position.Valid {
			p := int(position.Int64)
			img.Position = &p
		}
		images = append(images, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during image row iteration: %w", err)
	}
	return images, nil
}

// SetFavorited upserts the favorite flag for one (user, post) pair.
func (db *DB) SetFavorited(userID string, postID int64, favorited bool) error {
	_, err := db.exec("upsert_favorited.sql", userID, postID, favorited, time.Now().UTC())
	return err
}

// SetHidden upserts the hidden flag for one (user, post) pair.
func (db *DB) SetHidden(userID string, postID int64, hidden bool) error {
	_, err := db.exec("upsert_hidden.sql", userID, postID, hidden, time.Now().UTC())
	return err
}

// GetInteraction loads the interaction row for one (user, post) pair.
func (db *DB) GetInteraction(userID string, postID int64) (*storage.Interaction, error) {
	query, err := getQuery("get_interaction.sql")
	if err != nil {
		return nil, err
	}
	var (
		in        storage.Interaction
		updatedAt sql.NullTime
	)
	err = db.Conn.QueryRow(query, userID, postID).Scan(
		&in.UserID, &in.PostID, &in.IsFavorited, &in.IsHidden, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load interaction for post %d: %w", postID, err)
	}
	if updatedAt.Valid {
		in.UpdatedAt = updatedAt.Time
	}
	return &in, nil
}

// GetSettings loads the settings row for one user.
func (db *DB) GetSettings(userID string) (*storage.Settings, error) {
	query, err := getQuery("get_settings.sql")
	if err != nil {
		return nil, err
	}
	var s storage.Settings
	err = db.Conn.QueryRow(query, userID).Scan(
		&s.UserID, &s.CivitaiUsername, &s.ShowNSFW, &s.SlideshowDuration, &s.SlideshowLoopPost)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settings for %s: %w", userID, err)
	}
	return &s, nil
}

// SaveSettings upserts the settings row for one user.
func (db *DB) SaveSettings(s storage.Settings) error {
	_, err := db.exec("upsert_settings.sql",
		s.UserID, s.CivitaiUsername, s.ShowNSFW, s.SlideshowDuration, s.SlideshowLoopPost)
	return err
}

// RecordDownload upserts the mirror bookkeeping row for one image.
func (db *DB) RecordDownload(d storage.DownloadRecord) error {
	_, err := db.exec("record_download.sql", d.ImageID, d.Username, d.Path, d.SHA256, d.DownloadedAt.UTC())
	return err
}

// DownloadExists reports whether an image has already been mirrored.
func (db *DB) DownloadExists(imageID int64) (bool, error) {
	return db.queryBool("download_exists.sql", imageID)
}

func (db *DB) queryBool(queryName string, args ...any) (bool, error) {
	query, err := getQuery(queryName)
	if err != nil {
		return false, err
	}
	var value bool
	if err := db.Conn.QueryRow(query, args...).Scan(&value); err != nil {
		return false, fmt.Errorf("failed to execute %s: %w", queryName, err)
	}
	return value, nil
}

func (db *DB) queryInt(queryName string, args ...any) (int, error) {
	query, err := getQuery(queryName)
	if err != nil {
		return 0, err
	}
	var value int
	if err := db.Conn.QueryRow(query, args...).Scan(&value); err != nil {
		return 0, fmt.Errorf("failed to execute %s: %w", queryName, err)
	}
	return value, nil
}

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.Conn.Close()
}
