package civitai

import (
	"encoding/json"
	"net/url"
	"time"
)

// ImageItem is one media item from the images endpoint. Every item carries
// the identifier of the post it belongs to; a post's images arrive as
// adjacent items within a page.
type ImageItem struct {
	// ID is the image identifier. It arrives as a JSON number but is kept
	// raw because the API occasionally emits null or garbage identifiers.
	ID json.Number `json:"id"`
	// URL is the CDN location of the media file.
	URL string `json:"url"`
	// Hash is the content hash (blurhash) of the image.
	Hash string `json:"hash"`
	// Width and Height are the pixel dimensions.
	Width  int `json:"width"`
	Height int `json:"height"`
	// NSFW marks mature content.
	NSFW bool `json:"nsfw"`
	// PostID identifies the owning post.
	PostID json.Number `json:"postId"`
	// CreatedAt is the publication timestamp of the item.
	CreatedAt time.Time `json:"createdAt"`
}

// ImageID returns the parsed image identifier. The second return is false
// for null, non-numeric or non-positive identifiers; such items must be
// dropped rather than stored.
func (it ImageItem) ImageID() (int64, bool) {
	id, err := it.ID.Int64()
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PostIdentifier returns the parsed owning post identifier, with the same
// validity rules as ImageID.
func (it ImageItem) PostIdentifier() (int64, bool) {
	id, err := it.PostID.Int64()
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// PageMetadata carries pagination state for a page of items.
type PageMetadata struct {
	// NextPage is the URL of the next page, absent on the last page.
	NextPage string `json:"nextPage"`
	// NextCursor is sometimes returned directly alongside the URL.
	NextCursor string `json:"nextCursor"`
}

// ImagePage is one page of the paginated images listing.
type ImagePage struct {
	Items    []ImageItem  `json:"items"`
	Metadata PageMetadata `json:"metadata"`
}

// NextCursor extracts the pagination cursor for the following page. The API
// advertises continuation as a full URL; the cursor query parameter is parsed
// out of it. Any parse failure is treated as "no more pages".
func (p *ImagePage) NextCursor() string {
	if p.Metadata.NextCursor != "" {
		return p.Metadata.NextCursor
	}
	if p.Metadata.NextPage == "" {
		return ""
	}
	u, err := url.Parse(p.Metadata.NextPage)
	if err != nil {
		return ""
	}
	return u.Query().Get("cursor")
}

// PostGroup is the set of items in a page that share one post identifier,
// in page order.
type PostGroup struct {
	PostID int64
	Items  []ImageItem
}

// GroupByPost groups a page's items by their owning post, preserving the
// order in which posts first appear. Items with invalid image or post
// identifiers are dropped and counted in the second return.
func GroupByPost(items []ImageItem) ([]PostGroup, int) {
	var (
		groups  []PostGroup
		index   = make(map[int64]int)
		dropped int
	)
	for _, it := range items {
		if _, ok := it.ImageID(); !ok {
			dropped++
			continue
		}
		postID, ok := it.PostIdentifier()
		if !ok {
			dropped++
			continue
		}
		i, ok := index[postID]
		if !ok {
			i = len(groups)
			index[postID] = i
			groups = append(groups, PostGroup{PostID: postID})
		}
		groups[i].Items = append(groups[i].Items, it)
	}
	return groups, dropped
}
