package twitter

import "time"

// MediaKind classifies a post's attached media.
type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaAnimated MediaKind = "animated_image"
	MediaVideo    MediaKind = "video"
)

// MediaVariant is one rendition of a media item (bitrate/resolution).
type MediaVariant struct {
	URL         string
	Bitrate     int // bits/sec; 0 for image variants
	Width       int
	Height      int
	ContentType string
}

// Media is one attachment on a Post, after short-URL expansion has picked
// the highest-quality direct URL (max-bitrate MP4 for video/animated
// images, original-size image for still images).
type Media struct {
	Kind           MediaKind
	Variants       []MediaVariant
	ExpandedURL    string // direct CDN URL of the selected variant
	SourceShortURL string // the t.co-style shortened URL as it appeared in post text
}

// ReferenceKind identifies how a Post relates to another post.
type ReferenceKind string

const (
	ReferenceReply   ReferenceKind = "reply"
	ReferenceQuote   ReferenceKind = "quote"
	ReferenceRetweet ReferenceKind = "retweet"
)

// Reference points from a Post to a post it replies to, quotes, or
// retweets. A post carries at most one reference per kind (a quote tweet
// that is also a reply has two), and resolution is bounded to one hop per
// kind.
type Reference struct {
	Kind   ReferenceKind
	PostID string
}

// Post is an immutable upstream post, identified by a globally-sortable
// 64-bit snowflake id (kept as a decimal string throughout this codebase to
// avoid precision loss and to match the on-disk filename grammar).
type Post struct {
	ID           string
	AuthorHandle string
	AuthorID     string
	CreatedAt    time.Time
	Text         string
	References   []Reference
	Media        []Media
	PermalinkURL string
}

// Author is an upstream account, refreshed at most once per ingest cycle.
type Author struct {
	ID              string
	Handle          string
	DisplayName     string
	Description     string
	ProfileImageURL string
	BannerURL       string
}
