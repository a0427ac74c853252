package twitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twitter.com"

// Client is a thin bearer-token REST client for the upstream microblog
// API. It never retries internally; retry/backoff policy belongs to the
// per-user worker, which interprets the classified errors this client
// returns.
type Client struct {
	BaseURL     string
	BearerToken string

	http *http.Client
}

// NewClient creates a Client authenticating with the given bearer token.
func NewClient(bearerToken string) *Client {
	return &Client{
		BaseURL:     defaultBaseURL,
		BearerToken: bearerToken,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// rawTimelineResponse mirrors the upstream "tweets + expansions" envelope
// closely enough to extract what the builder needs: post text, reference
// chain, and media with both shortened and direct URLs.
type rawTimelineResponse struct {
	Data     []rawTweet `json:"data"`
	Includes struct {
		Media []rawMedia `json:"media"`
		Users []rawUser  `json:"users"`
	} `json:"includes"`
}

type rawTweet struct {
	ID               string `json:"id"`
	Text             string `json:"text"`
	AuthorID         string `json:"author_id"`
	CreatedAt        string `json:"created_at"`
	ReferencedTweets []struct {
		Type string `json:"type"` // "replied_to", "quoted", "retweeted"
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
	Attachments struct {
		MediaKeys []string `json:"media_keys"`
	} `json:"attachments"`
	Entities struct {
		URLs []rawURLEntity `json:"urls"`
	} `json:"entities"`
}

type rawURLEntity struct {
	URL         string `json:"url"`          // shortened form as it appears in Text
	ExpandedURL string `json:"expanded_url"` // destination URL
}

type rawMedia struct {
	MediaKey string `json:"media_key"`
	Type     string `json:"type"` // "photo", "animated_gif", "video"
	URL      string `json:"url"`  // present for photos
	Variants []struct {
		BitRate     int    `json:"bit_rate"`
		ContentType string `json:"content_type"`
		URL         string `json:"url"`
	} `json:"variants"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type rawUser struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	ProfileImageURL string `json:"profile_image_url"`
}

// UserTimeline fetches posts newer than sinceID for handle, most-recent
// first (matching the upstream's native ordering; the worker reverses
// before processing so cache writes stay oldest-first). Pass an empty
// sinceID to fetch from the beginning of what the upstream will return.
func (c *Client) UserTimeline(ctx context.Context, handle, sinceID string) ([]Post, error) {
	params := url.Values{}
	params.Set("tweet.fields", "created_at,author_id,referenced_tweets,attachments,entities")
	params.Set("media.fields", "url,variants,width,height,type")
	params.Set("expansions", "attachments.media_keys,author_id")
	if sinceID != "" {
		params.Set("since_id", sinceID)
	}

	var resp rawTimelineResponse
	path := fmt.Sprintf("/2/users/by/username/%s/tweets?%s", url.PathEscape(handle), params.Encode())
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	mediaByKey := make(map[string]rawMedia, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		mediaByKey[m.MediaKey] = m
	}
	userByID := make(map[string]rawUser, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		userByID[u.ID] = u
	}

	posts := make([]Post, 0, len(resp.Data))
	for _, t := range resp.Data {
		posts = append(posts, tweetToPost(t, handle, mediaByKey, userByID))
	}
	return posts, nil
}

func tweetToPost(t rawTweet, handle string, mediaByKey map[string]rawMedia, userByID map[string]rawUser) Post {
	createdAt, _ := time.Parse(time.RFC3339, t.CreatedAt)

	text := expandShortURLs(t.Text, t.Entities.URLs)

	// One hop per kind: a post can be simultaneously a reply and a quote,
	// so keep the first referenced tweet of each recognized type.
	var refs []Reference
	seen := make(map[ReferenceKind]bool, 2)
	for _, rt := range t.ReferencedTweets {
		kind := referenceKindFromUpstream(rt.Type)
		if kind == "" || seen[kind] {
			continue
		}
		seen[kind] = true
		refs = append(refs, Reference{Kind: kind, PostID: rt.ID})
	}

	var media []Media
	for _, key := range t.Attachments.MediaKeys {
		raw, ok := mediaByKey[key]
		if !ok {
			continue
		}
		media = append(media, buildMedia(raw))
	}

	authorHandle := handle
	if u, ok := userByID[t.AuthorID]; ok && u.Username != "" {
		authorHandle = u.Username
	}

	return Post{
		ID:           t.ID,
		AuthorHandle: authorHandle,
		AuthorID:     t.AuthorID,
		CreatedAt:    createdAt,
		Text:         text,
		References:   refs,
		Media:        media,
		PermalinkURL: fmt.Sprintf("https://twitter.com/%s/status/%s", authorHandle, t.ID),
	}
}

func referenceKindFromUpstream(t string) ReferenceKind {
	switch t {
	case "replied_to":
		return ReferenceReply
	case "quoted":
		return ReferenceQuote
	case "retweeted":
		return ReferenceRetweet
	default:
		return ""
	}
}

// expandShortURLs replaces every t.co-style shortened URL in text with its
// expanded destination, because media and reference URLs surface in post
// text only as shortened forms.
func expandShortURLs(text string, urls []rawURLEntity) string {
	for _, u := range urls {
		if u.URL == "" || u.ExpandedURL == "" {
			continue
		}
		text = strings.ReplaceAll(text, u.URL, u.ExpandedURL)
	}
	return text
}

// buildMedia selects the highest-quality variant for a media item: for
// video/animated images, the max-bitrate MP4; for still images, the
// original-size URL the upstream already returns directly.
func buildMedia(raw rawMedia) Media {
	m := Media{Kind: mediaKindFromUpstream(raw.Type)}
	for _, v := range raw.Variants {
		m.Variants = append(m.Variants, MediaVariant{
			URL:         v.URL,
			Bitrate:     v.BitRate,
			ContentType: v.ContentType,
			Width:       raw.Width,
			Height:      raw.Height,
		})
	}

	switch m.Kind {
	case MediaVideo, MediaAnimated:
		m.ExpandedURL = highestBitrateMP4(m.Variants)
	default:
		m.ExpandedURL = raw.URL
	}
	return m
}

// highestBitrateMP4 picks the max-bitrate video/mp4 variant (animated
// images ship as GIF-style MP4s too, so the same rule covers both). Falls
// back to the highest-bitrate variant of any content type if no MP4 is
// present.
func highestBitrateMP4(variants []MediaVariant) string {
	var best MediaVariant
	haveMP4 := false
	for _, v := range variants {
		if v.ContentType == "video/mp4" {
			if !haveMP4 || v.Bitrate > best.Bitrate {
				best = v
				haveMP4 = true
			}
		}
	}
	if haveMP4 {
		return best.URL
	}
	sorted := append([]MediaVariant(nil), variants...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Bitrate > sorted[j].Bitrate })
	if len(sorted) > 0 {
		return sorted[0].URL
	}
	return ""
}

func mediaKindFromUpstream(t string) MediaKind {
	switch t {
	case "photo":
		return MediaImage
	case "animated_gif":
		return MediaAnimated
	case "video":
		return MediaVideo
	default:
		return MediaImage
	}
}

// Profile fetches an author's current profile.
func (c *Client) Profile(ctx context.Context, handle string) (*Author, error) {
	params := url.Values{}
	params.Set("user.fields", "description,profile_image_url")
	path := fmt.Sprintf("/2/users/by/username/%s?%s", url.PathEscape(handle), params.Encode())

	var resp struct {
		Data rawUser `json:"data"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &Author{
		ID:              resp.Data.ID,
		Handle:          resp.Data.Username,
		DisplayName:     resp.Data.Name,
		Description:     resp.Data.Description,
		ProfileImageURL: resp.Data.ProfileImageURL,
	}, nil
}

// PostByID resolves a single post, used to follow reference chains
// (reply/quote/retweet, one hop per kind). Returns a *APIError with
// KindPermanentItem if the upstream reports the post is gone.
func (c *Client) PostByID(ctx context.Context, id string) (*Post, error) {
	params := url.Values{}
	params.Set("tweet.fields", "created_at,author_id,referenced_tweets,attachments,entities")
	params.Set("media.fields", "url,variants,width,height,type")
	params.Set("expansions", "attachments.media_keys,author_id")
	path := fmt.Sprintf("/2/tweets/%s?%s", url.PathEscape(id), params.Encode())

	var resp struct {
		Data     rawTweet `json:"data"`
		Includes struct {
			Media []rawMedia `json:"media"`
			Users []rawUser  `json:"users"`
		} `json:"includes"`
	}
	if err := c.get(ctx, path, &resp); err != nil {
		return nil, err
	}

	mediaByKey := make(map[string]rawMedia, len(resp.Includes.Media))
	for _, m := range resp.Includes.Media {
		mediaByKey[m.MediaKey] = m
	}
	userByID := make(map[string]rawUser, len(resp.Includes.Users))
	for _, u := range resp.Includes.Users {
		userByID[u.ID] = u
	}

	handle := ""
	if u, ok := userByID[resp.Data.AuthorID]; ok {
		handle = u.Username
	}
	post := tweetToPost(resp.Data, handle, mediaByKey, userByID)
	return &post, nil
}

// get performs an authenticated GET and classifies any failure response.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nostrweet-bridge/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Kind: KindTransient, Err: fmt.Errorf("http get %s: %w", path, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Kind: KindTransient, Err: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &APIError{Kind: KindPermanentItem, StatusCode: resp.StatusCode, Err: fmt.Errorf("not found: %s", path)}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &APIError{Kind: KindPermanentAuth, StatusCode: resp.StatusCode, Err: fmt.Errorf("auth failure: %s", path)}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ErrRateLimited{RetryAfter: parseRetryAfter(resp)}
	case resp.StatusCode >= 500:
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("upstream 5xx: %s", strings.TrimSpace(string(body)))}
	case resp.StatusCode >= 400:
		return &APIError{Kind: KindTransient, StatusCode: resp.StatusCode, Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))}
	}

	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("twitter: decode response for %s: %w", path, err)
	}
	return nil
}

// parseRetryAfter derives the backoff duration from a 429 response's
// Retry-After header, defaulting to 30s when absent or unparsable.
func parseRetryAfter(resp *http.Response) time.Duration {
	s := resp.Header.Get("Retry-After")
	if s == "" {
		return 30 * time.Second
	}
	if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(s); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 30 * time.Second
}
