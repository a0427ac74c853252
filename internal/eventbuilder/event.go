// Package eventbuilder deterministically maps an upstream post (plus its
// resolved reference chain and canonical media URLs) to an unsigned Nostr
// event. The same inputs always produce the same event id: created_at
// is always the upstream post's timestamp, never wall-clock.
package eventbuilder

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrweet/bridge/internal/twitter"
)

// ResolvedReference carries one referenced post a reply/quote/retweet
// points to, resolved one hop per kind. A quote that is also a reply
// produces two entries.
type ResolvedReference struct {
	Kind twitter.ReferenceKind
	Post twitter.Post
}

// BuildNote converts a post into an unsigned kind-1 event. mediaURLs is the
// canonical {descriptor → url} mapping produced by the media handler,
// already in post order.
func BuildNote(post twitter.Post, refs []ResolvedReference, mediaURLs []string) *nostr.Event {
	content := buildContent(post, refs, mediaURLs)

	tags := nostr.Tags{
		nostr.Tag{"client", "nostrweet"},
		nostr.Tag{"r", post.PermalinkURL},
	}
	for _, url := range mediaURLs {
		tags = append(tags, nostr.Tag{"r", url})
	}
	tags = append(tags, nostr.Tag{"published_at", fmt.Sprintf("%d", post.CreatedAt.Unix())})

	return &nostr.Event{
		Kind:      1,
		Content:   content,
		CreatedAt: nostr.Timestamp(post.CreatedAt.Unix()),
		Tags:      tags,
	}
}

// buildContent applies the content rules for the post's reference kinds. A
// native retweet discards the "RT @...:" wrapper text and uses the
// underlying original as the logical payload, so it cannot combine with the
// other kinds; a reply prefix and a quote suffix can both apply to one post.
func buildContent(post twitter.Post, refs []ResolvedReference, mediaURLs []string) string {
	if rt := refOfKind(refs, twitter.ReferenceRetweet); rt != nil {
		origContent := appendMediaURLs(rt.Post.Text, mediaURLs)
		return fmt.Sprintf("RT @%s: %s", rt.Post.AuthorHandle, origContent)
	}

	content := appendMediaURLs(post.Text, mediaURLs)
	if reply := refOfKind(refs, twitter.ReferenceReply); reply != nil {
		content = fmt.Sprintf("Replying to @%s: %s\n\n%s", reply.Post.AuthorHandle, reply.Post.PermalinkURL, content)
	}
	if quote := refOfKind(refs, twitter.ReferenceQuote); quote != nil {
		excerpt := firstLine(quote.Post.Text)
		content = fmt.Sprintf("%s\n\nQuoting @%s: %s\n%s", content, quote.Post.AuthorHandle, quote.Post.PermalinkURL, excerpt)
	}
	return content
}

func refOfKind(refs []ResolvedReference, kind twitter.ReferenceKind) *ResolvedReference {
	for i := range refs {
		if refs[i].Kind == kind {
			return &refs[i]
		}
	}
	return nil
}

// appendMediaURLs appends, newline-delimited, every canonical media URL not
// already a literal substring of content.
func appendMediaURLs(content string, mediaURLs []string) string {
	for _, url := range mediaURLs {
		if strings.Contains(content, url) {
			continue
		}
		content += "\n" + url
	}
	return content
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// profileContent is the kind-0 content payload.
type profileContent struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	About       string `json:"about"`
	Picture     string `json:"picture"`
	Banner      string `json:"banner"`
	Website     string `json:"website"`
}

// BuildProfile converts an author into an unsigned kind-0 event. website is
// typically empty; the upstream platform exposes no equivalent field, but
// the key is still emitted for schema compatibility with NIP-01 clients.
func BuildProfile(author twitter.Author, website string, observedAt int64) *nostr.Event {
	content := profileContent{
		Name:        author.Handle,
		DisplayName: author.DisplayName,
		About:       author.Description,
		Picture:     author.ProfileImageURL,
		Banner:      author.BannerURL,
		Website:     website,
	}
	raw, _ := json.Marshal(content)

	return &nostr.Event{
		Kind:      0,
		Content:   string(raw),
		CreatedAt: nostr.Timestamp(observedAt),
		Tags:      nostr.Tags{nostr.Tag{"client", "nostrweet"}},
	}
}

// BuildRelayList converts the configured relay set into an unsigned
// kind-10002 event, one ["r", url] tag per relay.
func BuildRelayList(relays []string, observedAt int64) *nostr.Event {
	tags := nostr.Tags{nostr.Tag{"client", "nostrweet"}}
	for _, url := range relays {
		tags = append(tags, nostr.Tag{"r", url})
	}
	return &nostr.Event{
		Kind:      10002,
		Content:   "",
		CreatedAt: nostr.Timestamp(observedAt),
		Tags:      tags,
	}
}
