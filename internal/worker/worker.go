// Package worker implements one author's fetch → cache-diff → download →
// transform → publish iteration.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrweet/bridge/internal/cachestore"
	"github.com/nostrweet/bridge/internal/eventbuilder"
	"github.com/nostrweet/bridge/internal/media"
	"github.com/nostrweet/bridge/internal/ratelimit"
	"github.com/nostrweet/bridge/internal/relay"
	"github.com/nostrweet/bridge/internal/twitter"
)

// maxParallelDownloads bounds concurrent media downloads within one post.
const maxParallelDownloads = 4

// UpstreamClient is the subset of twitter.Client used by a Worker. An
// interface so tests can substitute a fake without a network dependency.
type UpstreamClient interface {
	UserTimeline(ctx context.Context, handle, sinceID string) ([]twitter.Post, error)
	Profile(ctx context.Context, handle string) (*twitter.Author, error)
	PostByID(ctx context.Context, id string) (*twitter.Post, error)
}

// Signer is the subset of signer.Signer used by a Worker.
type Signer interface {
	Sign(event *nostr.Event, handle string) error
}

// Publisher is the subset of relay.Publisher used by a Worker.
type Publisher interface {
	Publish(ctx context.Context, event *nostr.Event) relay.PublishReport
}

// FailureKind classifies the outcome of one RunCycle call, driving the
// scheduler's backoff/quarantine decisions.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTransient
	FailurePermanentAuth
)

// Stats aggregates progress counters across all workers sharing it. Safe
// for concurrent use; a nil *Stats disables counting.
type Stats struct {
	PostsDownloaded atomic.Int64
	MediaDownloaded atomic.Int64
	EventsPublished atomic.Int64
	PublishFailures atomic.Int64
}

func (s *Stats) addPost() {
	if s != nil {
		s.PostsDownloaded.Add(1)
	}
}

func (s *Stats) addMedia() {
	if s != nil {
		s.MediaDownloaded.Add(1)
	}
}

func (s *Stats) addPublish(ok bool) {
	if s == nil {
		return
	}
	if ok {
		s.EventsPublished.Add(1)
	} else {
		s.PublishFailures.Add(1)
	}
}

// Worker processes one author's ingest cycle.
type Worker struct {
	Handle         string
	Client         UpstreamClient
	Store          *cachestore.Store
	RateLimiter    *ratelimit.Limiter
	Signer         Signer
	Publisher      Publisher
	BlossomServers []string
	Relays         []string
	Stats          *Stats
}

// RunCycle performs one full iteration for the worker's author. It never
// panics; failures are reported via the returned FailureKind so the
// scheduler can decide whether to retry, back off, or quarantine the
// author.
func (w *Worker) RunCycle(ctx context.Context) FailureKind {
	w.Store.ResetCycle(w.Handle)

	sinceID, _ := w.Store.LatestPostID(w.Handle)

	// Re-attempt posts cached on a previous cycle that were never
	// acknowledged by any relay (at-least-once publication), before the
	// upstream fetch so a failed fetch does not hold them back. These are
	// older than anything the fetch can return, so attempting them first
	// keeps events for this author in upstream-creation order.
	w.retryUnpublished(ctx)

	if err := w.RateLimiter.Admit(ctx); err != nil {
		return FailureTransient
	}
	posts, err := w.Client.UserTimeline(ctx, w.Handle, sinceID)
	if err != nil {
		return w.classifyFetchError(err)
	}

	// Upstream returns most-recent-first; process oldest-first so cache
	// ordering (and published-order within this author) is preserved.
	for i, j := 0, len(posts)-1; i < j; i, j = i+1, j-1 {
		posts[i], posts[j] = posts[j], posts[i]
	}

	for _, post := range posts {
		w.processPost(ctx, post)
	}

	w.refreshProfile(ctx)
	w.publishRelayListOnce(ctx)

	return FailureNone
}

// classifyFetchError maps an upstream fetch error to a FailureKind,
// advancing the rate limiter past any Retry-After hint.
func (w *Worker) classifyFetchError(err error) FailureKind {
	var rl *twitter.ErrRateLimited
	if errors.As(err, &rl) {
		w.RateLimiter.ForceAdvance(rl.RetryAfter)
		return FailureTransient
	}
	if twitter.Classify(err) == twitter.KindPermanentAuth {
		slog.Error("upstream authentication failure, worker will be quarantined", "handle", w.Handle, "error", err)
		return FailurePermanentAuth
	}
	slog.Warn("upstream fetch failed", "handle", w.Handle, "error", err)
	return FailureTransient
}

// retryUnpublished scans this author's cached posts for any without an
// event sidecar and runs them back through the publish path. A post stays
// in this set until ≥1 relay acks it or the cache is cleared.
func (w *Worker) retryUnpublished(ctx context.Context) {
	for _, cp := range w.Store.CachedPosts(w.Handle) {
		if w.Store.IsPostPublished(cp.ID) {
			continue
		}
		var post twitter.Post
		if err := json.Unmarshal(cp.Payload, &post); err != nil {
			slog.Error("unreadable cached post artifact", "handle", w.Handle, "post_id", cp.ID, "error", err)
			continue
		}
		w.processPost(ctx, post)
	}
}

// processPost handles cache-diff, reference resolution, media, and publish
// for a single post. Errors are logged and swallowed at this level; a
// single bad post must never abort the rest of the cycle.
func (w *Worker) processPost(ctx context.Context, post twitter.Post) {
	cached := w.Store.IsPostCached(post.ID)

	var refs []eventbuilder.ResolvedReference
	var mediaURLs []string
	if !cached {
		refs = w.resolveReferences(ctx, post)
		mediaURLs = w.downloadMedia(ctx, post)

		payload, err := json.Marshal(post)
		if err != nil {
			slog.Error("failed to marshal post for caching", "handle", w.Handle, "post_id", post.ID, "error", err)
			return
		}
		if err := w.Store.RecordPost(w.Handle, post.ID, payload); err != nil {
			slog.Error("failed to record post", "handle", w.Handle, "post_id", post.ID, "error", err)
			return
		}
		w.Stats.addPost()
	}

	if w.Store.IsPostPublished(post.ID) {
		return
	}

	if cached {
		// Re-publish attempt for an already-cached post: references come
		// from the cache where possible, and the media downloads are no-ops
		// because the files are already on disk (Blossom re-uploads dedup
		// by content hash).
		refs = w.resolveReferences(ctx, post)
		mediaURLs = w.downloadMedia(ctx, post)
	}

	event := eventbuilder.BuildNote(post, refs, mediaURLs)
	if err := w.Signer.Sign(event, w.Handle); err != nil {
		slog.Error("failed to sign note", "handle", w.Handle, "post_id", post.ID, "error", err)
		return
	}

	report := w.Publisher.Publish(ctx, event)
	w.Stats.addPublish(report.Success())
	if !report.Success() {
		slog.Warn("note not acknowledged by any relay; will retry next cycle",
			"handle", w.Handle, "post_id", post.ID)
		return
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		slog.Error("failed to marshal published event for sidecar", "handle", w.Handle, "post_id", post.ID, "error", err)
		return
	}
	if err := w.Store.RecordEvent(event.ID, post.ID, event.Kind, int64(event.CreatedAt), eventJSON); err != nil {
		slog.Error("failed to record event sidecar", "handle", w.Handle, "post_id", post.ID, "error", err)
	}
}

// resolveReferences follows one hop per reference kind (reply, quote,
// retweet), caching any resolved referenced post under its own author's
// handle the same way an originally-fetched post would be.
func (w *Worker) resolveReferences(ctx context.Context, post twitter.Post) []eventbuilder.ResolvedReference {
	refs := make([]eventbuilder.ResolvedReference, 0, len(post.References))
	for _, ref := range post.References {
		if resolved := w.resolveOne(ctx, ref); resolved != nil {
			refs = append(refs, *resolved)
		}
	}
	return refs
}

// resolveOne resolves a single referenced post, cache first: an artifact
// recorded on any earlier cycle is reused without an upstream call, and a
// not-found marker suppresses the fetch permanently.
func (w *Worker) resolveOne(ctx context.Context, ref twitter.Reference) *eventbuilder.ResolvedReference {
	if w.Store.IsPostCached(ref.PostID) {
		payload, ok := w.Store.PostPayload(ref.PostID)
		if !ok {
			return nil // not-found marker
		}
		var p twitter.Post
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil
		}
		return &eventbuilder.ResolvedReference{Kind: ref.Kind, Post: p}
	}

	if err := w.RateLimiter.Admit(ctx); err != nil {
		return nil
	}
	refPost, err := w.Client.PostByID(ctx, ref.PostID)
	if err != nil {
		var rl *twitter.ErrRateLimited
		if errors.As(err, &rl) {
			w.RateLimiter.ForceAdvance(rl.RetryAfter)
			return nil
		}
		if twitter.Classify(err) == twitter.KindPermanentItem {
			if mErr := w.Store.MarkNotFound(ref.PostID); mErr != nil {
				slog.Error("failed to mark referenced post not-found", "post_id", ref.PostID, "error", mErr)
			}
		} else {
			slog.Warn("failed to resolve referenced post", "post_id", ref.PostID, "error", err)
		}
		return nil
	}

	if payload, err := json.Marshal(refPost); err == nil {
		if err := w.Store.RecordPost(refPost.AuthorHandle, refPost.ID, payload); err != nil {
			slog.Error("failed to record referenced post", "post_id", refPost.ID, "error", err)
		}
	}

	return &eventbuilder.ResolvedReference{Kind: ref.Kind, Post: *refPost}
}

// downloadMedia fetches every media attachment for post (up to
// maxParallelDownloads at a time), optionally re-hosting each on Blossom,
// and returns the canonical URLs in post order. A single failed item is
// logged and dropped rather than aborting the post.
func (w *Worker) downloadMedia(ctx context.Context, post twitter.Post) []string {
	results := make([]string, len(post.Media))
	sem := make(chan struct{}, maxParallelDownloads)
	var wg sync.WaitGroup
	for n, m := range post.Media {
		if m.ExpandedURL == "" {
			continue
		}
		wg.Add(1)
		go func(n int, m twitter.Media) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[n] = w.fetchOneMedia(ctx, post, n, m)
		}(n, m)
	}
	wg.Wait()

	urls := make([]string, 0, len(results))
	for _, u := range results {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// fetchOneMedia downloads one attachment and returns its canonical URL: the
// Blossom URL when ≥1 configured server accepted the blob, the direct
// upstream URL otherwise. Empty string on download failure.
func (w *Worker) fetchOneMedia(ctx context.Context, post twitter.Post, n int, m twitter.Media) string {
	downloaded, err := media.Download(ctx, w.Store, post.AuthorHandle, post.ID, n, m.ExpandedURL)
	if err != nil {
		slog.Warn("media download failed", "handle", post.AuthorHandle, "post_id", post.ID, "n", n, "error", err)
		return ""
	}
	w.Stats.addMedia()

	if len(w.BlossomServers) > 0 {
		upload, err := media.UploadToBlossom(ctx, w.BlossomServers, downloaded.Path, downloaded.ContentType)
		if err != nil {
			slog.Debug("blossom upload failed, falling back to direct URL", "handle", post.AuthorHandle, "post_id", post.ID, "n", n, "error", err)
		} else if len(upload.URLs) > 0 {
			return upload.URLs[0]
		}
	}
	return m.ExpandedURL
}

// refreshProfile fetches the author's current profile and, if it differs
// from the last-recorded one, records it and publishes a kind-0 event.
// Refreshed at most once per cycle.
func (w *Worker) refreshProfile(ctx context.Context) {
	if err := w.RateLimiter.Admit(ctx); err != nil {
		return
	}
	author, err := w.Client.Profile(ctx, w.Handle)
	if err != nil {
		slog.Warn("profile refresh failed", "handle", w.Handle, "error", err)
		return
	}

	payload, err := json.Marshal(author)
	if err != nil {
		return
	}

	if prev, ok := w.Store.LatestProfile(w.Handle); ok && string(prev) == string(payload) {
		return
	}

	if err := w.Store.RecordProfile(w.Handle, payload); err != nil {
		slog.Error("failed to record profile", "handle", w.Handle, "error", err)
		return
	}

	event := eventbuilder.BuildProfile(*author, "", nowUnix())
	if err := w.Signer.Sign(event, w.Handle); err != nil {
		slog.Error("failed to sign profile event", "handle", w.Handle, "error", err)
		return
	}
	report := w.Publisher.Publish(ctx, event)
	w.Stats.addPublish(report.Success())
	if !report.Success() {
		slog.Warn("profile event not acknowledged by any relay", "handle", w.Handle)
		return
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := w.Store.RecordEvent(event.ID, "profile:"+w.Handle, event.Kind, int64(event.CreatedAt), eventJSON); err != nil {
		slog.Error("failed to record profile event sidecar", "handle", w.Handle, "error", err)
	}
}

// publishRelayListOnce publishes a kind-10002 relay-list event for this
// author's derived identity the first time the worker ever runs for it. A
// synthetic "relaylist:<handle>" key plays the role of a post id in the
// event sidecar index, suppressing re-publication on every later cycle the
// same way a real post id would.
func (w *Worker) publishRelayListOnce(ctx context.Context) {
	if len(w.Relays) == 0 {
		return
	}
	sidecarKey := "relaylist:" + w.Handle
	if w.Store.IsPostPublished(sidecarKey) {
		return
	}

	event := eventbuilder.BuildRelayList(w.Relays, nowUnix())
	if err := w.Signer.Sign(event, w.Handle); err != nil {
		slog.Error("failed to sign relay list event", "handle", w.Handle, "error", err)
		return
	}
	report := w.Publisher.Publish(ctx, event)
	w.Stats.addPublish(report.Success())
	if !report.Success() {
		slog.Warn("relay list event not acknowledged by any relay", "handle", w.Handle)
		return
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := w.Store.RecordEvent(event.ID, sidecarKey, event.Kind, int64(event.CreatedAt), eventJSON); err != nil {
		slog.Error("failed to record relay list event sidecar", "handle", w.Handle, "error", err)
	}
}

func nowUnix() int64 {
	return int64(nostr.Now())
}
