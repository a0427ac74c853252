package worker

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrweet/bridge/internal/cachestore"
	"github.com/nostrweet/bridge/internal/ratelimit"
	"github.com/nostrweet/bridge/internal/relay"
	"github.com/nostrweet/bridge/internal/twitter"
)

type fakeClient struct {
	timeline []twitter.Post
	byID     map[string]twitter.Post
	author   *twitter.Author
	err      error
}

func (f *fakeClient) UserTimeline(ctx context.Context, handle, sinceID string) ([]twitter.Post, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.timeline, nil
}

func (f *fakeClient) Profile(ctx context.Context, handle string) (*twitter.Author, error) {
	return f.author, nil
}

func (f *fakeClient) PostByID(ctx context.Context, id string) (*twitter.Post, error) {
	if p, ok := f.byID[id]; ok {
		return &p, nil
	}
	return nil, &twitter.APIError{Kind: twitter.KindPermanentItem, Err: context.DeadlineExceeded}
}

type fakeSigner struct{ signCount int }

func (f *fakeSigner) Sign(event *nostr.Event, handle string) error {
	f.signCount++
	event.ID = "deadbeef"
	event.PubKey = "fakepub"
	event.Sig = "fakesig"
	return nil
}

type fakePublisher struct {
	succeed bool
	calls   int
}

func (f *fakePublisher) Publish(ctx context.Context, event *nostr.Event) relay.PublishReport {
	f.calls++
	report := relay.PublishReport{PerRelay: map[string]relay.RelayResult{}}
	if f.succeed {
		report.PerRelay["wss://relay.example"] = relay.RelayResult{Outcome: relay.OutcomeAck}
	} else {
		report.PerRelay["wss://relay.example"] = relay.RelayResult{Outcome: relay.OutcomeTimeout}
	}
	return report
}

func newTestWorker(t *testing.T, client *fakeClient, signer *fakeSigner, pub *fakePublisher) *Worker {
	t.Helper()
	store, err := cachestore.Open(t.TempDir())
	if err != nil {
		t.Fatalf("cachestore.Open: %v", err)
	}
	return &Worker{
		Handle:      "alice",
		Client:      client,
		Store:       store,
		RateLimiter: ratelimit.New(100, time.Minute),
		Signer:      signer,
		Publisher:   pub,
	}
}

func samplePost(id string) twitter.Post {
	return twitter.Post{
		ID:           id,
		AuthorHandle: "alice",
		CreatedAt:    time.Now(),
		Text:         "hello",
		PermalinkURL: "https://twitter.com/alice/status/" + id,
	}
}

func TestRunCycleCachesAndPublishesNewPosts(t *testing.T) {
	client := &fakeClient{
		timeline: []twitter.Post{samplePost("2"), samplePost("1")}, // most-recent-first from upstream
		author:   &twitter.Author{Handle: "alice"},
	}
	signer := &fakeSigner{}
	pub := &fakePublisher{succeed: true}
	w := newTestWorker(t, client, signer, pub)

	if kind := w.RunCycle(context.Background()); kind != FailureNone {
		t.Fatalf("RunCycle = %v, want FailureNone", kind)
	}

	if !w.Store.IsPostCached("1") || !w.Store.IsPostCached("2") {
		t.Fatal("expected both posts to be cached")
	}
	if pub.calls == 0 {
		t.Fatal("expected the publisher to be invoked")
	}
}

func TestRunCycleSkipsAlreadyCachedPosts(t *testing.T) {
	client := &fakeClient{
		timeline: []twitter.Post{samplePost("1")},
		author:   &twitter.Author{Handle: "alice"},
	}
	signer := &fakeSigner{}
	pub := &fakePublisher{succeed: true}
	w := newTestWorker(t, client, signer, pub)

	w.RunCycle(context.Background())
	firstSignCount := signer.signCount

	w.RunCycle(context.Background())
	if signer.signCount != firstSignCount {
		t.Fatalf("expected no additional signing on second cycle for an already-cached post, got %d vs %d", signer.signCount, firstSignCount)
	}
}

func TestRunCycleLeavesPostUnpublishedOnRelayFailure(t *testing.T) {
	client := &fakeClient{
		timeline: []twitter.Post{samplePost("1")},
		author:   &twitter.Author{Handle: "alice"},
	}
	signer := &fakeSigner{}
	pub := &fakePublisher{succeed: false}
	w := newTestWorker(t, client, signer, pub)

	w.RunCycle(context.Background())

	if !w.Store.IsPostCached("1") {
		t.Fatal("post should still be cached even if publish failed")
	}
	if w.Store.IsPostPublished("1") {
		t.Fatal("post should not be marked published when no relay acked")
	}
}

func TestRunCycleClassifiesPermanentAuthFailure(t *testing.T) {
	client := &fakeClient{err: &twitter.APIError{Kind: twitter.KindPermanentAuth, StatusCode: 401, Err: context.DeadlineExceeded}}
	w := newTestWorker(t, client, &fakeSigner{}, &fakePublisher{succeed: true})

	if kind := w.RunCycle(context.Background()); kind != FailurePermanentAuth {
		t.Fatalf("RunCycle = %v, want FailurePermanentAuth", kind)
	}
}

func TestRunCycleClassifiesTransientFailure(t *testing.T) {
	client := &fakeClient{err: &twitter.APIError{Kind: twitter.KindTransient, StatusCode: 503, Err: context.DeadlineExceeded}}
	w := newTestWorker(t, client, &fakeSigner{}, &fakePublisher{succeed: true})

	if kind := w.RunCycle(context.Background()); kind != FailureTransient {
		t.Fatalf("RunCycle = %v, want FailureTransient", kind)
	}
}

func TestRunCyclePublishesRelayListOnceOnly(t *testing.T) {
	client := &fakeClient{author: &twitter.Author{Handle: "alice"}}
	pub := &fakePublisher{succeed: true}
	w := newTestWorker(t, client, &fakeSigner{}, pub)
	w.Relays = []string{"wss://relay.one", "wss://relay.two"}

	w.RunCycle(context.Background())
	firstCalls := pub.calls
	if firstCalls == 0 {
		t.Fatal("expected the relay list event to be published on first cycle")
	}

	w.RunCycle(context.Background())
	if pub.calls != firstCalls {
		t.Fatalf("expected no additional publish calls for the relay list on later cycles, got %d vs %d", pub.calls, firstCalls)
	}
}

func TestRunCycleRetriesUnpublishedCachedPosts(t *testing.T) {
	client := &fakeClient{
		timeline: []twitter.Post{samplePost("1")},
		author:   &twitter.Author{Handle: "alice"},
	}
	signer := &fakeSigner{}
	pub := &fakePublisher{succeed: false}
	w := newTestWorker(t, client, signer, pub)

	w.RunCycle(context.Background())
	if w.Store.IsPostPublished("1") {
		t.Fatal("post should not be published while every relay fails")
	}

	// The relays recover; the next cycle returns nothing new from upstream
	// but must still re-attempt the cached, unpublished post.
	client.timeline = nil
	pub.succeed = true
	w.RunCycle(context.Background())

	if !w.Store.IsPostPublished("1") {
		t.Fatal("cached unpublished post should be re-attempted and published once a relay acks")
	}
}

func TestRunCycleResolvesReferenceAndMarksNotFoundOnMissingParent(t *testing.T) {
	p := samplePost("5")
	p.References = []twitter.Reference{{Kind: twitter.ReferenceReply, PostID: "999"}}
	client := &fakeClient{
		timeline: []twitter.Post{p},
		byID:     map[string]twitter.Post{}, // 999 not found
		author:   &twitter.Author{Handle: "alice"},
	}
	w := newTestWorker(t, client, &fakeSigner{}, &fakePublisher{succeed: true})

	w.RunCycle(context.Background())

	if !w.Store.IsPostCached("999") {
		t.Fatal("expected the unresolvable referenced post to be marked not-found (covered by IsPostCached)")
	}
}
