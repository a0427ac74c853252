package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/nostrweet/bridge/internal/cachestore"
	"github.com/nostrweet/bridge/internal/ratelimit"
	"github.com/nostrweet/bridge/internal/relay"
	"github.com/nostrweet/bridge/internal/twitter"
	"github.com/nostrweet/bridge/internal/worker"
)

type stubClient struct{ err error }

func (c *stubClient) UserTimeline(ctx context.Context, handle, sinceID string) ([]twitter.Post, error) {
	return nil, c.err
}
func (c *stubClient) Profile(ctx context.Context, handle string) (*twitter.Author, error) {
	return &twitter.Author{Handle: handle}, nil
}
func (c *stubClient) PostByID(ctx context.Context, id string) (*twitter.Post, error) {
	return nil, &twitter.APIError{Kind: twitter.KindPermanentItem}
}

type stubSigner struct{}

func (stubSigner) Sign(event *nostr.Event, handle string) error {
	event.ID, event.PubKey, event.Sig = "id", "pub", "sig"
	return nil
}

type stubPublisher struct{}

func (stubPublisher) Publish(ctx context.Context, event *nostr.Event) relay.PublishReport {
	return relay.PublishReport{PerRelay: map[string]relay.RelayResult{
		"wss://relay.example": {Outcome: relay.OutcomeAck},
	}}
}

func newStubWorker(t *testing.T, handle string, err error) *worker.Worker {
	t.Helper()
	store, e := cachestore.Open(t.TempDir())
	if e != nil {
		t.Fatalf("cachestore.Open: %v", e)
	}
	return &worker.Worker{
		Handle:      handle,
		Client:      &stubClient{err: err},
		Store:       store,
		RateLimiter: ratelimit.New(100, time.Minute),
		Signer:      stubSigner{},
		Publisher:   stubPublisher{},
	}
}

func TestSchedulerRunsEligibleAuthorAndReschedulesOnSuccess(t *testing.T) {
	w := newStubWorker(t, "alice", nil)
	s := New(map[string]*worker.Worker{"alice": w}, 50*time.Millisecond, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		_, fails, next := s.AuthorStatus("alice")
		if fails == 0 && !next.IsZero() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a successful cycle to reschedule the author")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerBacksOffOnTransientFailure(t *testing.T) {
	w := newStubWorker(t, "bob", &twitter.APIError{Kind: twitter.KindTransient})
	s := New(map[string]*worker.Worker{"bob": w}, time.Second, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		_, fails, next := s.AuthorStatus("bob")
		if fails >= 1 {
			if !next.After(time.Now()) {
				t.Fatal("expected next-eligible time to be pushed into the future after a transient failure")
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a transient failure to register")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSchedulerQuarantinesOnPermanentAuthFailure(t *testing.T) {
	w := newStubWorker(t, "carol", &twitter.APIError{Kind: twitter.KindPermanentAuth})
	s := New(map[string]*worker.Worker{"carol": w}, time.Second, 2)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Start(ctx)
	defer cancel()

	deadline := time.After(2 * time.Second)
	for {
		quarantined, _, _ := s.AuthorStatus("carol")
		if quarantined {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for quarantine")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Give the scheduler a few more ticks; a quarantined author must never
	// run again, so its consecutive-failure count should stay put.
	_, failsBefore, _ := s.AuthorStatus("carol")
	time.Sleep(100 * time.Millisecond)
	_, failsAfter, _ := s.AuthorStatus("carol")
	if failsAfter != failsBefore {
		t.Fatalf("quarantined author kept running: fails went from %d to %d", failsBefore, failsAfter)
	}
}

func TestBackoffDurationGrowsAndCaps(t *testing.T) {
	d1 := backoffDuration(1)
	d5 := backoffDuration(5)
	dHuge := backoffDuration(1000)

	if d1 < backoffBase || d1 >= backoffBase+jitterMax {
		t.Errorf("backoffDuration(1) = %v, want in [%v, %v)", d1, backoffBase, backoffBase+jitterMax)
	}
	if d5 <= d1 {
		t.Errorf("backoffDuration(5) = %v, want > backoffDuration(1) = %v", d5, d1)
	}
	if dHuge > backoffCap+jitterMax {
		t.Errorf("backoffDuration(1000) = %v, want capped near %v", dHuge, backoffCap)
	}
}

func TestSchedulerShutdownRespectsGrace(t *testing.T) {
	w := newStubWorker(t, "dave", nil)
	s := New(map[string]*worker.Worker{"dave": w}, time.Minute, 1)
	s.ShutdownGrace = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation plus grace period")
	}
}
