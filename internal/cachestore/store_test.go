package cachestore

import (
	"os"
	"path/filepath"
	"testing"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestRecordPostThenIsPostCached(t *testing.T) {
	s := openTemp(t)
	if s.IsPostCached("100") {
		t.Fatal("post should not be cached before RecordPost")
	}
	if err := s.RecordPost("alice", "100", []byte(`{"id":"100"}`)); err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	if !s.IsPostCached("100") {
		t.Fatal("post should be cached after RecordPost")
	}
}

func TestRecordPostIdempotentFilename(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordPost("alice", "100", []byte(`{"id":"100"}`)); err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	if err := s.RecordPost("alice", "100", []byte(`{"id":"100","edited":true}`)); err != nil {
		t.Fatalf("RecordPost (again): %v", err)
	}
	entries, err := os.ReadDir(s.Root())
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want exactly one post artifact for idempotent RecordPost, got %d", count)
	}
}

func TestMarkNotFoundPrecedesFetch(t *testing.T) {
	s := openTemp(t)
	if err := s.MarkNotFound("50"); err != nil {
		t.Fatalf("MarkNotFound: %v", err)
	}
	if !s.IsPostCached("50") {
		t.Fatal("not-found marker should make IsPostCached true")
	}
}

func TestLatestPostIDNumericComparison(t *testing.T) {
	s := openTemp(t)
	for _, id := range []string{"9", "100", "20"} {
		if err := s.RecordPost("alice", id, []byte(`{}`)); err != nil {
			t.Fatalf("RecordPost(%s): %v", id, err)
		}
	}
	got, ok := s.LatestPostID("alice")
	if !ok {
		t.Fatal("expected a latest post id")
	}
	if got != "100" {
		t.Fatalf("want numeric max 100, got %s (lexicographic would pick 9)", got)
	}
}

func TestLatestPostIDAbsentWhenNoPosts(t *testing.T) {
	s := openTemp(t)
	if _, ok := s.LatestPostID("nobody"); ok {
		t.Fatal("expected no latest post id for an author with no cached posts")
	}
}

func TestRecordEventSuppressesRepublication(t *testing.T) {
	s := openTemp(t)
	if s.IsPostPublished("100") {
		t.Fatal("should not be published before RecordEvent")
	}
	if err := s.RecordEvent("deadbeef", "100", 1, 1700000000, []byte(`{}`)); err != nil {
		t.Fatalf("RecordEvent: %v", err)
	}
	if !s.IsPostPublished("100") {
		t.Fatal("should be published after RecordEvent")
	}

	// A fresh Store scanning the same directory must rebuild the same index
	// from the sidecar alone; no separate state store is consulted.
	reopened, err := Open(s.Root())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if !reopened.IsPostPublished("100") {
		t.Fatal("published index must be rebuildable from sidecars on restart")
	}
}

func TestScanCacheMemoizedUntilReset(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordPost("alice", "1", []byte(`{}`)); err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	if _, ok := s.LatestPostID("alice"); !ok {
		t.Fatal("expected latest post id")
	}

	// Write a second post artifact directly on disk, bypassing RecordPost's
	// own cache invalidation, to simulate another process's write within
	// the same cycle.
	name := filepath.Join(s.Root(), "20200101_000000_alice_2.json")
	if err := os.WriteFile(name, []byte(`{}`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s.mu.Lock()
	s.scanCache["alice"] = []string{"20200101_000000_alice_1.json"}
	s.mu.Unlock()

	got, _ := s.LatestPostID("alice")
	if got != "1" {
		t.Fatalf("expected memoized scan to still report 1, got %s", got)
	}

	s.ResetCycle("alice")
	got, _ = s.LatestPostID("alice")
	if got != "2" {
		t.Fatalf("after ResetCycle expected fresh scan to report 2, got %s", got)
	}
}

func TestCachedPostsOrderedByNumericID(t *testing.T) {
	s := openTemp(t)
	for _, id := range []string{"100", "9", "20"} {
		if err := s.RecordPost("alice", id, []byte(`{"id":"`+id+`"}`)); err != nil {
			t.Fatalf("RecordPost(%s): %v", id, err)
		}
	}
	s.ResetCycle("alice")

	posts := s.CachedPosts("alice")
	if len(posts) != 3 {
		t.Fatalf("want 3 cached posts, got %d", len(posts))
	}
	for i, want := range []string{"9", "20", "100"} {
		if posts[i].ID != want {
			t.Fatalf("posts[%d].ID = %s, want %s (numeric ascending)", i, posts[i].ID, want)
		}
	}
	if string(posts[0].Payload) != `{"id":"9"}` {
		t.Fatalf("payload = %s, want recorded bytes", posts[0].Payload)
	}
}

func TestPostPayloadFindsArtifactAcrossHandles(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordPost("bob", "77", []byte(`{"id":"77"}`)); err != nil {
		t.Fatalf("RecordPost: %v", err)
	}
	data, ok := s.PostPayload("77")
	if !ok {
		t.Fatal("expected the artifact to be found regardless of handle")
	}
	if string(data) != `{"id":"77"}` {
		t.Fatalf("payload = %s", data)
	}

	if err := s.MarkNotFound("88"); err != nil {
		t.Fatalf("MarkNotFound: %v", err)
	}
	if _, ok := s.PostPayload("88"); ok {
		t.Fatal("a not-found marker must not count as a post payload")
	}
}

func TestRecordProfileLatestWins(t *testing.T) {
	s := openTemp(t)
	if err := s.RecordProfile("alice", []byte(`{"name":"old"}`)); err != nil {
		t.Fatalf("RecordProfile: %v", err)
	}
	if err := s.RecordProfile("alice", []byte(`{"name":"new"}`)); err != nil {
		t.Fatalf("RecordProfile: %v", err)
	}
	data, ok := s.LatestProfile("alice")
	if !ok {
		t.Fatal("expected a profile artifact")
	}
	if string(data) != `{"name":"new"}` {
		t.Fatalf("want latest profile content, got %s", data)
	}
}
