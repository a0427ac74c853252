// Package cachestore implements the filesystem-as-state layer described in
// the design notes: the data directory is the sole source of durable
// progress. There is no separate database: "what has been downloaded" and
// "what has been published" are both derived from filenames and sidecar
// markers under the data root.
//
// Filename grammar (all paths relative to the data root):
//
//	post_file  := date "_" time "_" handle "_" postid ".json"
//	profile    := date "_" time "_" handle "_profile.json"
//	media      := handle "_" postid "_" index "." ext
//	event      := "nostr_events/event_" eventid ".json"
//	not_found  := "tweet_" postid ".not_found"
//	date       := 8 digits YYYYMMDD
//	time       := 6 digits HHMMSS
package cachestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const eventsDir = "nostr_events"

// Store is the filesystem-backed cache-as-state engine.
type Store struct {
	root string

	mu sync.Mutex

	// publishedIndex maps post id -> event id. Rebuilt on Open by scanning
	// nostr_events/, then kept current as RecordEvent is called. This is a
	// derived index, not a source of truth; it can always be rebuilt from
	// the sidecar files alone.
	publishedIndex map[string]string

	// scanCache memoizes per-author directory scans within one polling
	// cycle. Cleared by ResetCycle. Not meant to survive across cycles:
	// RecordPost invalidates the author's entry so this worker's own
	// mid-cycle writes are seen on the next scan, but artifacts from other
	// processes are picked up only after the next ResetCycle.
	scanCache map[string][]string // handle -> filenames, lowercase handle key
}

// Open creates the data root (and its nostr_events subdirectory) if
// necessary and rebuilds the published-post index by scanning existing
// event sidecars.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, eventsDir), 0o755); err != nil {
		return nil, fmt.Errorf("cachestore: create data dir: %w", err)
	}
	s := &Store{
		root:           dataDir,
		publishedIndex: make(map[string]string),
		scanCache:      make(map[string][]string),
	}
	if err := s.rebuildPublishedIndex(); err != nil {
		return nil, fmt.Errorf("cachestore: rebuild published index: %w", err)
	}
	return s, nil
}

// Root returns the data directory root.
func (s *Store) Root() string { return s.root }

// ResetCycle clears the per-author scan memoization for handle. Call once
// at the start of each worker iteration for that author.
func (s *Store) ResetCycle(handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scanCache, strings.ToLower(handle))
}

// rebuildPublishedIndex scans nostr_events/*.json and reconstructs the
// post-id -> event-id mapping from each sidecar's recorded post id.
func (s *Store) rebuildPublishedIndex() error {
	dir := filepath.Join(s.root, eventsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		eventID, ok := parseEventFilename(name)
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var sidecar eventSidecar
		if err := json.Unmarshal(data, &sidecar); err != nil {
			continue
		}
		if sidecar.PostID != "" {
			s.publishedIndex[sidecar.PostID] = eventID
		}
	}
	return nil
}

// eventSidecar is the on-disk shape of nostr_events/event_<id>.json.
type eventSidecar struct {
	EventID   string          `json:"event_id"`
	PostID    string          `json:"post_id"`
	Kind      int             `json:"kind"`
	CreatedAt int64           `json:"created_at"`
	Event     json.RawMessage `json:"event"`
}

func parseEventFilename(name string) (eventID string, ok bool) {
	const prefix, suffix = "event_", ".json"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix), true
}

// IsPostCached reports whether a post artifact or not-found marker already
// exists for postID. Not-found markers take precedence over re-fetch
// attempts, so this single predicate covers both cases per the design.
func (s *Store) IsPostCached(postID string) bool {
	if s.notFoundMarkerExists(postID) {
		return true
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return false
	}
	suffix := "_" + postID + ".json"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			return true
		}
	}
	return false
}

func (s *Store) notFoundMarkerExists(postID string) bool {
	_, err := os.Stat(filepath.Join(s.root, notFoundFilename(postID)))
	return err == nil
}

func notFoundFilename(postID string) string {
	return "tweet_" + postID + ".not_found"
}

// IsPostPublished reports whether an event sidecar already references
// postID, i.e. whether a kind-1 event for this post has ever been
// acknowledged by a relay.
func (s *Store) IsPostPublished(postID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.publishedIndex[postID]
	return ok
}

// EventIDForPost returns the event id recorded for postID, if any.
func (s *Store) EventIDForPost(postID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.publishedIndex[postID]
	return id, ok
}

// LatestPostID scans post artifacts for handle and returns the numeric
// maximum trailing post id, comparing numerically (not lexicographically)
// since upstream ids need not be left-zero-padded on disk.
func (s *Store) LatestPostID(handle string) (string, bool) {
	names := s.postFilenames(handle)
	var best string
	var bestN uint64
	have := false
	for _, name := range names {
		id, ok := postIDFromFilename(name, handle)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(id, 10, 64)
		if err != nil {
			continue
		}
		if !have || n > bestN {
			bestN = n
			best = id
			have = true
		}
	}
	return best, have
}

// postFilenames returns (and memoizes) the list of *_<handle>_*.json
// filenames under the data root for the given handle, excluding profile
// artifacts.
func (s *Store) postFilenames(handle string) []string {
	key := strings.ToLower(handle)

	s.mu.Lock()
	if cached, ok := s.scanCache[key]; ok {
		s.mu.Unlock()
		return cached
	}
	s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	var names []string
	if err == nil {
		needle := "_" + handle + "_"
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasSuffix(name, ".json") {
				continue
			}
			if strings.HasSuffix(name, "_profile.json") {
				continue
			}
			if strings.Contains(name, needle) {
				names = append(names, name)
			}
		}
	}

	s.mu.Lock()
	s.scanCache[key] = names
	s.mu.Unlock()
	return names
}

// postIDFromFilename extracts the trailing post id from a
// "date_time_handle_postid.json" filename.
func postIDFromFilename(name, handle string) (string, bool) {
	trimmed := strings.TrimSuffix(name, ".json")
	needle := "_" + handle + "_"
	idx := strings.LastIndex(trimmed, needle)
	if idx < 0 {
		return "", false
	}
	id := trimmed[idx+len(needle):]
	if id == "" {
		return "", false
	}
	return id, true
}

// CachedPost is one post artifact's parsed id and raw payload.
type CachedPost struct {
	ID      string
	Payload []byte
}

// CachedPosts returns every post artifact for handle, ordered by ascending
// numeric post id. Used by the per-user worker to re-attempt publication of
// posts that were cached but never acknowledged by a relay.
func (s *Store) CachedPosts(handle string) []CachedPost {
	names := s.postFilenames(handle)
	posts := make([]CachedPost, 0, len(names))
	for _, name := range names {
		id, ok := postIDFromFilename(name, handle)
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, name))
		if err != nil {
			continue
		}
		posts = append(posts, CachedPost{ID: id, Payload: data})
	}
	sort.Slice(posts, func(i, j int) bool {
		a, errA := strconv.ParseUint(posts[i].ID, 10, 64)
		b, errB := strconv.ParseUint(posts[j].ID, 10, 64)
		if errA != nil || errB != nil {
			return posts[i].ID < posts[j].ID
		}
		return a < b
	})
	return posts
}

// PostPayload returns the raw payload of the post artifact for postID,
// regardless of which author's handle it was recorded under. Returns false
// when no artifact exists (a not-found marker does not count).
func (s *Store) PostPayload(postID string) ([]byte, bool) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, false
	}
	suffix := "_" + postID + ".json"
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			return nil, false
		}
		return data, true
	}
	return nil, false
}

// RecordPost atomically writes a post artifact. It is idempotent: if an
// artifact for (handle, postID) already exists, the write replaces that
// same file via atomic rename instead of minting a second filename with a
// fresh timestamp prefix.
func (s *Store) RecordPost(handle, postID string, payload []byte) error {
	name := s.existingPostFilename(handle, postID)
	if name == "" {
		name = fmt.Sprintf("%s_%s_%s.json", timestampPrefix(), handle, postID)
	}
	if err := s.atomicWrite(name, payload); err != nil {
		return err
	}
	// Invalidate the per-author scan cache so a subsequent LatestPostID
	// within the same cycle observes the new artifact.
	s.mu.Lock()
	delete(s.scanCache, strings.ToLower(handle))
	s.mu.Unlock()
	return nil
}

// existingPostFilename returns the filename of an already-recorded artifact
// for (handle, postID), or "" if none exists.
func (s *Store) existingPostFilename(handle, postID string) string {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return ""
	}
	suffix := "_" + handle + "_" + postID + ".json"
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			return e.Name()
		}
	}
	return ""
}

// RecordProfile atomically writes an author profile artifact. Profiles are
// never mutated in place; each observation gets a fresh timestamped file,
// and "latest wins" is determined by filename timestamp ordering.
func (s *Store) RecordProfile(handle string, payload []byte) error {
	name := fmt.Sprintf("%s_%s_profile.json", timestampPrefix(), handle)
	return s.atomicWrite(name, payload)
}

// LatestProfile returns the bytes of the most recently recorded profile
// artifact for handle, if any.
func (s *Store) LatestProfile(handle string) ([]byte, bool) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, false
	}
	suffix := "_" + handle + "_profile.json"
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return nil, false
	}
	sort.Strings(names) // timestamp prefix sorts lexicographically = chronologically
	data, err := os.ReadFile(filepath.Join(s.root, names[len(names)-1]))
	if err != nil {
		return nil, false
	}
	return data, true
}

// RecordEvent atomically writes the published-event sidecar and updates the
// in-memory published-post index. Its presence suppresses re-publication of
// postID on every subsequent cycle.
func (s *Store) RecordEvent(eventID, postID string, kind int, createdAt int64, eventJSON []byte) error {
	sidecar := eventSidecar{
		EventID:   eventID,
		PostID:    postID,
		Kind:      kind,
		CreatedAt: createdAt,
		Event:     eventJSON,
	}
	payload, err := json.Marshal(sidecar)
	if err != nil {
		return fmt.Errorf("cachestore: marshal event sidecar: %w", err)
	}
	name := filepath.Join(eventsDir, "event_"+eventID+".json")
	if err := s.atomicWrite(name, payload); err != nil {
		return err
	}
	s.mu.Lock()
	s.publishedIndex[postID] = eventID
	s.mu.Unlock()
	return nil
}

// MarkNotFound creates the negative-cache marker for postID. Idempotent:
// an existing marker is left untouched.
func (s *Store) MarkNotFound(postID string) error {
	path := filepath.Join(s.root, notFoundFilename(postID))
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return s.atomicWrite(notFoundFilename(postID), []byte("{}"))
}

// MediaPath returns the conventional on-disk path for media item n of
// postID authored by handle, with the given extension (no leading dot).
func (s *Store) MediaPath(handle, postID string, n int, ext string) string {
	return filepath.Join(s.root, fmt.Sprintf("%s_%s_%d.%s", handle, postID, n, ext))
}

// atomicWrite writes payload to name (relative to the data root) via
// write-temp-then-rename so concurrent readers never observe a partial
// file. The temp file lives in the same directory as the target so the
// final rename is same-filesystem and atomic.
func (s *Store) atomicWrite(name string, payload []byte) error {
	target := filepath.Join(s.root, name)
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cachestore: mkdir %s: %w", dir, err)
	}
	tmp := filepath.Join(dir, "."+filepath.Base(target)+"."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("cachestore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("cachestore: rename into place: %w", err)
	}
	return nil
}

// timestampPrefix returns the current UTC time formatted as YYYYMMDD_HHMMSS.
func timestampPrefix() string {
	return time.Now().UTC().Format("20060102_150405")
}
