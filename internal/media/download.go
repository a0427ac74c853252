// Package media downloads upstream media to local disk and, optionally,
// re-hosts it content-addressed on Blossom blob servers so published events
// never depend on the upstream platform's CDN staying reachable.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/nostrweet/bridge/internal/cachestore"
)

var httpClient = &http.Client{
	Timeout: 120 * time.Second,
}

// Downloaded describes one media file fetched to local disk.
type Downloaded struct {
	Path        string
	ContentType string
	Size        int64
}

// Download fetches srcURL into store's media directory for (handle, postID,
// n), skipping the transfer if a file already occupies that slot and its
// byte length matches the server's Content-Length. When the server offers
// no length (or the HEAD probe fails), presence alone is trusted, per the
// cache-as-state contract: a file on disk means "already handled".
func Download(ctx context.Context, store *cachestore.Store, handle, postID string, n int, srcURL string) (*Downloaded, error) {
	ext := extFromURL(srcURL)
	path := store.MediaPath(handle, postID, n, ext)

	if info, err := os.Stat(path); err == nil {
		if remoteLengthMatches(ctx, srcURL, info.Size()) {
			return &Downloaded{Path: path, Size: info.Size()}, nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return nil, fmt.Errorf("media: build request for %s: %w", srcURL, err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("media: fetch %s: %w", srcURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("media: fetch %s: unexpected status %d", srcURL, resp.StatusCode)
	}

	tmp := path + ".downloading"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("media: create temp file: %w", err)
	}
	size, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("media: write %s: %w", srcURL, copyErr)
	}
	if closeErr != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("media: close temp file: %w", closeErr)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("media: finalize %s: %w", path, err)
	}

	return &Downloaded{
		Path:        path,
		ContentType: resp.Header.Get("Content-Type"),
		Size:        size,
	}, nil
}

// remoteLengthMatches probes srcURL with a HEAD request and compares its
// Content-Length against size. Unknown length or a failed probe counts as a
// match, so a previously downloaded file is never re-fetched just because
// the CDN stopped advertising lengths.
func remoteLengthMatches(ctx context.Context, srcURL string, size int64) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, srcURL, nil)
	if err != nil {
		return true
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return true
	}
	resp.Body.Close()
	if resp.ContentLength < 0 {
		return true
	}
	return resp.ContentLength == size
}

func extFromURL(url string) string {
	for i := len(url) - 1; i >= 0 && i > len(url)-8; i-- {
		if url[i] == '.' {
			ext := url[i+1:]
			for _, c := range ext {
				if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
					return "bin"
				}
			}
			if ext == "" {
				return "bin"
			}
			return ext
		}
		if url[i] == '/' {
			break
		}
	}
	return "bin"
}
