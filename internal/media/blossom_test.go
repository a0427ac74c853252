package media

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blob.bin")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestUploadToBlossomSucceedsWithOneOfMultipleServers(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	path := writeTempFile(t, "hello blossom")
	sum := sha256.Sum256([]byte("hello blossom"))
	wantDigest := hex.EncodeToString(sum[:])

	result, err := UploadToBlossom(context.Background(), []string{bad.URL, good.URL}, path, "application/octet-stream")
	if err != nil {
		t.Fatalf("UploadToBlossom: %v", err)
	}
	if result.SHA256 != wantDigest {
		t.Errorf("SHA256 = %q, want %q", result.SHA256, wantDigest)
	}
	if len(result.URLs) != 1 || result.URLs[0] != good.URL+"/"+wantDigest {
		t.Errorf("URLs = %v, want single entry from the accepting server", result.URLs)
	}
}

func TestUploadToBlossomFailsWhenAllServersReject(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	path := writeTempFile(t, "data")
	if _, err := UploadToBlossom(context.Background(), []string{bad.URL}, path, ""); err == nil {
		t.Fatal("expected an error when every server rejects the blob")
	}
}
