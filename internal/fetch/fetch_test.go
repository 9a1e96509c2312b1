package fetch

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestSyncDownloadsAndCaches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/index.plist" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte("repository index contents"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path, err := c.Sync("index.plist", "")
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading synced file: %v", err)
	}
	if string(data) != "repository index contents" {
		t.Fatalf("contents = %q", data)
	}
}

func TestSyncRejectsChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.Sync("foo-1.0_0.x86_64.xbps", "0000000000000000000000000000000000000000000000000000000000000000"); err == nil {
		t.Fatalf("expected a checksum mismatch error")
	}
}

func TestSyncIndexMissingStageIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/index.plist" {
			w.Write([]byte("idx"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	dir := t.TempDir()
	c, err := New(srv.URL, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := c.SyncIndex()
	if err != nil {
		t.Fatalf("SyncIndex: %v", err)
	}
	if got != dir {
		t.Fatalf("SyncIndex dir = %q, want %q", got, dir)
	}
	if _, err := os.Stat(filepath.Join(dir, "index-stage.plist")); err == nil {
		t.Fatalf("expected no local index-stage.plist since the remote 404d")
	}
}
