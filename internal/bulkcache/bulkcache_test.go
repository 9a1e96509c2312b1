package bulkcache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blakesmith/ar"
)

func buildExtraEntry(t *testing.T, name string, data []byte) ([]byte, error) {
	t.Helper()
	var buf bytes.Buffer
	w := ar.NewWriter(&buf)
	if err := w.WriteHeader(&ar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCacheFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestBundleUnbundleRoundTrip(t *testing.T) {
	cacheDir := t.TempDir()
	writeCacheFile(t, cacheDir, "foo-1.0_0.x86_64.xbps", []byte("foo archive contents"))
	writeCacheFile(t, cacheDir, "bar-2.0_1.x86_64.xbps", []byte("bar archive contents"))
	writeCacheFile(t, cacheDir, "bar-2.0_1.x86_64.xbps.sig", []byte("bar signature"))

	var buf bytes.Buffer
	entries, err := Bundle(&buf, cacheDir, "x86_64", []string{"foo-1.0_0", "bar-2.0_1"})
	if err != nil {
		t.Fatalf("Bundle: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 bundled entries (foo, bar, bar.sig), got %d", len(entries))
	}

	destDir := t.TempDir()
	got, err := Unbundle(&buf, destDir)
	if err != nil {
		t.Fatalf("Unbundle: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 entries back, got %d", len(got))
	}

	fooData, err := os.ReadFile(filepath.Join(destDir, "foo-1.0_0.x86_64.xbps"))
	if err != nil {
		t.Fatalf("reading extracted foo archive: %v", err)
	}
	if string(fooData) != "foo archive contents" {
		t.Fatalf("foo archive contents = %q", fooData)
	}

	sigData, err := os.ReadFile(filepath.Join(destDir, "bar-2.0_1.x86_64.xbps.sig"))
	if err != nil {
		t.Fatalf("reading extracted bar signature: %v", err)
	}
	if string(sigData) != "bar signature" {
		t.Fatalf("bar signature contents = %q", sigData)
	}
}

func TestBundleMissingArchiveFails(t *testing.T) {
	cacheDir := t.TempDir()
	var buf bytes.Buffer
	if _, err := Bundle(&buf, cacheDir, "x86_64", []string{"missing-1.0_0"}); err == nil {
		t.Fatalf("expected Bundle to fail for a missing cached archive")
	}
}

func TestUnbundleDetectsTamperedPayload(t *testing.T) {
	cacheDir := t.TempDir()
	writeCacheFile(t, cacheDir, "foo-1.0_0.x86_64.xbps", []byte("original contents"))

	var buf bytes.Buffer
	if _, err := Bundle(&buf, cacheDir, "x86_64", []string{"foo-1.0_0"}); err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	tampered := buf.Bytes()
	idx := bytes.Index(tampered, []byte("original contents"))
	if idx < 0 {
		t.Fatalf("could not locate payload bytes in bundle")
	}
	copy(tampered[idx:], []byte("forged!! contents"))

	if _, err := Unbundle(bytes.NewReader(tampered), t.TempDir()); err == nil {
		t.Fatalf("expected Unbundle to reject a tampered payload")
	}
}

func TestUnbundleRejectsEntryNotInManifest(t *testing.T) {
	cacheDir := t.TempDir()
	writeCacheFile(t, cacheDir, "foo-1.0_0.x86_64.xbps", []byte("contents"))

	var buf bytes.Buffer
	if _, err := Bundle(&buf, cacheDir, "x86_64", []string{"foo-1.0_0"}); err != nil {
		t.Fatalf("Bundle: %v", err)
	}

	// Append an extra ar entry the manifest never listed.
	extra, err := buildExtraEntry(t, "rogue.xbps", []byte("rogue"))
	if err != nil {
		t.Fatalf("buildExtraEntry: %v", err)
	}
	full := append(append([]byte(nil), buf.Bytes()...), extra...)

	if _, err := Unbundle(bytes.NewReader(full), t.TempDir()); err == nil {
		t.Fatalf("expected Unbundle to reject an entry absent from the manifest")
	}
}
