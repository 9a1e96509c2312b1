// Package bulkcache bundles and unbundles a set of already-cached package
// archives (and their optional detached signatures) into a single
// ar-container transfer file, for moving many built packages between hosts
// in one pass. It enriches C5's cache layout (spec.md §6's
// `<cachedir>/<pkgver>.<arch>.xbps[.sig]` tree) with the bulk-transfer shape
// original_source's `bin/xbps-fbulk` exists to support — that tool itself
// schedules parallel builds rather than bundling files, so only its stated
// purpose (move the output of many builds at once) carries over here; the
// container format below is this port's own, built with the same
// `blakesmith/ar` library the teacher already uses to read `.deb` archives.
package bulkcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/blakesmith/ar"

	"github.com/void-linux/xbps-sub002/internal/plist"
)

const manifestName = "MANIFEST.plist"

// Entry is one bundled file's accounting, recorded in the manifest so
// Unbundle can verify content before trusting it.
type Entry struct {
	Name   string
	Size   int64
	SHA256 string
}

// Bundle writes the named pkgvers' cached archives (and, when present,
// their `.sig` files) from cacheDir into w as a single ar container: a
// leading MANIFEST.plist entry followed by one ar entry per bundled file,
// in manifest order.
func Bundle(w io.Writer, cacheDir, arch string, pkgvers []string) ([]Entry, error) {
	var entries []Entry
	var payloads [][]byte

	for _, pv := range pkgvers {
		name := pv + "." + arch + ".xbps"
		data, err := os.ReadFile(filepath.Join(cacheDir, name))
		if err != nil {
			return nil, fmt.Errorf("bulkcache: reading %s: %w", name, err)
		}
		entries = append(entries, entryOf(name, data))
		payloads = append(payloads, data)

		sigName := name + ".sig"
		if sig, err := os.ReadFile(filepath.Join(cacheDir, sigName)); err == nil {
			entries = append(entries, entryOf(sigName, sig))
			payloads = append(payloads, sig)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("bulkcache: reading %s: %w", sigName, err)
		}
	}

	manifest := marshalManifest(entries)
	aw := ar.NewWriter(w)
	if err := aw.WriteGlobalHeader(); err != nil {
		return nil, fmt.Errorf("bulkcache: writing ar global header: %w", err)
	}
	if err := writeArEntry(aw, manifestName, manifest); err != nil {
		return nil, err
	}
	for i, e := range entries {
		if err := writeArEntry(aw, e.Name, payloads[i]); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func entryOf(name string, data []byte) Entry {
	sum := sha256.Sum256(data)
	return Entry{Name: name, Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}
}

func writeArEntry(aw *ar.Writer, name string, data []byte) error {
	hdr := &ar.Header{Name: name, Size: int64(len(data)), Mode: 0644, ModTime: time.Now()}
	if err := aw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("bulkcache: writing ar header for %s: %w", name, err)
	}
	if _, err := aw.Write(data); err != nil {
		return fmt.Errorf("bulkcache: writing ar body for %s: %w", name, err)
	}
	return nil
}

func marshalManifest(entries []Entry) []byte {
	doc := plist.NewSeq()
	for _, e := range entries {
		m := plist.NewMap()
		m.Set("name", plist.NewString(e.Name))
		m.Set("size", plist.NewInt(e.Size))
		m.Set("sha256", plist.NewString(e.SHA256))
		doc.Append(m)
	}
	data, err := plist.Marshal(doc)
	if err != nil {
		// doc is built entirely from Entry values above and always
		// marshals; a failure here means plist itself is broken.
		panic(fmt.Sprintf("bulkcache: marshaling manifest: %v", err))
	}
	return data
}

func unmarshalManifest(data []byte) ([]Entry, error) {
	doc, err := plist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("bulkcache: parsing manifest: %w", err)
	}
	items := doc.Items()
	entries := make([]Entry, 0, len(items))
	for _, it := range items {
		entries = append(entries, Entry{
			Name:   it.GetString("name"),
			Size:   it.GetInt("size"),
			SHA256: it.GetString("sha256"),
		})
	}
	return entries, nil
}

// Unbundle reads an ar container produced by Bundle, verifies every entry
// against its manifest-recorded size and sha256, and writes each file into
// destDir via the temp-file-then-rename idiom. It returns the manifest the
// container carried.
func Unbundle(r io.Reader, destDir string) ([]Entry, error) {
	ar0 := ar.NewReader(r)

	hdr, err := ar0.Next()
	if err != nil {
		return nil, fmt.Errorf("bulkcache: reading manifest header: %w", err)
	}
	if hdr.Name != manifestName {
		return nil, fmt.Errorf("bulkcache: expected leading %s, got %q", manifestName, hdr.Name)
	}
	manifestData := make([]byte, hdr.Size)
	if _, err := io.ReadFull(ar0, manifestData); err != nil {
		return nil, fmt.Errorf("bulkcache: reading manifest body: %w", err)
	}
	entries, err := unmarshalManifest(manifestData)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}

	seen := make(map[string]bool, len(entries))
	for {
		hdr, err := ar0.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("bulkcache: reading ar entry: %w", err)
		}
		want, ok := byName[hdr.Name]
		if !ok {
			return nil, fmt.Errorf("bulkcache: entry %q not listed in manifest", hdr.Name)
		}
		data := make([]byte, hdr.Size)
		if _, err := io.ReadFull(ar0, data); err != nil {
			return nil, fmt.Errorf("bulkcache: reading %s: %w", hdr.Name, err)
		}
		if got := entryOf(hdr.Name, data); got.SHA256 != want.SHA256 || got.Size != want.Size {
			return nil, fmt.Errorf("bulkcache: %s failed manifest verification", hdr.Name)
		}
		if err := writeThenRename(filepath.Join(destDir, hdr.Name), data, 0644); err != nil {
			return nil, err
		}
		seen[hdr.Name] = true
	}
	for _, e := range entries {
		if !seen[e.Name] {
			return nil, fmt.Errorf("bulkcache: manifest entry %q missing from container", e.Name)
		}
	}
	return entries, nil
}

func writeThenRename(dest string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".bulkcache-*.tmp")
	if err != nil {
		return fmt.Errorf("bulkcache: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("bulkcache: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("bulkcache: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("bulkcache: close %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, mode); err != nil {
		return fmt.Errorf("bulkcache: chmod %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return fmt.Errorf("bulkcache: rename %s to %s: %w", tmpName, dest, err)
	}
	return nil
}
