// Package fetch implements the bulk-fetch cache: downloading a
// repository's index and package archives over HTTP into a local cache
// directory, so internal/repopool and internal/unpack can treat a remote
// repository URL the same way they treat a local one once it has been
// synced.
package fetch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"
)

// Cache fetches files from a remote repository base URL into a local
// directory, keyed by the file's own name so a synced repository
// directory is a drop-in LoadIndex target.
type Cache struct {
	Client  *http.Client
	BaseURL string
	Dir     string
}

// New returns a Cache for baseURL backed by dir, creating dir if needed.
func New(baseURL, dir string) (*Cache, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("fetch: invalid repository URL %q: %w", baseURL, err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("fetch: creating cache dir %s: %w", dir, err)
	}
	return &Cache{Client: &http.Client{Timeout: 2 * time.Minute}, BaseURL: baseURL, Dir: dir}, nil
}

// Sync downloads name from the repository's base URL into the cache,
// returning the local path. An existing cached file whose sha256 is
// already known to match the remote Content's checksum is left alone only
// when expectedSHA256 is non-empty and matches; otherwise Sync always
// re-fetches, since an HTTP repository has no local mtime to trust.
func (c *Cache) Sync(name, expectedSHA256 string) (string, error) {
	dest := filepath.Join(c.Dir, name)

	if expectedSHA256 != "" {
		if sum, err := sha256OfFile(dest); err == nil && sum == expectedSHA256 {
			return dest, nil
		}
	}

	remote := c.BaseURL + "/" + name
	req, err := http.NewRequest(http.MethodGet, remote, nil)
	if err != nil {
		return "", fmt.Errorf("fetch: building request for %s: %w", remote, err)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch: GET %s: %w", remote, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch: GET %s: unexpected status %s", remote, resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch: reading body of %s: %w", remote, err)
	}
	if expectedSHA256 != "" {
		if sum := sha256Hex(data); sum != expectedSHA256 {
			return "", fmt.Errorf("fetch: %s: checksum mismatch, expected %s got %s", name, expectedSHA256, sum)
		}
	}

	if err := writeThenRename(dest, data); err != nil {
		return "", err
	}
	return dest, nil
}

// SyncIndex downloads index.plist (and, if present, index-stage.plist)
// into the cache directory, returning the directory so it can be handed
// straight to repopool.LoadIndex.
func (c *Cache) SyncIndex() (string, error) {
	if _, err := c.Sync("index.plist", ""); err != nil {
		return "", err
	}
	// A stage index is optional; a 404 there is not an error for SyncIndex
	// itself, only for whoever tries to read it back out as staged data.
	if _, err := c.Sync("index-stage.plist", ""); err != nil {
		return c.Dir, nil
	}
	return c.Dir, nil
}

func sha256OfFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return sha256Hex(data), nil
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func writeThenRename(dest string, data []byte) error {
	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("fetch: writing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fetch: renaming %s to %s: %w", tmp, dest, err)
	}
	return nil
}
