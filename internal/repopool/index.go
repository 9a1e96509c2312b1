package repopool

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/plist"
)

// indexFile and stageFile are the on-disk names of a repository's public
// and staged package indexes, one structured document per directory
// (url is a local filesystem path for every repository this port can open
// directly; a remote URL is synced to a local mirror before loading).
const (
	indexFile = "index.plist"
	stageFile = "index-stage.plist"
)

// LoadIndex reads dir's published (and, if present, staged) index into a
// new Repository handle. A missing index.plist yields an empty, valid
// repository rather than an error, matching a freshly-seeded repository
// directory that has not been scanned yet.
func LoadIndex(dir string) (*Repository, error) {
	repo := NewRepository(dir)

	idx, err := readIndexDoc(filepath.Join(dir, indexFile))
	if err != nil {
		return nil, err
	}
	if idx != nil {
		repo.Idx, repo.IdxMeta, err = decodeIndexDoc(idx)
		if err != nil {
			return nil, fmt.Errorf("repopool: decoding %s: %w", filepath.Join(dir, indexFile), err)
		}
	}

	stage, err := readIndexDoc(filepath.Join(dir, stageFile))
	if err != nil {
		return nil, err
	}
	if stage != nil {
		repo.Stage, _, err = decodeIndexDoc(stage)
		if err != nil {
			return nil, fmt.Errorf("repopool: decoding %s: %w", filepath.Join(dir, stageFile), err)
		}
	}
	return repo, nil
}

func readIndexDoc(path string) (*plist.Value, error) {
	doc, err := plist.Internalize(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("repopool: reading %s: %w", path, err)
	}
	return doc, nil
}

func decodeIndexDoc(doc *plist.Value) (map[string]*pkgdb.Record, *IndexMeta, error) {
	idx := make(map[string]*pkgdb.Record)
	var meta *IndexMeta

	for _, key := range doc.Keys() {
		if key == "index-meta" {
			entry, _ := doc.Get(key)
			meta = &IndexMeta{
				Signer:      entry.GetString("signer"),
				PublicKey:   mustBytes(entry, "public-key"),
				SignatureBy: entry.GetString("signature-by"),
				Signature:   mustBytes(entry, "signature"),
			}
			continue
		}
		entry, _ := doc.Get(key)
		rec, err := pkgdb.RecordFromValue(key, entry)
		if err != nil {
			return nil, nil, err
		}
		idx[key] = rec
	}
	return idx, meta, nil
}

// SaveIndex writes repo.Idx (and, if non-nil, repo.Stage) back to dir,
// alongside repo.IdxMeta when set.
func SaveIndex(repo *Repository, dir string) error {
	if err := writeIndexDoc(filepath.Join(dir, indexFile), repo.Idx, repo.IdxMeta); err != nil {
		return err
	}
	if repo.Stage != nil {
		if err := writeIndexDoc(filepath.Join(dir, stageFile), repo.Stage, nil); err != nil {
			return err
		}
	}
	return nil
}

func writeIndexDoc(path string, idx map[string]*pkgdb.Record, meta *IndexMeta) error {
	doc := plist.NewMap()
	for name, rec := range idx {
		doc.Set(name, rec.ToValue())
	}
	if meta != nil {
		entry := plist.NewMap()
		entry.Set("signer", plist.NewString(meta.Signer))
		entry.Set("public-key", plist.NewData(meta.PublicKey))
		entry.Set("signature-by", plist.NewString(meta.SignatureBy))
		entry.Set("signature", plist.NewData(meta.Signature))
		doc.Set("index-meta", entry)
	}
	if err := plist.Externalize(path, doc); err != nil {
		return fmt.Errorf("repopool: writing %s: %w", path, err)
	}
	return nil
}
