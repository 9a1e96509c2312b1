package repopool

import (
	"fmt"
	"os"

	"github.com/void-linux/xbps-sub002/internal/plist"
)

// TrustedKey is one entry in repokeys.plist: a repository URL's signer
// identity, matching original_source/bin/xbps-rkeys/main.c's
// "public-key"/"public-key-size"/"signature-by" dictionary shape.
type TrustedKey struct {
	RepositoryURL string
	PublicKey     []byte
	PublicKeySize uint16
	SignatureBy   string
}

// TrustedKeys is the repokeys.plist store: repository URL to its imported
// signer key. Import/remove mirror xbps-rkeys' -i/-R modes.
type TrustedKeys struct {
	path string
	keys map[string]TrustedKey
}

// LoadTrustedKeys reads repokeys.plist at path, or returns an empty store
// if it does not yet exist.
func LoadTrustedKeys(path string) (*TrustedKeys, error) {
	tk := &TrustedKeys{path: path, keys: make(map[string]TrustedKey)}
	doc, err := plist.Internalize(path)
	if err != nil {
		if os.IsNotExist(err) {
			return tk, nil
		}
		return nil, fmt.Errorf("repopool: load repokeys: %w", err)
	}
	for _, url := range doc.Keys() {
		entry, _ := doc.Get(url)
		tk.keys[url] = TrustedKey{
			RepositoryURL: url,
			PublicKey:     mustBytes(entry, "public-key"),
			PublicKeySize: uint16(entry.GetInt("public-key-size")),
			SignatureBy:   entry.GetString("signature-by"),
		}
	}
	return tk, nil
}

func mustBytes(v *plist.Value, key string) []byte {
	field, ok := v.Get(key)
	if !ok {
		return nil
	}
	b, _ := field.Bytes()
	return b
}

// Import adds or replaces the trusted key for a repository URL.
func (tk *TrustedKeys) Import(key TrustedKey) {
	tk.keys[key.RepositoryURL] = key
}

// Remove deletes the trusted key for a repository URL, if present.
func (tk *TrustedKeys) Remove(url string) {
	delete(tk.keys, url)
}

// Get returns the trusted key for a repository URL.
func (tk *TrustedKeys) Get(url string) (TrustedKey, bool) {
	k, ok := tk.keys[url]
	return k, ok
}

// Save externalizes the store back to its path.
func (tk *TrustedKeys) Save() error {
	doc := plist.NewMap()
	for url, key := range tk.keys {
		entry := plist.NewMap()
		entry.Set("public-key", plist.NewData(key.PublicKey))
		entry.Set("public-key-size", plist.NewInt(int64(key.PublicKeySize)))
		entry.Set("signature-by", plist.NewString(key.SignatureBy))
		doc.Set(url, entry)
	}
	if err := plist.Externalize(tk.path, doc); err != nil {
		return fmt.Errorf("repopool: save repokeys: %w", err)
	}
	return nil
}
