package signer

import (
	"encoding/base64"
	"fmt"

	"github.com/void-linux/xbps-sub002/internal/plist"
)

// RepoKeys is the in-memory form of repokeys.plist: one entry per
// repository signer URL, recording its public key and who countersigned
// it (for chained trust when a mirror re-signs an upstream's index).
type RepoKeys struct {
	entries map[string]*plist.Value
}

// NewRepoKeys returns an empty registry.
func NewRepoKeys() *RepoKeys {
	return &RepoKeys{entries: make(map[string]*plist.Value)}
}

// Register records url's public key and, if non-empty, the signer that
// countersigned it.
func (rk *RepoKeys) Register(url string, pub *PublicKey, signatureBy string) {
	encoded := base64.StdEncoding.EncodeToString(MarshalPublicKey(pub, ""))
	e := plist.NewMap()
	e.Set("public-key", plist.NewString(encoded))
	e.Set("public-key-size", plist.NewInt(int64(len(pub.Key))))
	if signatureBy != "" {
		e.Set("signature-by", plist.NewString(signatureBy))
	}
	rk.entries[url] = e
}

// Lookup returns url's registered public key, if any.
func (rk *RepoKeys) Lookup(url string) (*PublicKey, bool, error) {
	e, ok := rk.entries[url]
	if !ok {
		return nil, false, nil
	}
	encoded := e.GetString("public-key")
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false, fmt.Errorf("signer: repokeys %s: %w", url, err)
	}
	pk, err := ParsePublicKey(raw)
	if err != nil {
		return nil, false, fmt.Errorf("signer: repokeys %s: %w", url, err)
	}
	return pk, true, nil
}

// Document renders the registry as the repokeys.plist structured document.
func (rk *RepoKeys) Document() *plist.Value {
	doc := plist.NewMap()
	for url, e := range rk.entries {
		doc.Set(url, e)
	}
	return doc
}

// LoadRepoKeys parses a repokeys.plist document previously produced by
// Document.
func LoadRepoKeys(doc *plist.Value) *RepoKeys {
	rk := NewRepoKeys()
	for _, url := range doc.Keys() {
		e, _ := doc.Get(url)
		rk.entries[url] = e
	}
	return rk
}
