// Package repopool implements the repository pool (C5): an ordered list of
// repository handles, each exposing an index and an optional stage index,
// searched in order for a package satisfying a name or pattern. It mirrors
// the teacher's deb/repository.go (a Repository type wrapping a package
// index with lookup-by-name/version helpers), generalized to an ordered
// *pool* of repositories the way spec.md §4.5 describes, since the teacher
// only ever deals with one repository at a time.
package repopool

import (
	"sort"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// IndexMeta is the signed metadata block attached to a repository's index,
// produced and checked via internal/signer (C11).
type IndexMeta struct {
	Signer      string
	PublicKey   []byte
	SignatureBy string
	Signature   []byte
}

// Repository is one entry in the pool: a published index, an optional
// stage index queued for promotion, and optional file-content search data.
type Repository struct {
	URL     string
	Idx     map[string]*pkgdb.Record // pkgname -> latest record for Pool's target arch
	Stage   map[string]*pkgdb.Record
	IdxMeta *IndexMeta
	Files   map[string][]string // pkgname -> owned paths, search-only
}

// NewRepository returns an empty repository handle for url.
func NewRepository(url string) *Repository {
	return &Repository{URL: url, Idx: make(map[string]*pkgdb.Record)}
}

// Pool is the ordered list of repositories searched by Lookup. Earlier
// entries win ties, per spec.md §4.5.
type Pool struct {
	Arch  string
	Repos []*Repository
	sink  events.Sink
}

// NewPool returns a pool targeting arch (packages built for a different,
// non-noarch architecture are skipped during lookup).
func NewPool(arch string, sink events.Sink) *Pool {
	return &Pool{Arch: arch, sink: sink}
}

// Add appends repo to the end of the pool's search order.
func (p *Pool) Add(repo *Repository) {
	p.Repos = append(p.Repos, repo)
}

func (p *Pool) archMatches(arch string) bool {
	return arch == "" || arch == "noarch" || arch == p.Arch
}

// Lookup searches the pool in order for a record satisfying nameOrPattern,
// skipping architecture mismatches. When more than one repository
// provides the same pkgver, the first repository's record is returned and
// a RepositoryPushedOut event reports which repository lost.
func (p *Pool) Lookup(nameOrPattern string) (*pkgdb.Record, *Repository, bool) {
	var found *pkgdb.Record
	var foundRepo *Repository
	for _, repo := range p.Repos {
		rec, ok := lookupIn(repo.Idx, nameOrPattern, p.archMatches)
		if !ok {
			continue
		}
		if found == nil {
			found, foundRepo = rec, repo
			continue
		}
		if found.Pkgver() == rec.Pkgver() {
			events.Emit(p.sink, RepositoryPushedOut{
				Pkgver:    rec.Pkgver(),
				WinnerURL: foundRepo.URL,
				LoserURL:  repo.URL,
			})
		}
	}
	return found, foundRepo, found != nil
}

// LookupStage searches only stage indexes, used by the SAT engine to seed
// candidates for promotion.
func (p *Pool) LookupStage(nameOrPattern string) (*pkgdb.Record, *Repository, bool) {
	for _, repo := range p.Repos {
		if repo.Stage == nil {
			continue
		}
		if rec, ok := lookupIn(repo.Stage, nameOrPattern, p.archMatches); ok {
			return rec, repo, true
		}
	}
	return nil, nil, false
}

func lookupIn(idx map[string]*pkgdb.Record, nameOrPattern string, archOK func(string) bool) (*pkgdb.Record, bool) {
	if rec, ok := idx[nameOrPattern]; ok && archOK(rec.Arch) {
		return rec, true
	}
	for _, rec := range idx {
		if !archOK(rec.Arch) {
			continue
		}
		if version.Match(rec.Pkgver(), nameOrPattern) {
			return rec, true
		}
	}
	// Providers are tried in ascending pkgname order so the choice among
	// several providers of the same virtual is deterministic.
	names := make([]string, 0, len(idx))
	for name := range idx {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := idx[name]
		if !archOK(rec.Arch) {
			continue
		}
		for _, provide := range rec.Provides {
			if version.Match(provide, nameOrPattern) {
				return rec, true
			}
		}
	}
	return nil, false
}

// RepositoryPushedOut is emitted when two repositories in a pool publish
// the same pkgver; the earlier one wins.
type RepositoryPushedOut struct {
	Pkgver    string `json:"pkgver,omitempty"`
	WinnerURL string `json:"winner_url,omitempty"`
	LoserURL  string `json:"loser_url,omitempty"`
}

func (e RepositoryPushedOut) String() string {
	return "repository " + e.LoserURL + " pushed out by " + e.WinnerURL + " for " + e.Pkgver
}
