package pkgdb

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/plist"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// lockBackoff bounds how long Lock retries a contended flock before giving
// up, per spec.md §4.4 ("lock blocks up to a small backoff, returns error
// on contention exceeding the bound").
const lockBackoff = 2 * time.Second

// DB is the in-memory arena for a pkgdb document: a flat map keyed by
// pkgname. Fulldeptree is computed on demand by scanning (an explicit
// tradeoff, since pkgdb sizes in practice are in the low thousands), but
// requiredby is a maintained index per spec.md §4.4: Put and Delete keep
// every affected record's RequiredBy in sync with the record being
// inserted or removed, the same bookkeeping original_source's
// xbps_requiredby_pkg/xbps_requiredby_pkg_remove perform on every
// register/unregister.
type DB struct {
	path string

	mu           sync.RWMutex
	records      map[string]*Record
	order        []string // pkgname insertion order, preserved on flush
	alternatives map[string][]string

	lockFile *os.File
	sink     events.Sink
}

// Open loads the pkgdb document at path, or returns an empty DB if the
// file does not yet exist (a fresh rootdir).
func Open(path string, sink events.Sink) (*DB, error) {
	db := &DB{
		path:         path,
		records:      make(map[string]*Record),
		alternatives: make(map[string][]string),
		sink:         sink,
	}
	doc, err := plist.Internalize(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, fmt.Errorf("pkgdb: open %s: %w", path, err)
	}
	for _, key := range doc.Keys() {
		if key == "_XBPS_ALTERNATIVES_" {
			alt, _ := doc.Get(key)
			for _, group := range alt.Keys() {
				gv, _ := alt.Get(group)
				db.alternatives[group] = gv.StringSeq()
			}
			continue
		}
		rv, _ := doc.Get(key)
		rec, err := RecordFromValue(key, rv)
		if err != nil {
			return nil, fmt.Errorf("pkgdb: %w", err)
		}
		db.records[key] = rec
		db.order = append(db.order, key)
	}
	return db, nil
}

// Lock acquires an exclusive advisory lock on the pkgdb file, retrying
// with a short backoff until ctx is done or lockBackoff elapses.
func (db *DB) Lock(ctx context.Context) error {
	f, err := os.OpenFile(db.path+".lock", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("pkgdb: open lock file: %w", err)
	}
	deadline := time.Now().Add(lockBackoff)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			db.lockFile = f
			events.Emit(db.sink, events.PkgdbLocked{Path: db.path})
			return nil
		}
		if err != unix.EWOULDBLOCK {
			f.Close()
			return fmt.Errorf("pkgdb: flock: %w", err)
		}
		select {
		case <-ctx.Done():
			f.Close()
			return fmt.Errorf("pkgdb: lock %s: %w", db.path, ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			f.Close()
			return fmt.Errorf("pkgdb: lock %s: timed out after %s", db.path, lockBackoff)
		}
	}
}

// Unlock releases the pkgdb file lock acquired by Lock.
func (db *DB) Unlock() error {
	if db.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(db.lockFile.Fd()), unix.LOCK_UN)
	db.lockFile.Close()
	db.lockFile = nil
	return err
}

// Get looks up name by exact pkgname match first, then as a pattern
// against every installed pkgver, then by scanning provides arrays.
func (db *DB) Get(name string) (*Record, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if r, ok := db.records[name]; ok {
		return r, true
	}
	for _, pname := range db.order {
		r := db.records[pname]
		if version.Match(r.Pkgver(), name) {
			return r, true
		}
	}
	return db.getVirtualpkgLocked(name)
}

// GetVirtualpkg searches only the provides arrays of installed packages.
func (db *DB) GetVirtualpkg(nameOrPattern string) (*Record, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.getVirtualpkgLocked(nameOrPattern)
}

func (db *DB) getVirtualpkgLocked(nameOrPattern string) (*Record, bool) {
	for _, pname := range db.order {
		r := db.records[pname]
		for _, p := range r.Provides {
			if version.Match(p, nameOrPattern) {
				return r, true
			}
		}
	}
	return nil, false
}

// Put inserts or replaces a record, keyed by its pkgname, and maintains
// requiredby both ways: the incoming record's own requiredby (who depends
// on it) is carried over from whatever was previously stored under this
// pkgname, since that bookkeeping belongs to pkgdb, not to the freshly
// unpacked package data; and a prior record's contribution to its own
// run_depends targets' requiredby is undone before r's run_depends are
// relinked against the new record set.
func (db *DB) Put(r *Record) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if old, exists := db.records[r.Pkgname]; exists {
		db.unlinkRequiredByLocked(old)
		if r.RequiredBy == nil {
			r.RequiredBy = old.RequiredBy
		}
	} else {
		db.order = append(db.order, r.Pkgname)
	}
	db.records[r.Pkgname] = r
	db.linkRequiredByLocked(r)
}

// Delete removes a record by pkgname, undoing the requiredby entries it
// contributed to its own run_depends targets.
func (db *DB) Delete(pkgname string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	old, ok := db.records[pkgname]
	if !ok {
		return
	}
	db.unlinkRequiredByLocked(old)
	delete(db.records, pkgname)
	for i, name := range db.order {
		if name == pkgname {
			db.order = append(db.order[:i], db.order[i+1:]...)
			break
		}
	}
}

// linkRequiredByLocked adds r's own pkgver to the RequiredBy list of
// every currently-installed record that one of r.RunDepends resolves to,
// mirroring xbps_requiredby_pkg_add's add_pkg_into_reqby step.
func (db *DB) linkRequiredByLocked(r *Record) {
	for _, dep := range r.RunDepends {
		name := db.resolveProviderNameLocked(dep)
		if name == "" || name == r.Pkgname {
			continue
		}
		target := db.records[name]
		if !containsString(target.RequiredBy, r.Pkgver()) {
			target.RequiredBy = append(target.RequiredBy, r.Pkgver())
		}
	}
}

// unlinkRequiredByLocked is linkRequiredByLocked's inverse, mirroring
// xbps_requiredby_pkg_remove's remove_pkg_from_reqby step.
func (db *DB) unlinkRequiredByLocked(r *Record) {
	for _, dep := range r.RunDepends {
		name := db.resolveProviderNameLocked(dep)
		if name == "" || name == r.Pkgname {
			continue
		}
		target := db.records[name]
		target.RequiredBy = removeString(target.RequiredBy, r.Pkgver())
	}
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(ss []string, s string) []string {
	out := ss[:0:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// Foreach invokes fn for every record, in pkgdb insertion order. It stops
// and returns the first error fn produces.
func (db *DB) Foreach(fn func(*Record) error) error {
	db.mu.RLock()
	order := append([]string(nil), db.order...)
	db.mu.RUnlock()
	for _, name := range order {
		db.mu.RLock()
		r := db.records[name]
		db.mu.RUnlock()
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// ForeachParallel partitions records across workers goroutines, matching
// spec.md §5's worker-pool concurrency model for bulk scans: each worker
// only needs the pkgdb's read side. Results are collected by the
// aggregator fn supplies; ForeachParallel returns the first error any
// worker reports, after all workers have finished.
func (db *DB) ForeachParallel(workers int, fn func(*Record) error) error {
	if workers < 1 {
		workers = 1
	}
	db.mu.RLock()
	names := append([]string(nil), db.order...)
	db.mu.RUnlock()

	jobs := make(chan string)
	errc := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			failed := false
			for name := range jobs {
				if failed {
					continue
				}
				db.mu.RLock()
				r := db.records[name]
				db.mu.RUnlock()
				if err := fn(r); err != nil {
					errc <- err
					failed = true
				}
			}
		}()
	}
	for _, name := range names {
		jobs <- name
	}
	close(jobs)
	wg.Wait()
	close(errc)
	for err := range errc {
		if err != nil {
			return err
		}
	}
	return nil
}

// Revdeps scans every record's run_depends for a match against pkgver or
// its provides, per spec.md §4.4.
func (db *DB) Revdeps(pkgver string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	target, ok := db.records[pkgverName(pkgver)]
	var provides []string
	if ok {
		provides = target.Provides
	}
	var out []string
	for _, name := range db.order {
		r := db.records[name]
		for _, dep := range r.RunDepends {
			if version.Match(pkgver, dep) {
				out = append(out, r.Pkgver())
				goto next
			}
			for _, p := range provides {
				if version.Match(p, dep) {
					out = append(out, r.Pkgver())
					goto next
				}
			}
		}
	next:
	}
	return out
}

func pkgverName(pkgver string) string {
	name, _, ok := version.SplitPkgver(pkgver)
	if !ok {
		return pkgver
	}
	return name
}

// Fulldeptree returns the transitive closure of pkgver's run_depends,
// topologically ordered (dependencies before dependents), tie-broken
// lexicographically by pkgname for determinism.
func (db *DB) Fulldeptree(pkgver string) ([]string, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	visited := make(map[string]bool)
	var order []string
	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		visited[name] = true
		r, ok := db.records[name]
		if !ok {
			return nil
		}
		deps := make([]string, len(r.RunDepends))
		copy(deps, r.RunDepends)
		sort.Strings(deps)
		for _, dep := range deps {
			providerName := db.resolveProviderNameLocked(dep)
			if providerName == "" {
				continue
			}
			if err := visit(providerName); err != nil {
				return err
			}
		}
		order = append(order, name)
		return nil
	}

	root := pkgverName(pkgver)
	if err := visit(root); err != nil {
		return nil, err
	}
	return order, nil
}

func (db *DB) resolveProviderNameLocked(pattern string) string {
	for _, name := range db.order {
		if version.Match(db.records[name].Pkgver(), pattern) {
			return name
		}
	}
	for _, name := range db.order {
		for _, p := range db.records[name].Provides {
			if version.Match(p, pattern) {
				return name
			}
		}
	}
	return ""
}

// Update writes the pkgdb atomically via plist.Externalize. If purge is
// true, NormalizeRecord's transaction-scoped key sweep runs over every
// record first; internal/integrity.Unneeded is the public entry point
// bulk tools use to run the same sweep followed by a flush (see
// DESIGN.md for why the sweep primitive lives here rather than in
// internal/integrity: integrity already imports pkgdb to walk records, so
// the reverse import would cycle).
func (db *DB) Update(flush, purge bool) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if purge {
		for _, name := range db.order {
			NormalizeRecord(db.records[name])
		}
	}
	if !flush {
		return nil
	}
	doc := plist.NewMap()
	for _, name := range db.order {
		doc.Set(name, db.records[name].ToValue())
	}
	if len(db.alternatives) > 0 {
		alt := plist.NewMap()
		for _, group := range sortedKeys(db.alternatives) {
			alt.Set(group, plist.NewStringSeq(db.alternatives[group]))
		}
		doc.Set("_XBPS_ALTERNATIVES_", alt)
	}
	if err := plist.Externalize(db.path, doc); err != nil {
		return fmt.Errorf("pkgdb: flush: %w", err)
	}
	events.Emit(db.sink, events.PkgdbFlushed{Path: db.path, Purged: purge, Records: len(db.order)})
	return nil
}

// Alternatives returns the _XBPS_ALTERNATIVES_ map, group name to ordered
// pkgname list (head is the current provider). Callers (C8) mutate the
// returned map in place; SetAlternatives is not needed since maps are
// reference types.
func (db *DB) Alternatives() map[string][]string {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.alternatives
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
