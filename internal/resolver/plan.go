package resolver

import (
	"fmt"
	"sort"
	"strings"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/repopool"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// Planner resolves a batch of Requests against a pkgdb snapshot and a
// repository pool into an ordered Transaction, per spec.md §4.6's 8-step
// algorithm: seed, expand dependencies with memoization, detect conflicts,
// resolve replacements, check shared libraries, enforce holds, topologically
// order, and size.
type Planner struct {
	DB     *pkgdb.DB
	Pool   *repopool.Pool
	Sink   events.Sink
	Loader ArchiveRecordLoader
}

// plan is the mutable state threaded through a single Plan call. It never
// touches Planner.DB's write path: everything here is an in-memory overlay
// on top of a read-only snapshot, discarded (or handed to C7) once Plan
// returns.
type plan struct {
	db   *pkgdb.DB
	pool *repopool.Pool
	sink events.Sink

	installed map[string]*pkgdb.Record // pkgname -> current record, snapshot
	chosen    map[string]*pkgdb.Record // pkgname -> new/updated record this transaction installs
	actions   map[string]Action
	repoOf    map[string]string
	archiveOf map[string]string
	automatic map[string]bool
	explicit  map[string]bool // targets named directly by a Request

	removed    map[string]bool
	replacesOf map[string]string // removed pkgname -> pkgname that replaces it

	queue    []string
	queued   map[string]bool
	depsSeen map[string]bool // memoized "pattern already resolved" set

	missingDeps []string
}

// NewPlanner returns a Planner over db and pool. loader may be nil; it is
// only consulted for a Request whose target is a local archive path.
func NewPlanner(db *pkgdb.DB, pool *repopool.Pool, sink events.Sink, loader ArchiveRecordLoader) *Planner {
	return &Planner{DB: db, Pool: pool, Sink: sink, Loader: loader}
}

// Plan runs the 8-step algorithm over requests and returns the resulting
// Transaction. On any hard error (missing dependency, unresolved conflict,
// held package updated without being explicitly targeted, unresolved
// target) it returns the partially built Transaction alongside the error
// describing the first blocker encountered; callers must not act on a
// Transaction returned alongside a non-nil error.
func (p *Planner) Plan(requests []Request, flags Flags) (*Transaction, error) {
	pl := &plan{
		db:         p.DB,
		pool:       p.Pool,
		sink:       p.Sink,
		installed:  make(map[string]*pkgdb.Record),
		chosen:     make(map[string]*pkgdb.Record),
		actions:    make(map[string]Action),
		repoOf:     make(map[string]string),
		archiveOf:  make(map[string]string),
		automatic:  make(map[string]bool),
		explicit:   make(map[string]bool),
		removed:    make(map[string]bool),
		replacesOf: make(map[string]string),
		queued:     make(map[string]bool),
		depsSeen:   make(map[string]bool),
	}
	_ = p.DB.Foreach(func(r *pkgdb.Record) error {
		pl.installed[r.Pkgname] = r
		return nil
	})

	// Step 1: seeding.
	for _, req := range requests {
		if err := pl.seed(req, flags, p.Loader); err != nil {
			return pl.transaction(), err
		}
	}

	// Step 2: dependency expansion with memoization.
	for len(pl.queue) > 0 {
		name := pl.queue[0]
		pl.queue = pl.queue[1:]
		if err := pl.expand(name); err != nil {
			return pl.transaction(), err
		}
	}
	// An unresolved run_depends pattern is a hard error: run_depends is a
	// mandatory requirement, unlike shlib-requires (step 5). --force
	// weakens this per spec.md §6: the pattern is left in missingDeps as a
	// warning instead of aborting planning.
	if len(pl.missingDeps) > 0 && !flags.Force {
		return pl.transaction(), &MissingDependencyError{Pkgver: "<queue>", Pattern: pl.missingDeps[0]}
	}

	// Step 4 (run ahead of step 3 deliberately): resolve replacements first,
	// so a conflict that a same-transaction replace will clear is never
	// reported as unresolved by step 3's check below.
	pl.resolveReplacements()

	// Step 3: conflict detection.
	if err := pl.detectConflicts(flags); err != nil {
		t := pl.transaction()
		t.Conflicts = append(t.Conflicts, err.Error())
		return t, err
	}

	// Step 5: shared-library check.
	pl.checkShlibs()
	if flags.Strict {
		for _, soname := range pl.missingDeps {
			return pl.transaction(), &StrictShlibError{Pkgver: "<transaction>", Soname: soname}
		}
	}

	// Step 6: hold enforcement.
	if err := pl.enforceHolds(); err != nil {
		return pl.transaction(), err
	}

	// Step 7 + 8: topological order and sizing.
	t := pl.transaction()
	pl.order(t)
	pl.size(t)
	return t, nil
}

func (pl *plan) activeRecord(name string) (*pkgdb.Record, bool) {
	if r, ok := pl.chosen[name]; ok {
		return r, true
	}
	if pl.removed[name] {
		return nil, false
	}
	if r, ok := pl.installed[name]; ok {
		return r, true
	}
	return nil, false
}

// satisfies reports whether any currently-active record (chosen or
// surviving installed) satisfies pattern.
func (pl *plan) satisfies(pattern string) bool {
	for _, r := range pl.chosen {
		if r.Satisfies(pattern) {
			return true
		}
	}
	for name, r := range pl.installed {
		if pl.removed[name] {
			continue
		}
		if _, overridden := pl.chosen[name]; overridden {
			continue
		}
		if r.Satisfies(pattern) {
			return true
		}
	}
	return false
}

func (pl *plan) enqueue(name string) {
	if pl.queued[name] {
		return
	}
	pl.queued[name] = true
	pl.queue = append(pl.queue, name)
}

func (pl *plan) adopt(rec *pkgdb.Record, repoURL string, automatic bool) {
	_, wasInstalled := pl.installed[rec.Pkgname]
	action := ActionInstall
	if wasInstalled {
		action = ActionUpdate
	}
	pl.chosen[rec.Pkgname] = rec
	pl.actions[rec.Pkgname] = action
	pl.repoOf[rec.Pkgname] = repoURL
	pl.automatic[rec.Pkgname] = automatic
	delete(pl.removed, rec.Pkgname)
	events.Emit(pl.sink, events.TransactionEntryPlanned{Pkgver: rec.Pkgver(), Action: string(action), Reason: "seed/expand"})
	pl.enqueue(rec.Pkgname)
}

func isNewerCandidate(candidateVerrev, installedVerrev string, reverts []string) bool {
	ord := version.CompareVersionRevision(candidateVerrev, installedVerrev)
	if ord == version.Greater {
		return true
	}
	if ord == version.Less {
		for _, r := range reverts {
			if r == installedVerrev {
				return true
			}
		}
	}
	return false
}

func (pl *plan) seed(req Request, flags Flags, loader ArchiveRecordLoader) error {
	switch req.Operation {
	case OpInstall:
		if looksLikeArchivePath(req.Target) {
			if loader == nil {
				return &UnresolvedTargetError{Target: req.Target}
			}
			rec, err := loader(req.Target)
			if err != nil {
				return fmt.Errorf("resolver: load %s: %w", req.Target, err)
			}
			pl.explicit[rec.Pkgname] = true
			pl.adopt(rec, "", false)
			pl.archiveOf[rec.Pkgname] = req.Target
			return nil
		}
		if rec, repo, ok := pl.pool.Lookup(req.Target); ok {
			pl.explicit[rec.Pkgname] = true
			pl.adopt(rec, repo.URL, false)
			return nil
		}
		if rec, ok := pl.db.Get(req.Target); ok {
			pl.explicit[rec.Pkgname] = true
			return nil
		}
		return &UnresolvedTargetError{Target: req.Target}

	case OpUpdate, OpReinstall:
		cur, ok := pl.db.Get(req.Target)
		if !ok {
			return &UnresolvedTargetError{Target: req.Target}
		}
		pl.explicit[cur.Pkgname] = true
		cand, repo, ok := pl.pool.Lookup(cur.Pkgname)
		if !ok {
			return nil // nothing newer published, no-op
		}
		if req.Operation == OpReinstall || isNewerCandidate(cand.Version, cur.Version, cand.Reverts) {
			pl.adopt(cand, repo.URL, false)
		}
		return nil

	case OpUpdateAll:
		_ = pl.db.Foreach(func(cur *pkgdb.Record) error {
			if cur.Hold {
				return nil
			}
			cand, repo, ok := pl.pool.Lookup(cur.Pkgname)
			if !ok || !isNewerCandidate(cand.Version, cur.Version, cand.Reverts) {
				return nil
			}
			pl.adopt(cand, repo.URL, false)
			return nil
		})
		return nil

	case OpRemove:
		cur, ok := pl.db.Get(req.Target)
		if !ok {
			return &UnresolvedTargetError{Target: req.Target}
		}
		pl.explicit[cur.Pkgname] = true
		pl.removed[cur.Pkgname] = true
		pl.actions[cur.Pkgname] = ActionRemove
		events.Emit(pl.sink, events.TransactionEntryPlanned{Pkgver: cur.Pkgver(), Action: string(ActionRemove), Reason: "explicit"})
		return nil

	case OpHold, OpUnhold:
		cur, ok := pl.db.Get(req.Target)
		if !ok {
			return &UnresolvedTargetError{Target: req.Target}
		}
		pl.explicit[cur.Pkgname] = true
		held := *cur
		held.Hold = req.Operation == OpHold
		pl.chosen[cur.Pkgname] = &held
		pl.actions[cur.Pkgname] = ActionHold
		return nil

	default:
		return fmt.Errorf("resolver: unknown operation %q", req.Operation)
	}
}

func looksLikeArchivePath(target string) bool {
	return strings.ContainsAny(target, "/") || strings.HasSuffix(target, ".xbps")
}

// expand walks name's run_depends, resolving every pattern not already
// satisfied by the active state against the repository pool and enqueuing
// any newly chosen provider for its own expansion. Already-resolved
// patterns are memoized in depsSeen so a diamond dependency is never
// looked up twice.
func (pl *plan) expand(name string) error {
	rec, ok := pl.activeRecord(name)
	if !ok {
		return nil
	}
	if pl.actions[name] == ActionRemove || pl.actions[name] == ActionHold {
		return nil
	}
	for _, dep := range rec.RunDepends {
		if pl.depsSeen[dep] {
			continue
		}
		if pl.satisfies(dep) {
			pl.depsSeen[dep] = true
			continue
		}
		cand, repo, ok := pl.pool.Lookup(dep)
		if !ok {
			pl.missingDeps = append(pl.missingDeps, dep)
			continue
		}
		pl.depsSeen[dep] = true
		if _, already := pl.chosen[cand.Pkgname]; already {
			continue
		}
		pl.adopt(cand, repo.URL, true)
	}
	return nil
}

// resolveReplacements implements step 4: every chosen package's replaces
// patterns mark matching active packages (other than itself) for removal,
// recording which replacement triggered it so C7 can sequence the remove
// immediately before the replacement's install.
func (pl *plan) resolveReplacements() {
	names := make([]string, 0, len(pl.chosen))
	for name := range pl.chosen {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := pl.chosen[name]
		for _, pattern := range rec.Replaces {
			for other, otherRec := range pl.installed {
				if other == name || pl.removed[other] {
					continue
				}
				if _, isChosenToo := pl.chosen[other]; isChosenToo {
					continue
				}
				if otherRec.Satisfies(pattern) {
					pl.removed[other] = true
					pl.actions[other] = ActionRemove
					pl.replacesOf[other] = name
					events.Emit(pl.sink, events.TransactionEntryPlanned{
						Pkgver: otherRec.Pkgver(), Action: string(ActionRemove), Reason: "replaced by " + rec.Pkgver(),
					})
				}
			}
		}
	}
}

// detectConflicts implements step 3, checking both directions: a chosen
// package's conflicts against every other active package, and every active
// package's conflicts against chosen packages. A match resolved by a
// removal already recorded (explicit or via replacement) is not an error.
func (pl *plan) detectConflicts(flags Flags) error {
	if flags.IgnoreConflicts {
		return nil
	}
	names := make([]string, 0, len(pl.chosen))
	for name := range pl.chosen {
		names = append(names, name)
	}
	sort.Strings(names)

	check := func(a, b *pkgdb.Record, patterns []string) error {
		for _, pattern := range patterns {
			if b.Satisfies(pattern) {
				return &ConflictError{Pkgver: a.Pkgver(), OtherPkgver: b.Pkgver(), Pattern: pattern}
			}
		}
		return nil
	}

	for _, name := range names {
		rec := pl.chosen[name]
		for other, otherRec := range pl.activeSnapshot() {
			if other == name || pl.removed[other] {
				continue
			}
			if err := check(rec, otherRec, rec.Conflicts); err != nil {
				return err
			}
			if err := check(otherRec, rec, otherRec.Conflicts); err != nil {
				return err
			}
		}
	}
	return nil
}

func (pl *plan) activeSnapshot() map[string]*pkgdb.Record {
	out := make(map[string]*pkgdb.Record, len(pl.installed)+len(pl.chosen))
	for name, r := range pl.installed {
		if !pl.removed[name] {
			out[name] = r
		}
	}
	for name, r := range pl.chosen {
		out[name] = r
	}
	return out
}

// checkShlibs implements step 5: every active package's shlib-requires
// sonames must be provided by some other active package's shlib-provides.
// Unsatisfied sonames are appended to missingDeps as warnings unless the
// caller set Flags.Strict, in which case Plan turns the first one into a
// hard error.
func (pl *plan) checkShlibs() {
	active := pl.activeSnapshot()
	for _, rec := range active {
		for _, soname := range rec.ShlibRequires {
			found := false
			for _, other := range active {
				for _, provided := range other.ShlibProvides {
					if provided == soname {
						found = true
						break
					}
				}
				if found {
					break
				}
			}
			if !found {
				pl.missingDeps = append(pl.missingDeps, soname)
			}
		}
	}
}

// enforceHolds implements step 6: a package update reached only through
// dependency expansion (never named by a Request) is a hard error if the
// installed record is held.
func (pl *plan) enforceHolds() error {
	for name, action := range pl.actions {
		if action != ActionUpdate {
			continue
		}
		if pl.explicit[name] {
			continue
		}
		if cur, ok := pl.installed[name]; ok && cur.Hold {
			return &HoldViolationError{Pkgname: name}
		}
	}
	return nil
}

// order implements step 7: a dependency graph over chosen packages is
// strongly-connected-component sorted (Tarjan), any cycle broken
// lexicographically, and each install/update entry is preceded by the
// removal of any package it replaces.
func (pl *plan) order(t *Transaction) {
	g := &depGraph{edges: make(map[string][]string)}
	for name := range pl.chosen {
		g.nodes = append(g.nodes, name)
	}
	sort.Strings(g.nodes)
	for _, name := range g.nodes {
		rec := pl.chosen[name]
		for _, dep := range rec.RunDepends {
			for other, otherRec := range pl.chosen {
				if other == name {
					continue
				}
				if otherRec.Satisfies(dep) {
					g.edges[name] = append(g.edges[name], other)
				}
			}
		}
		sort.Strings(g.edges[name])
	}

	sccs := tarjanSCCs(g)
	for _, scc := range sccs {
		if len(scc) > 1 {
			events.Emit(pl.sink, events.TransactionEntryPlanned{
				Pkgver: strings.Join(scc, ","), Action: "cycle", Reason: "dependency cycle broken lexicographically",
			})
		}
	}

	emittedRemoves := make(map[string]bool)
	emitReplacedRemovals := func(replacer string) {
		var victims []string
		for victim, by := range pl.replacesOf {
			if by == replacer && !emittedRemoves[victim] {
				victims = append(victims, victim)
			}
		}
		sort.Strings(victims)
		for _, victim := range victims {
			emittedRemoves[victim] = true
			t.Entries = append(t.Entries, Entry{
				Record:          pl.installed[victim],
				Action:          ActionRemove,
				ReplacesPkgname: replacer,
			})
		}
	}

	for _, name := range orderedNames(sccs) {
		emitReplacedRemovals(name)
		rec := pl.chosen[name]
		t.Entries = append(t.Entries, Entry{
			Record:      rec,
			Action:      pl.actions[name],
			Repository:  pl.repoOf[name],
			ArchivePath: pl.archiveOf[name],
		})
	}

	var pureRemoves []string
	for name := range pl.removed {
		if emittedRemoves[name] {
			continue
		}
		if _, replaced := pl.replacesOf[name]; replaced {
			continue
		}
		pureRemoves = append(pureRemoves, name)
	}
	sort.Strings(pureRemoves)
	for _, name := range pureRemoves {
		rec, ok := pl.installed[name]
		if !ok {
			continue
		}
		t.Entries = append(t.Entries, Entry{Record: rec, Action: ActionRemove})
	}
}

// size implements step 8: sum installed_size and archive size per
// install/update action.
func (pl *plan) size(t *Transaction) {
	for i := range t.Entries {
		e := &t.Entries[i]
		if e.Action != ActionInstall && e.Action != ActionUpdate {
			continue
		}
		e.InstalledSize = e.Record.InstalledSize
		e.DownloadSize = e.Record.ArchiveSize
		t.TotalInstalledSize += e.InstalledSize
		t.TotalDownloadSize += e.DownloadSize
	}
}

func (pl *plan) transaction() *Transaction {
	return &Transaction{MissingDeps: append([]string(nil), pl.missingDeps...)}
}
