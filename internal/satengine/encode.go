package satengine

import (
	"sort"
	"strings"

	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/repopool"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// node is one pkgname's public/stage candidate pair, merged across every
// repository in the pool (first repository to publish a name wins, the
// same tie-break repopool.Pool.Lookup/LookupStage use).
type node struct {
	pkgname string
	public  *pkgdb.Record
	stage   *pkgdb.Record
}

func collectNodes(pool *repopool.Pool) map[string]*node {
	nodes := make(map[string]*node)
	get := func(name string) *node {
		n, ok := nodes[name]
		if !ok {
			n = &node{pkgname: name}
			nodes[name] = n
		}
		return n
	}
	for _, repo := range pool.Repos {
		for name, rec := range repo.Idx {
			n := get(name)
			if n.public == nil {
				n.public = rec
			}
		}
	}
	for _, repo := range pool.Repos {
		if repo.Stage == nil {
			continue
		}
		for name, rec := range repo.Stage {
			n := get(name)
			if n.stage == nil {
				n.stage = rec
			}
		}
	}
	return nodes
}

// assumption is one soft "prefer present"/"prefer stage" unit clause the
// MCS search may choose to drop.
type assumption struct {
	lit   int
	label string // pkgver this assumption keeps/promotes
}

// encoded is the formula plus the bookkeeping the solve/explain passes
// need: the assumption set (in deterministic order) and a var table for
// translating a variable back to its pkgver/soname.
type encoded struct {
	f           *formula
	assumptions []assumption
	vars        *varTable
}

// encode builds the SAT instance for pool: every node contributes its
// real/virtual clauses, every candidate contributes its shlib-requires and
// run_depends implications, and -dbg packages are tied to their base
// package.
func encode(pool *repopool.Pool) *encoded {
	nodes := collectNodes(pool)
	vt := newVarTable()
	f := newFormula()

	var assumptions []assumption
	var candidates []*pkgdb.Record         // every real candidate record (public and/or stage)
	realVarOf := make(map[string]int)      // pkgver -> real variable
	providesIndex := make(map[string][]int) // provided pkgver string -> providers' real vars
	shlibProviders := make(map[string][]int)

	noteCandidate := func(r *pkgdb.Record) {
		candidates = append(candidates, r)
		rv := vt.real(r.Pkgver())
		realVarOf[r.Pkgver()] = rv
		for _, p := range r.Provides {
			providesIndex[p] = append(providesIndex[p], rv)
		}
		for _, s := range r.ShlibProvides {
			shlibProviders[s] = append(shlibProviders[s], rv)
		}
	}

	names := make([]string, 0, len(nodes))
	for name := range nodes {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		n := nodes[name]
		switch {
		case n.public != nil && n.stage != nil && n.public.Version == n.stage.Version:
			noteCandidate(n.public)
			rv := vt.real(n.public.Pkgver())
			f.add("certainty "+n.public.Pkgver(), certainty(rv))

		case n.public != nil && n.stage != nil:
			noteCandidate(n.public)
			noteCandidate(n.stage)
			rpub := vt.real(n.public.Pkgver())
			rstage := vt.real(n.stage.Pkgver())
			f.add("equivalence "+n.public.Pkgver()+"/"+n.stage.Pkgver(), equivalence(rpub, negLit(rstage))...)
			assumptions = append(assumptions, assumption{lit: rstage, label: "promote " + n.stage.Pkgver()})

		case n.public != nil:
			noteCandidate(n.public)
			rpub := vt.real(n.public.Pkgver())
			assumptions = append(assumptions, assumption{lit: rpub, label: "keep " + n.public.Pkgver()})

		case n.stage != nil:
			noteCandidate(n.stage)
			rstage := vt.real(n.stage.Pkgver())
			assumptions = append(assumptions, assumption{lit: rstage, label: "promote " + n.stage.Pkgver()})
		}
	}

	// -dbg packages: tie to their base package's active real variable(s).
	for _, name := range names {
		base, isDbg := strings.CutSuffix(name, "-dbg")
		if !isDbg {
			continue
		}
		dbgNode := nodes[name]
		baseNode, ok := nodes[base]
		dbgCandidates := []*pkgdb.Record{}
		if dbgNode.public != nil {
			dbgCandidates = append(dbgCandidates, dbgNode.public)
		}
		if dbgNode.stage != nil {
			dbgCandidates = append(dbgCandidates, dbgNode.stage)
		}
		for _, dbg := range dbgCandidates {
			dbgVar := realVarOf[dbg.Pkgver()]
			if !ok || (baseNode.public == nil && baseNode.stage == nil) {
				f.add("no base package for "+dbg.Pkgver(), certainty(-dbgVar))
				continue
			}
			var baseVars []int
			if baseNode.public != nil {
				baseVars = append(baseVars, realVarOf[baseNode.public.Pkgver()])
			}
			if baseNode.stage != nil {
				baseVars = append(baseVars, realVarOf[baseNode.stage.Pkgver()])
			}
			for _, bv := range baseVars {
				f.add("dbg equivalence "+dbg.Pkgver(), equivalence(dbgVar, bv)...)
			}
		}
	}

	// shlib-requires implications.
	neededSonames := make(map[string]bool)
	for _, r := range candidates {
		rv := realVarOf[r.Pkgver()]
		for _, s := range r.ShlibRequires {
			neededSonames[s] = true
			f.add("shlib-requires "+r.Pkgver()+" -> "+s, implication(rv, vt.shlib(s)))
		}
	}

	// run_depends implications: a pattern's matching candidates are every
	// candidate whose own pkgver, or any of whose provides entries,
	// satisfies the pattern.
	for _, r := range candidates {
		rv := realVarOf[r.Pkgver()]
		for _, dep := range r.RunDepends {
			var matches []int
			seen := make(map[int]bool)
			for _, q := range candidates {
				matched := version.Match(q.Pkgver(), dep)
				for _, p := range q.Provides {
					if version.Match(p, dep) {
						matched = true
					}
				}
				if matched && !seen[vt.virtual(q.Pkgver())] {
					seen[vt.virtual(q.Pkgver())] = true
					matches = append(matches, vt.virtual(q.Pkgver()))
				}
			}
			f.add("run_depends "+r.Pkgver()+" -> "+dep, implicationAny(rv, matches))
		}
	}

	// virtual equivalences: every pkgver that is either a real candidate or
	// named in some candidate's provides list gets a virtual variable tied
	// to "real(pkgver) ∨ real of anything providing it".
	virtualNames := make(map[string]bool)
	for pv := range realVarOf {
		virtualNames[pv] = true
	}
	for pv := range providesIndex {
		virtualNames[pv] = true
	}
	vnames := make([]string, 0, len(virtualNames))
	for pv := range virtualNames {
		vnames = append(vnames, pv)
	}
	sort.Strings(vnames)
	for _, pv := range vnames {
		vv := vt.virtual(pv)
		var sources []int
		if rv, ok := realVarOf[pv]; ok {
			sources = append(sources, rv)
		}
		sources = append(sources, providesIndex[pv]...)
		f.add("virtual "+pv, equivalenceAny(vv, sources)...)
	}

	// shlib equivalences: every soname ever required or provided gets an
	// equivalence clause, so a soname with zero providers is forced false
	// (equivalenceAny with no sources) rather than left a free variable.
	allSonames := make(map[string]bool, len(shlibProviders)+len(neededSonames))
	for s := range shlibProviders {
		allSonames[s] = true
	}
	for s := range neededSonames {
		allSonames[s] = true
	}
	sonames := make([]string, 0, len(allSonames))
	for s := range allSonames {
		sonames = append(sonames, s)
	}
	sort.Strings(sonames)
	for _, s := range sonames {
		sv := vt.shlib(s)
		f.add("shlib "+s, equivalenceAny(sv, shlibProviders[s])...)
	}

	sort.Slice(assumptions, func(i, j int) bool { return assumptions[i].label < assumptions[j].label })

	return &encoded{f: f, assumptions: assumptions, vars: vt}
}

func negLit(lit int) int { return -lit }
