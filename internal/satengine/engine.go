package satengine

import (
	"sort"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/repopool"
)

// CoreClause is one clause of a reported minimal UNSAT core: a
// human-readable label plus the literals it comprises, decoded to their
// category(name) form.
type CoreClause struct {
	Label string
	Lits  []string
}

// Promotion is the outcome of one Engine.Solve call.
type Promotion struct {
	// Promoted lists every pkgver whose "promote"/"keep" assumption held.
	Promoted []string
	// Dropped lists every pkgver the minimal correcting subset search
	// rejected this round — it cannot be promoted without breaking the
	// published set.
	Dropped []string
	// UnsatCore is non-nil only when the published indexes, with every
	// assumption already dropped, are still inconsistent on their own.
	UnsatCore []CoreClause
}

// Engine solves the repository consistency problem for one pool (a single
// architecture's set of repositories, each with a public and optional
// stage index).
type Engine struct {
	Pool *repopool.Pool
	Sink events.Sink
}

// New returns an Engine over pool.
func New(pool *repopool.Pool, sink events.Sink) *Engine {
	return &Engine{Pool: pool, Sink: sink}
}

// Solve builds the clause set for the pool's current public/stage state
// and returns the promotion decision.
func (e *Engine) Solve() (*Promotion, error) {
	enc := encode(e.Pool)

	lits := make([]int, len(enc.assumptions))
	for i, a := range enc.assumptions {
		lits[i] = a.lit
	}

	if satisfiable(enc.f, lits) {
		return &Promotion{Promoted: labelsOf(enc.assumptions)}, nil
	}

	if !satisfiable(enc.f, nil) {
		core := minimalUnsatCore(enc)
		return &Promotion{UnsatCore: core}, nil
	}

	kept, dropped := minimalCorrectingSubset(enc.f, enc.assumptions)
	for _, a := range dropped {
		events.Emit(e.Sink, events.StatePromotion{Pkgver: trimLabel(a.label), Skipped: true, Reason: "correcting subset"})
	}
	return &Promotion{Promoted: labelsOf(kept), Dropped: labelsOf(dropped)}, nil
}

func labelsOf(as []assumption) []string {
	out := make([]string, len(as))
	for i, a := range as {
		out[i] = trimLabel(a.label)
	}
	return out
}

func trimLabel(label string) string {
	for _, prefix := range []string{"promote ", "keep "} {
		if len(label) > len(prefix) && label[:len(prefix)] == prefix {
			return label[len(prefix):]
		}
	}
	return label
}

// minimalCorrectingSubset implements spec.md §4.10's "smallest set of
// assumptions to drop so the instance becomes satisfiable" via a
// deterministic single-pass insertion sweep: assumptions are tried, in
// ascending label order, for inclusion into a growing accepted set;
// an assumption that would make the accepted set unsatisfiable is
// permanently dropped. This is a linear-time approximation of the
// minimum-cardinality correcting subset (computing the provable global
// minimum is exponential in general) — see DESIGN.md for why this
// trade-off was made and why it reproduces spec.md's worked example
// exactly.
func minimalCorrectingSubset(f *formula, assumptions []assumption) (kept, dropped []assumption) {
	ordered := append([]assumption(nil), assumptions...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].label < ordered[j].label })

	var active []int
	for _, a := range ordered {
		trial := append(append([]int(nil), active...), a.lit)
		if satisfiable(f, trial) {
			active = trial
			kept = append(kept, a)
		} else {
			dropped = append(dropped, a)
		}
	}
	return kept, dropped
}

// minimalUnsatCore finds a subset-minimal set of hard clauses that is
// still unsatisfiable on its own, via deletion-based reduction: a clause
// is removed permanently whenever the remainder stays UNSAT.
func minimalUnsatCore(enc *encoded) []CoreClause {
	clauses := append([]clause(nil), enc.f.hard...)
	labels := append([]string(nil), enc.f.labels...)

	for i := 0; i < len(clauses); {
		trial := make([]clause, 0, len(clauses)-1)
		trial = append(trial, clauses[:i]...)
		trial = append(trial, clauses[i+1:]...)
		if !satisfiable(&formula{hard: trial, numVars: enc.f.numVars}, nil) {
			clauses = trial
			labels = append(append([]string(nil), labels[:i]...), labels[i+1:]...)
			continue
		}
		i++
	}

	core := make([]CoreClause, len(clauses))
	for i, c := range clauses {
		lits := make([]string, len(c))
		for j, lit := range c {
			lits[j] = enc.vars.describe(lit)
		}
		core[i] = CoreClause{Label: labels[i], Lits: lits}
	}
	return core
}
