// Package satengine implements the repository consistency (SAT) engine
// (C10): given one or more repository public/stage pairs, it decides which
// staged packages can be promoted without making the published set
// reference a missing package or an unsupplied shared-library soname. The
// decision is encoded as a Boolean satisfiability instance and solved with
// a hand-rolled backtracking solver, grounded structurally on golang-dep's
// gps solver (_examples/golang-dep/gps): a pure, in-memory computation
// over a snapshot that produces a Solution-like result rather than
// mutating state as it goes.
package satengine

import "fmt"

// category is the two-bit tag spec.md §4.10 reserves in the low bits of
// every variable integer, so a raw solver answer decodes back to a
// semantic statement (real/virtual/shlib) without consulting a side
// table. The side table (varTable) is kept only to recover the full
// pkgver/soname string for the explanation pass.
type category int

const (
	catReal category = iota
	catVirtual
	catShlib
)

func (c category) String() string {
	switch c {
	case catReal:
		return "real"
	case catVirtual:
		return "virtual"
	case catShlib:
		return "shlib"
	default:
		return "unknown"
	}
}

// decodeCategory extracts a variable's category from its low two bits.
func decodeCategory(v int) category {
	if v < 0 {
		v = -v
	}
	return category(v & 3)
}

// varTable allocates SAT variables, tagging each with its category in the
// low two bits and keeping a name index for encoding (forward) and
// explanation (reverse).
type varTable struct {
	byKey map[string]int
	byVar map[int]string
	next  int
}

func newVarTable() *varTable {
	return &varTable{byKey: make(map[string]int), byVar: make(map[int]string), next: 1}
}

func (t *varTable) get(cat category, name string) int {
	key := fmt.Sprintf("%d:%s", cat, name)
	if v, ok := t.byKey[key]; ok {
		return v
	}
	v := t.next<<2 | int(cat)
	t.next++
	t.byKey[key] = v
	t.byVar[v] = name
	return v
}

func (t *varTable) real(pkgver string) int    { return t.get(catReal, pkgver) }
func (t *varTable) virtual(pkgver string) int { return t.get(catVirtual, pkgver) }
func (t *varTable) shlib(soname string) int   { return t.get(catShlib, soname) }

// name recovers the pkgver/soname string a variable was allocated for.
func (t *varTable) name(v int) string {
	if v < 0 {
		v = -v
	}
	return t.byVar[v]
}

func (t *varTable) describe(v int) string {
	neg := ""
	if v < 0 {
		neg = "not "
	}
	return fmt.Sprintf("%s%s(%s)", neg, decodeCategory(v), t.name(v))
}
