package satengine

// formula is a CNF instance: hard is a fixed clause set, each entry
// carrying a human label (for UNSAT-core reporting); numVars bounds the
// variable range (1..numVars).
type formula struct {
	hard    []clause
	labels  []string
	numVars int
}

func newFormula() *formula {
	return &formula{}
}

// add appends cs to the hard clause set, all sharing label (the semantic
// reason the clause exists, e.g. "shlib-requires app-1.0_0 -> libx.so.1").
func (f *formula) add(label string, cs ...clause) {
	for _, c := range cs {
		f.hard = append(f.hard, c)
		f.labels = append(f.labels, label)
		for _, lit := range c {
			v := lit
			if v < 0 {
				v = -v
			}
			if v > f.numVars {
				f.numVars = v
			}
		}
	}
}

// assignment maps a variable id to its truth value; absence means
// unassigned.
type assignment map[int]bool

func litValue(a assignment, lit int) (bool, bool) {
	v := lit
	neg := false
	if v < 0 {
		v, neg = -v, true
	}
	val, ok := a[v]
	if !ok {
		return false, false
	}
	if neg {
		val = !val
	}
	return val, true
}

// solve runs DPLL (unit propagation + backtracking) over f's hard clauses
// plus the extra unit clauses in assume (one literal per assumed-true
// variable). It returns a satisfying assignment and true, or nil and
// false if the combined instance is unsatisfiable.
func solve(f *formula, assume []int) (assignment, bool) {
	clauses := make([]clause, len(f.hard), len(f.hard)+len(assume))
	copy(clauses, f.hard)
	for _, lit := range assume {
		clauses = append(clauses, clause{lit})
	}
	a := make(assignment, f.numVars)
	return dpll(clauses, a, f.numVars)
}

// satisfiable reports only whether the instance has a solution, without
// constructing it (used heavily by the MCS search).
func satisfiable(f *formula, assume []int) bool {
	_, ok := solve(f, assume)
	return ok
}

func dpll(clauses []clause, a assignment, numVars int) (assignment, bool) {
	clauses, a, ok := unitPropagate(clauses, a)
	if !ok {
		return nil, false
	}
	lit, found := pickUnassigned(clauses, a)
	if !found {
		return a, true
	}
	for _, try := range [2]int{lit, -lit} {
		na := cloneAssignment(a)
		v, val := varOf(try)
		na[v] = val
		if res, ok := dpll(append([]clause(nil), clauses...), na, numVars); ok {
			return res, true
		}
	}
	return nil, false
}

func varOf(lit int) (int, bool) {
	if lit < 0 {
		return -lit, false
	}
	return lit, true
}

func cloneAssignment(a assignment) assignment {
	na := make(assignment, len(a)+1)
	for k, v := range a {
		na[k] = v
	}
	return na
}

// unitPropagate repeatedly satisfies unit clauses until none remain or a
// conflict (an empty unresolved clause) is found.
func unitPropagate(clauses []clause, a assignment) ([]clause, assignment, bool) {
	a = cloneAssignment(a)
	for {
		unit, found := findUnit(clauses, a)
		if !found {
			break
		}
		v, val := varOf(unit)
		a[v] = val
		var conflict bool
		clauses, conflict = simplify(clauses, a)
		if conflict {
			return nil, nil, false
		}
	}
	return clauses, a, true
}

// findUnit scans for a clause with exactly one unassigned literal and all
// others false, returning that literal.
func findUnit(clauses []clause, a assignment) (int, bool) {
	for _, c := range clauses {
		var unassigned int
		count := 0
		satisfied := false
		for _, lit := range c {
			val, ok := litValue(a, lit)
			if ok {
				if val {
					satisfied = true
					break
				}
				continue
			}
			count++
			unassigned = lit
		}
		if satisfied {
			continue
		}
		if count == 1 {
			return unassigned, true
		}
	}
	return 0, false
}

// simplify drops satisfied clauses and removes falsified literals,
// reporting conflict=true if any clause becomes empty.
func simplify(clauses []clause, a assignment) ([]clause, bool) {
	out := make([]clause, 0, len(clauses))
	for _, c := range clauses {
		satisfied := false
		var kept clause
		for _, lit := range c {
			val, ok := litValue(a, lit)
			if ok {
				if val {
					satisfied = true
					break
				}
				continue // falsified literal, drop
			}
			kept = append(kept, lit)
		}
		if satisfied {
			continue
		}
		if len(kept) == 0 {
			return nil, true
		}
		out = append(out, kept)
	}
	return out, false
}

func pickUnassigned(clauses []clause, a assignment) (int, bool) {
	for _, c := range clauses {
		for _, lit := range c {
			if _, ok := litValue(a, lit); !ok {
				v, _ := varOf(lit)
				return v, true
			}
		}
	}
	return 0, false
}
