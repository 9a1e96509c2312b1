package satengine

// clause is a disjunction of literals; a positive int asserts that
// variable true, a negative int asserts it false.
type clause []int

// certainty returns the unit clause asserting lit unconditionally.
func certainty(lit int) clause {
	return clause{lit}
}

// implication returns the clause(s) for a → b.
func implication(a, b int) clause {
	return clause{-a, b}
}

// implicationAny returns the clause for a → (b1 ∨ b2 ∨ ... ∨ bn), the
// shape spec.md §4.10 uses for "run_depends d of p has matching
// candidates Q". An empty bs makes the implication unsatisfiable whenever
// a holds, i.e. a hard clause forcing ¬a.
func implicationAny(a int, bs []int) clause {
	c := make(clause, 0, len(bs)+1)
	c = append(c, -a)
	c = append(c, bs...)
	return c
}

// equivalence returns the two clauses for a ↔ b: (¬a∨b) ∧ (a∨¬b).
func equivalence(a, b int) []clause {
	return []clause{{-a, b}, {a, -b}}
}

// equivalenceAny returns the clauses for a ↔ (b1 ∨ ... ∨ bn):
// (¬a∨b1∨...∨bn) ∧ (a∨¬b1) ∧ ... ∧ (a∨¬bn). With no bs, a ↔ false, i.e.
// a is forced unconditionally false.
func equivalenceAny(a int, bs []int) []clause {
	out := make([]clause, 0, len(bs)+1)
	fwd := make(clause, 0, len(bs)+1)
	fwd = append(fwd, -a)
	fwd = append(fwd, bs...)
	out = append(out, fwd)
	for _, b := range bs {
		out = append(out, clause{a, -b})
	}
	return out
}
