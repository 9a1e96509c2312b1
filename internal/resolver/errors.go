package resolver

import "fmt"

// MissingDependencyError is returned when a run_depends pattern has no
// satisfying candidate anywhere in the pool or pkgdb.
type MissingDependencyError struct {
	Pkgver  string
	Pattern string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("resolver: %s: no candidate satisfies %q", e.Pkgver, e.Pattern)
}

// ConflictError is returned when two packages in the hypothetical
// post-transaction state conflict and neither is resolved by a removal
// within the same transaction.
type ConflictError struct {
	Pkgver     string
	OtherPkgver string
	Pattern    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("resolver: %s conflicts with %s (pattern %q)", e.Pkgver, e.OtherPkgver, e.Pattern)
}

// HoldViolationError is returned when dependency expansion would update a
// held package that was not explicitly targeted by the caller's requests.
type HoldViolationError struct {
	Pkgname string
}

func (e *HoldViolationError) Error() string {
	return fmt.Sprintf("resolver: %s is held and was not explicitly requested", e.Pkgname)
}

// UnresolvedTargetError is returned when a request's target cannot be
// resolved to an installed record, a pool record, or (via Loader) a local
// archive's embedded record.
type UnresolvedTargetError struct {
	Target string
}

func (e *UnresolvedTargetError) Error() string {
	return fmt.Sprintf("resolver: cannot resolve target %q", e.Target)
}

// StrictShlibError is returned in Strict mode when a shlib-requires
// soname is unsatisfied post-transaction.
type StrictShlibError struct {
	Pkgver string
	Soname string
}

func (e *StrictShlibError) Error() string {
	return fmt.Sprintf("resolver: %s: unsatisfied shlib-requires %q", e.Pkgver, e.Soname)
}
