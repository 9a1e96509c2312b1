package satengine

import (
	"sort"
	"testing"

	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/repopool"
)

func newPool(t *testing.T, repos ...*repopool.Repository) *repopool.Pool {
	t.Helper()
	p := repopool.NewPool("x86_64", nil)
	for _, r := range repos {
		p.Add(r)
	}
	return p
}

func rec(name, ver string) *pkgdb.Record {
	return &pkgdb.Record{Pkgname: name, Version: ver, Arch: "x86_64"}
}

func TestSolveAllowsPromotionWhenNothingConflicts(t *testing.T) {
	repo := repopool.NewRepository("repo1")
	repo.Idx["foo"] = rec("foo", "1.0_0")
	repo.Stage = map[string]*pkgdb.Record{"bar": rec("bar", "1.0_0")}

	e := New(newPool(t, repo), nil)
	p, err := e.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(p.Dropped) != 0 {
		t.Fatalf("expected no drops, got %v", p.Dropped)
	}
	if len(p.UnsatCore) != 0 {
		t.Fatalf("expected no unsat core, got %v", p.UnsatCore)
	}
	want := []string{"bar-1.0_0", "foo-1.0_0"}
	got := append([]string(nil), p.Promoted...)
	sort.Strings(got)
	if !equalStrings(got, want) {
		t.Fatalf("Promoted = %v, want %v", got, want)
	}
}

// TestSolveDropsStagePackageThatBreaksShlibConsumer reproduces spec.md's
// worked example: stage promotes libx 2.0 (dropping libx.so.1) while a
// staged consumer still requires libx.so.1 from the old libx. The
// consumer's own promotion should survive; only the conflicting libx
// upgrade is dropped.
func TestSolveDropsStagePackageThatBreaksShlibConsumer(t *testing.T) {
	repo := repopool.NewRepository("repo1")
	libxOld := rec("libx", "1.0_1")
	libxOld.ShlibProvides = []string{"libx.so.1"}
	repo.Idx["libx"] = libxOld

	libxNew := rec("libx", "2.0_1")
	libxNew.ShlibProvides = []string{"libx.so.2"}

	app := rec("app", "1.0_1")
	app.ShlibRequires = []string{"libx.so.1"}

	repo.Stage = map[string]*pkgdb.Record{
		"libx": libxNew,
		"app":  app,
	}

	e := New(newPool(t, repo), nil)
	p, err := e.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !equalStrings(p.Dropped, []string{"libx-2.0_1"}) {
		t.Fatalf("Dropped = %v, want [libx-2.0_1]", p.Dropped)
	}
	if !containsString(p.Promoted, "app-1.0_1") {
		t.Fatalf("Promoted = %v, want to include app-1.0_1", p.Promoted)
	}
}

// TestSolveDropsOnlyTheUnsatisfiableDependentWhenItNeedsBothOldAndNewLibx
// builds a package that needs the old soname (via shlib-requires) and the
// new version by name (via run_depends) at once: a contradiction no
// assignment can satisfy regardless of what else is promoted, so only
// that dependent is dropped — promoting libx itself is then unaffected,
// since nothing else still requires the old soname.
func TestSolveDropsOnlyTheUnsatisfiableDependentWhenItNeedsBothOldAndNewLibx(t *testing.T) {
	repo := repopool.NewRepository("repo1")
	libxOld := rec("libx", "1.0_1")
	libxOld.ShlibProvides = []string{"libx.so.1"}
	repo.Idx["libx"] = libxOld

	libxNew := rec("libx", "2.0_1")
	libxNew.ShlibProvides = []string{"libx.so.2"}

	app := rec("app", "1.0_1")
	app.ShlibRequires = []string{"libx.so.1"}
	app.RunDepends = []string{"libx>=2.0"}

	repo.Stage = map[string]*pkgdb.Record{
		"libx": libxNew,
		"app":  app,
	}

	e := New(newPool(t, repo), nil)
	p, err := e.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if !equalStrings(p.Dropped, []string{"app-1.0_1"}) {
		t.Fatalf("Dropped = %v, want [app-1.0_1]", p.Dropped)
	}
	if !containsString(p.Promoted, "libx-2.0_1") {
		t.Fatalf("Promoted = %v, want to include libx-2.0_1", p.Promoted)
	}
}

// TestSolveReportsUnsatCoreWhenPublishedSetAlreadyBroken covers a package
// present, at the same version, in both public and stage (so its
// publication is a hard Certainty, not a droppable assumption) whose
// shlib-requires has no provider anywhere in the pool — the published set
// is inconsistent on its own, independent of any promotion decision.
func TestSolveReportsUnsatCoreWhenPublishedSetAlreadyBroken(t *testing.T) {
	repo := repopool.NewRepository("repo1")
	app := rec("app", "1.0_1")
	app.ShlibRequires = []string{"libmissing.so.1"}
	repo.Idx["app"] = app
	repo.Stage = map[string]*pkgdb.Record{"app": rec("app", "1.0_1")}

	e := New(newPool(t, repo), nil)
	p, err := e.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(p.UnsatCore) == 0 {
		t.Fatalf("expected a non-empty unsat core")
	}
}

func TestSolveResolvesDependencyViaProvides(t *testing.T) {
	repo := repopool.NewRepository("repo1")
	app := rec("app", "1.0_1")
	app.RunDepends = []string{"bar>=1.0"}
	repo.Idx["app"] = app

	vibar := rec("vibar", "1.0_1")
	vibar.Provides = []string{"bar-1.0_1"}
	repo.Idx["vibar"] = vibar

	e := New(newPool(t, repo), nil)
	p, err := e.Solve()
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	if len(p.Dropped) != 0 || len(p.UnsatCore) != 0 {
		t.Fatalf("expected clean solve, got dropped=%v core=%v", p.Dropped, p.UnsatCore)
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}
