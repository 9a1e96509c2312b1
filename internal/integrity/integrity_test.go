package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/void-linux/xbps-sub002/internal/alternatives"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
)

func newDB(t *testing.T) *pkgdb.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := pkgdb.Open(filepath.Join(dir, "pkgdb-0.plist"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

func TestCheckFilesDetectsMissingAndModified(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0755); err != nil {
		t.Fatal(err)
	}
	good := filepath.Join(root, "usr/bin/good")
	if err := os.WriteFile(good, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	modified := filepath.Join(root, "usr/bin/modified")
	if err := os.WriteFile(modified, []byte("changed"), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		Files: []pkgdb.FileEntry{
			{Path: "usr/bin/good", SHA256: sha256Hex("hello")},
			{Path: "usr/bin/modified", SHA256: sha256Hex("original")},
			{Path: "usr/bin/gone", SHA256: sha256Hex("x")},
		},
	})

	c := New(db, root, nil)
	problems, err := c.Run(CheckFiles)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %+v", problems)
	}
}

func TestCheckDependenciesDetectsUnsatisfied(t *testing.T) {
	db := newDB(t)
	db.Put(&pkgdb.Record{Pkgname: "foo", Version: "1.0_0", RunDepends: []string{"bar>=1.0"}})

	c := New(db, t.TempDir(), nil)
	problems, err := c.Run(CheckDependencies)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 1 || problems[0].Pkgname != "foo" {
		t.Fatalf("unexpected problems: %+v", problems)
	}
}

func TestCheckDependenciesSatisfiedViaProvides(t *testing.T) {
	db := newDB(t)
	db.Put(&pkgdb.Record{Pkgname: "foo", Version: "1.0_0", RunDepends: []string{"bar>=1.0"}})
	db.Put(&pkgdb.Record{Pkgname: "vibar", Version: "1.0_0", Provides: []string{"bar-1.0_0"}})

	c := New(db, t.TempDir(), nil)
	problems, err := c.Run(CheckDependencies)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 0 {
		t.Fatalf("expected no problems, got %+v", problems)
	}
}

func TestCheckAlternativesDelegates(t *testing.T) {
	root := t.TempDir()
	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "vim", Version: "1.0_0",
		Alternatives: map[string][]string{"editor": {"vi:/usr/bin/vi:/usr/bin/vim"}},
	})
	alt := alternatives.New(db, root, nil)
	if err := alt.Register("vim", map[string][]string{"editor": nil}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := os.Remove(filepath.Join(root, "/usr/bin/vi")); err != nil {
		t.Fatal(err)
	}

	c := New(db, root, alt)
	problems, err := c.Run(CheckAlternatives)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 1 {
		t.Fatalf("expected 1 problem, got %+v", problems)
	}
}

func TestUnneededNormalizesSelfReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pkgdb-0.plist")
	db, err := pkgdb.Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Put(&pkgdb.Record{Pkgname: "foo", Version: "1.0_0", Replaces: []string{"foo>=0"}})

	if err := Unneeded(db); err != nil {
		t.Fatalf("Unneeded: %v", err)
	}

	reloaded, err := pkgdb.Open(path, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	r, ok := reloaded.Get("foo")
	if !ok {
		t.Fatalf("foo missing after reload")
	}
	if len(r.Replaces) != 0 {
		t.Fatalf("expected self-replacement stripped, got %v", r.Replaces)
	}
}

func TestCheckSymlinksDetectsBrokenAndModified(t *testing.T) {
	root := t.TempDir()
	if err := os.Symlink("good-target", filepath.Join(root, "good")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("wrong-target", filepath.Join(root, "modified")); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		Links: []pkgdb.LinkEntry{
			{Path: "good", Target: "good-target"},
			{Path: "modified", Target: "expected-target"},
			{Path: "gone", Target: "whatever"},
		},
	})

	c := New(db, root, nil)
	problems, err := c.Run(CheckSymlinks)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %+v", problems)
	}
}

func TestCheckRequiredByDetectsMissingAndStale(t *testing.T) {
	db := newDB(t)
	db.Put(&pkgdb.Record{Pkgname: "libfoo", Version: "1.0_0"})
	db.Put(&pkgdb.Record{Pkgname: "foo", Version: "2.0_0", RunDepends: []string{"libfoo>=1.0"}})

	c := New(db, t.TempDir(), nil)
	if problems, err := c.Run(CheckRequiredBy); err != nil || len(problems) != 0 {
		t.Fatalf("expected no problems once Put linked requiredby, got %+v (err %v)", problems, err)
	}

	// Corrupt libfoo's requiredby directly: drop the real entry (now a
	// "missing" finding) and introduce a stale one naming an uninstalled
	// package.
	libfoo, _ := db.Get("libfoo")
	libfoo.RequiredBy = []string{"bar-9.0_0"}

	problems, err := c.Run(CheckRequiredBy)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems (missing + stale), got %+v", problems)
	}
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
