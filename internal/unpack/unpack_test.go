package unpack

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/void-linux/xbps-sub002/internal/archive"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/plist"
	"github.com/void-linux/xbps-sub002/internal/resolver"
)

func newDB(t *testing.T) *pkgdb.DB {
	t.Helper()
	db, err := pkgdb.Open(filepath.Join(t.TempDir(), "pkgdb-0.plist"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return db
}

// buildArchive assembles an uncompressed tar payload with an optional
// INSTALL script, a props.plist carrying confFiles, and whatever regular
// file/dir/symlink entries files describes.
type fileSpec struct {
	name    string
	data    string
	typ     byte // 0 defaults to TypeReg
	symDest string
}

func buildArchive(t *testing.T, confFiles []string, files []fileSpec) string {
	t.Helper()
	var buf bytes.Buffer
	w, err := archive.NewWriter(&buf, archive.FormatNone, 0)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	script := "#!/bin/sh\nexit 0\n"
	if err := w.AppendBuffer("INSTALL", 0755, []byte(script)); err != nil {
		t.Fatalf("AppendBuffer INSTALL: %v", err)
	}

	props := plist.NewMap()
	if len(confFiles) > 0 {
		props.Set("conf_files", plist.NewStringSeq(confFiles))
	}
	if err := w.AppendDocument("props.plist", 0644, props); err != nil {
		t.Fatalf("AppendDocument props.plist: %v", err)
	}
	if err := w.AppendDocument("files.plist", 0644, plist.NewMap()); err != nil {
		t.Fatalf("AppendDocument files.plist: %v", err)
	}

	for _, f := range files {
		switch f.typ {
		case tar.TypeDir:
			hdr := &tar.Header{Name: f.name, Typeflag: tar.TypeDir, Mode: 0755}
			if err := w.WriteHeader(hdr, nil); err != nil {
				t.Fatalf("WriteHeader dir %s: %v", f.name, err)
			}
		case tar.TypeSymlink:
			hdr := &tar.Header{Name: f.name, Typeflag: tar.TypeSymlink, Linkname: f.symDest, Mode: 0777}
			if err := w.WriteHeader(hdr, nil); err != nil {
				t.Fatalf("WriteHeader symlink %s: %v", f.name, err)
			}
		default:
			if err := w.AppendBuffer(f.name, 0644, []byte(f.data)); err != nil {
				t.Fatalf("AppendBuffer %s: %v", f.name, err)
			}
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(t.TempDir(), "pkg.xbps")
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestInstallExtractsFilesAndTransitionsToInstalled(t *testing.T) {
	root := t.TempDir()
	archivePath := buildArchive(t, []string{"etc/foo.conf"}, []fileSpec{
		{name: "usr/bin/foo", data: "binary-data"},
		{name: "etc/foo.conf", data: "setting=1\n"},
		{name: "usr/share/foo", typ: tar.TypeDir},
		{name: "usr/bin/foo-link", typ: tar.TypeSymlink, symDest: "foo"},
	})

	db := newDB(t)
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})

	entry := resolver.Entry{
		Action:      resolver.ActionInstall,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_1"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got, err := os.ReadFile(filepath.Join(root, "usr/bin/foo")); err != nil || string(got) != "binary-data" {
		t.Fatalf("usr/bin/foo = %q, %v", got, err)
	}
	if got, err := os.ReadFile(filepath.Join(root, "etc/foo.conf")); err != nil || string(got) != "setting=1\n" {
		t.Fatalf("etc/foo.conf = %q, %v", got, err)
	}
	if target, err := os.Readlink(filepath.Join(root, "usr/bin/foo-link")); err != nil || target != "foo" {
		t.Fatalf("symlink target = %q, %v", target, err)
	}
	if info, err := os.Stat(filepath.Join(root, "usr/share/foo")); err != nil || !info.IsDir() {
		t.Fatalf("usr/share/foo not a dir: %v", err)
	}

	rec, ok := db.Get("foo")
	if !ok {
		t.Fatalf("foo not in pkgdb")
	}
	if rec.State != pkgdb.StateInstalled {
		t.Fatalf("state = %v, want installed", rec.State)
	}
	if len(rec.Files) != 1 || rec.Files[0].Path != "usr/bin/foo" {
		t.Fatalf("unexpected Files: %+v", rec.Files)
	}
	if len(rec.ConfFiles) != 1 || rec.ConfFiles[0].Path != "etc/foo.conf" {
		t.Fatalf("unexpected ConfFiles: %+v", rec.ConfFiles)
	}
}

func TestInstallConfFileUnmodifiedIsOverwritten(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	oldData := "old=1\n"
	confPath := filepath.Join(root, "etc/foo.conf")
	if err := os.WriteFile(confPath, []byte(oldData), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		ConfFiles: []pkgdb.FileEntry{{Path: "etc/foo.conf", SHA256: sha256Hex([]byte(oldData))}},
	})

	archivePath := buildArchive(t, []string{"etc/foo.conf"}, []fileSpec{
		{name: "etc/foo.conf", data: "new=2\n"},
	})
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{
		Action:      resolver.ActionUpdate,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_1"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := os.ReadFile(confPath)
	if err != nil || string(got) != "new=2\n" {
		t.Fatalf("etc/foo.conf = %q, %v; want overwritten", got, err)
	}
	if _, err := os.Stat(confPath + ".new-1.0_1"); !os.IsNotExist(err) {
		t.Fatalf("unexpected .new file created")
	}
}

func TestInstallConfFileModifiedIsKeptAlongside(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	installedHash := sha256Hex([]byte("old=1\n"))
	userEdited := "old=1\nlocal-override=yes\n"
	confPath := filepath.Join(root, "etc/foo.conf")
	if err := os.WriteFile(confPath, []byte(userEdited), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		ConfFiles: []pkgdb.FileEntry{{Path: "etc/foo.conf", SHA256: installedHash}},
	})

	archivePath := buildArchive(t, []string{"etc/foo.conf"}, []fileSpec{
		{name: "etc/foo.conf", data: "new=2\n"},
	})
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{
		Action:      resolver.ActionUpdate,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_1"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, err := os.ReadFile(confPath)
	if err != nil || string(got) != userEdited {
		t.Fatalf("etc/foo.conf modified in place: %q, %v", got, err)
	}
	newData, err := os.ReadFile(confPath + ".new-1.0_1")
	if err != nil || string(newData) != "new=2\n" {
		t.Fatalf("etc/foo.conf.new-1.0_1 = %q, %v", newData, err)
	}

	rec, _ := db.Get("foo")
	if len(rec.ConfFiles) != 1 || rec.ConfFiles[0].SHA256 != installedHash {
		t.Fatalf("expected stored hash preserved, got %+v", rec.ConfFiles)
	}
}

func TestInstallPrunesObsoleteFiles(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/share/foo"), 0755); err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(root, "usr/share/foo/old-doc")
	if err := os.WriteFile(stale, []byte("obsolete"), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		Files: []pkgdb.FileEntry{{Path: "usr/share/foo/old-doc", SHA256: sha256Hex([]byte("obsolete"))}},
		Dirs:  []string{"usr/share/foo"},
	})

	archivePath := buildArchive(t, nil, []fileSpec{
		{name: "usr/share/foo/new-doc", data: "fresh"},
	})
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{
		Action:      resolver.ActionUpdate,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_1"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("old-doc should have been pruned")
	}
	if _, err := os.Stat(filepath.Join(root, "usr/share/foo/new-doc")); err != nil {
		t.Fatalf("new-doc missing: %v", err)
	}
}

func TestInstallFileExistsCollisionBlockedWithoutForce(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0755); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(root, "usr/bin/foo")
	if err := os.WriteFile(stray, []byte("not ours"), 0644); err != nil {
		t.Fatal(err)
	}

	archivePath := buildArchive(t, nil, []fileSpec{{name: "usr/bin/foo", data: "binary-data"}})
	db := newDB(t)
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{
		Action:      resolver.ActionInstall,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_0"},
	}
	err := u.Apply(entry)
	if _, ok := err.(*FileExistsError); !ok {
		t.Fatalf("expected *FileExistsError, got %T: %v", err, err)
	}
	if got, _ := os.ReadFile(stray); string(got) != "not ours" {
		t.Fatalf("stray file was overwritten without --force: %q", got)
	}
}

func TestInstallFileExistsCollisionOverwrittenWithForce(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0755); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(root, "usr/bin/foo")
	if err := os.WriteFile(stray, []byte("not ours"), 0644); err != nil {
		t.Fatal(err)
	}

	archivePath := buildArchive(t, nil, []fileSpec{{name: "usr/bin/foo", data: "binary-data"}})
	db := newDB(t)
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps", Force: true})
	entry := resolver.Entry{
		Action:      resolver.ActionInstall,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_0"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, err := os.ReadFile(stray); err != nil || string(got) != "binary-data" {
		t.Fatalf("usr/bin/foo = %q, %v; want overwritten", got, err)
	}
}

func TestInstallUpdateOverwritesOwnFileWithoutForce(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(root, "usr/bin/foo")
	if err := os.WriteFile(path, []byte("old-binary"), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	db.Put(&pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		Files: []pkgdb.FileEntry{{Path: "usr/bin/foo", SHA256: sha256Hex([]byte("old-binary"))}},
	})

	archivePath := buildArchive(t, nil, []fileSpec{{name: "usr/bin/foo", data: "new-binary"}})
	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{
		Action:      resolver.ActionUpdate,
		ArchivePath: archivePath,
		Record:      &pkgdb.Record{Pkgname: "foo", Version: "1.0_1"},
	}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got, err := os.ReadFile(path); err != nil || string(got) != "new-binary" {
		t.Fatalf("usr/bin/foo = %q, %v; want updated in place", got, err)
	}
}

func TestRemovePreservesModifiedConfFileUnlessForced(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "etc"), 0755); err != nil {
		t.Fatal(err)
	}
	confPath := filepath.Join(root, "etc/foo.conf")
	if err := os.WriteFile(confPath, []byte("user-edited"), 0644); err != nil {
		t.Fatal(err)
	}

	rec := &pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0", Preserve: true,
		ConfFiles: []pkgdb.FileEntry{{Path: "etc/foo.conf", SHA256: sha256Hex([]byte("original"))}},
	}
	db := newDB(t)
	db.Put(rec)

	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	if err := u.Apply(resolver.Entry{Action: resolver.ActionRemove, Record: rec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(confPath); err != nil {
		t.Fatalf("modified conf file should have been preserved: %v", err)
	}

	// Re-register and remove again with --force: preservation is weakened.
	db.Put(rec)
	uf := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps", Force: true})
	if err := uf.Apply(resolver.Entry{Action: resolver.ActionRemove, Record: rec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := os.Stat(confPath); !os.IsNotExist(err) {
		t.Fatalf("--force should have removed the modified conf file")
	}
}

func TestRemoveDeletesOwnedPathsAndRecord(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "usr/bin"), 0755); err != nil {
		t.Fatal(err)
	}
	binPath := filepath.Join(root, "usr/bin/foo")
	if err := os.WriteFile(binPath, []byte("bin"), 0644); err != nil {
		t.Fatal(err)
	}

	db := newDB(t)
	rec := &pkgdb.Record{
		Pkgname: "foo", Version: "1.0_0",
		Files: []pkgdb.FileEntry{{Path: "usr/bin/foo", SHA256: sha256Hex([]byte("bin"))}},
	}
	db.Put(rec)

	u := New(db, nil, Options{RootDir: root, MetaDir: "var/db/xbps"})
	entry := resolver.Entry{Action: resolver.ActionRemove, Record: rec}
	if err := u.Apply(entry); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if _, err := os.Stat(binPath); !os.IsNotExist(err) {
		t.Fatalf("usr/bin/foo should be removed")
	}
	if _, ok := db.Get("foo"); ok {
		t.Fatalf("foo should no longer be in pkgdb")
	}
}

func TestApplyHoldActionPersistsFlagWithoutExtraction(t *testing.T) {
	db := newDB(t)
	rec := &pkgdb.Record{Pkgname: "foo", Version: "1.0_0", Hold: true}
	u := New(db, nil, Options{RootDir: t.TempDir(), MetaDir: "var/db/xbps"})
	if err := u.Apply(resolver.Entry{Action: resolver.ActionHold, Record: rec}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	got, ok := db.Get("foo")
	if !ok || !got.Hold {
		t.Fatalf("expected held record persisted, got %+v, ok=%v", got, ok)
	}
}
