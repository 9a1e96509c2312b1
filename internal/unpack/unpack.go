// Package unpack implements the archive unpacker (C7): given a transaction
// entry, it streams the chosen package archive into rootdir, applying the
// pre/post install hooks, the configuration-file three-way policy,
// obsolete-file pruning on upgrade, hardlink resolution and alternatives
// registration, then flushes the pkgdb once the entry's state settles.
//
// Archive member ordering assumption: like the original xbps archive
// layout, props.plist, files.plist and INSTALL (when present) are expected
// to precede the payload entries, since the conf_files classification for
// payload members is read out of props.plist as it streams past.
package unpack

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/void-linux/xbps-sub002/internal/alternatives"
	"github.com/void-linux/xbps-sub002/internal/archive"
	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/resolver"
)

// hookEnvAllowlist is the set of environment variables propagated into a
// pre/post install hook's child process, per spec.md §6's environment
// table: PATH for the hook itself, HOME/TMPDIR/SOURCE_DATE_EPOCH where
// auxiliary tooling invoked by the hook needs them.
var hookEnvAllowlist = map[string]bool{
	"PATH": true, "HOME": true, "TMPDIR": true, "SOURCE_DATE_EPOCH": true,
}

// FileExistsError is spec.md §7's sole silently-recoverable error: a path
// an archive member wants to write already exists on disk and was not
// owned by the package's own previous version, so it belongs to some
// other package or the user. Without --force this aborts the entry;
// --force overwrites it silently (the recovery spec.md §7 names).
type FileExistsError struct {
	Pkgname string
	Path    string
}

func (e *FileExistsError) Error() string {
	return fmt.Sprintf("unpack: %s: %s already exists and is not owned by this package's previous version", e.Pkgname, e.Path)
}

// Options configures an Unpacker.
type Options struct {
	RootDir string // install root
	MetaDir string // metadata directory, relative to RootDir (e.g. "var/db/xbps")
	Force   bool   // overwrite FileExists rather than failing
	Sink    events.Sink
}

// Unpacker applies resolver transaction entries against db under rootdir.
type Unpacker struct {
	DB  *pkgdb.DB
	Alt *alternatives.Engine
	Opt Options
}

// New returns an Unpacker. alt may be nil if no entry declares alternatives.
func New(db *pkgdb.DB, alt *alternatives.Engine, opt Options) *Unpacker {
	return &Unpacker{DB: db, Alt: alt, Opt: opt}
}

// ApplyTransaction applies every entry of t in order, stopping at the
// first error (per spec.md §5, the transaction is not rolled back — the
// last-completed entry is final).
func (u *Unpacker) ApplyTransaction(t *resolver.Transaction) error {
	for _, entry := range t.Entries {
		if err := u.Apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Apply applies a single transaction entry.
func (u *Unpacker) Apply(entry resolver.Entry) error {
	switch entry.Action {
	case resolver.ActionRemove:
		return u.remove(entry)
	case resolver.ActionHold:
		u.DB.Put(entry.Record)
		return u.DB.Update(true, false)
	case resolver.ActionInstall, resolver.ActionUpdate:
		return u.install(entry)
	case resolver.ActionConfigure:
		return u.runHook(entry, "post")
	default:
		return fmt.Errorf("unpack: unknown action %q", entry.Action)
	}
}

func (u *Unpacker) metadirFor(pkgname string) string {
	return filepath.Join(u.Opt.RootDir, u.Opt.MetaDir, pkgname)
}

func (u *Unpacker) writeHookScript(pkgname string, data []byte) error {
	dir := u.metadirFor(pkgname)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("unpack: mkdir %s: %w", dir, err)
	}
	return os.WriteFile(filepath.Join(dir, "INSTALL"), data, 0755)
}

// runHook invokes the package's INSTALL script (if present) with phase
// ("pre" or "post") and any extra arguments (the previous version, for an
// update's pre hook). A missing script is not an error.
func (u *Unpacker) runHook(entry resolver.Entry, phase string, extraArgs ...string) error {
	script := filepath.Join(u.metadirFor(entry.Record.Pkgname), "INSTALL")
	if _, err := os.Stat(script); os.IsNotExist(err) {
		return nil
	}
	args := append([]string{phase}, extraArgs...)
	cmd := exec.Command(script, args...)
	cmd.Dir = u.Opt.RootDir
	cmd.Env = hookEnv(u.Opt.RootDir, entry.Record.Pkgname)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	events.Emit(u.Opt.Sink, events.HookRan{
		Pkgver: entry.Record.Pkgver(), Hook: phase, ExitCode: exitCode,
		Stdout: stdout.String(), Stderr: stderr.String(),
	})
	if runErr != nil {
		return fmt.Errorf("unpack: %s hook: %w", phase, runErr)
	}
	return nil
}

func hookEnv(rootDir, pkgname string) []string {
	var env []string
	for _, kv := range os.Environ() {
		k := strings.SplitN(kv, "=", 2)[0]
		if hookEnvAllowlist[k] {
			env = append(env, kv)
		}
	}
	return append(env, "PKGNAME="+pkgname, "ROOTDIR="+rootDir)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func cleanMemberName(name string) string {
	return strings.TrimPrefix(filepath.Clean(name), "./")
}

func containsPath(list []string, path string) bool {
	for _, p := range list {
		if p == path {
			return true
		}
	}
	return false
}

// ownsPath reports whether r (the package's previous installed record, if
// any) already owns name among its files, conf files or links.
func ownsPath(r *pkgdb.Record, name string) bool {
	if r == nil {
		return false
	}
	for _, f := range r.Files {
		if f.Path == name {
			return true
		}
	}
	for _, f := range r.ConfFiles {
		if f.Path == name {
			return true
		}
	}
	for _, l := range r.Links {
		if l.Path == name {
			return true
		}
	}
	return false
}

// checkFileExists implements the FileExistsError recovery above: a path
// already on disk that oldRecord didn't itself own is a real collision,
// a hard error unless Force is set.
func (u *Unpacker) checkFileExists(pkgname, full, name string, oldRecord *pkgdb.Record) error {
	if _, err := os.Lstat(full); err != nil {
		return nil
	}
	if ownsPath(oldRecord, name) || u.Opt.Force {
		return nil
	}
	return &FileExistsError{Pkgname: pkgname, Path: name}
}

func writeThenRename(dest string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	tmp := dest + ".unpack-tmp"
	if err := os.WriteFile(tmp, data, mode.Perm()); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// install implements spec.md §4.7 steps 1-6 for a single install/update
// entry.
func (u *Unpacker) install(entry resolver.Entry) error {
	if entry.ArchivePath == "" {
		return fmt.Errorf("unpack: %s has no archive path", entry.Record.Pkgname)
	}
	f, err := os.Open(entry.ArchivePath)
	if err != nil {
		return fmt.Errorf("unpack: open %s: %w", entry.ArchivePath, err)
	}
	defer f.Close()

	rd, err := archive.NewReader(f)
	if err != nil {
		return fmt.Errorf("unpack: %w", err)
	}
	defer rd.Close()

	var oldRecord *pkgdb.Record
	if r, ok := u.DB.Get(entry.Record.Pkgname); ok {
		oldRecord = r
	}

	var confFilesList []string
	var newFiles, newConfFiles []pkgdb.FileEntry
	var newLinks []pkgdb.LinkEntry
	var newDirs []string

	for {
		hdr, err := rd.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("unpack: %s: %w", entry.Record.Pkgname, err)
		}
		name := cleanMemberName(hdr.Name)

		switch name {
		case "INSTALL":
			data, err := rd.ReadBytes()
			if err != nil {
				return fmt.Errorf("unpack: read INSTALL: %w", err)
			}
			if err := u.writeHookScript(entry.Record.Pkgname, data); err != nil {
				return err
			}
			var args []string
			if oldRecord != nil {
				args = append(args, oldRecord.Version)
			}
			if err := u.runHook(entry, "pre", args...); err != nil {
				return err
			}
			continue
		case "props.plist":
			doc, err := rd.ReadDocument()
			if err != nil {
				return fmt.Errorf("unpack: read props.plist: %w", err)
			}
			confFilesList = doc.GetStringSeq("conf_files")
			continue
		case "files.plist":
			if _, err := rd.ReadDocument(); err != nil {
				return fmt.Errorf("unpack: read files.plist: %w", err)
			}
			continue
		}

		full := filepath.Join(u.Opt.RootDir, name)
		switch {
		case archive.IsHardlink(hdr):
			if err := u.checkFileExists(entry.Record.Pkgname, full, name, oldRecord); err != nil {
				return err
			}
			linkTarget := filepath.Join(u.Opt.RootDir, cleanMemberName(hdr.Linkname))
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return fmt.Errorf("unpack: mkdir for %s: %w", name, err)
			}
			os.Remove(full)
			if err := os.Link(linkTarget, full); err != nil {
				return fmt.Errorf("unpack: hardlink %s: %w", name, err)
			}
			newFiles = append(newFiles, pkgdb.FileEntry{Path: name})
			events.Emit(u.Opt.Sink, events.UnpackProgress{Pkgver: entry.Record.Pkgver(), Path: name, Action: "extract"})

		case hdr.Typeflag == tar.TypeDir:
			if err := os.MkdirAll(full, os.FileMode(hdr.Mode).Perm()); err != nil {
				return fmt.Errorf("unpack: mkdir %s: %w", name, err)
			}
			newDirs = append(newDirs, name)

		case hdr.Typeflag == tar.TypeSymlink:
			if err := u.checkFileExists(entry.Record.Pkgname, full, name, oldRecord); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
				return fmt.Errorf("unpack: mkdir for %s: %w", name, err)
			}
			os.Remove(full)
			if err := os.Symlink(hdr.Linkname, full); err != nil {
				return fmt.Errorf("unpack: symlink %s: %w", name, err)
			}
			newLinks = append(newLinks, pkgdb.LinkEntry{Path: name, Target: hdr.Linkname})

		default:
			data, err := rd.ReadBytes()
			if err != nil {
				return fmt.Errorf("unpack: read %s: %w", name, err)
			}
			if containsPath(confFilesList, name) {
				fe, action := u.applyConfFilePolicy(full, name, data, entry.Record.Version, oldRecord)
				newConfFiles = append(newConfFiles, fe)
				events.Emit(u.Opt.Sink, events.UnpackProgress{Pkgver: entry.Record.Pkgver(), Path: name, Action: action})
				continue
			}
			if err := u.checkFileExists(entry.Record.Pkgname, full, name, oldRecord); err != nil {
				return err
			}
			if err := writeThenRename(full, data, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("unpack: write %s: %w", name, err)
			}
			newFiles = append(newFiles, pkgdb.FileEntry{
				Path: name, SHA256: sha256Hex(data), Size: int64(len(data)), Mtime: hdr.ModTime.Unix(),
			})
			events.Emit(u.Opt.Sink, events.UnpackProgress{Pkgver: entry.Record.Pkgver(), Path: name, Action: "extract"})
		}
	}

	newRecord := *entry.Record
	newRecord.Files = newFiles
	newRecord.ConfFiles = newConfFiles
	newRecord.Links = newLinks
	newRecord.Dirs = newDirs
	newRecord.State = pkgdb.StateUnpacked

	if oldRecord != nil {
		u.pruneObsoletes(oldRecord, newFiles, newConfFiles, newLinks, newDirs)
	}

	if len(newRecord.Alternatives) > 0 && u.Alt != nil {
		if err := u.Alt.Register(newRecord.Pkgname, newRecord.Alternatives); err != nil {
			return fmt.Errorf("unpack: alternatives: %w", err)
		}
	}

	u.DB.Put(&newRecord)
	if err := u.DB.Update(true, false); err != nil {
		return err
	}

	if err := u.runHook(entry, "post"); err != nil {
		broken := newRecord
		broken.State = pkgdb.StateBroken
		u.DB.Put(&broken)
		u.DB.Update(true, false)
		return fmt.Errorf("unpack: %s: %w", entry.Record.Pkgname, err)
	}

	newRecord.State = pkgdb.StateInstalled
	u.DB.Put(&newRecord)
	return u.DB.Update(true, false)
}

// applyConfFilePolicy implements spec.md §4.7 step 2's three-way
// configuration-file handling: not yet installed -> extract; installed and
// unmodified since -> extract (overwrite); installed and modified by the
// user -> extract alongside as "path.new-<revision>", keeping the old
// on-disk file (and its recorded hash) untouched.
func (u *Unpacker) applyConfFilePolicy(full, relPath string, newData []byte, newRevision string, oldRecord *pkgdb.Record) (pkgdb.FileEntry, string) {
	onDisk, err := os.ReadFile(full)
	if os.IsNotExist(err) {
		writeThenRename(full, newData, 0644)
		return pkgdb.FileEntry{Path: relPath, SHA256: sha256Hex(newData), Size: int64(len(newData))}, "extract"
	}

	var storedOldHash string
	if oldRecord != nil {
		for _, cf := range oldRecord.ConfFiles {
			if cf.Path == relPath {
				storedOldHash = cf.SHA256
				break
			}
		}
	}
	onDiskHash := sha256Hex(onDisk)
	if storedOldHash == "" || onDiskHash == storedOldHash {
		writeThenRename(full, newData, 0644)
		return pkgdb.FileEntry{Path: relPath, SHA256: sha256Hex(newData), Size: int64(len(newData))}, "extract"
	}

	newPath := full + ".new-" + newRevision
	writeThenRename(newPath, newData, 0644)
	return pkgdb.FileEntry{Path: relPath, SHA256: storedOldHash, Size: int64(len(onDisk))}, "conf-new"
}

func pathSet(files []pkgdb.FileEntry) map[string]bool {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f.Path] = true
	}
	return set
}

func linkPathSet(links []pkgdb.LinkEntry) map[string]bool {
	set := make(map[string]bool, len(links))
	for _, l := range links {
		set[l.Path] = true
	}
	return set
}

func stringSet(ss []string) map[string]bool {
	set := make(map[string]bool, len(ss))
	for _, s := range ss {
		set[s] = true
	}
	return set
}

// pruneObsoletes implements spec.md §4.7 step 3: any path in old's
// files/links/dirs/conf_files that does not appear in the new set is
// removed (files and links unconditionally, dirs only if empty, and
// modified conf files preserved on disk unless Force is set).
func (u *Unpacker) pruneObsoletes(old *pkgdb.Record, newFiles, newConfFiles []pkgdb.FileEntry, newLinks []pkgdb.LinkEntry, newDirs []string) {
	keepFile := pathSet(newFiles)
	keepConf := pathSet(newConfFiles)
	keepLink := linkPathSet(newLinks)
	keepDir := stringSet(newDirs)

	for _, fe := range old.Files {
		if keepFile[fe.Path] {
			continue
		}
		path := filepath.Join(u.Opt.RootDir, fe.Path)
		os.Remove(path)
		events.Emit(u.Opt.Sink, events.UnpackProgress{Pkgver: old.Pkgver(), Path: fe.Path, Action: "obsolete-removed"})
	}
	for _, fe := range old.ConfFiles {
		if keepConf[fe.Path] {
			continue
		}
		path := filepath.Join(u.Opt.RootDir, fe.Path)
		data, err := os.ReadFile(path)
		if err != nil {
			continue // already gone
		}
		if sha256Hex(data) != fe.SHA256 && !u.Opt.Force {
			continue // modified: preserved unless --force weakens it
		}
		os.Remove(path)
		events.Emit(u.Opt.Sink, events.UnpackProgress{Pkgver: old.Pkgver(), Path: fe.Path, Action: "obsolete-removed"})
	}
	for _, le := range old.Links {
		if keepLink[le.Path] {
			continue
		}
		os.Remove(filepath.Join(u.Opt.RootDir, le.Path))
	}
	for i := len(old.Dirs) - 1; i >= 0; i-- {
		d := old.Dirs[i]
		if keepDir[d] {
			continue
		}
		os.Remove(filepath.Join(u.Opt.RootDir, d)) // no-op error if non-empty
	}
}

// remove implements a remove/purge action: every owned path is deleted
// (modified configuration files are preserved when the record's Preserve
// flag is set, unless --force weakens that preservation), then the record
// is dropped from the pkgdb.
func (u *Unpacker) remove(entry resolver.Entry) error {
	rec := entry.Record
	if rec == nil {
		return nil
	}
	for _, fe := range rec.Files {
		os.Remove(filepath.Join(u.Opt.RootDir, fe.Path))
	}
	for _, fe := range rec.ConfFiles {
		path := filepath.Join(u.Opt.RootDir, fe.Path)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		modified := sha256Hex(data) != fe.SHA256
		if modified && rec.Preserve && !u.Opt.Force {
			continue // user-modified, preserved unless --force weakens it
		}
		os.Remove(path)
	}
	for _, le := range rec.Links {
		os.Remove(filepath.Join(u.Opt.RootDir, le.Path))
	}
	for i := len(rec.Dirs) - 1; i >= 0; i-- {
		os.Remove(filepath.Join(u.Opt.RootDir, rec.Dirs[i]))
	}
	u.DB.Delete(rec.Pkgname)
	return u.DB.Update(true, false)
}
