// Package pkgdb implements the package database (C4): the authoritative
// on-disk mapping of pkgname to package record, file-locked for writers and
// persisted as a single structured document. It follows the shape of the
// teacher's manifest package — typed Go structs loaded from and rendered
// back to a document — generalized from the teacher's fixed Repository/
// Metadata shape to this port's open-ended package record (internal/plist
// carries the untyped tree; this file carries the typed view over it).
package pkgdb

import (
	"fmt"

	"github.com/void-linux/xbps-sub002/internal/plist"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// State is a package record's lifecycle state, grounded on
// original_source/lib/state.c's pkg_state_t enum and its string mapping.
type State int

const (
	StateNotInstalled State = iota
	StateUnpacked
	StateInstalled
	StateConfigFiles
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateUnpacked:
		return "unpacked"
	case StateInstalled:
		return "installed"
	case StateConfigFiles:
		return "config-files"
	case StateBroken:
		return "broken"
	default:
		return "not-installed"
	}
}

// ParseState is the inverse of State.String.
func ParseState(s string) (State, error) {
	switch s {
	case "not-installed", "":
		return StateNotInstalled, nil
	case "unpacked":
		return StateUnpacked, nil
	case "installed":
		return StateInstalled, nil
	case "config-files":
		return StateConfigFiles, nil
	case "broken":
		return StateBroken, nil
	default:
		return StateNotInstalled, fmt.Errorf("pkgdb: unknown state %q", s)
	}
}

// FileEntry is a regular file owned by a package.
type FileEntry struct {
	Path    string
	SHA256  string
	Size    int64
	Mtime   int64 // unix seconds, 0 if unknown
	Mutable bool
}

// LinkEntry is a symbolic link owned by a package.
type LinkEntry struct {
	Path   string
	Target string
}

// Record is the package database's central entity (spec.md §3's Package
// record). Alternatives maps group name to an ordered list of
// "link:path:target" triplets, matching the on-disk shape verbatim so C8
// can round-trip it without reinterpretation.
type Record struct {
	Pkgname string
	Version string // version_revision
	Arch    string
	State   State

	AutomaticInstall bool
	Hold             bool
	Repolock         bool
	Preserve         bool

	RunDepends    []string
	Provides      []string
	Replaces      []string
	Reverts       []string
	Conflicts     []string
	ShlibProvides []string
	ShlibRequires []string

	Alternatives map[string][]string
	RequiredBy   []string

	Files     []FileEntry
	ConfFiles []FileEntry
	Links     []LinkEntry
	Dirs      []string

	// InstalledSize is the on-disk footprint in bytes, used by the resolver
	// for transaction sizing (spec.md §4.6 step 8).
	InstalledSize int64
	// ArchiveSize is the compressed archive's byte size, the other half of
	// spec.md §4.6 step 8's "sum installed_size and archive size per action."
	ArchiveSize int64
}

// Pkgver renders the record's canonical "name-version_revision" tuple.
func (r *Record) Pkgver() string {
	return r.Pkgname + "-" + r.Version
}

// HasProvide reports whether any of r's provides entries equals
// pkgver exactly, per spec.md §3 ("ordered sequence of virtual pkgver
// strings, with explicit version, not a pattern").
func (r *Record) HasProvide(pkgver string) bool {
	for _, p := range r.Provides {
		if p == pkgver {
			return true
		}
	}
	return false
}

// Satisfies reports whether r (by name or by provides) satisfies pattern.
func (r *Record) Satisfies(pattern string) bool {
	if version.Match(r.Pkgver(), pattern) {
		return true
	}
	for _, p := range r.Provides {
		if version.Match(p, pattern) {
			return true
		}
	}
	return false
}

// NormalizeRecord drops self-replacement entries (a replaces pattern that
// matches the record's own pkgver) from r, the "pkgdb" sweep among C9's
// six integrity checks (spec.md §4.9). Transaction-scoped annotations
// (transaction, download, repository-origin, ...) never reach Record in
// this port — they live on the separate, ephemeral transaction-entry type
// the resolver produces — so the only persistent cleanup needed here is
// the self-replacement normalization.
func NormalizeRecord(r *Record) {
	if len(r.Replaces) == 0 {
		return
	}
	kept := r.Replaces[:0:0]
	pkgver := r.Pkgver()
	for _, rep := range r.Replaces {
		if !version.Match(pkgver, rep) {
			kept = append(kept, rep)
		}
	}
	r.Replaces = kept
}

func stringSeq(v *plist.Value, key string) []string { return v.GetStringSeq(key) }

func setStringSeq(m *plist.Value, key string, ss []string) {
	if len(ss) == 0 {
		return
	}
	m.Set(key, plist.NewStringSeq(ss))
}

// ToValue renders r as a structured-document map, the shape persisted at
// pkgdb-<major>.plist under its pkgname key.
func (r *Record) ToValue() *plist.Value {
	m := plist.NewMap()
	m.Set("pkgver", plist.NewString(r.Pkgver()))
	m.Set("architecture", plist.NewString(r.Arch))
	m.Set("state", plist.NewString(r.State.String()))
	m.Set("automatic-install", plist.NewBool(r.AutomaticInstall))
	m.Set("hold", plist.NewBool(r.Hold))
	m.Set("repolock", plist.NewBool(r.Repolock))
	m.Set("preserve", plist.NewBool(r.Preserve))
	m.Set("installed_size", plist.NewInt(r.InstalledSize))

	setStringSeq(m, "run_depends", r.RunDepends)
	setStringSeq(m, "provides", r.Provides)
	setStringSeq(m, "replaces", r.Replaces)
	setStringSeq(m, "reverts", r.Reverts)
	setStringSeq(m, "conflicts", r.Conflicts)
	setStringSeq(m, "shlib-provides", r.ShlibProvides)
	setStringSeq(m, "shlib-requires", r.ShlibRequires)
	setStringSeq(m, "requiredby", r.RequiredBy)
	setStringSeq(m, "dirs", r.Dirs)

	if len(r.Alternatives) > 0 {
		alt := plist.NewMap()
		for group, triplets := range r.Alternatives {
			alt.Set(group, plist.NewStringSeq(triplets))
		}
		m.Set("alternatives", alt)
	}

	if len(r.Files) > 0 {
		seq := plist.NewSeq()
		for _, f := range r.Files {
			seq.Append(fileEntryToValue(f))
		}
		m.Set("files", seq)
	}
	if len(r.ConfFiles) > 0 {
		seq := plist.NewSeq()
		for _, f := range r.ConfFiles {
			seq.Append(fileEntryToValue(f))
		}
		m.Set("conf_files", seq)
	}
	if len(r.Links) > 0 {
		seq := plist.NewSeq()
		for _, l := range r.Links {
			e := plist.NewMap()
			e.Set("path", plist.NewString(l.Path))
			e.Set("target", plist.NewString(l.Target))
			seq.Append(e)
		}
		m.Set("links", seq)
	}
	return m
}

func fileEntryToValue(f FileEntry) *plist.Value {
	e := plist.NewMap()
	e.Set("path", plist.NewString(f.Path))
	if f.SHA256 != "" {
		e.Set("sha256", plist.NewString(f.SHA256))
	}
	e.Set("size", plist.NewInt(f.Size))
	if f.Mtime != 0 {
		e.Set("mtime", plist.NewInt(f.Mtime))
	}
	if f.Mutable {
		e.Set("mutable", plist.NewBool(true))
	}
	return e
}

func fileEntryFromValue(v *plist.Value) FileEntry {
	return FileEntry{
		Path:    v.GetString("path"),
		SHA256:  v.GetString("sha256"),
		Size:    v.GetInt("size"),
		Mtime:   v.GetInt("mtime"),
		Mutable: v.GetBool("mutable"),
	}
}

// RecordFromValue parses a single package record out of its document
// representation. name is the pkgname under which it was keyed in the
// pkgdb document (used as a fallback when pkgver can't be split, which
// should not happen for a well-formed record).
func RecordFromValue(name string, v *plist.Value) (*Record, error) {
	if v.Kind() != plist.KindMap {
		return nil, fmt.Errorf("pkgdb: record %q is not a map", name)
	}
	pkgver := v.GetString("pkgver")
	pname, verrev, ok := version.SplitPkgver(pkgver)
	if !ok {
		pname, verrev = name, ""
	}
	state, err := ParseState(v.GetString("state"))
	if err != nil {
		return nil, fmt.Errorf("pkgdb: record %q: %w", name, err)
	}

	r := &Record{
		Pkgname:          pname,
		Version:          verrev,
		Arch:             v.GetString("architecture"),
		State:            state,
		AutomaticInstall: v.GetBool("automatic-install"),
		Hold:             v.GetBool("hold"),
		Repolock:         v.GetBool("repolock"),
		Preserve:         v.GetBool("preserve"),
		InstalledSize:    v.GetInt("installed_size"),
		RunDepends:       stringSeq(v, "run_depends"),
		Provides:         stringSeq(v, "provides"),
		Replaces:         stringSeq(v, "replaces"),
		Reverts:          stringSeq(v, "reverts"),
		Conflicts:        stringSeq(v, "conflicts"),
		ShlibProvides:    stringSeq(v, "shlib-provides"),
		ShlibRequires:    stringSeq(v, "shlib-requires"),
		RequiredBy:       stringSeq(v, "requiredby"),
		Dirs:             stringSeq(v, "dirs"),
	}

	if alt, ok := v.Get("alternatives"); ok {
		r.Alternatives = make(map[string][]string)
		for _, group := range alt.Keys() {
			gv, _ := alt.Get(group)
			r.Alternatives[group] = gv.StringSeq()
		}
	}
	if files, ok := v.Get("files"); ok {
		for _, fv := range files.Items() {
			r.Files = append(r.Files, fileEntryFromValue(fv))
		}
	}
	if confFiles, ok := v.Get("conf_files"); ok {
		for _, fv := range confFiles.Items() {
			r.ConfFiles = append(r.ConfFiles, fileEntryFromValue(fv))
		}
	}
	if links, ok := v.Get("links"); ok {
		for _, lv := range links.Items() {
			r.Links = append(r.Links, LinkEntry{Path: lv.GetString("path"), Target: lv.GetString("target")})
		}
	}
	return r, nil
}
