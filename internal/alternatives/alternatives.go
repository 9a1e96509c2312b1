// Package alternatives implements the alternatives engine (C8): grouped
// symlink arbitration. Each group's "_XBPS_ALTERNATIVES_" entry is an
// ordered list of pkgnames; the head is the current provider, and its
// declared "name:linkpath:targetpath" triplets are the symlinks materialized
// on disk. It is grounded on original_source/lib/plugins/alternatives.c's
// register/unregister/set/check shape, adapted onto internal/pkgdb.DB's
// Alternatives map rather than a standalone plugin state blob.
package alternatives

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/void-linux/xbps-sub002/internal/events"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
)

// Triplet is one "name:linkpath:targetpath" entry a package declares for a
// group, parsed from pkgdb.Record.Alternatives[group].
type Triplet struct {
	Name       string
	LinkPath   string
	TargetPath string
}

// ParseTriplet parses the on-disk "name:linkpath:targetpath" encoding.
func ParseTriplet(s string) (Triplet, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return Triplet{}, fmt.Errorf("alternatives: malformed triplet %q", s)
	}
	return Triplet{Name: parts[0], LinkPath: parts[1], TargetPath: parts[2]}, nil
}

// Mismatch is one symlink that does not match what the current head
// package declares, reported by Check.
type Mismatch struct {
	Group   string
	Pkgname string
	Triplet Triplet
	Reason  string
}

// Engine arbitrates alternatives groups for a single rootdir, reading and
// mutating db's _XBPS_ALTERNATIVES_ map in place.
type Engine struct {
	DB      *pkgdb.DB
	RootDir string
	Sink    events.Sink
}

// New returns an Engine operating on db's records under rootDir.
func New(db *pkgdb.DB, rootDir string, sink events.Sink) *Engine {
	return &Engine{DB: db, RootDir: rootDir, Sink: sink}
}

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func without(list []string, name string) []string {
	out := list[:0:0]
	for _, n := range list {
		if n != name {
			out = append(out, n)
		}
	}
	return out
}

// Register appends pkgname to every group it declares (deduplicated); if it
// becomes the head of a group (the group was previously empty), that
// group's symlinks are materialized immediately.
func (e *Engine) Register(pkgname string, groups map[string][]string) error {
	alt := e.DB.Alternatives()
	for group := range groups {
		list := alt[group]
		becameHead := len(list) == 0
		if !contains(list, pkgname) {
			list = append(list, pkgname)
		}
		alt[group] = list
		if becameHead {
			if err := e.materialize(group, pkgname); err != nil {
				return err
			}
		}
	}
	return nil
}

// Unregister removes pkgname from every group it declares. If it was a
// group's head, the new head (now promoted) is materialized, or the
// group's symlinks are removed if the group becomes empty.
func (e *Engine) Unregister(pkgname string, groups map[string][]string) error {
	alt := e.DB.Alternatives()
	for group := range groups {
		list := alt[group]
		if !contains(list, pkgname) {
			continue
		}
		wasHead := list[0] == pkgname
		list = without(list, pkgname)
		alt[group] = list
		if !wasHead {
			continue
		}
		if len(list) == 0 {
			if err := e.removeSymlinks(group, groups[group]); err != nil {
				return err
			}
			continue
		}
		if err := e.materialize(group, list[0]); err != nil {
			return err
		}
	}
	return nil
}

// Set promotes pkgname to the head of group (re-materializing its
// symlinks). If group is "", pkgname is promoted in every group it
// participates in.
func (e *Engine) Set(pkgname, group string) error {
	alt := e.DB.Alternatives()
	groupsToSet := []string{group}
	if group == "" {
		groupsToSet = groupsToSet[:0]
		for g, list := range alt {
			if contains(list, pkgname) {
				groupsToSet = append(groupsToSet, g)
			}
		}
	}
	for _, g := range groupsToSet {
		list := alt[g]
		if !contains(list, pkgname) {
			return fmt.Errorf("alternatives: %s does not participate in group %s", pkgname, g)
		}
		alt[g] = append([]string{pkgname}, without(list, pkgname)...)
		if err := e.materialize(g, pkgname); err != nil {
			return err
		}
	}
	return nil
}

// List returns a copy of the group -> ordered-pkgname-list map; index 0 of
// each slice is the current head.
func (e *Engine) List() map[string][]string {
	alt := e.DB.Alternatives()
	out := make(map[string][]string, len(alt))
	for g, list := range alt {
		out[g] = append([]string(nil), list...)
	}
	return out
}

func (e *Engine) recordTriplets(group, pkgname string) ([]Triplet, error) {
	rec, ok := e.DB.Get(pkgname)
	if !ok {
		return nil, fmt.Errorf("alternatives: %s not found in pkgdb", pkgname)
	}
	raw, ok := rec.Alternatives[group]
	if !ok {
		return nil, fmt.Errorf("alternatives: %s declares no triplets for group %s", pkgname, group)
	}
	triplets := make([]Triplet, 0, len(raw))
	for _, s := range raw {
		t, err := ParseTriplet(s)
		if err != nil {
			return nil, err
		}
		triplets = append(triplets, t)
	}
	return triplets, nil
}

func (e *Engine) materialize(group, pkgname string) error {
	triplets, err := e.recordTriplets(group, pkgname)
	if err != nil {
		return err
	}
	for _, t := range triplets {
		if err := e.link(t); err != nil {
			return err
		}
	}
	events.Emit(e.Sink, events.HookRan{Pkgver: pkgname, Hook: "alternatives:" + group})
	return nil
}

func (e *Engine) link(t Triplet) error {
	linkAbs := filepath.Join(e.RootDir, t.LinkPath)
	target := t.TargetPath
	if filepath.IsAbs(t.LinkPath) && filepath.IsAbs(t.TargetPath) {
		rel, err := filepath.Rel(filepath.Dir(t.LinkPath), t.TargetPath)
		if err == nil {
			target = rel
		}
	}
	if err := os.MkdirAll(filepath.Dir(linkAbs), 0755); err != nil {
		return fmt.Errorf("alternatives: mkdir %s: %w", filepath.Dir(linkAbs), err)
	}
	os.Remove(linkAbs)
	if err := os.Symlink(target, linkAbs); err != nil {
		return fmt.Errorf("alternatives: symlink %s -> %s: %w", linkAbs, target, err)
	}
	return nil
}

func (e *Engine) removeSymlinks(group string, raw []string) error {
	for _, s := range raw {
		t, err := ParseTriplet(s)
		if err != nil {
			continue
		}
		os.Remove(filepath.Join(e.RootDir, t.LinkPath))
	}
	return nil
}

// Check verifies every group's current head's declared symlinks exist and
// point at the declared target, returning every mismatch found.
func (e *Engine) Check() []Mismatch {
	var mismatches []Mismatch
	alt := e.DB.Alternatives()
	for group, list := range alt {
		if len(list) == 0 {
			continue
		}
		head := list[0]
		triplets, err := e.recordTriplets(group, head)
		if err != nil {
			mismatches = append(mismatches, Mismatch{Group: group, Pkgname: head, Reason: err.Error()})
			continue
		}
		for _, t := range triplets {
			linkAbs := filepath.Join(e.RootDir, t.LinkPath)
			got, err := os.Readlink(linkAbs)
			if err != nil {
				mismatches = append(mismatches, Mismatch{Group: group, Pkgname: head, Triplet: t, Reason: "missing: " + err.Error()})
				continue
			}
			want := t.TargetPath
			if filepath.IsAbs(t.LinkPath) && filepath.IsAbs(t.TargetPath) {
				if rel, err := filepath.Rel(filepath.Dir(t.LinkPath), t.TargetPath); err == nil {
					want = rel
				}
			}
			if got != want {
				mismatches = append(mismatches, Mismatch{Group: group, Pkgname: head, Triplet: t, Reason: fmt.Sprintf("points at %q, want %q", got, want)})
			}
		}
	}
	return mismatches
}
