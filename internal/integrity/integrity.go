// Package integrity implements the integrity checker (C9): six
// independently composable checks over an installed package set, selected
// via a bitmask, grounded on original_source's separate check_pkg_*.c
// translation units folded into one checker type.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/void-linux/xbps-sub002/internal/alternatives"
	"github.com/void-linux/xbps-sub002/internal/pkgdb"
	"github.com/void-linux/xbps-sub002/internal/version"
)

// Check is a bitmask selecting which checks to run.
type Check int

const (
	CheckFiles Check = 1 << iota
	CheckDependencies
	CheckAlternatives
	CheckPkgdb
	CheckSymlinks
	CheckRequiredBy

	CheckAll = CheckFiles | CheckDependencies | CheckAlternatives | CheckPkgdb | CheckSymlinks | CheckRequiredBy
)

// Problem is one finding from a Run call.
type Problem struct {
	Pkgname string
	Check   Check
	Path    string // set for CheckFiles
	Detail  string
}

// Checker runs the six checks against db's records under rootDir.
type Checker struct {
	DB      *pkgdb.DB
	RootDir string
	Alt     *alternatives.Engine
}

// New returns a Checker. alt may be nil if CheckAlternatives will never be
// requested.
func New(db *pkgdb.DB, rootDir string, alt *alternatives.Engine) *Checker {
	return &Checker{DB: db, RootDir: rootDir, Alt: alt}
}

// Run executes every check selected by mask and returns every problem
// found, in pkgdb order.
func (c *Checker) Run(mask Check) ([]Problem, error) {
	var problems []Problem

	if mask&CheckFiles != 0 {
		err := c.DB.Foreach(func(r *pkgdb.Record) error {
			problems = append(problems, c.checkFiles(r)...)
			return nil
		})
		if err != nil {
			return problems, err
		}
	}

	if mask&CheckDependencies != 0 {
		err := c.DB.Foreach(func(r *pkgdb.Record) error {
			problems = append(problems, c.checkDependencies(r)...)
			return nil
		})
		if err != nil {
			return problems, err
		}
	}

	if mask&CheckAlternatives != 0 && c.Alt != nil {
		for _, m := range c.Alt.Check() {
			problems = append(problems, Problem{
				Pkgname: m.Pkgname, Check: CheckAlternatives,
				Path:   m.Triplet.LinkPath,
				Detail: fmt.Sprintf("group %s: %s", m.Group, m.Reason),
			})
		}
	}

	if mask&CheckSymlinks != 0 {
		err := c.DB.Foreach(func(r *pkgdb.Record) error {
			problems = append(problems, c.checkSymlinks(r)...)
			return nil
		})
		if err != nil {
			return problems, err
		}
	}

	if mask&CheckRequiredBy != 0 {
		err := c.DB.Foreach(func(r *pkgdb.Record) error {
			problems = append(problems, c.checkRequiredBy(r)...)
			return nil
		})
		if err != nil {
			return problems, err
		}
	}

	if mask&CheckPkgdb != 0 {
		if err := Unneeded(c.DB); err != nil {
			return problems, err
		}
	}

	return problems, nil
}

func (c *Checker) checkFiles(r *pkgdb.Record) []Problem {
	var problems []Problem
	for _, f := range r.Files {
		if f.Mutable {
			continue
		}
		full := filepath.Join(c.RootDir, f.Path)
		info, err := os.Stat(full)
		if err != nil {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckFiles, Path: f.Path, Detail: "missing"})
			continue
		}
		sum, err := hashFile(full)
		if err != nil {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckFiles, Path: f.Path, Detail: "unreadable: " + err.Error()})
			continue
		}
		if f.SHA256 != "" && sum != f.SHA256 {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckFiles, Path: f.Path, Detail: "modified (sha256 mismatch)"})
			continue
		}
		if f.Mtime != 0 && info.ModTime().Unix() != f.Mtime {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckFiles, Path: f.Path, Detail: "modified (mtime mismatch)"})
		}
	}
	return problems
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Checker) checkDependencies(r *pkgdb.Record) []Problem {
	var problems []Problem
	for _, dep := range r.RunDepends {
		if _, ok := c.DB.Get(dep); ok {
			continue
		}
		if _, ok := c.DB.GetVirtualpkg(dep); ok {
			continue
		}
		problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckDependencies, Detail: "unsatisfied run_depends " + dep})
	}
	return problems
}

// checkSymlinks validates every link r owns against its on-disk target,
// grounded on check_pkg_symlinks.c: a missing or unreadable link is a
// broken symlink, a present link whose target differs from the recorded
// one is a modified symlink.
func (c *Checker) checkSymlinks(r *pkgdb.Record) []Problem {
	var problems []Problem
	for _, l := range r.Links {
		full := filepath.Join(c.RootDir, l.Path)
		tgt, err := os.Readlink(full)
		if err != nil {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckSymlinks, Path: l.Path, Detail: "broken symlink (target: " + l.Target + ")"})
			continue
		}
		if tgt != l.Target {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckSymlinks, Path: l.Path, Detail: fmt.Sprintf("modified symlink points to %s (shall be %s)", tgt, l.Target)})
		}
	}
	return problems
}

// checkRequiredBy verifies r's requiredby index against the run_depends
// of every other installed record, grounded on check_pkg_requiredby.c's
// check_reqby_pkg_cb (missing entries: some other installed package
// depends on r but isn't listed in r.RequiredBy) and
// remove_stale_entries_in_reqby (stale entries: r.RequiredBy names a
// pkgver whose pkgname isn't installed any more).
func (c *Checker) checkRequiredBy(r *pkgdb.Record) []Problem {
	var problems []Problem

	have := make(map[string]bool, len(r.RequiredBy))
	for _, pv := range r.RequiredBy {
		have[pv] = true
	}

	c.DB.Foreach(func(other *pkgdb.Record) error {
		if other.Pkgname == r.Pkgname || !dependsOn(other, r) {
			return nil
		}
		if !have[other.Pkgver()] {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckRequiredBy, Detail: "missing requiredby entry for " + other.Pkgver()})
		}
		return nil
	})

	for _, pv := range r.RequiredBy {
		name, _, ok := version.SplitPkgver(pv)
		if !ok {
			continue
		}
		if _, ok := c.DB.Get(name); !ok {
			problems = append(problems, Problem{Pkgname: r.Pkgname, Check: CheckRequiredBy, Detail: "stale requiredby entry " + pv})
		}
	}

	return problems
}

// dependsOn reports whether other's run_depends matches r, either by r's
// own pkgver or by one of r's virtual provides.
func dependsOn(other, r *pkgdb.Record) bool {
	for _, dep := range other.RunDepends {
		if version.Match(r.Pkgver(), dep) {
			return true
		}
		for _, p := range r.Provides {
			if version.Match(p, dep) {
				return true
			}
		}
	}
	return false
}

// Unneeded is the public entry point for the pkgdb check: it sweeps every
// record's transaction-scoped keys and self-replacement entries and
// flushes the result. The sweep primitive itself (pkgdb.NormalizeRecord)
// lives in internal/pkgdb to avoid an import cycle (see DESIGN.md);
// Unneeded is the thin, spec-facing wrapper bulk tools call.
func Unneeded(db *pkgdb.DB) error {
	return db.Update(true, true)
}
