// Package version implements the xbps version/pkgver grammar: total
// ordering of version strings (C2.compare) and pattern matching of a
// concrete pkgver against a dependency/conflict/replaces pattern
// (C2.pattern_match). It is grounded on two sources: the teacher's
// deb/repository.go:compareVersions + deb/util.go:BumpVersion (the
// dot/hyphen/revision split idiom) and original_source/lib/pkgmatch.c (the
// csh_match brace-expansion glob matcher and the name/condition splitting
// rules a pattern match needs).
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Ordering is the result of Compare/CompareVersionRevision.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "<"
	case Equal:
		return "="
	default:
		return ">"
	}
}

// preReleaseRank ranks the pre-release suffixes the spec calls out by name;
// lower ranks sort earlier. Suffixes not in this table are "normal" alpha
// tokens and sort above every pre-release tag, but below a numeric token.
var preReleaseRank = map[string]int{
	"devel": 1,
	"dev":   2,
	"pre":   3,
	"alpha": 4,
	"beta":  5,
	"rc":    6,
}

// token is one maximal digit-run or alpha-run inside a version component.
type token struct {
	numeric bool
	n       int64
	s       string // lowercased, for alpha tokens
	pad     bool   // synthetic "nothing follows" token used to align lengths
}

// tier places a token into one of the four comparison bands described in
// spec.md §4.2/§8: known pre-release < end-of-component(pad) < unknown
// alpha < numeric.
func (t token) tier() int {
	switch {
	case t.pad:
		return 1
	case t.numeric:
		return 3
	default:
		if _, ok := preReleaseRank[t.s]; ok {
			return 0
		}
		return 2
	}
}

func compareTokens(a, b token) int {
	ta, tb := a.tier(), b.tier()
	if ta != tb {
		if ta < tb {
			return -1
		}
		return 1
	}
	switch ta {
	case 0: // both known pre-release
		ra, rb := preReleaseRank[a.s], preReleaseRank[b.s]
		if ra != rb {
			if ra < rb {
				return -1
			}
			return 1
		}
		return 0
	case 1: // both pad
		return 0
	case 2: // both unknown alpha
		return strings.Compare(a.s, b.s)
	default: // both numeric
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		default:
			return 0
		}
	}
}

// tokenizeComponent splits a single dot-separated component into alternating
// digit/alpha runs, e.g. "100dpi" -> [100, "dpi"], "0rc2" -> [0, "rc", 2].
func tokenizeComponent(s string) []token {
	if s == "" {
		return nil
	}
	var toks []token
	i := 0
	for i < len(s) {
		isDigit := s[i] >= '0' && s[i] <= '9'
		j := i + 1
		for j < len(s) {
			d := s[j] >= '0' && s[j] <= '9'
			if d != isDigit {
				break
			}
			j++
		}
		run := s[i:j]
		if isDigit {
			n, _ := strconv.ParseInt(run, 10, 64)
			toks = append(toks, token{numeric: true, n: n})
		} else {
			toks = append(toks, token{s: strings.ToLower(run)})
		}
		i = j
	}
	return toks
}

func compareTokenLists(a, b []token) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ta := token{pad: true}
		if i < len(a) {
			ta = a[i]
		}
		tb := token{pad: true}
		if i < len(b) {
			tb = b[i]
		}
		if c := compareTokens(ta, tb); c != 0 {
			return c
		}
	}
	return 0
}

// compareVersionString implements the dot-component walk over a bare
// version string (the part before "_revision").
func compareVersionString(a, b string) int {
	ca := strings.Split(a, ".")
	cb := strings.Split(b, ".")
	n := len(ca)
	if len(cb) > n {
		n = len(cb)
	}
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(ca) {
			sa = ca[i]
		}
		if i < len(cb) {
			sb = cb[i]
		}
		if c := compareTokenLists(tokenizeComponent(sa), tokenizeComponent(sb)); c != 0 {
			return c
		}
	}
	return 0
}

// splitVersionRevision splits a "version_revision" string into its version
// and (numeric) revision parts. A missing revision defaults to 0, per
// spec.md §8 scenario 1 (compare("foo-blah-100dpi-21", "...-21_0") == "=").
func splitVersionRevision(verrev string) (version string, revision int64) {
	idx := strings.LastIndexByte(verrev, '_')
	if idx == -1 {
		return verrev, 0
	}
	revStr := verrev[idx+1:]
	rev, err := strconv.ParseInt(revStr, 10, 64)
	if err != nil {
		// Not a valid revision suffix (e.g. the underscore is part of the
		// version itself) — treat the whole string as the version.
		return verrev, 0
	}
	return verrev[:idx], rev
}

// CompareVersionRevision orders two bare "version_revision" strings (no
// pkgname prefix).
func CompareVersionRevision(a, b string) Ordering {
	va, ra := splitVersionRevision(a)
	vb, rb := splitVersionRevision(b)
	if c := compareVersionString(va, vb); c != 0 {
		return Ordering(c)
	}
	switch {
	case ra < rb:
		return Less
	case ra > rb:
		return Greater
	default:
		return Equal
	}
}

// SplitPkgver splits a full pkgver ("name-version_revision") into its name
// and version_revision parts. The split point is the rightmost hyphen
// immediately followed by a digit, matching spec.md §3's grammar (name is
// "a leading non-digit-led string", version always starts the remainder).
func SplitPkgver(pkgver string) (name, verrev string, ok bool) {
	for i := len(pkgver) - 1; i >= 0; i-- {
		if pkgver[i] != '-' {
			continue
		}
		if i+1 < len(pkgver) && pkgver[i+1] >= '0' && pkgver[i+1] <= '9' {
			return pkgver[:i], pkgver[i+1:], true
		}
	}
	return "", "", false
}

// Compare orders two full pkgvers by their version_revision, ignoring name.
// It is an error to compare pkgvers that fail to parse.
func Compare(a, b string) (Ordering, error) {
	_, va, ok := SplitPkgver(a)
	if !ok {
		return 0, fmt.Errorf("version: %q is not a valid pkgver", a)
	}
	_, vb, ok := SplitPkgver(b)
	if !ok {
		return 0, fmt.Errorf("version: %q is not a valid pkgver", b)
	}
	return CompareVersionRevision(va, vb), nil
}

// BumpRevision increments the revision suffix of a version_revision string.
// Ported from the teacher's deb/util.go:BumpVersion, adapted to xbps's
// "_revision" (rather than Debian's "-revision") convention: numeric
// revisions increment by one; a missing revision becomes "_1".
func BumpRevision(verrev string) string {
	idx := strings.LastIndexByte(verrev, '_')
	if idx == -1 {
		return verrev + "_1"
	}
	prefix := verrev[:idx+1]
	rev := verrev[idx+1:]
	if n, err := strconv.ParseInt(rev, 10, 64); err == nil {
		return prefix + strconv.FormatInt(n+1, 10)
	}
	return verrev + "_1"
}
