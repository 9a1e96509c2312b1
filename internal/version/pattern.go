package version

import (
	"path/filepath"
	"strings"
)

// relOps lists the relational operators a dependency pattern may chain,
// longest first so "<=" is recognized before "<".
var relOps = []string{"<=", ">=", "!=", "<", ">", "="}

// Match reports whether concretePkgver (a full "name-version_revision"
// string) satisfies pattern. Three pattern shapes are accepted, mirroring
// original_source/lib/pkgmatch.c's xbps_pkgpattern_match:
//
//   - an exact pkgver: "foo-1.0_1" must equal concretePkgver literally.
//   - a relational chain: "foo>=1.0<2.0" — a name (itself glob/brace
//     matched against concretePkgver's name) followed by one or more
//     <op><version> constraints, ANDed together.
//   - a name-glob: "foo-1.[0-9]*" — brace-expanded and shell-glob matched
//     against the whole concretePkgver.
func Match(concretePkgver, pattern string) bool {
	if concretePkgver == pattern {
		return true
	}
	if name, conds, ok := splitRelational(pattern); ok {
		cname, _, split := SplitPkgver(concretePkgver)
		if !split {
			return false
		}
		if !globMatch(name, cname) {
			return false
		}
		_, cverrev, _ := SplitPkgver(concretePkgver)
		for _, c := range conds {
			if !c.holds(cverrev) {
				return false
			}
		}
		return true
	}
	return globMatch(pattern, concretePkgver)
}

type condition struct {
	op      string
	version string
}

func (c condition) holds(verrev string) bool {
	cmp := CompareVersionRevision(verrev, c.version)
	switch c.op {
	case "<":
		return cmp == Less
	case "<=":
		return cmp == Less || cmp == Equal
	case "=":
		return cmp == Equal
	case "!=":
		return cmp != Equal
	case ">=":
		return cmp == Greater || cmp == Equal
	case ">":
		return cmp == Greater
	default:
		return false
	}
}

// splitRelational splits a pattern like "foo>=1.0<2.0" into its name prefix
// and an ordered list of (op, version) conditions. ok is false if pattern
// carries no relational operator at all (it is then a bare glob pattern).
func splitRelational(pattern string) (name string, conds []condition, ok bool) {
	first := indexAnyOp(pattern)
	if first == -1 {
		return "", nil, false
	}
	name = pattern[:first]
	rest := pattern[first:]
	for len(rest) > 0 {
		op := ""
		for _, candidate := range relOps {
			if strings.HasPrefix(rest, candidate) {
				op = candidate
				break
			}
		}
		if op == "" {
			return "", nil, false
		}
		rest = rest[len(op):]
		next := indexAnyOp(rest)
		var verStr string
		if next == -1 {
			verStr = rest
			rest = ""
		} else {
			verStr = rest[:next]
			rest = rest[next:]
		}
		if verStr == "" {
			return "", nil, false
		}
		conds = append(conds, condition{op: op, version: verStr})
	}
	return name, conds, true
}

func indexAnyOp(s string) int {
	best := -1
	for _, op := range relOps {
		if i := strings.Index(s, op); i != -1 && (best == -1 || i < best) {
			best = i
		}
	}
	return best
}

// globMatch reports whether target matches pattern once every top-level
// "{a,b,...}" brace group in pattern has been expanded, trying each
// expansion as a shell glob (?, *, [...]) via filepath.Match.
func globMatch(pattern, target string) bool {
	for _, alt := range expandBraces(pattern) {
		if ok, err := filepath.Match(alt, target); err == nil && ok {
			return true
		}
	}
	return false
}

// expandBraces expands csh-style brace groups, recursively handling nested
// groups, e.g. "foo-1.{0,1}{a,b}" -> 4 strings.
func expandBraces(s string) []string {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return []string{s}
	}
	depth := 0
	end := -1
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				end = i
			}
		}
		if end != -1 {
			break
		}
	}
	if end == -1 {
		return []string{s}
	}
	prefix, inner, suffix := s[:start], s[start+1:end], s[end+1:]
	var out []string
	for _, part := range splitTopLevel(inner) {
		for _, expanded := range expandBraces(prefix + part + suffix) {
			out = append(out, expanded)
		}
	}
	return out
}

// splitTopLevel splits s on commas that are not nested inside a brace group.
func splitTopLevel(s string) []string {
	var parts []string
	depth := 0
	last := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[last:i])
				last = i + 1
			}
		}
	}
	parts = append(parts, s[last:])
	return parts
}
