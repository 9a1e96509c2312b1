// Package plist implements the structured document store (mapping, ordered
// sequence, string, integer, boolean, opaque bytes) used for every on-disk
// record in this repository: the pkgdb, repository indexes, stage indexes
// and index metadata. It plays the role the teacher repository's manifest
// package plays for its own YAML/JSON config (manifest/repository.go), but
// exposes a generic, schema-less tree instead of fixed Go structs, because
// the pkgdb's package record shape is open-ended (ExtraFields-like growth is
// the norm, not the exception).
package plist

import "fmt"

// Kind tags the dynamic type carried by a Value.
type Kind int

const (
	KindInvalid Kind = iota
	KindMap
	KindSeq
	KindString
	KindInt
	KindBool
	KindData
)

func (k Kind) String() string {
	switch k {
	case KindMap:
		return "map"
	case KindSeq:
		return "seq"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindData:
		return "data"
	default:
		return "invalid"
	}
}

// Value is the single shared tagged-union type every externalized document
// is built from. Structural sharing between Values is unspecified; callers
// must not rely on pointer identity surviving a Get call.
type Value struct {
	kind Kind

	str  string
	i    int64
	b    bool
	data []byte
	seq  []*Value

	// keys/vals are parallel slices so maps keep insertion order, which a
	// Go map cannot do. Iteration and externalization both walk them in
	// order, which is what makes the document byte-reproducible.
	keys []string
	vals []*Value
}

// NewMap returns an empty ordered mapping.
func NewMap() *Value { return &Value{kind: KindMap} }

// NewSeq returns an empty ordered sequence.
func NewSeq() *Value { return &Value{kind: KindSeq} }

// NewString returns a string scalar.
func NewString(s string) *Value { return &Value{kind: KindString, str: s} }

// NewInt returns an integer scalar.
func NewInt(i int64) *Value { return &Value{kind: KindInt, i: i} }

// NewBool returns a boolean scalar.
func NewBool(b bool) *Value { return &Value{kind: KindBool, b: b} }

// NewData returns an opaque byte-string scalar.
func NewData(d []byte) *Value {
	cp := make([]byte, len(d))
	copy(cp, d)
	return &Value{kind: KindData, data: cp}
}

// Kind reports the dynamic type of v. A nil Value reports KindInvalid.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindInvalid
	}
	return v.kind
}

// String returns the scalar string and true, or ("", false) if v is not a
// string.
func (v *Value) String() (string, bool) {
	if v == nil || v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Int returns the scalar integer and true, or (0, false) if v is not an int.
func (v *Value) Int() (int64, bool) {
	if v == nil || v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

// Bool returns the scalar boolean and true, or (false, false) if v is not a
// bool.
func (v *Value) Bool() (bool, bool) {
	if v == nil || v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// Bytes returns the opaque byte string and true, or (nil, false) if v is not
// data.
func (v *Value) Bytes() ([]byte, bool) {
	if v == nil || v.kind != KindData {
		return nil, false
	}
	cp := make([]byte, len(v.data))
	copy(cp, v.data)
	return cp, true
}

// Len returns the number of elements in a map or sequence, or 0 otherwise.
func (v *Value) Len() int {
	if v == nil {
		return 0
	}
	switch v.kind {
	case KindMap:
		return len(v.keys)
	case KindSeq:
		return len(v.seq)
	default:
		return 0
	}
}

// Get returns the value stored under exactly key in a map.
// It returns (nil, false) if v is not a map or key is absent.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.kind != KindMap {
		return nil, false
	}
	for i, k := range v.keys {
		if k == key {
			return v.vals[i], true
		}
	}
	return nil, false
}

// Set inserts or replaces key in a map, preserving the original position of
// an existing key and appending new keys in call order. It panics if v is
// not a map; callers construct maps with NewMap before calling Set.
func (v *Value) Set(key string, val *Value) *Value {
	if v.kind != KindMap {
		panic("plist: Set on non-map Value")
	}
	for i, k := range v.keys {
		if k == key {
			v.vals[i] = val
			return v
		}
	}
	v.keys = append(v.keys, key)
	v.vals = append(v.vals, val)
	return v
}

// Delete removes key from a map, if present.
func (v *Value) Delete(key string) {
	if v == nil || v.kind != KindMap {
		return
	}
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			v.vals = append(v.vals[:i], v.vals[i+1:]...)
			return
		}
	}
}

// Keys returns the map's keys in insertion order. The caller must not
// mutate the returned slice.
func (v *Value) Keys() []string {
	if v == nil || v.kind != KindMap {
		return nil
	}
	return v.keys
}

// Append adds val to the end of a sequence. It panics if v is not a
// sequence.
func (v *Value) Append(val *Value) *Value {
	if v.kind != KindSeq {
		panic("plist: Append on non-seq Value")
	}
	v.seq = append(v.seq, val)
	return v
}

// Items returns a sequence's elements in order. The caller must not mutate
// the returned slice.
func (v *Value) Items() []*Value {
	if v == nil || v.kind != KindSeq {
		return nil
	}
	return v.seq
}

// StringSeq is a convenience that reads a sequence of strings into a []string,
// skipping any non-string member.
func (v *Value) StringSeq() []string {
	items := v.Items()
	if items == nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.String(); ok {
			out = append(out, s)
		}
	}
	return out
}

// NewStringSeq builds a sequence Value from a []string.
func NewStringSeq(ss []string) *Value {
	seq := NewSeq()
	for _, s := range ss {
		seq.Append(NewString(s))
	}
	return seq
}

// Equal reports whether v and other are deeply equal: same kind, same
// scalar value, same map keys in the same order with deeply equal values,
// or same sequence length with deeply equal elements pairwise.
func (v *Value) Equal(other *Value) bool {
	if v == nil || other == nil {
		return v == nil && other == nil
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == other.str
	case KindInt:
		return v.i == other.i
	case KindBool:
		return v.b == other.b
	case KindData:
		if len(v.data) != len(other.data) {
			return false
		}
		for i := range v.data {
			if v.data[i] != other.data[i] {
				return false
			}
		}
		return true
	case KindSeq:
		if len(v.seq) != len(other.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(other.seq[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.keys) != len(other.keys) {
			return false
		}
		for i, k := range v.keys {
			if other.keys[i] != k {
				return false
			}
			if !v.vals[i].Equal(other.vals[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// GetString is a convenience wrapper returning "" when key is absent or not
// a string.
func (v *Value) GetString(key string) string {
	s, _ := mustGet(v, key).String()
	return s
}

// GetInt is a convenience wrapper returning 0 when key is absent or not an
// int.
func (v *Value) GetInt(key string) int64 {
	i, _ := mustGet(v, key).Int()
	return i
}

// GetBool is a convenience wrapper returning false when key is absent or not
// a bool.
func (v *Value) GetBool(key string) bool {
	b, _ := mustGet(v, key).Bool()
	return b
}

// GetStringSeq is a convenience wrapper returning nil when key is absent.
func (v *Value) GetStringSeq(key string) []string {
	return mustGet(v, key).StringSeq()
}

func mustGet(v *Value, key string) *Value {
	got, _ := v.Get(key)
	return got
}

// TypeError reports an access against the wrong Kind, used by callers that
// need a hard failure instead of a zero-value fallback (pkgdb invariant
// checks, mainly).
type TypeError struct {
	Want, Got Kind
	Key       string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("plist: key %q: want %s, got %s", e.Key, e.Want, e.Got)
}
