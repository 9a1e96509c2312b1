package plist

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// toNode converts a Value into a yaml.Node tree. Using yaml.Node (rather
// than handing a plain interface{} to yaml.Marshal, the way the teacher's
// manifest package does for its fixed-shape config structs) is what lets an
// ordered map round-trip losslessly: yaml.v3 preserves MappingNode.Content
// order exactly as built.
func toNode(v *Value) *yaml.Node {
	if v == nil {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
	switch v.kind {
	case KindMap:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for i, k := range v.keys {
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
				toNode(v.vals[i]))
		}
		return n
	case KindSeq:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, e := range v.seq {
			n.Content = append(n.Content, toNode(e))
		}
		return n
	case KindString:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.str}
	case KindInt:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: fmt.Sprintf("%d", v.i)}
	case KindBool:
		val := "false"
		if v.b {
			val = "true"
		}
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!bool", Value: val}
	case KindData:
		n := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!binary"}
		if err := n.Encode(v.data); err != nil {
			// Encode on a []byte scalar node only fails on an encoder bug;
			// fall back to a plain !!str so externalization never panics.
			n.Tag = "!!str"
			n.Value = string(v.data)
		}
		return n
	default:
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: "null"}
	}
}

// fromNode is toNode's inverse.
func fromNode(n *yaml.Node) (*Value, error) {
	if n == nil {
		return nil, fmt.Errorf("plist: nil node")
	}
	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) != 1 {
			return nil, fmt.Errorf("plist: document must have exactly one root")
		}
		return fromNode(n.Content[0])
	case yaml.MappingNode:
		m := NewMap()
		for i := 0; i+1 < len(n.Content); i += 2 {
			key := n.Content[i].Value
			val, err := fromNode(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(key, val)
		}
		return m, nil
	case yaml.SequenceNode:
		s := NewSeq()
		for _, c := range n.Content {
			val, err := fromNode(c)
			if err != nil {
				return nil, err
			}
			s.Append(val)
		}
		return s, nil
	case yaml.ScalarNode:
		switch n.Tag {
		case "!!bool":
			var b bool
			if err := n.Decode(&b); err != nil {
				return nil, err
			}
			return NewBool(b), nil
		case "!!int":
			var i int64
			if err := n.Decode(&i); err != nil {
				return nil, err
			}
			return NewInt(i), nil
		case "!!binary":
			var d []byte
			if err := n.Decode(&d); err != nil {
				return nil, err
			}
			return NewData(d), nil
		case "!!null":
			return NewMap(), nil
		default:
			return NewString(n.Value), nil
		}
	default:
		return nil, fmt.Errorf("plist: unsupported node kind %v", n.Kind)
	}
}

// Marshal renders v as a YAML-encoded structured document.
func Marshal(v *Value) ([]byte, error) {
	node := toNode(v)
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a YAML-encoded structured document back into a Value.
func Unmarshal(data []byte) (*Value, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, err
	}
	if len(node.Content) == 0 {
		return NewMap(), nil
	}
	return fromNode(&node)
}

// Externalize atomically writes v to path: the document is rendered to a
// temp file in path's directory, fsynced, then renamed over path so readers
// never observe a partial write.
func Externalize(path string, v *Value) error {
	data, err := Marshal(v)
	if err != nil {
		return fmt.Errorf("plist: marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".plist-*.tmp")
	if err != nil {
		return fmt.Errorf("plist: create temp in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("plist: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("plist: fsync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("plist: close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("plist: rename %s to %s: %w", tmpName, path, err)
	}
	return nil
}

// Internalize reads and parses the document at path. A gzip-compressed
// file is transparently decompressed first.
func Internalize(path string) (*Value, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return internalizeFrom(f, path)
}

func internalizeFrom(r io.Reader, name string) (*Value, error) {
	br := &peekReader{r: r}
	magic, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("plist: read %s: %w", name, err)
	}
	var src io.Reader = br
	if len(magic) == 2 && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("plist: gzip %s: %w", name, err)
		}
		defer gz.Close()
		src = gz
	}
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("plist: read %s: %w", name, err)
	}
	v, err := Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("plist: parse %s: %w", name, err)
	}
	return v, nil
}

// peekReader lets Internalize sniff a gzip magic number without consuming
// it from the stream seen by the rest of the decode path.
type peekReader struct {
	r       io.Reader
	buf     []byte
	bufRead int
}

func (p *peekReader) Peek(n int) ([]byte, error) {
	for len(p.buf) < n {
		tmp := make([]byte, n-len(p.buf))
		m, err := p.r.Read(tmp)
		p.buf = append(p.buf, tmp[:m]...)
		if err != nil {
			return p.buf, err
		}
	}
	return p.buf, nil
}

func (p *peekReader) Read(out []byte) (int, error) {
	if p.bufRead < len(p.buf) {
		n := copy(out, p.buf[p.bufRead:])
		p.bufRead += n
		return n, nil
	}
	return p.r.Read(out)
}
