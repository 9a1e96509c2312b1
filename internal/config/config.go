// Package config implements the configuration key set of spec.md §6: a
// structured document (loaded via YAML or JSON, mirroring the teacher's
// manifest package) describing the repository pool, root/cache
// directories, and the handful of overrides (noextract globs, virtual
// package pins, ignored packages, preserved files, target
// architecture) every front-end command consults before building a plan.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.yaml.in/yaml/v3"
)

// Config is the resolved configuration for one invocation: the union of
// every fragment read from a confdir, template-substituted and defaulted.
type Config struct {
	Repository    []string          `yaml:"repository" json:"repository"`
	RootDir       string            `yaml:"rootdir" json:"rootdir"`
	CacheDir      string            `yaml:"cachedir" json:"cachedir"`
	Syslog        bool              `yaml:"syslog" json:"syslog"`
	NoExtract     []string          `yaml:"noextract" json:"noextract"`
	VirtualPkg    map[string]string `yaml:"virtualpkg" json:"virtualpkg"`
	IgnorePkg     []string          `yaml:"ignorepkg" json:"ignorepkg"`
	PreservedFile []string          `yaml:"preserved_file" json:"preserved_file"`
	Architecture  string            `yaml:"architecture" json:"architecture"`

	// Defines holds free-form `key: value` pairs a fragment may declare
	// purely so later fragments (or this fragment's own other keys) can
	// reference them as `{{.key}}`; it carries no effect of its own.
	Defines map[string]string `yaml:"defines" json:"defines"`
}

// fragment is the on-disk shape of a single confdir file: identical to
// Config, decoded independently so unknown-field strictness catches typos
// per fragment rather than across the merged whole.
type fragment = Config

func newConfig() *Config {
	return &Config{VirtualPkg: map[string]string{}, Defines: map[string]string{}}
}

// Load reads every regular file directly under dir (xbps.d-style
// fragments, e.g. `00-main.conf`, `10-extra-repos.conf`), in filename
// order, and merges them into one Config: scalars are overridden by later
// fragments, slices and maps are appended/merged. Template references
// (`{{.name}}`) are resolved against the union of every fragment's
// Defines after all fragments are read, then rendered into every scalar
// and collection value; rootdir, cachedir and architecture (rendered in
// that order) can also be referenced by the values rendered after them. An empty or nonexistent dir
// yields a zero-value Config with its defaults applied.
func Load(dir string) (*Config, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return applyDefaults(newConfig()), nil
		}
		return nil, fmt.Errorf("config: reading %s: %w", dir, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	merged := newConfig()
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		var frag fragment
		if err := unmarshal(path, data, &frag); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
		mergeInto(merged, &frag)
	}

	if err := renderValues(merged); err != nil {
		return nil, err
	}
	return applyDefaults(merged), nil
}

// LoadFile loads a single configuration file rather than a confdir of
// fragments (the `--config` flag also accepts a file path directly).
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	merged := newConfig()
	var frag fragment
	if err := unmarshal(path, data, &frag); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	mergeInto(merged, &frag)
	if err := renderValues(merged); err != nil {
		return nil, err
	}
	return applyDefaults(merged), nil
}

func mergeInto(dst, src *Config) {
	dst.Repository = append(dst.Repository, src.Repository...)
	if src.RootDir != "" {
		dst.RootDir = src.RootDir
	}
	if src.CacheDir != "" {
		dst.CacheDir = src.CacheDir
	}
	if src.Syslog {
		dst.Syslog = true
	}
	dst.NoExtract = append(dst.NoExtract, src.NoExtract...)
	for k, v := range src.VirtualPkg {
		dst.VirtualPkg[k] = v
	}
	dst.IgnorePkg = append(dst.IgnorePkg, src.IgnorePkg...)
	dst.PreservedFile = append(dst.PreservedFile, src.PreservedFile...)
	if src.Architecture != "" {
		dst.Architecture = src.Architecture
	}
	for k, v := range src.Defines {
		dst.Defines[k] = v
	}
}

func renderValues(c *Config) error {
	e, err := newEngine(c.Defines)
	if err != nil {
		return err
	}
	var rerr error
	render := func(name, s string) string {
		if rerr != nil {
			return s
		}
		out, err := e.render(name, s)
		if err != nil {
			rerr = err
			return s
		}
		return out
	}

	// Each rendered scalar becomes referenceable by the values rendered
	// after it, unless a define of the same name already exists.
	expose := func(key, val string) {
		if _, ok := e.values[key]; !ok {
			e.values[key] = val
		}
	}
	c.RootDir = render("rootdir", c.RootDir)
	expose("rootdir", c.RootDir)
	c.CacheDir = render("cachedir", c.CacheDir)
	expose("cachedir", c.CacheDir)
	c.Architecture = render("architecture", c.Architecture)
	expose("architecture", c.Architecture)
	for i, r := range c.Repository {
		c.Repository[i] = render(fmt.Sprintf("repository[%d]", i), r)
	}
	for i, g := range c.NoExtract {
		c.NoExtract[i] = render(fmt.Sprintf("noextract[%d]", i), g)
	}
	for i, p := range c.IgnorePkg {
		c.IgnorePkg[i] = render(fmt.Sprintf("ignorepkg[%d]", i), p)
	}
	for i, p := range c.PreservedFile {
		c.PreservedFile[i] = render(fmt.Sprintf("preserved_file[%d]", i), p)
	}
	for k, v := range c.VirtualPkg {
		c.VirtualPkg[k] = render(fmt.Sprintf("virtualpkg[%s]", k), v)
	}
	return rerr
}

func applyDefaults(c *Config) *Config {
	if c.RootDir == "" {
		c.RootDir = "/"
	}
	if c.CacheDir == "" {
		c.CacheDir = filepath.Join(c.RootDir, "var/cache/xbps")
	}
	return c
}

// unmarshal parses JSON or YAML based on path's extension, rejecting
// unrecognized keys the same way the teacher's manifest package does.
func unmarshal(path string, data []byte, v interface{}) error {
	ext := strings.ToLower(filepath.Ext(path))
	r := bytes.NewReader(data)
	if ext == ".yaml" || ext == ".yml" || ext == ".conf" {
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		return dec.Decode(v)
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Repositories returns the effective repository pool URLs: extra (e.g.
// repeated `--repository` flags) first, followed by the config's own
// `repository` entries unless ignoreConfRepos (`--ignore-conf-repos`) is
// set.
func (c *Config) Repositories(extra []string, ignoreConfRepos bool) []string {
	out := append([]string(nil), extra...)
	if !ignoreConfRepos {
		out = append(out, c.Repository...)
	}
	return out
}

// IsIgnored reports whether pkgname is excluded from automatic
// transactions by the `ignorepkg` key.
func (c *Config) IsIgnored(pkgname string) bool {
	for _, p := range c.IgnorePkg {
		if p == pkgname {
			return true
		}
	}
	return false
}

// IsPreserved reports whether path is force-preserved during removal by
// the `preserved_file` key.
func (c *Config) IsPreserved(path string) bool {
	for _, p := range c.PreservedFile {
		if p == path {
			return true
		}
	}
	return false
}

// ResolveVirtual returns the pkgver pinned for virtual package name by the
// `virtualpkg` key, if any.
func (c *Config) ResolveVirtual(name string) (string, bool) {
	pv, ok := c.VirtualPkg[name]
	return pv, ok
}

// ShouldSkipExtract reports whether path matches one of the `noextract`
// globs, meaning the unpacker should skip writing it.
func (c *Config) ShouldSkipExtract(path string) bool {
	for _, pattern := range c.NoExtract {
		if ok, _ := filepath.Match(pattern, path); ok {
			return true
		}
	}
	return false
}
