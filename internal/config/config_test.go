package config

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func writeFragment(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

func TestLoadMergesFragmentsInFilenameOrder(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "00-main.conf", `
rootdir: /
repository:
  - https://repo.example/current
architecture: x86_64
`)
	writeFragment(t, dir, "10-extra.conf", `
repository:
  - https://repo.example/extra
ignorepkg:
  - some-broken-pkg
`)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"https://repo.example/current", "https://repo.example/extra"}
	if len(cfg.Repository) != 2 || cfg.Repository[0] != want[0] || cfg.Repository[1] != want[1] {
		t.Fatalf("Repository = %v, want %v", cfg.Repository, want)
	}
	if cfg.Architecture != "x86_64" {
		t.Fatalf("Architecture = %q", cfg.Architecture)
	}
	if !cfg.IsIgnored("some-broken-pkg") {
		t.Fatalf("expected some-broken-pkg to be ignored")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load on empty confdir: %v", err)
	}
	if cfg.RootDir != "/" {
		t.Fatalf("RootDir default = %q, want /", cfg.RootDir)
	}
	if cfg.CacheDir != filepath.Join("/", "var/cache/xbps") {
		t.Fatalf("CacheDir default = %q", cfg.CacheDir)
	}
}

func TestLoadRendersTemplateReferencesBetweenKeys(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "00-main.conf", `
defines:
  base: /opt/xbps-root
rootdir: "{{.base}}"
cachedir: "{{.rootdir}}/var/cache/xbps"
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RootDir != "/opt/xbps-root" {
		t.Fatalf("RootDir = %q", cfg.RootDir)
	}
	if cfg.CacheDir != "/opt/xbps-root/var/cache/xbps" {
		t.Fatalf("CacheDir = %q", cfg.CacheDir)
	}
}

func TestRepositoriesHonorsIgnoreConfRepos(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "00-main.conf", `
repository:
  - https://repo.example/current
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	got := cfg.Repositories([]string{"https://cli.example/extra"}, false)
	want := []string{"https://cli.example/extra", "https://repo.example/current"}
	if !equalStrings(got, want) {
		t.Fatalf("Repositories = %v, want %v", got, want)
	}

	got = cfg.Repositories([]string{"https://cli.example/extra"}, true)
	want = []string{"https://cli.example/extra"}
	if !equalStrings(got, want) {
		t.Fatalf("Repositories(ignoreConfRepos=true) = %v, want %v", got, want)
	}
}

func TestShouldSkipExtractMatchesGlobs(t *testing.T) {
	cfg := &Config{NoExtract: []string{"usr/share/doc/*", "usr/share/man/man1/foo.1"}}
	if !cfg.ShouldSkipExtract("usr/share/doc/README") {
		t.Fatalf("expected usr/share/doc/README to be skipped")
	}
	if !cfg.ShouldSkipExtract("usr/share/man/man1/foo.1") {
		t.Fatalf("expected the exact man page to be skipped")
	}
	if cfg.ShouldSkipExtract("usr/bin/foo") {
		t.Fatalf("expected usr/bin/foo to be kept")
	}
}

func TestResolveVirtualPin(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "00-main.conf", `
virtualpkg:
  awk: gawk-5.1.0_1
`)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pv, ok := cfg.ResolveVirtual("awk")
	if !ok || pv != "gawk-5.1.0_1" {
		t.Fatalf("ResolveVirtual(awk) = (%q, %v)", pv, ok)
	}
	if _, ok := cfg.ResolveVirtual("sh"); ok {
		t.Fatalf("expected no pin for sh")
	}
}

func TestLoadRejectsCyclicDefines(t *testing.T) {
	dir := t.TempDir()
	writeFragment(t, dir, "00-main.conf", `
defines:
  a: "{{.b}}"
  b: "{{.a}}"
`)
	if _, err := Load(dir); err == nil {
		t.Fatalf("expected a cycle error")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	aSorted := append([]string(nil), a...)
	bSorted := append([]string(nil), b...)
	sort.Strings(aSorted)
	sort.Strings(bSorted)
	for i := range aSorted {
		if aSorted[i] != bSorted[i] {
			return false
		}
	}
	return true
}
