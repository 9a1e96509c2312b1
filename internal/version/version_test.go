package version

import "testing"

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want Ordering
	}{
		{"foo-1.0", "foo-1.0_1", Less},
		{"foo-1.0.1", "foo-1.0_1", Greater},
		{"foo-blah-100dpi-21", "foo-blah-100dpi-21_0", Equal},
		{"foo-1.0rc2", "foo-1.0", Less},
		{"foo-1.0", "foo-1.0rc2", Greater},
		{"foo-2.0", "foo-10.0", Less},
		{"foo-1.0", "foo-1.0", Equal},
		{"foo-1.0beta1", "foo-1.0rc1", Less},
		{"foo-1.0devel", "foo-1.0alpha", Less},
	}
	for _, c := range cases {
		got, err := Compare(c.a, c.b)
		if err != nil {
			t.Fatalf("Compare(%q, %q): %v", c.a, c.b, err)
		}
		if got != c.want {
			t.Errorf("Compare(%q, %q) = %s, want %s", c.a, c.b, got, c.want)
		}
	}
}

func TestSplitPkgver(t *testing.T) {
	cases := []struct {
		pkgver   string
		wantName string
		wantVer  string
	}{
		{"foo-1.0_1", "foo", "1.0_1"},
		{"foo-blah-100dpi-21_0", "foo-blah-100dpi", "21_0"},
		{"libfoo-devel-2.3", "libfoo-devel", "2.3"},
	}
	for _, c := range cases {
		name, verrev, ok := SplitPkgver(c.pkgver)
		if !ok {
			t.Fatalf("SplitPkgver(%q): not ok", c.pkgver)
		}
		if name != c.wantName || verrev != c.wantVer {
			t.Errorf("SplitPkgver(%q) = (%q, %q), want (%q, %q)", c.pkgver, name, verrev, c.wantName, c.wantVer)
		}
	}
}

func TestMatchGlob(t *testing.T) {
	cases := []struct {
		pkgver, pattern string
		want            bool
	}{
		{"foo-1.01", "foo-1.[0-9]?", true},
		{"foo-1.01", "foo-1.[1-9]?", false},
		{"foo-1.0", "foo-1.0", true},
		{"foo-1.0", "foo-{1.0,2.0}", true},
		{"foo-2.0", "foo-{1.0,2.0}", true},
		{"foo-3.0", "foo-{1.0,2.0}", false},
	}
	for _, c := range cases {
		if got := Match(c.pkgver, c.pattern); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pkgver, c.pattern, got, c.want)
		}
	}
}

func TestMatchRelational(t *testing.T) {
	cases := []struct {
		pkgver, pattern string
		want            bool
	}{
		{"foo-1.5", "foo>=1.0", true},
		{"foo-0.5", "foo>=1.0", false},
		{"foo-1.5", "foo>=1.0<2.0", true},
		{"foo-2.5", "foo>=1.0<2.0", false},
		{"bar-1.5", "foo>=1.0", false},
		{"foo-1.0_2", "foo>=1.0_1", true},
		{"foo-1.0_0", "foo>=1.0_1", false},
	}
	for _, c := range cases {
		if got := Match(c.pkgver, c.pattern); got != c.want {
			t.Errorf("Match(%q, %q) = %v, want %v", c.pkgver, c.pattern, got, c.want)
		}
	}
}

func TestBumpRevision(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"1.0", "1.0_1"},
		{"1.0_1", "1.0_2"},
		{"1.0_9", "1.0_10"},
	}
	for _, c := range cases {
		if got := BumpRevision(c.in); got != c.want {
			t.Errorf("BumpRevision(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
