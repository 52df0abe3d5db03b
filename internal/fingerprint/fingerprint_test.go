package fingerprint

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustSum(t *testing.T, s string) Digest {
	t.Helper()
	d, err := Sum(strings.NewReader(s))
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	return d
}

func TestSum_Deterministic(t *testing.T) {
	t.Parallel()
	a := mustSum(t, "<web-app/>")
	b := mustSum(t, "<web-app/>")
	c := mustSum(t, "<web-app version=\"6\"/>")

	if a != b {
		t.Error("same content produced different digests")
	}
	if a == c {
		t.Error("different content produced the same digest")
	}
}

func TestFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "web.xml")
	if err := os.WriteFile(path, []byte("<web-app/>"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatalf("File failed: %v", err)
	}
	if got != mustSum(t, "<web-app/>") {
		t.Error("File digest differs from Sum of the same bytes")
	}

	if _, err := File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	d := mustSum(t, "index.html")

	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed != d {
		t.Error("Parse(String()) did not return the original digest")
	}

	for _, bad := range []string{"", "zz", strings.Repeat("ab", 16)} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) expected error", bad)
		}
	}
}

func TestSet_Root(t *testing.T) {
	t.Parallel()
	x, y := mustSum(t, "x"), mustSum(t, "y")

	a := Set{"WEB-INF/web.xml": x, "index.html": y}
	b := Set{"index.html": y, "WEB-INF/web.xml": x}
	if a.Root() != b.Root() {
		t.Error("equal sets have different roots")
	}
	if a.Root() == (Set{"WEB-INF/web.xml": x}).Root() {
		t.Error("different sets have the same root")
	}
	if (Set{"ab": x, "c": y}).Root() == (Set{"a": x, "bc": y}).Root() {
		t.Error("name boundaries are ambiguous")
	}
	if (Set{}).Root() != (Set(nil)).Root() {
		t.Error("empty and nil sets should share a root")
	}
}

func TestDiff(t *testing.T) {
	t.Parallel()
	x, y, z := mustSum(t, "x"), mustSum(t, "y"), mustSum(t, "z")

	recorded := Set{"a.txt": x, "b.txt": y, "gone.txt": z}
	current := Set{"a.txt": x, "b.txt": z, "new.txt": y, "also-new.txt": x}

	got := Diff(recorded, current)
	want := Delta{
		Added:    []string{"also-new.txt", "new.txt"},
		Removed:  []string{"gone.txt"},
		Modified: []string{"b.txt"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Diff() mismatch (-want +got):\n%s", diff)
	}
	if got.Count() != 4 {
		t.Errorf("Count() = %d, want 4", got.Count())
	}

	if Diff(recorded, recorded).Count() != 0 {
		t.Error("a set differs from itself")
	}
}
