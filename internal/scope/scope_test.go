package scope

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func testRoot(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("eval temp dir: %v", err)
	}
	root := filepath.Join(dir, "root")
	if err := os.MkdirAll(filepath.Join(root, "app", "src"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "root-sibling"), 0755); err != nil {
		t.Fatalf("mkdir sibling: %v", err)
	}
	return root
}

func TestResolveInsideRoot(t *testing.T) {
	root := testRoot(t)
	want := filepath.Join(root, "app")

	for _, input := range []string{"app", "./app", "app/", "app/src/..", want, want + "/"} {
		got, err := Resolve(root, input)
		if err != nil {
			t.Fatalf("resolve %q: %v", input, err)
		}
		if got != want {
			t.Errorf("resolve %q = %q, want %q", input, got, want)
		}
	}
}

func TestResolveEmptyIsRoot(t *testing.T) {
	root := testRoot(t)
	got, err := Resolve(root, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != root {
		t.Fatalf("got %q, want %q", got, root)
	}
}

func TestResolveRejectsOutside(t *testing.T) {
	root := testRoot(t)
	parent := filepath.Dir(root)

	for _, input := range []string{
		"..",
		"../root-sibling",
		"app/../../root-sibling",
		filepath.Join(parent, "root-sibling"),
		root + "-sibling",
		"/etc",
		parent,
	} {
		_, err := Resolve(root, input)
		if err == nil {
			t.Errorf("resolve %q: expected scope error", input)
			continue
		}
		var se *Error
		if !errors.As(err, &se) {
			t.Errorf("resolve %q: error %T is not *scope.Error", input, err)
		}
		if se.Message == "" {
			t.Errorf("resolve %q: empty message", input)
		}
	}
}

func TestResolveMissingRoot(t *testing.T) {
	if _, err := Resolve("", "app"); err == nil {
		t.Fatal("expected error without root")
	}
}

func TestResolveNonexistentChildAllowed(t *testing.T) {
	root := testRoot(t)
	got, err := Resolve(root, "new/project")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != filepath.Join(root, "new", "project") {
		t.Fatalf("got %q", got)
	}
}

func TestResolveSymlinkEscape(t *testing.T) {
	root := testRoot(t)
	outside := filepath.Join(filepath.Dir(root), "root-sibling")
	link := filepath.Join(root, "escape")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink unsupported: %v", err)
	}
	if _, err := Resolve(root, "escape"); err == nil {
		t.Fatal("symlink pointing outside the root must be rejected")
	}
}

func TestScenarioEtcOutsideProject(t *testing.T) {
	_, err := Resolve("/home/user/project", "/etc")
	if err == nil {
		t.Fatal("expected /etc to be rejected")
	}
}

func TestContainsBoundary(t *testing.T) {
	tests := []struct {
		root, path string
		want       bool
	}{
		{"/root", "/root", true},
		{"/root", "/root/a/b", true},
		{"/root", "/root-other", false},
		{"/root", "/rootx/a", false},
		{"/root", "/", false},
		{"/", "/anything", true},
	}
	for _, tt := range tests {
		if got := Contains(tt.root, tt.path); got != tt.want {
			t.Errorf("Contains(%q, %q) = %v, want %v", tt.root, tt.path, got, tt.want)
		}
	}
}

func TestIsDangerousRoot(t *testing.T) {
	if !IsDangerousRoot("/") {
		t.Error("/ should be dangerous")
	}
	if !IsDangerousRoot(`C:\`) {
		t.Error(`C:\ should be dangerous`)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		if !IsDangerousRoot(home) {
			t.Errorf("home %q should be dangerous", home)
		}
	}
	if IsDangerousRoot(t.TempDir()) {
		t.Error("temp dir should not be dangerous")
	}
	if IsDangerousRoot("") {
		t.Error("empty path is not a root")
	}
}
