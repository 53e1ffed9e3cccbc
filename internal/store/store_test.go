package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// --- Bindings ---

func TestSetAndGetBinding(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetBinding("telegram", "default", "42", "/work/a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetBinding("telegram", "default", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("got nil binding")
	}
	if got.Directory != "/work/a" {
		t.Errorf("directory = %q, want %q", got.Directory, "/work/a")
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not parsed")
	}
}

func TestGetBindingNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetBinding("telegram", "default", "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestSetBindingUpserts(t *testing.T) {
	s := openTestStore(t)
	s.SetBinding("slack", "team", "C1", "/work/a")
	if err := s.SetBinding("slack", "team", "C1", "/work/b"); err != nil {
		t.Fatalf("second set: %v", err)
	}
	got, _ := s.GetBinding("slack", "team", "C1")
	if got.Directory != "/work/b" {
		t.Errorf("directory = %q, want /work/b", got.Directory)
	}
	all, err := s.ListBindings("", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 binding after upsert, got %d", len(all))
	}
}

func TestBindingKeysAreIndependent(t *testing.T) {
	s := openTestStore(t)
	s.SetBinding("telegram", "a", "1", "/x")
	s.SetBinding("telegram", "b", "1", "/y")
	s.SetBinding("slack", "a", "1", "/z")

	tests := []struct {
		channel, identity, dir string
	}{
		{"telegram", "a", "/x"},
		{"telegram", "b", "/y"},
		{"slack", "a", "/z"},
	}
	for _, tt := range tests {
		got, err := s.GetBinding(tt.channel, tt.identity, "1")
		if err != nil || got == nil {
			t.Fatalf("get %s/%s: %v %v", tt.channel, tt.identity, got, err)
		}
		if got.Directory != tt.dir {
			t.Errorf("%s/%s directory = %q, want %q", tt.channel, tt.identity, got.Directory, tt.dir)
		}
	}
}

func TestDeleteBinding(t *testing.T) {
	s := openTestStore(t)
	s.SetBinding("telegram", "default", "42", "/work")
	if err := s.DeleteBinding("telegram", "default", "42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ := s.GetBinding("telegram", "default", "42")
	if got != nil {
		t.Error("binding survived delete")
	}
	// Deleting again is not an error.
	if err := s.DeleteBinding("telegram", "default", "42"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestListBindingsFilters(t *testing.T) {
	s := openTestStore(t)
	s.SetBinding("telegram", "a", "1", "/x")
	s.SetBinding("telegram", "a", "2", "/x")
	s.SetBinding("telegram", "b", "3", "/y")
	s.SetBinding("slack", "a", "4", "/x")

	tests := []struct {
		channel, identity string
		want              int
	}{
		{"", "", 4},
		{"telegram", "", 3},
		{"telegram", "a", 2},
		{"slack", "", 1},
		{"discord", "", 0},
	}
	for _, tt := range tests {
		got, err := s.ListBindings(tt.channel, tt.identity)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(got) != tt.want {
			t.Errorf("ListBindings(%q, %q) = %d, want %d", tt.channel, tt.identity, len(got), tt.want)
		}
	}

	byDir, err := s.ListBindingsByDirectory("/x")
	if err != nil {
		t.Fatalf("list by dir: %v", err)
	}
	if len(byDir) != 3 {
		t.Errorf("ListBindingsByDirectory(/x) = %d, want 3", len(byDir))
	}
}

// --- Sessions ---

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.SetSession("telegram", "default", "42", "ses_1", "/work/a"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := s.GetSession("telegram", "default", "42")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.SessionID != "ses_1" || got.Directory != "/work/a" {
		t.Fatalf("unexpected session %+v", got)
	}

	if err := s.SetSession("telegram", "default", "42", "ses_2", "/work/b"); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = s.GetSession("telegram", "default", "42")
	if got.SessionID != "ses_2" || got.Directory != "/work/b" {
		t.Errorf("session not replaced: %+v", got)
	}

	n, err := s.CountSessions()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}

	if err := s.DeleteSession("telegram", "default", "42"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = s.GetSession("telegram", "default", "42")
	if got != nil {
		t.Error("session survived delete")
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	got, err := s.GetSession("slack", "x", "y")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil, got %+v", got)
	}
}

func TestConcurrentWrites(t *testing.T) {
	s := openTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peer := fmt.Sprintf("p%d", i%5)
			if err := s.SetBinding("telegram", "default", peer, fmt.Sprintf("/w/%d", i)); err != nil {
				t.Errorf("set binding: %v", err)
			}
			if err := s.SetSession("telegram", "default", peer, fmt.Sprintf("s%d", i), "/w"); err != nil {
				t.Errorf("set session: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, _ := s.ListBindings("telegram", "default")
	if len(all) != 5 {
		t.Errorf("expected 5 bindings, got %d", len(all))
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "router.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	s.SetBinding("discord", "default", "chan", "/work")
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, _ := s.GetBinding("discord", "default", "chan")
	if got == nil || got.Directory != "/work" {
		t.Fatalf("binding lost across reopen: %+v", got)
	}
}
