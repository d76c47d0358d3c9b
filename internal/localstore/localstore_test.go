package localstore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSetGetRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "local.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Set("a", "1"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("b", "2"); err != nil {
		t.Fatalf("set: %v", err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if v, ok, err := reopened.Get("a"); err != nil || !ok || v != "1" {
		t.Fatalf("expected a=1 after reopen, got %q ok=%v err=%v", v, ok, err)
	}

	if err := s.Remove("a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := s.Get("a"); ok {
		t.Fatalf("key a should be gone")
	}
	if v, _, _ := s.Get("b"); v != "2" {
		t.Fatalf("key b should survive, got %q", v)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.json")
	if err := os.WriteFile(path, []byte("{nope"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, _, err := s.Get("a"); err == nil {
		t.Fatalf("expected decode error")
	}
	if err := s.Set("a", "1"); err == nil {
		t.Fatalf("expected set to refuse overwriting a corrupt file")
	}
}
