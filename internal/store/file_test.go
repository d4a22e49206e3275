package store

import (
	"os"
	"path/filepath"
	"testing"
)

type testRecord struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestFileStore_PutGet(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	in := testRecord{Name: "alpha", Count: 3}
	if err := s.Put(NamespaceAgents, "a1", in); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out testRecord
	found, err := s.Get(NamespaceAgents, "a1", &out)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !found {
		t.Fatal("Expected record to be found")
	}
	if out != in {
		t.Errorf("Expected %+v, got %+v", in, out)
	}
}

func TestFileStore_GetMissing(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	var out testRecord
	found, err := s.Get(NamespaceAgents, "nope", &out)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if found {
		t.Error("Expected missing record to report absence")
	}
}

func TestFileStore_GetCorrupt(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	nsDir := filepath.Join(dir, NamespaceAgents)
	if err := os.MkdirAll(nsDir, 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(nsDir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	var out testRecord
	found, err := s.Get(NamespaceAgents, "bad", &out)
	if err != nil {
		t.Fatalf("Expected corrupt record to be tolerated, got error: %v", err)
	}
	if found {
		t.Error("Expected corrupt record to report absence")
	}
}

func TestFileStore_PutOverwrites(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := s.Put(NamespaceUsers, "u1", testRecord{Name: "first"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Put(NamespaceUsers, "u1", testRecord{Name: "second"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var out testRecord
	if _, err := s.Get(NamespaceUsers, "u1", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Name != "second" {
		t.Errorf("Expected overwritten record, got %q", out.Name)
	}
}

func TestFileStore_PutIfAbsent(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	written, err := s.PutIfAbsent(NamespaceWallets, "w1", testRecord{Name: "original"})
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if !written {
		t.Fatal("Expected first PutIfAbsent to write")
	}

	written, err = s.PutIfAbsent(NamespaceWallets, "w1", testRecord{Name: "replacement"})
	if err != nil {
		t.Fatalf("PutIfAbsent failed: %v", err)
	}
	if written {
		t.Error("Expected second PutIfAbsent to be a no-op")
	}

	var out testRecord
	if _, err := s.Get(NamespaceWallets, "w1", &out); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if out.Name != "original" {
		t.Errorf("Expected original record to survive, got %q", out.Name)
	}
}

func TestFileStore_Delete(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := s.Put(NamespaceAgents, "a1", testRecord{Name: "x"}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Delete(NamespaceAgents, "a1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	var out testRecord
	found, _ := s.Get(NamespaceAgents, "a1", &out)
	if found {
		t.Error("Expected record gone after delete")
	}

	// Deleting again must not error.
	if err := s.Delete(NamespaceAgents, "a1"); err != nil {
		t.Errorf("Expected delete of missing record to succeed, got %v", err)
	}
}

func TestFileStore_ListIDs(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(NamespaceAgents, id, testRecord{Name: id}); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Stray temp file and subdirectory must be skipped.
	nsDir := filepath.Join(dir, NamespaceAgents)
	if err := os.WriteFile(filepath.Join(nsDir, ".tmp-123.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(nsDir, "sub"), 0o755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}

	ids, err := s.ListIDs(NamespaceAgents)
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("Expected 3 ids, got %d: %v", len(ids), ids)
	}
}

func TestFileStore_ListIDsMissingNamespace(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ids, err := s.ListIDs("never-written")
	if err != nil {
		t.Fatalf("ListIDs failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected no ids, got %v", ids)
	}
}

func TestFileStore_RunningAgents(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	ids, err := s.LoadRunningAgents()
	if err != nil {
		t.Fatalf("LoadRunningAgents failed: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty resume set, got %v", ids)
	}

	want := []string{"a1", "a2"}
	if err := s.SaveRunningAgents(want); err != nil {
		t.Fatalf("SaveRunningAgents failed: %v", err)
	}

	ids, err = s.LoadRunningAgents()
	if err != nil {
		t.Fatalf("LoadRunningAgents failed: %v", err)
	}
	if len(ids) != 2 || ids[0] != "a1" || ids[1] != "a2" {
		t.Errorf("Expected %v, got %v", want, ids)
	}
}

func TestFileStore_RunningAgentsMalformed(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "running-agents.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	ids, err := s.LoadRunningAgents()
	if err != nil {
		t.Fatalf("Expected malformed resume file to be tolerated, got %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("Expected empty resume set, got %v", ids)
	}
}

func TestNewFileStore_EmptyDir(t *testing.T) {
	if _, err := NewFileStore(""); err == nil {
		t.Error("Expected error for empty store directory")
	}
}
