package navctx

import "testing"

func TestStoreSetGet(t *testing.T) {
	s := New()
	s.Set("projectId", "42")
	v, ok := s.Get("projectId")
	if !ok || v != "42" {
		t.Fatalf("get returned %v, %v", v, ok)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("unexpected hit for missing key")
	}
}

func TestStoreMergeOverwrites(t *testing.T) {
	s := New()
	s.Set("chatId", "a")
	s.Merge(map[string]any{"chatId": "b", "userId": "u-1", "": "dropped"})
	if v, _ := s.Get("chatId"); v != "b" {
		t.Fatalf("merge did not overwrite: %v", v)
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
}

func TestClearPreservesIdentityKeys(t *testing.T) {
	s := New()
	s.Merge(map[string]any{
		"userId":    "u-1",
		"username":  "ada",
		"projectId": "42",
		"chatId":    "7",
	})
	s.Clear()
	if s.Len() != 2 {
		t.Fatalf("len after clear = %d, want 2", s.Len())
	}
	if _, ok := s.Get("userId"); !ok {
		t.Fatal("userId lost on clear")
	}
	if _, ok := s.Get("username"); !ok {
		t.Fatal("username lost on clear")
	}
	if _, ok := s.Get("projectId"); ok {
		t.Fatal("projectId survived clear")
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s := New()
	s.Set("k", "v")
	snap := s.Snapshot()
	snap["k"] = "mutated"
	if v, _ := s.Get("k"); v != "v" {
		t.Fatalf("snapshot aliased store: %v", v)
	}
}
