package store

import (
	"context"
	"testing"
)

func TestDocMergeNotesRoundTrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/dev", "main"); err != nil {
		t.Fatalf("create main/dev: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.DocAppend(ctx, "ws1", "main/dev", "notes", "note", "", "", nil, "note body"); err != nil {
			t.Fatalf("append note %d: %v", i, err)
		}
	}

	first, err := s.DocMergeNotes(ctx, "ws1", "main/dev", "main", "notes", 0, 100, false)
	if err != nil {
		t.Fatalf("merge notes: %v", err)
	}
	if first.Merged != 3 || first.Skipped != 0 {
		t.Fatalf("expected merged=3 skipped=0, got %+v", first)
	}

	second, err := s.DocMergeNotes(ctx, "ws1", "main/dev", "main", "notes", 0, 100, false)
	if err != nil {
		t.Fatalf("merge notes again: %v", err)
	}
	if second.Merged != 0 || second.Skipped != 3 {
		t.Fatalf("expected merged=0 skipped=3 on second pass, got %+v", second)
	}
}

func TestBranchVisibilityRespectsAncestorCutoff(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.DocAppend(ctx, "ws1", "main", "notes", "note", "", "", nil, "before fork"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/dev", "main"); err != nil {
		t.Fatalf("create main/dev: %v", err)
	}
	if _, err := s.DocAppend(ctx, "ws1", "main", "notes", "note", "", "", nil, "after fork on main"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, _, _, err := s.DocEntriesVisible(ctx, "ws1", "main/dev", "notes", 0, 100)
	if err != nil {
		t.Fatalf("visible entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "before fork" {
		t.Fatalf("expected only the pre-fork entry visible on main/dev, got %+v", entries)
	}
}
