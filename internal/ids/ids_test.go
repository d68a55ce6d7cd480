package ids

import "testing"

func TestWorkspaceId(t *testing.T) {
	if _, err := WorkspaceId("team-a/proj_1.2"); err != nil {
		t.Fatalf("expected valid workspace id, got %v", err)
	}
	if _, err := WorkspaceId(""); err == nil {
		t.Fatal("expected error for empty workspace id")
	}
	if _, err := WorkspaceId(string(make([]byte, 129))); err == nil {
		t.Fatal("expected error for over-long workspace id")
	}
}

func TestNormalizeTags(t *testing.T) {
	tags, err := NormalizeTags([]string{" Foo", "bar", "foo", "BAR"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"bar", "foo"}
	if len(tags) != len(want) {
		t.Fatalf("got %v, want %v", tags, want)
	}
	for i := range want {
		if tags[i] != want[i] {
			t.Fatalf("got %v, want %v", tags, want)
		}
	}
}

func TestTagRejectsPipe(t *testing.T) {
	if _, err := Tag("a|b"); err == nil {
		t.Fatal("expected error for tag containing '|'")
	}
}

func TestConflictIdDeterministic(t *testing.T) {
	a := NewConflictId("ws", "kb-graph", "main", "main/dev", "node", "n1")
	b := NewConflictId("ws", "kb-graph", "main", "main/dev", "node", "n1")
	if a != b {
		t.Fatalf("conflict id not deterministic: %s != %s", a, b)
	}
	if _, err := ConflictId(a); err != nil {
		t.Fatalf("derived conflict id failed validation: %v", err)
	}
	c := NewConflictId("ws", "kb-graph", "main", "main/dev", "node", "n2")
	if a == c {
		t.Fatal("different keys produced the same conflict id")
	}
}

func TestAnchorAndKnowledgeKey(t *testing.T) {
	if _, err := AnchorId("a:my-anchor"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := AnchorId("my-anchor"); err == nil {
		t.Fatal("expected error for missing a: prefix")
	}
	if _, err := KnowledgeKey("k:my-key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStepPathRoundTrip(t *testing.T) {
	p, err := ParseStepPath("s:0/1/2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.String() != "s:0/1/2" {
		t.Fatalf("got %s", p.String())
	}
	parent, ok := p.Parent()
	if !ok || parent.String() != "s:0/1" {
		t.Fatalf("got parent %s, ok=%v", parent.String(), ok)
	}
	child := parent.Child(9)
	if child.String() != "s:0/1/9" {
		t.Fatalf("got %s", child.String())
	}
	if !p.IsDescendantOf(parent) {
		t.Fatal("expected p to be descendant of parent")
	}
	if p.IsDescendantOf(p) {
		t.Fatal("path should not be its own descendant")
	}
}

func TestRootStepPath(t *testing.T) {
	root := RootStepPath()
	if root.String() != "s:" {
		t.Fatalf("got %s", root.String())
	}
	if _, ok := root.Parent(); ok {
		t.Fatal("root should have no parent")
	}
}
