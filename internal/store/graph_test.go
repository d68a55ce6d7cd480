package store

import (
	"context"
	"testing"
)

func TestGraphApplyOpsAndQueryRoundTrip(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}

	_, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "A", Tags: []string{"x"}}},
		{NodeUpsert: &NodeUpsert{Id: "n:b", Type: "concept", Title: "B"}},
		{EdgeUpsert: &EdgeUpsert{From: "n:a", Rel: "relates_to", To: "n:b"}},
	})
	if err != nil {
		t.Fatalf("apply ops: %v", err)
	}

	result, err := s.GraphQuery(ctx, "ws1", "main", "graph", GraphQueryFilter{IncludeEdges: true})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(result.Nodes))
	}
	if len(result.Edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(result.Edges))
	}
}

func TestGraphApplyOpsDeleteTombstonesNode(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "A"}},
	}); err != nil {
		t.Fatalf("apply ops: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeDelete: &NodeDelete{Id: "n:a"}},
	}); err != nil {
		t.Fatalf("apply delete: %v", err)
	}

	result, err := s.GraphQuery(ctx, "ws1", "main", "graph", GraphQueryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Nodes) != 0 {
		t.Fatalf("expected deleted node excluded from projection, got %d", len(result.Nodes))
	}
}

func TestGraphMergeFastForwardsUnconflicted(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/alt", "main"); err != nil {
		t.Fatalf("create main/alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main/alt", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "A on alt"}},
	}); err != nil {
		t.Fatalf("apply ops on alt: %v", err)
	}

	mergeResult, err := s.GraphMerge(ctx, "ws1", "main/alt", "main", "graph", false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if mergeResult.Merged != 1 || len(mergeResult.Conflicts) != 0 {
		t.Fatalf("expected clean fast-forward merge, got %+v", mergeResult)
	}

	result, err := s.GraphQuery(ctx, "ws1", "main", "graph", GraphQueryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Nodes) != 1 || result.Nodes[0].Title != "A on alt" {
		t.Fatalf("expected merged node visible on main, got %+v", result.Nodes)
	}
}

func TestGraphMergeDetectsConflictWhenBothSidesChange(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "original"}},
	}); err != nil {
		t.Fatalf("apply ops on main: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/alt", "main"); err != nil {
		t.Fatalf("create main/alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main/alt", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "from alt"}},
	}); err != nil {
		t.Fatalf("apply ops on alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "from main"}},
	}); err != nil {
		t.Fatalf("apply ops on main: %v", err)
	}

	mergeResult, err := s.GraphMerge(ctx, "ws1", "main/alt", "main", "graph", false)
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(mergeResult.Conflicts) != 1 {
		t.Fatalf("expected exactly one conflict, got %+v", mergeResult)
	}

	conflicts, err := s.GraphConflictShow(ctx, "ws1", "graph", "main", "main/alt", true)
	if err != nil {
		t.Fatalf("conflict show: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Key != "n:a" {
		t.Fatalf("expected open conflict on n:a, got %+v", conflicts)
	}

	if err := s.GraphConflictResolve(ctx, "ws1", conflicts[0].ConflictId, "use_from", nil); err != nil {
		t.Fatalf("resolve conflict: %v", err)
	}

	result, err := s.GraphQuery(ctx, "ws1", "main", "graph", GraphQueryFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(result.Nodes) != 1 || result.Nodes[0].Title != "from alt" {
		t.Fatalf("expected use_from resolution to apply alt's title, got %+v", result.Nodes)
	}

	again, err := s.GraphMerge(ctx, "ws1", "main/alt", "main", "graph", false)
	if err != nil {
		t.Fatalf("re-merge: %v", err)
	}
	if len(again.Conflicts) != 0 {
		t.Fatalf("expected resolved conflict to stay resolved, got %+v", again)
	}
}

func TestGraphMergeDryRunSurfacesEdgeOnlyConflicts(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "A"}},
		{NodeUpsert: &NodeUpsert{Id: "n:b", Type: "concept", Title: "B"}},
		{EdgeUpsert: &EdgeUpsert{From: "n:a", Rel: "relates_to", To: "n:b"}},
	}); err != nil {
		t.Fatalf("apply ops on main: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/alt", "main"); err != nil {
		t.Fatalf("create main/alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main/alt", "graph", []GraphOp{
		{EdgeUpsert: &EdgeUpsert{From: "n:a", Rel: "relates_to", To: "n:b", Meta: map[string]any{"weight": "from alt"}}},
	}); err != nil {
		t.Fatalf("apply ops on alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{EdgeUpsert: &EdgeUpsert{From: "n:a", Rel: "relates_to", To: "n:b", Meta: map[string]any{"weight": "from main"}}},
	}); err != nil {
		t.Fatalf("apply ops on main: %v", err)
	}

	// Only the edge changed on both sides; no node conflict exists. A
	// dry-run preview must still surface it, not just a real merge.
	preview, err := s.GraphMerge(ctx, "ws1", "main/alt", "main", "graph", true)
	if err != nil {
		t.Fatalf("dry-run merge: %v", err)
	}
	if len(preview.Conflicts) != 1 {
		t.Fatalf("expected dry-run to surface the edge-only conflict, got %+v", preview)
	}

	conflicts, err := s.GraphConflictShow(ctx, "ws1", "graph", "main", "main/alt", true)
	if err != nil {
		t.Fatalf("conflict show: %v", err)
	}
	if len(conflicts) != 0 {
		t.Fatalf("expected dry-run to record nothing, got %+v", conflicts)
	}

	real, err := s.GraphMerge(ctx, "ws1", "main/alt", "main", "graph", false)
	if err != nil {
		t.Fatalf("real merge: %v", err)
	}
	if len(real.Conflicts) != 1 {
		t.Fatalf("expected real merge to record the same conflict, got %+v", real)
	}
}

func TestGraphValidateReportsDanglingEdge(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "A"}},
		{EdgeUpsert: &EdgeUpsert{From: "n:a", Rel: "relates_to", To: "n:missing"}},
	}); err != nil {
		t.Fatalf("apply ops: %v", err)
	}

	result, err := s.GraphValidate(ctx, "ws1", "main", "graph", 0)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if result.Ok {
		t.Fatal("expected validation to fail on dangling edge")
	}
	if len(result.Errors) == 0 {
		t.Fatal("expected at least one validation error")
	}
}

func TestGraphDiffReportsChangedNode(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "original"}},
	}); err != nil {
		t.Fatalf("apply ops: %v", err)
	}
	if _, err := s.BranchCreate(ctx, "ws1", "main/alt", "main"); err != nil {
		t.Fatalf("create main/alt: %v", err)
	}
	if _, err := s.GraphApplyOps(ctx, "ws1", "main/alt", "graph", []GraphOp{
		{NodeUpsert: &NodeUpsert{Id: "n:a", Type: "concept", Title: "changed on alt"}},
	}); err != nil {
		t.Fatalf("apply ops on alt: %v", err)
	}

	diff, err := s.GraphDiff(ctx, "ws1", "main", "main/alt", "graph", 0, 100)
	if err != nil {
		t.Fatalf("diff: %v", err)
	}
	if len(diff.Changes) != 1 || diff.Changes[0].Node == nil || diff.Changes[0].Node.Title != "changed on alt" {
		t.Fatalf("expected one changed-node diff entry, got %+v", diff.Changes)
	}
}
