package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/branchmind/branchmind/internal/clock"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "workbench_test.db")
	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// tempStoreWithClock opens a store backed by a clock.Fixed so tests can
// advance time deterministically instead of sleeping past lease TTLs.
func tempStoreWithClock(t *testing.T, startMs int64) (*Store, *clock.Fixed) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "workbench_test.db")
	fixed := clock.NewFixed(startMs)
	s, err := OpenWithClock(dbPath, fixed)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, fixed
}

func TestEnsureWorkspaceIsIdempotent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	if _, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "first"}); err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "second"}); err != nil {
		t.Fatalf("create second plan: %v", err)
	}

	var count int
	row := s.DB().QueryRow(`SELECT COUNT(*) FROM workspaces WHERE workspace = 'ws1'`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly one workspace row, got %d", count)
	}
}

func TestSeqIsMonotonicAcrossOperations(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	plan, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "plan"})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "task"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	rows, err := s.DB().Query(`SELECT seq FROM events WHERE workspace = 'ws1' ORDER BY seq ASC`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()

	var last int64 = -1
	count := 0
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			t.Fatalf("scan seq: %v", err)
		}
		if seq <= last {
			t.Fatalf("seq not strictly increasing: %d then %d", last, seq)
		}
		last = seq
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 events (plan_created, task_created), got %d", count)
	}
	_ = task
}
