package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/branchmind/branchmind/internal/errs"
)

func validSlicePlanJSON(taskCount, stepsPerTask int) string {
	tasks := ""
	for i := 0; i < taskCount; i++ {
		steps := ""
		for j := 0; j < stepsPerTask; j++ {
			if j > 0 {
				steps += ","
			}
			steps += fmt.Sprintf(`{"title":"task %d step %d","success_criteria":["done"],"tests":["t"]}`, i, j)
		}
		if i > 0 {
			tasks += ","
		}
		tasks += fmt.Sprintf(`{"title":"task %d","success_criteria":["sc"],"tests":["t"],"blockers":[],"steps":[%s]}`, i, steps)
	}
	return fmt.Sprintf(`{"objective":"ship the thing","dod":{"criteria":["c"],"tests":["t"],"blockers":["b"]},"tasks":[%s]}`, tasks)
}

func TestDocImportSlicePlanCreatesPlanTasksAndSteps(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}

	result, err := s.DocImportSlicePlan(ctx, "ws1", "main", "", validSlicePlanJSON(3, 3))
	if err != nil {
		t.Fatalf("import slice plan: %v", err)
	}
	if result.Plan.Title != "Slice: ship the thing" {
		t.Fatalf("expected default title derived from objective, got %q", result.Plan.Title)
	}
	if len(result.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(result.Tasks))
	}
	for _, tw := range result.Tasks {
		if tw.Task.ParentPlanId != result.Plan.Id {
			t.Fatalf("expected task %s parented under plan %s, got %s", tw.Task.Id, result.Plan.Id, tw.Task.ParentPlanId)
		}
		if len(tw.Steps) != 3 {
			t.Fatalf("expected 3 steps per task, got %d", len(tw.Steps))
		}
	}

	entries, _, _, err := s.DocEntriesVisible(ctx, "ws1", "main", "plan_spec.v1", 0, 10)
	if err != nil {
		t.Fatalf("doc entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "plan_spec" {
		t.Fatalf("expected the raw spec appended as one plan_spec doc entry, got %+v", entries)
	}
}

func TestDocImportSlicePlanRejectsTooFewTasks(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	_, err := s.DocImportSlicePlan(ctx, "ws1", "main", "", validSlicePlanJSON(2, 3))
	if errs.CodeOf(err) != errs.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for too few tasks, got %v", err)
	}
}

func TestDocImportSlicePlanRejectsDuplicateTaskTitles(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	if _, err := s.BranchCreate(ctx, "ws1", "main", ""); err != nil {
		t.Fatalf("create main: %v", err)
	}
	raw := `{"objective":"x","tasks":[
		{"title":"Same","success_criteria":["a"],"tests":["t"],"steps":[{"title":"s1"},{"title":"s2"},{"title":"s3"}]},
		{"title":"same","success_criteria":["a"],"tests":["t"],"steps":[{"title":"s1"},{"title":"s2"},{"title":"s3"}]},
		{"title":"Other","success_criteria":["a"],"tests":["t"],"steps":[{"title":"s1"},{"title":"s2"},{"title":"s3"}]}
	]}`
	_, err := s.DocImportSlicePlan(ctx, "ws1", "main", "", raw)
	if errs.CodeOf(err) != errs.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for case-insensitive duplicate task titles, got %v", err)
	}
}

func TestDocImportSlicePlanUnknownBranch(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_, err := s.DocImportSlicePlan(ctx, "ws1", "missing", "", validSlicePlanJSON(3, 3))
	if errs.CodeOf(err) != errs.CodeUnknownID {
		t.Fatalf("expected UNKNOWN_ID for missing branch, got %v", err)
	}
}
