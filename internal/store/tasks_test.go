package store

import (
	"context"
	"errors"
	"testing"

	"github.com/branchmind/branchmind/internal/errs"
)

func mustPlan(t *testing.T, s *Store, workspace string) *Plan {
	t.Helper()
	p, err := s.PlanCreate(context.Background(), workspace, PlanCreateInput{Title: "plan A"})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func TestTaskCreateRequiresExistingPlan(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	_, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: "PLAN-missing", Title: "t"})
	if err == nil {
		t.Fatal("expected error for missing parent plan")
	}
	var storeErr *errs.StoreError
	if !errors.As(err, &storeErr) || storeErr.Code != errs.CodeUnknownID {
		t.Fatalf("expected UNKNOWN_ID, got %v", err)
	}
}

func TestEditTaskBumpsRevisionByExactlyOne(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	plan := mustPlan(t, s, "ws1")
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Revision != 1 {
		t.Fatalf("expected initial revision 1, got %d", task.Revision)
	}

	newTitle := "t1 renamed"
	after, err := s.EditTask(ctx, "ws1", task.Id, TaskEditPatch{Title: &newTitle})
	if err != nil {
		t.Fatalf("edit task: %v", err)
	}
	if after.Revision != 2 {
		t.Fatalf("expected revision 2 after edit, got %d", after.Revision)
	}
	if after.Title != newTitle {
		t.Fatalf("expected title updated, got %q", after.Title)
	}
}

func TestEditTaskRevisionMismatch(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	plan := mustPlan(t, s, "ws1")
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	wrong := int64(99)
	_, err = s.EditTask(ctx, "ws1", task.Id, TaskEditPatch{ExpectedRevision: &wrong})
	var mismatch *errs.RevisionMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected RevisionMismatch, got %v", err)
	}
	if mismatch.Expected != 99 || mismatch.Actual != 1 {
		t.Fatalf("unexpected mismatch fields: %+v", mismatch)
	}
}

func TestDeletePlanCascadesTasksAndSteps(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	plan := mustPlan(t, s, "ws1")
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step one"}}); err != nil {
		t.Fatalf("decompose: %v", err)
	}

	if err := s.DeletePlan(ctx, "ws1", plan.Id); err != nil {
		t.Fatalf("delete plan: %v", err)
	}

	if _, err := s.GetTask(ctx, "ws1", task.Id); err == nil {
		t.Fatal("expected task to be gone after cascade delete")
	}
	var stepCount int
	row := s.DB().QueryRow(`SELECT COUNT(*) FROM steps WHERE workspace = 'ws1' AND task_id = ?`, task.Id)
	if err := row.Scan(&stepCount); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if stepCount != 0 {
		t.Fatalf("expected steps cascaded away, found %d", stepCount)
	}
}

func TestUndoRestoresPreviousTaskState(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	plan := mustPlan(t, s, "ws1")
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "original"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	newTitle := "changed"
	if _, err := s.EditTask(ctx, "ws1", task.Id, TaskEditPatch{Title: &newTitle}); err != nil {
		t.Fatalf("edit task: %v", err)
	}

	if _, err := s.UndoLast(ctx, "ws1", task.Id); err != nil {
		t.Fatalf("undo: %v", err)
	}

	restored, err := s.GetTask(ctx, "ws1", task.Id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if restored.Title != "original" {
		t.Fatalf("expected title restored to original, got %q", restored.Title)
	}
}

func TestTasksBootstrapCreatesPlanTaskAndSteps(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	result, err := s.TasksBootstrap(ctx, "ws1", TasksBootstrapInput{
		Plan: PlanCreateInput{Title: "bootstrap plan"},
		Task: TaskCreateInput{Title: "bootstrap task"},
		Steps: []StepSpec{
			{Title: "step one"},
			{Title: "step two"},
		},
	})
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if result.Plan.Id == "" || result.Task.ParentPlanId != result.Plan.Id {
		t.Fatalf("expected task to be parented under the new plan, got %+v / %+v", result.Plan, result.Task)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("expected 2 steps decomposed, got %d", len(result.Steps))
	}

	task, err := s.GetTask(ctx, "ws1", result.Task.Id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Title != "bootstrap task" {
		t.Fatalf("expected the bootstrapped task to be persisted, got %+v", task)
	}
}

func TestTasksBootstrapRejectsEmptyTitles(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_, err := s.TasksBootstrap(ctx, "ws1", TasksBootstrapInput{
		Plan: PlanCreateInput{Title: ""},
		Task: TaskCreateInput{Title: "t"},
	})
	if errs.CodeOf(err) != errs.CodeInvalidInput {
		t.Fatalf("expected INVALID_INPUT for empty plan title, got %v", err)
	}
}

func TestTaskHistoryReturnsOpsAndEventsNewestFirst(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	plan := mustPlan(t, s, "ws1")
	task, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "t1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	t1, t2 := "first edit", "second edit"
	if _, err := s.EditTask(ctx, "ws1", task.Id, TaskEditPatch{Title: &t1}); err != nil {
		t.Fatalf("edit 1: %v", err)
	}
	if _, err := s.EditTask(ctx, "ws1", task.Id, TaskEditPatch{Title: &t2}); err != nil {
		t.Fatalf("edit 2: %v", err)
	}

	page, err := s.TaskHistory(ctx, "ws1", task.Id, 0, 0, 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page.History) != 2 {
		t.Fatalf("expected 2 ops_history rows, got %d: %+v", len(page.History), page.History)
	}
	if page.History[0].Intent != intentEditTask {
		t.Fatalf("expected newest-first edit history, got %+v", page.History[0])
	}
	if len(page.Events) < 2 {
		t.Fatalf("expected at least task_created + 2 task_edited events, got %d", len(page.Events))
	}
}
