package store

import (
	"context"
	"testing"
)

func TestEditTaskRejectsDependencyCycle(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	plan, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "plan"})
	if err != nil {
		t.Fatalf("plan create: %v", err)
	}
	a, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "a"})
	if err != nil {
		t.Fatalf("task create a: %v", err)
	}
	b, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "b", DependsOn: []string{a.Id}})
	if err != nil {
		t.Fatalf("task create b: %v", err)
	}

	_, err = s.EditTask(ctx, "ws1", a.Id, TaskEditPatch{DependsOn: []string{b.Id}, DependsOnSet: true})
	if err == nil {
		t.Fatal("expected cycle rejection, got nil error")
	}
}

func TestEditTaskAllowsAcyclicDependencyChange(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	plan, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "plan"})
	if err != nil {
		t.Fatalf("plan create: %v", err)
	}
	a, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "a"})
	if err != nil {
		t.Fatalf("task create a: %v", err)
	}
	b, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "b"})
	if err != nil {
		t.Fatalf("task create b: %v", err)
	}

	if _, err := s.EditTask(ctx, "ws1", b.Id, TaskEditPatch{DependsOn: []string{a.Id}, DependsOnSet: true}); err != nil {
		t.Fatalf("edit task: %v", err)
	}
}

func TestReadyTasksExcludesBlockedDependents(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	plan, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "plan"})
	if err != nil {
		t.Fatalf("plan create: %v", err)
	}
	a, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "a"})
	if err != nil {
		t.Fatalf("task create a: %v", err)
	}
	b, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "b", DependsOn: []string{a.Id}})
	if err != nil {
		t.Fatalf("task create b: %v", err)
	}

	ready, err := s.ReadyTasks(ctx, "ws1")
	if err != nil {
		t.Fatalf("ready tasks: %v", err)
	}
	if len(ready) != 1 || ready[0].Id != a.Id {
		t.Fatalf("expected only %s ready, got %+v", a.Id, ready)
	}

	closedStatus := "closed"
	if _, err := s.EditTask(ctx, "ws1", a.Id, TaskEditPatch{Status: &closedStatus}); err != nil {
		t.Fatalf("close a: %v", err)
	}

	ready, err = s.ReadyTasks(ctx, "ws1")
	if err != nil {
		t.Fatalf("ready tasks after close: %v", err)
	}
	if len(ready) != 1 || ready[0].Id != b.Id {
		t.Fatalf("expected only %s ready after a closed, got %+v", b.Id, ready)
	}
}

func TestValidateTaskGraphFindsUnknownDependency(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()

	plan, err := s.PlanCreate(ctx, "ws1", PlanCreateInput{Title: "plan"})
	if err != nil {
		t.Fatalf("plan create: %v", err)
	}
	if _, err := s.TaskCreate(ctx, "ws1", TaskCreateInput{ParentPlanId: plan.Id, Title: "a", DependsOn: []string{"TASK-ghost"}}); err != nil {
		t.Fatalf("task create: %v", err)
	}

	issues, err := s.ValidateTaskGraph(ctx, "ws1")
	if err != nil {
		t.Fatalf("validate task graph: %v", err)
	}
	found := false
	for _, issue := range issues {
		if issue.Code == "UNKNOWN_DEPENDS_ON" && issue.Detail == "TASK-ghost" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected UNKNOWN_DEPENDS_ON issue, got %+v", issues)
	}
}
