package store

import (
	"context"
	"errors"
	"testing"

	"github.com/branchmind/branchmind/internal/errs"
)

func mustTask(t *testing.T, s *Store, workspace string) *Task {
	t.Helper()
	ctx := context.Background()
	plan := mustPlan(t, s, workspace)
	task, err := s.TaskCreate(ctx, workspace, TaskCreateInput{ParentPlanId: plan.Id, Title: "task"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestStepsDecomposeDenseOrdinals(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")

	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{
		{Title: "first"}, {Title: "second"}, {Title: "third"},
	})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(refs) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(refs))
	}
	want := []string{"s:0", "s:1", "s:2"}
	for i, r := range refs {
		if r.Path != want[i] {
			t.Fatalf("step %d: expected path %s, got %s", i, want[i], r.Path)
		}
	}

	more, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "fourth"}})
	if err != nil {
		t.Fatalf("decompose more: %v", err)
	}
	if more[0].Path != "s:3" {
		t.Fatalf("expected dense ordinal s:3, got %s", more[0].Path)
	}
}

func TestStepCloseFailsWithoutCriteriaOrTestsConfirmed(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "only step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}

	_, err = s.StepClose(ctx, "ws1", task.Id, StepSelector{StepId: refs[0].StepId}, StepProgressConfirm{}, false)
	var cnc *errs.CheckpointsNotConfirmed
	if !errors.As(err, &cnc) {
		t.Fatalf("expected CheckpointsNotConfirmed, got %v", err)
	}
}

func TestStepCloseRequiresProofEvidenceWhenModeRequire(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	sel := StepSelector{StepId: refs[0].StepId}

	require := "require"
	if _, err := s.StepDefine(ctx, "ws1", task.Id, sel, StepDefinePatch{ProofTestsMode: &require}); err != nil {
		t.Fatalf("step define: %v", err)
	}

	tru := true
	_, err = s.StepClose(ctx, "ws1", task.Id, sel, StepProgressConfirm{CriteriaConfirmed: &tru, TestsConfirmed: &tru}, false)
	var missing *errs.ProofMissing
	if !errors.As(err, &missing) || !missing.Tests {
		t.Fatalf("expected ProofMissing{Tests:true}, got %v", err)
	}

	if err := s.EvidenceCapture(ctx, "ws1", "step", refs[0].StepId, []string{"tests"}, []EvidenceArtifact{
		{Kind: "cmd", Command: "go test ./..."},
	}); err != nil {
		t.Fatalf("evidence capture: %v", err)
	}

	closed, err := s.StepClose(ctx, "ws1", task.Id, sel, StepProgressConfirm{CriteriaConfirmed: &tru, TestsConfirmed: &tru}, false)
	if err != nil {
		t.Fatalf("expected step_close to succeed after evidence captured, got %v", err)
	}
	if !closed.Completed {
		t.Fatal("expected step marked completed")
	}
}

func TestStepCloseEmitsVerifiedThenDoneSameTimestamp(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	tru := true
	if _, err := s.StepClose(ctx, "ws1", task.Id, StepSelector{StepId: refs[0].StepId}, StepProgressConfirm{CriteriaConfirmed: &tru, TestsConfirmed: &tru}, false); err != nil {
		t.Fatalf("step close: %v", err)
	}

	rows, err := s.DB().Query(`SELECT event_type, ts_ms FROM events WHERE workspace = 'ws1' AND event_type IN ('step_verified','step_done') ORDER BY seq ASC`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	var types []string
	var timestamps []int64
	for rows.Next() {
		var typ string
		var ts int64
		if err := rows.Scan(&typ, &ts); err != nil {
			t.Fatalf("scan: %v", err)
		}
		types = append(types, typ)
		timestamps = append(timestamps, ts)
	}
	if len(types) != 2 || types[0] != "step_verified" || types[1] != "step_done" {
		t.Fatalf("expected [step_verified step_done], got %v", types)
	}
	if timestamps[0] != timestamps[1] {
		t.Fatalf("expected same ts_ms for both events, got %v", timestamps)
	}
}
