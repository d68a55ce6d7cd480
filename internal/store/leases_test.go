package store

import (
	"context"
	"errors"
	"testing"

	"github.com/branchmind/branchmind/internal/errs"
)

func TestStepLeaseHeldBlocksForeignWriter(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	stepID := refs[0].StepId

	if _, err := s.StepLeaseClaim(ctx, "ws1", stepID, "agent-a", 0, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = s.StepLeaseClaim(ctx, "ws1", stepID, "agent-b", 0, false)
	var held *errs.StepLeaseHeld
	if !errors.As(err, &held) {
		t.Fatalf("expected StepLeaseHeld, got %v", err)
	}
	if held.HolderAgent != "agent-a" {
		t.Fatalf("expected holder agent-a, got %s", held.HolderAgent)
	}
}

func TestStepLeaseForceTakeoverEmitsEvent(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	stepID := refs[0].StepId

	if _, err := s.StepLeaseClaim(ctx, "ws1", stepID, "agent-a", 0, false); err != nil {
		t.Fatalf("claim: %v", err)
	}
	lease, err := s.StepLeaseClaim(ctx, "ws1", stepID, "agent-b", 0, true)
	if err != nil {
		t.Fatalf("forced takeover: %v", err)
	}
	if lease.HolderAgentId != "agent-b" {
		t.Fatalf("expected new holder agent-b, got %s", lease.HolderAgentId)
	}

	var n int
	row := s.DB().QueryRow(`SELECT COUNT(*) FROM events WHERE workspace = 'ws1' AND event_type = 'step_lease_taken_over'`)
	if err := row.Scan(&n); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one step_lease_taken_over event, got %d", n)
	}
}

func TestStepLeaseReleaseRequiresHolder(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	task := mustTask(t, s, "ws1")
	refs, err := s.StepsDecompose(ctx, "ws1", task.Id, "", []StepSpec{{Title: "step"}})
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	stepID := refs[0].StepId

	if _, err := s.StepLeaseClaim(ctx, "ws1", stepID, "agent-a", 0, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	err = s.StepLeaseRelease(ctx, "ws1", stepID, "agent-b")
	var notHeld *errs.StepLeaseNotHeld
	if !errors.As(err, &notHeld) {
		t.Fatalf("expected StepLeaseNotHeld, got %v", err)
	}

	if err := s.StepLeaseRelease(ctx, "ws1", stepID, "agent-a"); err != nil {
		t.Fatalf("expected release by holder to succeed, got %v", err)
	}
}
