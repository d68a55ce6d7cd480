package store

import (
	"context"
	"testing"
	"time"
)

func TestSweepRequeuesJobsOfDeadRunners(t *testing.T) {
	s, fixed := tempStoreWithClock(t, 1_700_000_000_000)
	ctx := context.Background()

	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "long task"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.RunnerHeartbeat(ctx, "ws1", "runner-1", RunnerBusy, job.Id, 500, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 500, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fixed.Advance(2 * time.Second)

	result, err := s.Sweep(ctx, "ws1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.JobsRequeued) != 1 || result.JobsRequeued[0] != job.Id {
		t.Fatalf("expected job %s requeued, got %+v", job.Id, result)
	}

	reloaded, err := s.GetJob(ctx, "ws1", job.Id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reloaded.Status != JobQueued {
		t.Fatalf("expected job back to QUEUED, got %s", reloaded.Status)
	}
}

func TestSweepLeavesJobsOfLiveRunnersAlone(t *testing.T) {
	s, fixed := tempStoreWithClock(t, 1_700_000_000_000)
	ctx := context.Background()

	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "long task"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.RunnerHeartbeat(ctx, "ws1", "runner-1", RunnerBusy, job.Id, 60000, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 500, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	fixed.Advance(2 * time.Second)

	result, err := s.Sweep(ctx, "ws1")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(result.JobsRequeued) != 0 {
		t.Fatalf("expected no jobs requeued while runner still heartbeats, got %+v", result)
	}
}
