package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/branchmind/branchmind/internal/errs"
)

func TestJobClaimThenReportThenComplete(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "run tests"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 0, false)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != JobRunning || claimed.ClaimRevision != 1 {
		t.Fatalf("expected RUNNING claim_revision=1, got %+v", claimed)
	}

	_, err = s.JobClaim(ctx, "ws1", job.Id, "runner-2", 0, false)
	var notClaimable *errs.JobNotClaimable
	if !errors.As(err, &notClaimable) {
		t.Fatalf("expected JobNotClaimable for double claim, got %v", err)
	}

	reported, err := s.JobReport(ctx, "ws1", job.Id, JobReportInput{
		RunnerId: "runner-1", ClaimRevision: 1, Kind: "progress", Message: "halfway",
	}, false)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if reported.Status != JobRunning {
		t.Fatalf("expected still RUNNING after report, got %s", reported.Status)
	}

	completed, err := s.JobComplete(ctx, "ws1", job.Id, JobCompleteInput{
		RunnerId: "runner-1", ClaimRevision: 1, Status: JobDone, Summary: "ok",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if completed.Status != JobDone {
		t.Fatalf("expected DONE, got %s", completed.Status)
	}
}

func TestJobReportRejectsClaimMismatch(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "run tests"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 0, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = s.JobReport(ctx, "ws1", job.Id, JobReportInput{RunnerId: "runner-2", ClaimRevision: 1, Kind: "progress"}, false)
	var mismatch *errs.JobClaimMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected JobClaimMismatch, got %v", err)
	}
}

func TestJobReportStrictProgressSchemaRequiresStepFields(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "run tests"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 0, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = s.JobReport(ctx, "ws1", job.Id, JobReportInput{RunnerId: "runner-1", ClaimRevision: 1, Kind: "progress"}, true)
	if err == nil {
		t.Fatal("expected strict progress schema violation to fail")
	}

	_, err = s.JobReport(ctx, "ws1", job.Id, JobReportInput{
		RunnerId: "runner-1", ClaimRevision: 1, Kind: "progress",
		Meta: map[string]any{"step": map[string]any{"command": "go test ./...", "result": "pass"}},
	}, true)
	if err != nil {
		t.Fatalf("expected well-formed strict progress report to succeed, got %v", err)
	}
}

func TestJobClaimAllowsStaleReclaim(t *testing.T) {
	s, fixed := tempStoreWithClock(t, 1_700_000_000_000)
	ctx := context.Background()
	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "run tests"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 1000, false); err != nil {
		t.Fatalf("claim: %v", err)
	}

	_, err = s.JobClaim(ctx, "ws1", job.Id, "runner-2", 1000, false)
	var notClaimable *errs.JobNotClaimable
	if !errors.As(err, &notClaimable) {
		t.Fatalf("expected JobNotClaimable while lease is live, got %v", err)
	}

	fixed.Advance(2 * time.Second)

	reclaimed, err := s.JobClaim(ctx, "ws1", job.Id, "runner-2", 1000, true)
	if err != nil {
		t.Fatalf("expected allow_stale reclaim to succeed, got %v", err)
	}
	if reclaimed.RunnerId != "runner-2" || reclaimed.ClaimRevision != 2 {
		t.Fatalf("expected reclaim by runner-2 with claim_revision=2, got %+v", reclaimed)
	}
}

func TestJobOpenReturnsJobEventsAndLease(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	job, err := s.JobCreate(ctx, "ws1", JobCreateInput{Title: "run tests"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.RunnerHeartbeat(ctx, "ws1", "runner-1", RunnerIdle, "", 60000, nil); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, err := s.JobClaim(ctx, "ws1", job.Id, "runner-1", 60000, false); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := s.JobReport(ctx, "ws1", job.Id, JobReportInput{
		RunnerId: "runner-1", ClaimRevision: 1, Kind: "progress", Message: "halfway",
	}, false); err != nil {
		t.Fatalf("report: %v", err)
	}

	open, err := s.JobOpen(ctx, "ws1", job.Id, 10)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if open.Job.Status != JobRunning {
		t.Fatalf("expected job composite to carry current status, got %s", open.Job.Status)
	}
	if len(open.Events) != 3 {
		t.Fatalf("expected queued+claimed+progress events, got %d: %+v", len(open.Events), open.Events)
	}
	if open.Events[0].Kind != "queued" || open.Events[len(open.Events)-1].Kind != "progress" {
		t.Fatalf("expected events oldest-first ending in progress, got %+v", open.Events)
	}
	if open.Lease == nil || open.Lease.RunnerId != "runner-1" {
		t.Fatalf("expected the claiming runner's lease attached, got %+v", open.Lease)
	}
}

func TestJobOpenUnknownJobIsUnknownID(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	_, err := s.JobOpen(ctx, "ws1", "JOB-missing", 10)
	if errs.CodeOf(err) != errs.CodeUnknownID {
		t.Fatalf("expected UNKNOWN_ID, got %v", err)
	}
}
