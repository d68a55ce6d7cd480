package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/branchmind/branchmind/internal/errs"
)

const (
	JobQueued   = "QUEUED"
	JobRunning  = "RUNNING"
	JobDone     = "DONE"
	JobFailed   = "FAILED"
	JobCanceled = "CANCELED"
)

const (
	minLeaseTTLMs int64 = 1000
	maxLeaseTTLMs int64 = 5 * 60 * 1000
)

func clampLeaseTTLMs(ttl int64) int64 {
	if ttl < minLeaseTTLMs {
		return minLeaseTTLMs
	}
	if ttl > maxLeaseTTLMs {
		return maxLeaseTTLMs
	}
	return ttl
}

// Job mirrors one jobs row, per spec §4.7.
type Job struct {
	Id               string
	Title            string
	Kind             string
	Priority         int
	Status           string
	RunnerId         string
	ClaimRevision    int64
	LeaseExpiresAtMs *int64
	Executor         string
	Profile          string
	Meta             map[string]any
	Refs             []string
	Prompt           string
	Summary          string
	CreatedAtMs      int64
	UpdatedAtMs      int64
}

// JobCreateInput is job_create's argument set.
type JobCreateInput struct {
	Title    string
	Kind     string
	Priority int
	Executor string
	Profile  string
	Meta     map[string]any
	Refs     []string
	Prompt   string
}

// JobCreate inserts a new QUEUED job and appends a "queued" job event.
func (s *Store) JobCreate(ctx context.Context, workspace string, in JobCreateInput) (*Job, error) {
	var result *Job
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		id := "JOB-" + uuid.NewString()[:8]
		j := &Job{
			Id: id, Title: in.Title, Kind: in.Kind, Priority: in.Priority, Status: JobQueued,
			Executor: in.Executor, Profile: in.Profile, Meta: in.Meta, Refs: in.Refs, Prompt: in.Prompt,
			CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
		}
		if err := tx.insertJob(j); err != nil {
			return err
		}
		if _, err := tx.appendJobEvent(id, "queued", "", 0, "", nil, nil, nil); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

func (tx *Tx) insertJob(j *Job) error {
	metaJSON, _ := json.Marshal(j.Meta)
	refsJSON, _ := json.Marshal(j.Refs)
	_, err := tx.tx.Exec(
		`INSERT INTO jobs (workspace, id, title, kind, priority, status, runner_id, claim_revision, lease_expires_at_ms, executor, profile, meta_json, refs_json, prompt, summary, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, j.Id, j.Title, j.Kind, j.Priority, j.Status, j.RunnerId, j.ClaimRevision, j.LeaseExpiresAtMs,
		j.Executor, j.Profile, string(metaJSON), string(refsJSON), j.Prompt, j.Summary, j.CreatedAtMs, j.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: insert job %s: %w", j.Id, err)
	}
	return nil
}

const jobSelectSQL = `SELECT id, title, kind, priority, status, runner_id, claim_revision, lease_expires_at_ms, executor, profile, meta_json, refs_json, prompt, summary, created_at_ms, updated_at_ms
	FROM jobs WHERE workspace = ? AND id = ?`

func (tx *Tx) getJob(id string) (*Job, error) {
	var j Job
	var metaJSON, refsJSON string
	row := tx.tx.QueryRow(jobSelectSQL, tx.Workspace, id)
	if err := row.Scan(&j.Id, &j.Title, &j.Kind, &j.Priority, &j.Status, &j.RunnerId, &j.ClaimRevision, &j.LeaseExpiresAtMs,
		&j.Executor, &j.Profile, &metaJSON, &refsJSON, &j.Prompt, &j.Summary, &j.CreatedAtMs, &j.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.UnknownId("job", id)
		}
		return nil, fmt.Errorf("store: get job %s: %w", id, err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &j.Meta)
	_ = json.Unmarshal([]byte(refsJSON), &j.Refs)
	return &j, nil
}

// GetJob is the read-only wrapper over getJob.
func (s *Store) GetJob(ctx context.Context, workspace, id string) (*Job, error) {
	var result *Job
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		j, err := tx.getJob(id)
		if err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

func (tx *Tx) saveJobStatus(j *Job) error {
	_, err := tx.tx.Exec(
		`UPDATE jobs SET status = ?, runner_id = ?, claim_revision = ?, lease_expires_at_ms = ?, summary = ?, updated_at_ms = ? WHERE workspace = ? AND id = ?`,
		j.Status, j.RunnerId, j.ClaimRevision, j.LeaseExpiresAtMs, j.Summary, tx.NowMs, tx.Workspace, j.Id)
	if err != nil {
		return fmt.Errorf("store: update job %s: %w", j.Id, err)
	}
	j.UpdatedAtMs = tx.NowMs
	return nil
}

func (tx *Tx) appendJobEvent(jobID, kind, runnerID string, claimRevision int64, message string, percent *int, refs []string, meta map[string]any) (int64, error) {
	seq, err := tx.nextSeq()
	if err != nil {
		return 0, err
	}
	refsJSON, _ := json.Marshal(refs)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return 0, fmt.Errorf("store: marshal job event meta: %w", err)
	}
	_, err = tx.tx.Exec(
		`INSERT INTO job_events (workspace, job_id, seq, ts_ms, kind, runner_id, claim_revision, message, percent, refs_json, meta_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.Workspace, jobID, seq, tx.NowMs, kind, runnerID, claimRevision, message, percent, string(refsJSON), string(metaJSON))
	if err != nil {
		return 0, fmt.Errorf("store: append job event: %w", err)
	}
	return seq, nil
}

// JobClaim implements job_claim's state transition, per spec §4.7: a QUEUED
// job is claimed outright; a RUNNING job with an expired lease is reclaimed
// only when allow_stale is set; anything else fails JobNotClaimable.
func (s *Store) JobClaim(ctx context.Context, workspace, jobID, runnerID string, leaseTTLMs int64, allowStale bool) (*Job, error) {
	var result *Job
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		stale := j.Status == JobRunning && j.LeaseExpiresAtMs != nil && *j.LeaseExpiresAtMs <= tx.NowMs
		if j.Status != JobQueued && !(stale && allowStale) {
			return errs.NewJobNotClaimable(jobID, j.Status)
		}
		ttl := clampLeaseTTLMs(leaseTTLMs)
		expires := tx.NowMs + ttl
		j.Status = JobRunning
		j.RunnerId = runnerID
		j.ClaimRevision++
		j.LeaseExpiresAtMs = &expires
		if err := tx.saveJobStatus(j); err != nil {
			return err
		}
		kind := "claimed"
		if stale {
			kind = "reclaimed"
		}
		if _, err := tx.appendJobEvent(jobID, kind, runnerID, j.ClaimRevision, "", nil, nil, nil); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

// JobReportInput is job_report's argument set.
type JobReportInput struct {
	RunnerId      string
	ClaimRevision int64
	Kind          string
	Message       string
	Percent       *int
	Refs          []string
	Meta          map[string]any
	LeaseTTLMs    int64
}

// JobReport renews a claimed job's lease and appends a progress event, per
// spec §4.7. When strictProgressSchema is set and kind is progress or
// checkpoint, meta.step.command and one of meta.step.result/meta.step.error
// must be present.
func (s *Store) JobReport(ctx context.Context, workspace, jobID string, in JobReportInput, strictProgressSchema bool) (*Job, error) {
	if in.Kind == "progress" && !s.heartbeatLimiter(workspace, in.RunnerId).Allow() {
		return nil, errs.RateLimited(in.RunnerId)
	}
	var result *Job
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		if j.Status != JobRunning {
			return errs.NewJobNotRunning(jobID, j.Status)
		}
		if j.RunnerId != in.RunnerId || j.ClaimRevision != in.ClaimRevision {
			return errs.NewJobClaimMismatch(jobID)
		}
		if strictProgressSchema && (in.Kind == "progress" || in.Kind == "checkpoint") {
			if err := validateStrictProgressMeta(in.Meta); err != nil {
				return err
			}
		}
		ttl := clampLeaseTTLMs(in.LeaseTTLMs)
		expires := tx.NowMs + ttl
		j.LeaseExpiresAtMs = &expires
		if err := tx.saveJobStatus(j); err != nil {
			return err
		}
		if _, err := tx.appendJobEvent(jobID, in.Kind, in.RunnerId, in.ClaimRevision, in.Message, in.Percent, in.Refs, in.Meta); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

func validateStrictProgressMeta(meta map[string]any) error {
	step, _ := meta["step"].(map[string]any)
	if step == nil {
		return errs.InvalidInput("meta.step is required under strict progress schema")
	}
	command, _ := step["command"].(string)
	if command == "" {
		return errs.InvalidInput("meta.step.command is required under strict progress schema")
	}
	_, hasResult := step["result"]
	_, hasError := step["error"]
	if !hasResult && !hasError {
		return errs.InvalidInput("meta.step.result or meta.step.error is required under strict progress schema")
	}
	return nil
}

// JobCompleteInput is job_complete's argument set.
type JobCompleteInput struct {
	RunnerId      string
	ClaimRevision int64
	Status        string
	Summary       string
	Refs          []string
	Meta          map[string]any
}

// JobComplete validates the runner/claim match and a legal terminal status,
// clears the lease, and appends a completion event, per spec §4.7.
func (s *Store) JobComplete(ctx context.Context, workspace, jobID string, in JobCompleteInput) (*Job, error) {
	var result *Job
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		if j.Status != JobRunning {
			return errs.NewJobNotRunning(jobID, j.Status)
		}
		if j.RunnerId != in.RunnerId || j.ClaimRevision != in.ClaimRevision {
			return errs.NewJobClaimMismatch(jobID)
		}
		switch in.Status {
		case JobDone, JobFailed, JobCanceled:
		default:
			return errs.InvalidInput("invalid terminal status %q", in.Status)
		}
		j.Status = in.Status
		j.Summary = in.Summary
		j.LeaseExpiresAtMs = nil
		if err := tx.saveJobStatus(j); err != nil {
			return err
		}
		if _, err := tx.appendJobEvent(jobID, "completed", in.RunnerId, in.ClaimRevision, in.Summary, nil, in.Refs, in.Meta); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}

// JobEvent mirrors one job_events row, newest last.
type JobEvent struct {
	Seq           int64
	TsMs          int64
	Kind          string
	RunnerId      string
	ClaimRevision int64
	Message       string
	Percent       *int
	Refs          []string
	Meta          map[string]any
}

// JobOpenResult is jobs_open's composite read: a job, its most recent
// events, and its runner's current lease (if any), assembled in one
// read transaction instead of three separate round trips.
type JobOpenResult struct {
	Job    *Job
	Events []JobEvent
	Lease  *RunnerLease
}

func (tx *Tx) listJobEvents(jobID string, limit int) ([]JobEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := tx.tx.Query(
		`SELECT seq, ts_ms, kind, runner_id, claim_revision, message, percent, refs_json, meta_json
		 FROM job_events WHERE workspace = ? AND job_id = ? ORDER BY seq DESC LIMIT ?`,
		tx.Workspace, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list job events for %s: %w", jobID, err)
	}
	defer rows.Close()
	var out []JobEvent
	for rows.Next() {
		var e JobEvent
		var refsJSON, metaJSON string
		if err := rows.Scan(&e.Seq, &e.TsMs, &e.Kind, &e.RunnerId, &e.ClaimRevision, &e.Message, &e.Percent, &refsJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("store: scan job event: %w", err)
		}
		_ = json.Unmarshal([]byte(refsJSON), &e.Refs)
		_ = json.Unmarshal([]byte(metaJSON), &e.Meta)
		out = append(out, e)
	}
	// Events come back newest-first for the LIMIT to keep the most recent
	// ones; reverse to oldest-first for a readable timeline.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (tx *Tx) getRunnerLease(runnerID string) (*RunnerLease, error) {
	if runnerID == "" {
		return nil, nil
	}
	var lease RunnerLease
	var metaJSON string
	row := tx.tx.QueryRow(
		`SELECT runner_id, status, active_job_id, lease_expires_at_ms, meta_json, updated_at_ms
		 FROM runner_leases WHERE workspace = ? AND runner_id = ?`,
		tx.Workspace, runnerID)
	if err := row.Scan(&lease.RunnerId, &lease.Status, &lease.ActiveJobId, &lease.LeaseExpiresAtMs, &metaJSON, &lease.UpdatedAtMs); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: read runner lease %s: %w", runnerID, err)
	}
	_ = json.Unmarshal([]byte(metaJSON), &lease.Meta)
	return &lease, nil
}

// JobOpen is the read-side composite for jobs_open, per spec §4.7: a job's
// full current status in one call, sparing a client the three separate
// polls (jobs.get, job events, runner liveness) it would otherwise need to
// render one job.
func (s *Store) JobOpen(ctx context.Context, workspace, jobID string, eventLimit int) (*JobOpenResult, error) {
	var result *JobOpenResult
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		events, err := tx.listJobEvents(jobID, eventLimit)
		if err != nil {
			return err
		}
		lease, err := tx.getRunnerLease(j.RunnerId)
		if err != nil {
			return err
		}
		result = &JobOpenResult{Job: j, Events: events, Lease: lease}
		return nil
	})
	return result, err
}

// JobRequeue moves a terminal job back to QUEUED, per spec §4.7.
func (s *Store) JobRequeue(ctx context.Context, workspace, jobID string) (*Job, error) {
	var result *Job
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		switch j.Status {
		case JobDone, JobFailed, JobCanceled:
		default:
			return errs.InvalidInput("job %s is not in a terminal state", jobID)
		}
		j.Status = JobQueued
		j.RunnerId = ""
		j.LeaseExpiresAtMs = nil
		if err := tx.saveJobStatus(j); err != nil {
			return err
		}
		if _, err := tx.appendJobEvent(jobID, "requeued", "", j.ClaimRevision, "", nil, nil, nil); err != nil {
			return err
		}
		result = j
		return nil
	})
	return result, err
}
