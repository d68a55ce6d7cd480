package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/branchmind/branchmind/internal/errs"
)

const (
	RunnerIdle    = "idle"
	RunnerBusy    = "busy"
	RunnerOffline = "offline"
)

// RunnerLease mirrors one runner_leases row, per spec §4.7.
type RunnerLease struct {
	RunnerId         string
	Status           string
	ActiveJobId      string
	LeaseExpiresAtMs int64
	Meta             map[string]any
	UpdatedAtMs      int64
}

// RunnerHeartbeat upserts a runner's liveness lease, per spec §4.7: runners
// report busy/idle plus their currently active job so the engine can
// classify staleness without waiting for a job claim to expire.
func (s *Store) RunnerHeartbeat(ctx context.Context, workspace, runnerID, status, activeJobID string, leaseTTLMs int64, meta map[string]any) (*RunnerLease, error) {
	if !s.heartbeatLimiter(workspace, runnerID).Allow() {
		return nil, errs.RateLimited(runnerID)
	}
	var result *RunnerLease
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		ttl := clampLeaseTTLMs(leaseTTLMs)
		lease := &RunnerLease{
			RunnerId: runnerID, Status: status, ActiveJobId: activeJobID,
			LeaseExpiresAtMs: tx.NowMs + ttl, Meta: meta, UpdatedAtMs: tx.NowMs,
		}
		metaJSON, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("store: marshal runner meta: %w", err)
		}
		_, err = tx.tx.Exec(
			`INSERT INTO runner_leases (workspace, runner_id, status, active_job_id, lease_expires_at_ms, meta_json, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(workspace, runner_id) DO UPDATE SET
			   status = excluded.status, active_job_id = excluded.active_job_id,
			   lease_expires_at_ms = excluded.lease_expires_at_ms, meta_json = excluded.meta_json, updated_at_ms = excluded.updated_at_ms`,
			tx.Workspace, runnerID, status, activeJobID, lease.LeaseExpiresAtMs, string(metaJSON), tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: heartbeat runner %s: %w", runnerID, err)
		}
		result = lease
		return nil
	})
	return result, err
}

// RunnerLiveness classifies a runner as "live" (lease not expired) or
// "stale" (lease expired or runner unknown).
func (s *Store) RunnerLiveness(ctx context.Context, workspace, runnerID string) (string, error) {
	var status string
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		var expiresAtMs int64
		row := tx.tx.QueryRow(`SELECT lease_expires_at_ms FROM runner_leases WHERE workspace = ? AND runner_id = ?`, workspace, runnerID)
		if err := row.Scan(&expiresAtMs); err != nil {
			if err == sql.ErrNoRows {
				status = "stale"
				return nil
			}
			return fmt.Errorf("store: read runner lease %s: %w", runnerID, err)
		}
		if expiresAtMs <= tx.NowMs {
			status = "stale"
		} else {
			status = "live"
		}
		return nil
	})
	return status, err
}

// ListStaleRunners returns runner ids whose lease has already expired, used
// by Sweep to decide which RUNNING jobs to requeue and by the
// jobs.runner.stale command.
func (s *Store) ListStaleRunners(ctx context.Context, workspace string) ([]string, error) {
	var out []string
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		rows, err := tx.tx.Query(`SELECT runner_id FROM runner_leases WHERE workspace = ? AND lease_expires_at_ms <= ?`, workspace, tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: list stale runners: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			out = append(out, id)
		}
		return nil
	})
	return out, err
}
