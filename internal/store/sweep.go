package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron"
)

// SweepResult summarizes one pass of the stale-job GC sweep over a
// workspace.
type SweepResult struct {
	Workspace      string
	JobsRequeued   []string
	RunnersExpired int
}

// Sweep requeues RUNNING jobs whose lease has expired and whose runner's
// heartbeat lease has also expired — i.e. the runner that held them is gone,
// not merely slow — back to QUEUED, per spec §4.7's reclaim story. A runner
// still heartbeating past its job lease is left alone; job_claim's
// allow_stale path is the explicit, caller-driven reclaim route for that
// case.
func (s *Store) Sweep(ctx context.Context, workspace string) (*SweepResult, error) {
	result := &SweepResult{Workspace: workspace}
	staleRunners, err := s.ListStaleRunners(ctx, workspace)
	if err != nil {
		return nil, err
	}
	result.RunnersExpired = len(staleRunners)
	staleSet := make(map[string]bool, len(staleRunners))
	for _, r := range staleRunners {
		staleSet[r] = true
	}

	err = s.WithTx(ctx, workspace, func(tx *Tx) error {
		rows, err := tx.tx.Query(`SELECT id, runner_id FROM jobs WHERE workspace = ? AND status = ? AND lease_expires_at_ms <= ?`, workspace, JobRunning, tx.NowMs)
		if err != nil {
			return fmt.Errorf("store: scan expired-lease jobs: %w", err)
		}
		type row struct{ id, runner string }
		var candidates []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.id, &r.runner); err != nil {
				rows.Close()
				return fmt.Errorf("store: scan job candidate: %w", err)
			}
			candidates = append(candidates, r)
		}
		rows.Close()

		for _, c := range candidates {
			if !staleSet[c.runner] {
				continue
			}
			j, err := tx.getJob(c.id)
			if err != nil {
				return err
			}
			j.Status = JobQueued
			j.RunnerId = ""
			j.LeaseExpiresAtMs = nil
			if err := tx.saveJobStatus(j); err != nil {
				return err
			}
			if _, err := tx.appendJobEvent(c.id, "requeued", "", j.ClaimRevision, "runner lease expired", nil, nil, nil); err != nil {
				return err
			}
			result.JobsRequeued = append(result.JobsRequeued, c.id)
		}
		return nil
	})
	return result, err
}

// CronSweeper runs Sweep across every workspace on a cron schedule, so an
// abandoned runner's jobs don't sit RUNNING forever just because nobody
// called job_claim with allow_stale.
type CronSweeper struct {
	cron   *cron.Cron
	store  *Store
	logger *slog.Logger
}

// NewCronSweeper parses schedule as a standard five-field cron expression
// and wires a single sweep-all-workspaces job onto it.
func NewCronSweeper(store *Store, schedule string, logger *slog.Logger) (*CronSweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	sweeper := &CronSweeper{cron: c, store: store, logger: logger}
	if err := c.AddFunc(schedule, sweeper.runOnce); err != nil {
		return nil, fmt.Errorf("store: parse sweep schedule %q: %w", schedule, err)
	}
	return sweeper, nil
}

func (cs *CronSweeper) runOnce() {
	ctx := context.Background()
	workspaces, err := cs.store.ListWorkspaces(ctx)
	if err != nil {
		cs.logger.Error("sweep: list workspaces failed", "error", err)
		return
	}
	for _, ws := range workspaces {
		result, err := cs.store.Sweep(ctx, ws)
		if err != nil {
			cs.logger.Error("sweep: workspace sweep failed", "workspace", ws, "error", err)
			continue
		}
		if len(result.JobsRequeued) > 0 {
			cs.logger.Info("sweep: requeued orphaned jobs", "workspace", ws, "jobs", result.JobsRequeued)
		}
	}
}

// Start begins the cron schedule. Stop halts it.
func (cs *CronSweeper) Start() { cs.cron.Start() }
func (cs *CronSweeper) Stop()  { cs.cron.Stop() }
