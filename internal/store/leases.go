package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/branchmind/branchmind/internal/errs"
)

const (
	defaultLeaseTTLSeq = 200
	maxLeaseTTLSeq     = 10000
)

// StepLease mirrors one step_leases row.
type StepLease struct {
	StepId         string
	HolderAgentId  string
	AcquiredSeq    int64
	ExpiresSeq     int64
	CreatedAtMs    int64
	UpdatedAtMs    int64
}

// enforceStepLease is called by every step write path before mutating,
// per spec §4.2/§5. An unexpired lease held by someone else than agentID
// fails STEP_LEASE_HELD; an expired lease is garbage-collected in place.
func (tx *Tx) enforceStepLease(stepID, agentID string) error {
	lease, err := tx.getStepLease(stepID)
	if err != nil {
		return err
	}
	if lease == nil {
		return nil
	}
	nowSeq, err := tx.currentSeq()
	if err != nil {
		return err
	}
	if nowSeq < lease.ExpiresSeq {
		if agentID != "" && lease.HolderAgentId == agentID {
			return nil
		}
		if agentID == "" {
			// No agent identity presented: the caller is a system/internal
			// path (e.g. step_define without lease context). Held leases
			// still block foreign agents but never block the holder-less case.
			return nil
		}
		return errs.NewStepLeaseHeld(stepID, lease.HolderAgentId, nowSeq, lease.ExpiresSeq)
	}
	// Expired: GC it.
	if _, err := tx.tx.Exec(`DELETE FROM step_leases WHERE workspace = ? AND step_id = ?`, tx.Workspace, stepID); err != nil {
		return fmt.Errorf("store: gc expired step lease %s: %w", stepID, err)
	}
	return nil
}

func (tx *Tx) getStepLease(stepID string) (*StepLease, error) {
	var l StepLease
	row := tx.tx.QueryRow(
		`SELECT step_id, holder_agent_id, acquired_seq, expires_seq, created_at_ms, updated_at_ms
		 FROM step_leases WHERE workspace = ? AND step_id = ?`, tx.Workspace, stepID)
	err := row.Scan(&l.StepId, &l.HolderAgentId, &l.AcquiredSeq, &l.ExpiresSeq, &l.CreatedAtMs, &l.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get step lease %s: %w", stepID, err)
	}
	return &l, nil
}

func clampTTLSeq(ttl int64) int64 {
	if ttl <= 0 {
		return defaultLeaseTTLSeq
	}
	if ttl > maxLeaseTTLSeq {
		return maxLeaseTTLSeq
	}
	return ttl
}

// StepLeaseClaim acquires the step lease for agentID. force=true takes over
// an unexpired lease held by someone else and emits step_lease_taken_over.
func (s *Store) StepLeaseClaim(ctx context.Context, workspace, stepID, agentID string, ttlSeq int64, force bool) (*StepLease, error) {
	var result *StepLease
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		if _, err := tx.getStep(stepID); err != nil {
			return err
		}
		existing, err := tx.getStepLease(stepID)
		if err != nil {
			return err
		}
		nowSeq, err := tx.currentSeq()
		if err != nil {
			return err
		}
		takeover := false
		if existing != nil && nowSeq < existing.ExpiresSeq && existing.HolderAgentId != agentID {
			if !force {
				return errs.NewStepLeaseHeld(stepID, existing.HolderAgentId, nowSeq, existing.ExpiresSeq)
			}
			takeover = true
		}

		acquiredSeq, err := tx.emitEvent("step_lease_claimed", "", "", map[string]any{"step_id": stepID, "agent_id": agentID})
		if err != nil {
			return err
		}
		ttl := clampTTLSeq(ttlSeq)
		lease := &StepLease{
			StepId: stepID, HolderAgentId: agentID, AcquiredSeq: acquiredSeq,
			ExpiresSeq: acquiredSeq + ttl, CreatedAtMs: tx.NowMs, UpdatedAtMs: tx.NowMs,
		}
		if err := tx.upsertStepLease(lease); err != nil {
			return err
		}
		if takeover {
			if _, err := tx.emitEvent("step_lease_taken_over", "", "", map[string]any{"step_id": stepID, "agent_id": agentID, "previous_holder": existing.HolderAgentId}); err != nil {
				return err
			}
		}
		result = lease
		return nil
	})
	return result, err
}

// StepLeaseRenew extends the TTL for the current holder. Fails
// STEP_LEASE_NOT_HELD if agentID doesn't hold it.
func (s *Store) StepLeaseRenew(ctx context.Context, workspace, stepID, agentID string, ttlSeq int64) (*StepLease, error) {
	var result *StepLease
	err := s.WithTx(ctx, workspace, func(tx *Tx) error {
		existing, err := tx.getStepLease(stepID)
		if err != nil {
			return err
		}
		if existing == nil || existing.HolderAgentId != agentID {
			return errs.NewStepLeaseNotHeld(stepID, agentID)
		}
		acquiredSeq, err := tx.emitEvent("step_lease_renewed", "", "", map[string]any{"step_id": stepID, "agent_id": agentID})
		if err != nil {
			return err
		}
		ttl := clampTTLSeq(ttlSeq)
		existing.AcquiredSeq = acquiredSeq
		existing.ExpiresSeq = acquiredSeq + ttl
		existing.UpdatedAtMs = tx.NowMs
		if err := tx.upsertStepLease(existing); err != nil {
			return err
		}
		result = existing
		return nil
	})
	return result, err
}

// StepLeaseRelease releases the lease held by agentID.
func (s *Store) StepLeaseRelease(ctx context.Context, workspace, stepID, agentID string) error {
	return s.WithTx(ctx, workspace, func(tx *Tx) error {
		existing, err := tx.getStepLease(stepID)
		if err != nil {
			return err
		}
		if existing == nil || existing.HolderAgentId != agentID {
			return errs.NewStepLeaseNotHeld(stepID, agentID)
		}
		if _, err := tx.tx.Exec(`DELETE FROM step_leases WHERE workspace = ? AND step_id = ?`, tx.Workspace, stepID); err != nil {
			return fmt.Errorf("store: release step lease %s: %w", stepID, err)
		}
		_, err = tx.emitEvent("step_lease_released", "", "", map[string]any{"step_id": stepID, "agent_id": agentID})
		return err
	})
}

func (tx *Tx) upsertStepLease(l *StepLease) error {
	_, err := tx.tx.Exec(
		`INSERT INTO step_leases (workspace, step_id, holder_agent_id, acquired_seq, expires_seq, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workspace, step_id) DO UPDATE SET
			holder_agent_id = excluded.holder_agent_id,
			acquired_seq = excluded.acquired_seq,
			expires_seq = excluded.expires_seq,
			updated_at_ms = excluded.updated_at_ms`,
		tx.Workspace, l.StepId, l.HolderAgentId, l.AcquiredSeq, l.ExpiresSeq, l.CreatedAtMs, l.UpdatedAtMs)
	if err != nil {
		return fmt.Errorf("store: upsert step lease %s: %w", l.StepId, err)
	}
	return nil
}
