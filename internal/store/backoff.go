package store

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reclaimBackoff returns the exponential schedule NextReclaimEligibleAtMs
// draws from to space out successive allow_stale reclaims of one job. It
// only computes the delay; JobClaim and the sweep do not consult it.
func reclaimBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 2 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0
	return b
}

// NextReclaimEligibleAtMs reports the earliest time a job becomes eligible
// for another allow_stale reclaim, counted from its current lease
// expiration plus an exponential delay keyed to how many times it has
// already been reclaimed.
func (s *Store) NextReclaimEligibleAtMs(ctx context.Context, workspace, jobID string) (int64, error) {
	var eligibleAtMs int64
	err := s.WithReadTx(ctx, func(tx *Tx) error {
		tx.Workspace = workspace
		j, err := tx.getJob(jobID)
		if err != nil {
			return err
		}
		var attempts int
		row := tx.tx.QueryRow(`SELECT COUNT(*) FROM job_events WHERE workspace = ? AND job_id = ? AND kind = 'reclaimed'`, workspace, jobID)
		if err := row.Scan(&attempts); err != nil {
			return fmt.Errorf("store: count reclaim attempts for %s: %w", jobID, err)
		}
		base := int64(0)
		if j.LeaseExpiresAtMs != nil {
			base = *j.LeaseExpiresAtMs
		}
		b := reclaimBackoff()
		var delay time.Duration
		for i := 0; i <= attempts; i++ {
			delay = b.NextBackOff()
		}
		eligibleAtMs = base + delay.Milliseconds()
		return nil
	})
	return eligibleAtMs, err
}
