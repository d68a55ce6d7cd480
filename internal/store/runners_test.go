package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/branchmind/branchmind/internal/errs"
)

func TestRunnerLivenessReflectsHeartbeatExpiry(t *testing.T) {
	s, fixed := tempStoreWithClock(t, 1_700_000_000_000)
	ctx := context.Background()

	_, err := s.RunnerHeartbeat(ctx, "ws1", "runner-1", RunnerIdle, "", 1000, nil)
	require.NoError(t, err)

	status, err := s.RunnerLiveness(ctx, "ws1", "runner-1")
	require.NoError(t, err)
	require.Equal(t, "live", status, "expected live immediately after heartbeat")

	fixed.Advance(2 * time.Second)

	status, err = s.RunnerLiveness(ctx, "ws1", "runner-1")
	require.NoError(t, err)
	require.Equal(t, "stale", status, "expected stale after lease expiry")
}

func TestRunnerLivenessUnknownRunnerIsStale(t *testing.T) {
	s := tempStore(t)
	ctx := context.Background()
	status, err := s.RunnerLiveness(ctx, "ws1", "nonexistent")
	require.NoError(t, err)
	require.Equal(t, "stale", status, "expected stale for unknown runner")
}

func TestRunnerHeartbeatThrottlesBurstsPerRunner(t *testing.T) {
	s, _ := tempStoreWithClock(t, 1_700_000_000_000)
	ctx := context.Background()

	var rateLimited int
	for i := 0; i < 10; i++ {
		_, err := s.RunnerHeartbeat(ctx, "ws1", "runner-burst", RunnerIdle, "", 1000, nil)
		if err != nil {
			require.Equal(t, errs.CodeRateLimited, errs.CodeOf(err), "unexpected error: %v", err)
			rateLimited++
		}
	}
	require.Greaterf(t, rateLimited, 0, "expected burst of heartbeats for one runner to trip the throttle")

	// A different runner in the same workspace has its own bucket and is unaffected.
	_, err := s.RunnerHeartbeat(ctx, "ws1", "runner-other", RunnerIdle, "", 1000, nil)
	require.NoError(t, err)
}
