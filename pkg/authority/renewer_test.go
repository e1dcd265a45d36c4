package authority

import (
	"context"
	"testing"
	"time"

	"github.com/pixperk/latch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRenewerKeepsLeaseAlive tests that the loop outlives the original TTL
func TestRenewerKeepsLeaseAlive(t *testing.T) {
	a := newTestAuthority(nil)
	ctx := context.Background()

	_, err := a.Acquire(ctx, AcquireRequest{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 300, AutoRenew: true,
	})
	require.NoError(t, err)

	r := NewRenewer(a, "test", "lock1", "c1", 300*time.Millisecond, nil)
	r.Start()
	defer r.Stop()

	// well past the original lease; renewals must have kept it LOCKED
	time.Sleep(800 * time.Millisecond)

	lk := a.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, types.StateLocked, lk.State)
	assert.Equal(t, "c1", lk.Owner)
	assert.Greater(t, lk.RenewalCount, int64(0))
}

// TestRenewerStopsOnFailure tests that the loop terminates on the first
// renewal failure and does not retry
func TestRenewerStopsOnFailure(t *testing.T) {
	a := newTestAuthority(nil)
	ctx := context.Background()

	// one renewal allowed : the second tick must fail and stop the loop
	_, err := a.Acquire(ctx, AcquireRequest{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 300, MaxRenewals: 1,
	})
	require.NoError(t, err)

	r := NewRenewer(a, "test", "lock1", "c1", 300*time.Millisecond, nil)
	r.Start()

	select {
	case <-r.Done():
		// stopped on its own after exhausting the renewal budget
	case <-time.After(3 * time.Second):
		t.Fatal("renewer did not stop after renewal failure")
	}

	lk := a.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, int64(1), lk.RenewalCount)

	// Stop after self-termination must not hang or panic
	r.Stop()
}

// TestRenewerLosesRaceToExpiry tests that losing the lease to a sweep is
// tolerated : the loop stops without touching the new holder
func TestRenewerLosesRaceToExpiry(t *testing.T) {
	a := newTestAuthority(nil)
	ctx := context.Background()

	_, err := a.Acquire(ctx, AcquireRequest{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 100,
	})
	require.NoError(t, err)

	// lease lapses before the renewer ever fires; the next owner takes over
	time.Sleep(150 * time.Millisecond)
	res, err := a.Acquire(ctx, AcquireRequest{
		Namespace: "test", Name: "lock1", Owner: "c2", TTLMs: 60000,
	})
	require.NoError(t, err)
	require.True(t, res.Acquired)

	r := NewRenewer(a, "test", "lock1", "c1", 100*time.Millisecond, nil)
	r.Start()

	select {
	case <-r.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("renewer did not stop after losing the lease")
	}

	lk := a.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, "c2", lk.Owner, "stale renewer must not disturb the new holder")
}

// TestRenewerStopWithoutStart tests that Stop is safe when the loop
// never ran
func TestRenewerStopWithoutStart(t *testing.T) {
	a := newTestAuthority(nil)
	r := NewRenewer(a, "test", "lock1", "c1", time.Minute, nil)

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running loop")
	}
}

// TestRenewerExplicitStop tests prompt shutdown
func TestRenewerExplicitStop(t *testing.T) {
	a := newTestAuthority(nil)

	_, err := a.Acquire(context.Background(), AcquireRequest{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 60000,
	})
	require.NoError(t, err)

	r := NewRenewer(a, "test", "lock1", "c1", time.Minute, nil)
	r.Start()

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return promptly")
	}
}
