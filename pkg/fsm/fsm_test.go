package fsm

import (
	"fmt"
	"testing"

	"github.com/pixperk/latch/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquire(t *testing.T, f *FSM, cmd types.AcquireCmd) AcquireResponse {
	t.Helper()
	result, err := f.Apply(cmd)
	require.NoError(t, err)
	resp, ok := result.(AcquireResponse)
	require.True(t, ok, "expected AcquireResponse")
	return resp
}

// TestAcquireUnlocked tests first acquisition of a fresh key
func TestAcquireUnlocked(t *testing.T) {
	f := NewFSM()

	resp := acquire(t, f, types.AcquireCmd{
		Namespace: "test",
		Name:      "lock1",
		Owner:     "c1",
		TTLMs:     30000,
		NowMs:     1000,
	})

	assert.True(t, resp.Acquired)
	assert.True(t, resp.Created)
	assert.Equal(t, uint64(1), resp.FenceToken)
	require.NotNil(t, resp.Lock)
	assert.Equal(t, types.StateLocked, resp.Lock.State)
	assert.Equal(t, "c1", resp.Lock.Owner)
	assert.Equal(t, int64(1000), resp.Lock.AcquiredAtMs)
	assert.Equal(t, int64(31000), resp.Lock.ExpiresAtMs)
	assert.Zero(t, resp.Lock.RenewalCount)
}

// TestAcquireContended tests that a live holder blocks a second owner
func TestAcquireContended(t *testing.T) {
	f := NewFSM()

	first := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 30000, NowMs: 1000,
	})
	require.True(t, first.Acquired)

	second := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c2", TTLMs: 30000, NowMs: 2000,
	})
	assert.False(t, second.Acquired)
	assert.Equal(t, "c1", second.CurrentOwner)
	assert.False(t, second.Created)
}

// TestReleaseThenReacquire tests the UNLOCKED -> LOCKED cycle and token bump
func TestReleaseThenReacquire(t *testing.T) {
	f := NewFSM()

	first := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 30000, NowMs: 1000,
	})
	require.Equal(t, uint64(1), first.FenceToken)

	result, err := f.Apply(types.ReleaseCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 5000,
	})
	require.NoError(t, err)
	rr := result.(ReleaseResponse)
	assert.True(t, rr.Released)
	assert.Equal(t, int64(4000), rr.HeldMs)

	second := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c2", TTLMs: 30000, NowMs: 6000,
	})
	assert.True(t, second.Acquired)
	assert.Equal(t, uint64(2), second.FenceToken)
	assert.Equal(t, "c2", second.Lock.Owner)
}

// TestFenceTokenMonotonicity tests that tokens strictly increase per key
// and survive release and expiry
func TestFenceTokenMonotonicity(t *testing.T) {
	f := NewFSM()

	var prev uint64
	now := int64(1000)
	for i := 0; i < 10; i++ {
		owner := fmt.Sprintf("owner-%d", i)
		resp := acquire(t, f, types.AcquireCmd{
			Namespace: "test", Name: "lock1", Owner: owner, TTLMs: 1000, NowMs: now,
		})
		require.True(t, resp.Acquired)
		assert.Greater(t, resp.FenceToken, prev, "tokens must be strictly increasing")
		prev = resp.FenceToken

		// alternate between explicit release and lease expiry
		if i%2 == 0 {
			_, err := f.Apply(types.ReleaseCmd{
				Namespace: "test", Name: "lock1", Owner: owner, NowMs: now + 500,
			})
			require.NoError(t, err)
			now += 600
		} else {
			now += 2000 // past expires_at, next acquire sees EXPIRED
		}
	}
}

// TestReleaseFenceMismatch tests Scenario D : stale token rejected, current accepted
func TestReleaseFenceMismatch(t *testing.T) {
	f := NewFSM()

	resp := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 30000, NowMs: 1000,
	})
	token := resp.FenceToken

	_, err := f.Apply(types.ReleaseCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", FenceToken: token + 1, NowMs: 2000,
	})
	assert.ErrorIs(t, err, types.ErrFenceMismatch)

	// the failed release must not have mutated state
	lk := f.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, types.StateLocked, lk.State)

	result, err := f.Apply(types.ReleaseCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", FenceToken: token, NowMs: 2000,
	})
	require.NoError(t, err)
	assert.True(t, result.(ReleaseResponse).Released)
}

// TestReleaseErrors tests not-found and not-owner failures
func TestReleaseErrors(t *testing.T) {
	f := NewFSM()

	_, err := f.Apply(types.ReleaseCmd{Namespace: "test", Name: "ghost", Owner: "c1", NowMs: 1000})
	assert.ErrorIs(t, err, types.ErrLockNotFound)

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 30000, NowMs: 1000,
	})
	_, err = f.Apply(types.ReleaseCmd{Namespace: "test", Name: "lock1", Owner: "c2", NowMs: 2000})
	assert.ErrorIs(t, err, types.ErrNotOwner)
}

// TestRenewBound tests Scenario C : with max_renewals = 2 the third renew fails
func TestRenewBound(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, MaxRenewals: 2, NowMs: 1000,
	})

	result, err := f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1100})
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.(RenewResponse).RenewalCount)
	assert.Equal(t, int64(2100), result.(RenewResponse).ExpiresAtMs)

	result, err = f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1200})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.(RenewResponse).RenewalCount)

	_, err = f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1300})
	assert.ErrorIs(t, err, types.ErrRenewalExhausted)

	// still failing until release + reacquire
	_, err = f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1400})
	assert.ErrorIs(t, err, types.ErrRenewalExhausted)
}

// TestReleaseLapsedLease tests that releasing an expired lease fails
// without transitioning the entity, so the sweeper scan still finds it
func TestReleaseLapsedLease(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})

	_, err := f.Apply(types.ReleaseCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 5000})
	assert.ErrorIs(t, err, types.ErrLockExpired)

	lk := f.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, types.StateLocked, lk.State)
	assert.Len(t, f.ExpiredCandidates(5000), 1)
}

// TestRenewUnlimited tests that max_renewals = 0 means unlimited
func TestRenewUnlimited(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})

	for i := 1; i <= 50; i++ {
		result, err := f.Apply(types.RenewCmd{
			Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1000 + int64(i)*100,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i), result.(RenewResponse).RenewalCount)
	}
}

// TestRenewUpdatesTTL tests that a renew can change the lease duration
func TestRenewUpdatesTTL(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})

	result, err := f.Apply(types.RenewCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 5000, NowMs: 1500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6500), result.(RenewResponse).ExpiresAtMs)
}

// TestRenewErrors tests not-found, not-owner and expired renewals
func TestRenewErrors(t *testing.T) {
	f := NewFSM()

	_, err := f.Apply(types.RenewCmd{Namespace: "test", Name: "ghost", Owner: "c1", NowMs: 1000})
	assert.ErrorIs(t, err, types.ErrLockNotFound)

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})

	_, err = f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c2", NowMs: 1100})
	assert.ErrorIs(t, err, types.ErrNotOwner)

	// past expires_at the lease is gone, even for the owner; the entity is
	// not transitioned, so the sweeper scan still finds it
	_, err = f.Apply(types.RenewCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 3000})
	assert.ErrorIs(t, err, types.ErrLockExpired)
	assert.Len(t, f.ExpiredCandidates(3000), 1)
}

// TestExpiredReacquire tests EXPIRED -> LOCKED by a new owner
func TestExpiredReacquire(t *testing.T) {
	f := NewFSM()

	first := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})
	require.True(t, first.Acquired)

	// lease lapsed : a different owner takes over with a higher token
	second := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c2", TTLMs: 1000, NowMs: 5000,
	})
	assert.True(t, second.Acquired)
	assert.True(t, second.ExpiredPrior)
	assert.Greater(t, second.FenceToken, first.FenceToken)
	assert.Equal(t, "c2", second.Lock.Owner)
}

// TestExpireCommand tests the sweeper-driven transition
func TestExpireCommand(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000,
	})

	// not lapsed yet : no-op
	result, err := f.Apply(types.ExpireCmd{Namespace: "test", Name: "lock1", NowMs: 1500})
	require.NoError(t, err)
	assert.False(t, result.(ExpireResponse).Expired)

	result, err = f.Apply(types.ExpireCmd{Namespace: "test", Name: "lock1", NowMs: 2000})
	require.NoError(t, err)
	er := result.(ExpireResponse)
	assert.True(t, er.Expired)
	assert.Equal(t, "c1", er.Owner)

	lk := f.Get("test", "lock1")
	require.NotNil(t, lk)
	assert.Equal(t, types.StateExpired, lk.State)
}

// TestExpiredCandidates tests the read-only sweep scan
func TestExpiredCandidates(t *testing.T) {
	f := NewFSM()

	acquire(t, f, types.AcquireCmd{Namespace: "test", Name: "short", Owner: "c1", TTLMs: 1000, NowMs: 1000})
	acquire(t, f, types.AcquireCmd{Namespace: "test", Name: "long", Owner: "c1", TTLMs: 60000, NowMs: 1000})

	lapsed := f.ExpiredCandidates(3000)
	require.Len(t, lapsed, 1)
	assert.Equal(t, "short", lapsed[0].Name)
}

// TestForceRelease tests the administrative override
func TestForceRelease(t *testing.T) {
	f := NewFSM()

	_, err := f.Apply(types.ForceReleaseCmd{Namespace: "test", Name: "ghost", NowMs: 1000})
	assert.ErrorIs(t, err, types.ErrLockNotFound)

	acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c1", TTLMs: 60000, NowMs: 1000,
	})

	result, err := f.Apply(types.ForceReleaseCmd{Namespace: "test", Name: "lock1", NowMs: 2000})
	require.NoError(t, err)
	fr := result.(ForceReleaseResponse)
	assert.True(t, fr.Released)
	assert.True(t, fr.WasLocked)
	assert.Equal(t, "c1", fr.PriorOwner)

	// freed regardless of owner and fence token
	next := acquire(t, f, types.AcquireCmd{
		Namespace: "test", Name: "lock1", Owner: "c2", TTLMs: 1000, NowMs: 2000,
	})
	assert.True(t, next.Acquired)
}

// TestGetAndList tests the read surface
func TestGetAndList(t *testing.T) {
	f := NewFSM()

	assert.Nil(t, f.Get("test", "never-acquired"))

	for i := 0; i < 5; i++ {
		acquire(t, f, types.AcquireCmd{
			Namespace: "test", Name: fmt.Sprintf("lock-%d", i), Owner: "c1", TTLMs: 1000, NowMs: 1000,
		})
	}
	acquire(t, f, types.AcquireCmd{
		Namespace: "other", Name: "lock-x", Owner: "c2", TTLMs: 1000, NowMs: 1000,
	})

	assert.Len(t, f.List(ListQuery{Namespace: "test"}), 5)
	assert.Len(t, f.List(ListQuery{Namespace: "test", Limit: 3}), 3)
	assert.Len(t, f.List(ListQuery{Namespace: "test", Name: "lock-0"}), 1)
	assert.Len(t, f.List(ListQuery{Namespace: "other", Owner: "c2"}), 1)
	assert.Empty(t, f.List(ListQuery{Namespace: "missing"}))

	// expired entries are hidden unless asked for
	_, err := f.Apply(types.ExpireCmd{Namespace: "test", Name: "lock-0", NowMs: 5000})
	require.NoError(t, err)
	assert.Len(t, f.List(ListQuery{Namespace: "test"}), 4)
	assert.Len(t, f.List(ListQuery{Namespace: "test", IncludeExpired: true}), 5)
	assert.Len(t, f.List(ListQuery{Namespace: "test", State: types.StateExpired, IncludeExpired: true}), 1)
}

// TestCounts tests total vs locked accounting
func TestCounts(t *testing.T) {
	f := NewFSM()

	for i := 0; i < 5; i++ {
		acquire(t, f, types.AcquireCmd{
			Namespace: "test", Name: fmt.Sprintf("lock-%d", i), Owner: "c1", TTLMs: 1000, NowMs: 1000,
		})
	}
	_, err := f.Apply(types.ReleaseCmd{Namespace: "test", Name: "lock-0", Owner: "c1", NowMs: 1500})
	require.NoError(t, err)

	total, locked := f.Counts(1500)
	assert.Equal(t, 5, total, "entities persist after release")
	assert.Equal(t, 4, locked)
}

// TestAcquireValidation tests bad inputs
func TestAcquireValidation(t *testing.T) {
	f := NewFSM()

	_, err := f.Apply(types.AcquireCmd{Name: "lock1", Owner: "c1", TTLMs: 1000, NowMs: 1000})
	assert.ErrorIs(t, err, types.ErrInvalidNamespace)

	_, err = f.Apply(types.AcquireCmd{Namespace: "test", Name: "lock1", Owner: "c1", NowMs: 1000})
	assert.ErrorIs(t, err, types.ErrInvalidTTL)
}
