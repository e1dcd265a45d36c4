package authority

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/latch/pkg/clock"
	"github.com/pixperk/latch/pkg/fsm"
	"github.com/pixperk/latch/pkg/metrics"
	"github.com/pixperk/latch/pkg/types"
)

// Applier commits a mutating command and returns the state machine result.
// The local table satisfies it directly; in clustered mode the raft node
// routes the command through the consensus log before applying it.
type Applier interface {
	Apply(cmd types.Command) (any, error)
}

// leadership probe, satisfied by the raft node; the sweeper only expires
// leases on the leader so followers do not fight over the log
type leaderChecker interface {
	IsLeader() bool
}

const DefaultSweepInterval = time.Second

type Config struct {
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        hclog.Logger
}

// Authority is the lock service core : it orchestrates the lock table and
// the wait registry, and owns the expiry sweeper.
// Contention is scoped to a single key's shard and waiter queue; a blocking
// acquire suspends only on its own reply channel, never holding table state.
type Authority struct {
	applier Applier
	table   *fsm.FSM
	waiters *waitRegistry
	stats   stats
	clock   clock.Clock
	log     hclog.Logger

	sweepInterval time.Duration
	started       atomic.Bool
	stopOnce      sync.Once
	stopCh        chan struct{}
	doneCh        chan struct{}
}

func New(applier Applier, table *fsm.FSM, cfg Config) *Authority {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	return &Authority{
		applier:       applier,
		table:         table,
		waiters:       newWaitRegistry(),
		clock:         cfg.Clock,
		log:           cfg.Logger.Named("authority"),
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// AcquireRequest carries everything needed to take (or queue for) a lock.
type AcquireRequest struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	Owner         string            `json:"owner"`
	TTLMs         int64             `json:"ttl_ms"`
	WaitMs        int64             `json:"wait_ms"`
	MaxRenewals   int64             `json:"max_renewals"`
	AutoRenew     bool              `json:"auto_renew"`
	OwnerMetadata map[string]string `json:"owner_metadata,omitempty"`
}

type AcquireResult struct {
	Acquired     bool        `json:"acquired"`
	Lock         *types.Lock `json:"lock,omitempty"`
	FenceToken   uint64      `json:"fence_token,omitempty"`
	CurrentOwner string      `json:"current_owner,omitempty"`
}

// Acquire attempts to take the lock, queueing FIFO behind the current
// holder for up to WaitMs when contended.
func (a *Authority) Acquire(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	if req.Owner == "" {
		req.Owner = uuid.NewString()
	}

	resp, err := a.tryAcquire(req)
	if err != nil {
		a.stats.failedAcquisitions.Add(1)
		metrics.AcquireTotal.WithLabelValues("invalid").Inc()
		return AcquireResult{}, err
	}
	if resp.Acquired {
		return AcquireResult{
			Acquired:   true,
			Lock:       resp.Lock,
			FenceToken: resp.FenceToken,
		}, nil
	}

	if req.WaitMs <= 0 {
		a.stats.failedAcquisitions.Add(1)
		metrics.AcquireTotal.WithLabelValues("contended").Inc()
		return AcquireResult{CurrentOwner: resp.CurrentOwner}, types.ErrLockHeld
	}

	return a.acquireWait(ctx, req)
}

// slow path : enqueue a waiter and suspend on its reply channel
func (a *Authority) acquireWait(ctx context.Context, req AcquireRequest) (AcquireResult, error) {
	key := types.LockKey(req.Namespace, req.Name)
	wait := time.Duration(req.WaitMs) * time.Millisecond
	started := time.Now()

	w := &waiter{
		ch:       make(chan grant, 1),
		deadline: started.Add(wait),
		req:      req,
	}

	q := a.waiters.get(key)
	q.mu.Lock()
	// retry under the queue lock : the holder may have released between the
	// fast path and here, and promotion only runs under this lock
	resp, err := a.tryAcquire(req)
	if err == nil && resp.Acquired {
		q.mu.Unlock()
		return AcquireResult{
			Acquired:   true,
			Lock:       resp.Lock,
			FenceToken: resp.FenceToken,
		}, nil
	}
	q.push(w)
	q.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case g, ok := <-w.ch:
		metrics.AcquireWaitDuration.Observe(time.Since(started).Seconds())
		if !ok {
			// channel closed without a grant : treated as timeout
			a.stats.failedAcquisitions.Add(1)
			metrics.AcquireTotal.WithLabelValues("timeout").Inc()
			return AcquireResult{}, types.ErrAcquireTimeout
		}
		return AcquireResult{Acquired: true, Lock: g.lock, FenceToken: g.fenceToken}, nil

	case <-timer.C:
		q.mu.Lock()
		// race check : a grant may have been delivered between the timer
		// firing and us taking the queue lock
		select {
		case g, ok := <-w.ch:
			q.mu.Unlock()
			if ok {
				metrics.AcquireWaitDuration.Observe(time.Since(started).Seconds())
				return AcquireResult{Acquired: true, Lock: g.lock, FenceToken: g.fenceToken}, nil
			}
		default:
			q.remove(w)
			q.mu.Unlock()
		}
		a.stats.failedAcquisitions.Add(1)
		metrics.AcquireTotal.WithLabelValues("timeout").Inc()
		return AcquireResult{}, types.ErrAcquireTimeout

	case <-ctx.Done():
		q.mu.Lock()
		select {
		case g, ok := <-w.ch:
			q.mu.Unlock()
			if ok {
				// the caller is gone; hand the lock straight back so the
				// next waiter is not stuck behind a ghost holder
				a.giveBack(req, g)
			}
		default:
			q.remove(w)
			q.mu.Unlock()
		}
		a.stats.failedAcquisitions.Add(1)
		metrics.AcquireTotal.WithLabelValues("cancelled").Inc()
		return AcquireResult{}, ctx.Err()
	}
}

// returns a granted lock whose recipient cancelled before delivery,
// then promotes the next waiter
func (a *Authority) giveBack(req AcquireRequest, g grant) {
	_, err := a.Release(context.Background(), ReleaseRequest{
		Namespace:  req.Namespace,
		Name:       req.Name,
		Owner:      req.Owner,
		FenceToken: g.fenceToken,
	})
	if err != nil {
		a.log.Warn("failed to return cancelled grant",
			"key", types.LockKey(req.Namespace, req.Name), "error", err)
	}
}

// frees a lock without touching the wait registry; only for promote,
// which already holds the key's queue lock
func (a *Authority) releaseQuiet(req AcquireRequest, fenceToken uint64) {
	_, err := a.applier.Apply(types.ReleaseCmd{
		Namespace:  req.Namespace,
		Name:       req.Name,
		Owner:      req.Owner,
		FenceToken: fenceToken,
		NowMs:      a.clock.NowMs(),
	})
	if err != nil {
		a.log.Warn("failed to reclaim undelivered grant",
			"key", types.LockKey(req.Namespace, req.Name), "error", err)
		return
	}
	a.stats.releases.Add(1)
	a.stats.holdCount.Add(1)
	metrics.ReleaseTotal.Inc()
	metrics.LocksActive.Dec()
}

// non-blocking acquisition attempt through the applier, with stats
func (a *Authority) tryAcquire(req AcquireRequest) (*fsm.AcquireResponse, error) {
	resp, err := a.applier.Apply(types.AcquireCmd{
		Namespace:     req.Namespace,
		Name:          req.Name,
		Owner:         req.Owner,
		TTLMs:         req.TTLMs,
		MaxRenewals:   req.MaxRenewals,
		AutoRenew:     req.AutoRenew,
		OwnerMetadata: req.OwnerMetadata,
		NowMs:         a.clock.NowMs(),
	})
	if err != nil {
		return nil, err
	}

	ar := resp.(fsm.AcquireResponse)
	if ar.Created {
		a.stats.locksCreated.Add(1)
	}
	if ar.ExpiredPrior {
		a.recordExpiration()
	}
	if ar.Acquired {
		a.stats.acquisitions.Add(1)
		metrics.AcquireTotal.WithLabelValues("success").Inc()
		metrics.LocksActive.Inc()
	}
	return &ar, nil
}

func (a *Authority) recordExpiration() {
	a.stats.expirations.Add(1)
	metrics.ExpireTotal.Inc()
	metrics.LocksActive.Dec()
}

type ReleaseRequest struct {
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	FenceToken uint64 `json:"fence_token,omitempty"`
}

type ReleaseResult struct {
	Released bool `json:"released"`
}

// Release frees a lock held by Owner. A non-zero fence token must match
// the lock's current token or the release is rejected outright.
func (a *Authority) Release(ctx context.Context, req ReleaseRequest) (ReleaseResult, error) {
	resp, err := a.applier.Apply(types.ReleaseCmd{
		Namespace:  req.Namespace,
		Name:       req.Name,
		Owner:      req.Owner,
		FenceToken: req.FenceToken,
		NowMs:      a.clock.NowMs(),
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	rr := resp.(fsm.ReleaseResponse)
	a.stats.releases.Add(1)
	a.stats.holdTimeTotalMs.Add(rr.HeldMs)
	a.stats.holdCount.Add(1)
	metrics.ReleaseTotal.Inc()
	metrics.LocksActive.Dec()

	a.promote(types.LockKey(req.Namespace, req.Name))
	return ReleaseResult{Released: true}, nil
}

type RenewRequest struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	TTLMs     int64  `json:"ttl_ms,omitempty"`
}

type RenewResult struct {
	Renewed      bool  `json:"renewed"`
	ExpiresAtMs  int64 `json:"expires_at_ms,omitempty"`
	RenewalCount int64 `json:"renewal_count"`
}

// Renew extends the lease of a held lock, optionally updating its TTL.
func (a *Authority) Renew(ctx context.Context, req RenewRequest) (RenewResult, error) {
	resp, err := a.applier.Apply(types.RenewCmd{
		Namespace: req.Namespace,
		Name:      req.Name,
		Owner:     req.Owner,
		TTLMs:     req.TTLMs,
		NowMs:     a.clock.NowMs(),
	})
	if err != nil {
		metrics.RenewTotal.WithLabelValues("failure").Inc()
		return RenewResult{}, err
	}

	rr := resp.(fsm.RenewResponse)
	a.stats.renewals.Add(1)
	metrics.RenewTotal.WithLabelValues("success").Inc()
	return RenewResult{
		Renewed:      true,
		ExpiresAtMs:  rr.ExpiresAtMs,
		RenewalCount: rr.RenewalCount,
	}, nil
}

// Get returns the current snapshot of a lock, or nil if the key has never
// been acquired.
func (a *Authority) Get(namespace, name string) *types.Lock {
	return a.table.Get(namespace, name)
}

// List returns lock snapshots matching the query.
func (a *Authority) List(q fsm.ListQuery) []*types.Lock {
	return a.table.List(q)
}

// ForceRelease unconditionally frees a lock regardless of owner and fence
// token. Operator intervention only; logged as such.
func (a *Authority) ForceRelease(ctx context.Context, namespace, name string) (bool, error) {
	resp, err := a.applier.Apply(types.ForceReleaseCmd{
		Namespace: namespace,
		Name:      name,
		NowMs:     a.clock.NowMs(),
	})
	if err != nil {
		return false, err
	}

	fr := resp.(fsm.ForceReleaseResponse)
	if !fr.Released {
		return false, nil
	}

	a.log.Warn("administrative force release",
		"key", types.LockKey(namespace, name), "prior_owner", fr.PriorOwner)
	metrics.ForceReleaseTotal.Inc()
	if fr.WasLocked {
		metrics.LocksActive.Dec()
	}

	a.promote(types.LockKey(namespace, name))
	return true, nil
}

// Stats returns the process-wide counters plus point-in-time table counts.
func (a *Authority) Stats() StatsSnapshot {
	total, locked := a.table.Counts(a.clock.NowMs())
	return a.stats.snapshot(total, locked)
}

// promote grants a freed lock to the next eligible waiter : pop FIFO,
// discard waiters whose deadlines have elapsed, stop after the first
// successful grant. Runs entirely under the key's queue lock so it cannot
// double-grant against a concurrent sweep or release.
func (a *Authority) promote(key string) {
	q := a.waiters.peek(key)
	if q == nil {
		return
	}
	q.mu.Lock()
	for {
		w := q.pop()
		if w == nil {
			break
		}
		if !w.deadline.After(time.Now()) {
			// deadline elapsed while queued : closing the channel tells the
			// waiter it lost, in case its timer has not fired yet
			close(w.ch)
			continue
		}

		resp, err := a.tryAcquire(w.req)
		if err != nil || !resp.Acquired {
			// a direct acquirer barged in; put the waiter back at the head
			// so arrival order is preserved for the next promotion
			q.pushFront(w)
			break
		}

		// best-effort delivery; cap-1 channel written at most once, so the
		// send cannot block a releaser
		select {
		case w.ch <- grant{lock: resp.Lock, fenceToken: resp.FenceToken}:
		default:
			// waiter abandoned its channel : free the lock again without
			// re-entering promote (we already hold the queue lock) and try
			// the next waiter
			a.releaseQuiet(w.req, resp.FenceToken)
			continue
		}
		break
	}
	q.mu.Unlock()
}

// Start launches the expiry sweeper. It stops when ctx is cancelled or
// Close is called. Subsequent calls are no-ops.
func (a *Authority) Start(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	go a.sweepLoop(ctx)
}

// Close stops the sweeper and waits for it to exit. Safe to call more
// than once, and without a prior Start.
func (a *Authority) Close() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	if !a.started.Load() {
		return
	}
	<-a.doneCh
}

func (a *Authority) sweepLoop(ctx context.Context) {
	defer close(a.doneCh)

	a.log.Debug("expiry sweeper starting", "interval", a.sweepInterval)
	ticker := time.NewTicker(a.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.sweep()
		}
	}
}

// one sweep tick : expire lapsed leases and promote their waiters
func (a *Authority) sweep() {
	if lc, ok := a.applier.(leaderChecker); ok && !lc.IsLeader() {
		return
	}

	nowMs := a.clock.NowMs()
	for _, lk := range a.table.ExpiredCandidates(nowMs) {
		resp, err := a.applier.Apply(types.ExpireCmd{
			Namespace: lk.Namespace,
			Name:      lk.Name,
			NowMs:     nowMs,
		})
		if err != nil {
			a.log.Error("sweep failed to expire lease", "key", lk.Key(), "error", err)
			continue
		}
		er := resp.(fsm.ExpireResponse)
		if !er.Expired {
			// renewed or released between the scan and the apply
			continue
		}

		a.recordExpiration()
		a.log.Warn("lease expired", "key", lk.Key(), "owner", er.Owner)
		a.promote(lk.Key())
	}
}
