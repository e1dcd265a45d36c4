package authority

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/latch/pkg/types"
)

// Renewer keeps a held lock alive by renewing at a third of the lease TTL.
// It is purely a convenience driver of the public Renew operation and holds
// no table state : losing the race to a sweep-driven expiry is a legitimate
// outcome, in which case the loop logs and stops. It never retries or
// re-acquires.
type Renewer struct {
	auth      *Authority
	namespace string
	name      string
	owner     string
	ttl       time.Duration
	log       hclog.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func NewRenewer(auth *Authority, namespace, name, owner string, ttl time.Duration, logger hclog.Logger) *Renewer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Renewer{
		auth:      auth,
		namespace: namespace,
		name:      name,
		owner:     owner,
		ttl:       ttl,
		log:       logger.Named("renewer"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start launches the renewal loop. Subsequent calls are no-ops.
func (r *Renewer) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.loop()
}

// Stop signals the loop and waits for it to exit. Safe to call more than
// once, without a prior Start, and after the loop has already stopped on
// a renewal failure.
func (r *Renewer) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if !r.started.Load() {
		return
	}
	<-r.doneCh
}

// Done is closed when the loop has exited, whether stopped or failed.
func (r *Renewer) Done() <-chan struct{} {
	return r.doneCh
}

func (r *Renewer) loop() {
	defer close(r.doneCh)

	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	key := types.LockKey(r.namespace, r.name)
	r.log.Debug("auto-renewal starting", "key", key, "owner", r.owner, "interval", interval)

	for {
		select {
		case <-r.stopCh:
			r.log.Debug("auto-renewal stopped", "key", key)
			return
		case <-ticker.C:
			res, err := r.auth.Renew(context.Background(), RenewRequest{
				Namespace: r.namespace,
				Name:      r.name,
				Owner:     r.owner,
			})
			if err != nil {
				// lease lost, owner superseded, or renewal budget exhausted
				r.log.Warn("auto-renewal failed, stopping",
					"key", key, "owner", r.owner, "error", err)
				return
			}
			r.log.Debug("lease renewed", "key", key,
				"renewal_count", res.RenewalCount, "expires_at_ms", res.ExpiresAtMs)
		}
	}
}
