package client

import (
	"context"
	"log"
	"time"
)

// Lock is a held lock handle. The fence token must accompany every
// operation against the protected resource so a superseded holder is
// rejected downstream.
type Lock struct {
	client     *Client
	namespace  string
	name       string
	ttl        time.Duration
	fenceToken uint64
}

func (l *Lock) Token() uint64 {
	return l.fenceToken
}

func (l *Lock) Release(ctx context.Context) error {
	return l.client.Release(ctx, l.namespace, l.name, l.fenceToken)
}

// KeepAlive renews the lease at a third of its TTL until ctx is cancelled
// or a renewal fails. It never retries or re-acquires : once the lease is
// lost the loop logs and exits, and the caller must treat the lock as gone.
func (l *Lock) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.client.Renew(ctx, l.namespace, l.name, 0); err != nil {
				log.Printf("[WARNING] keepalive for %s::%s stopped: %v", l.namespace, l.name, err)
				return
			}
		}
	}
}
