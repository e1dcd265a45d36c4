package types

// LockState is the lifecycle state of a lock entity
// there is no terminal state : keys are reusable indefinitely
type LockState string

const (
	StateUnlocked LockState = "UNLOCKED"
	StateLocked   LockState = "LOCKED"
	StateExpired  LockState = "EXPIRED"
)

func (s LockState) String() string { return string(s) }

// lock is a lease-based distributed mutex with a fencing token
// fencing token is critical and prevents split-brain scenarios
// it is strictly monotonic per key and bumped on each successful acquisition,
// so a stale holder presenting an old token is rejected
type Lock struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	State         LockState         `json:"state"`
	Owner         string            `json:"owner,omitempty"`
	OwnerMetadata map[string]string `json:"owner_metadata,omitempty"`
	FenceToken    uint64            `json:"fence_token"`
	TTLMs         int64             `json:"ttl_ms"`
	AcquiredAtMs  int64             `json:"acquired_at_ms"`
	ExpiresAtMs   int64             `json:"expires_at_ms"`
	RenewalCount  int64             `json:"renewal_count"`
	MaxRenewals   int64             `json:"max_renewals"`
	AutoRenew     bool              `json:"auto_renew"`
}

// composite table key for a lock identity
func LockKey(namespace, name string) string {
	return namespace + "::" + name
}

func (l *Lock) Key() string {
	return LockKey(l.Namespace, l.Name)
}

// a LOCKED lock whose lease has lapsed is expired
// only acquire and the sweeper apply the LOCKED -> EXPIRED transition;
// release and renew report the lapse without transitioning
func (l *Lock) IsExpired(nowMs int64) bool {
	return l.State == StateLocked && nowMs >= l.ExpiresAtMs
}

// CanRenew reports whether one more renewal is within policy.
// MaxRenewals == 0 means unlimited.
func (l *Lock) CanRenew() bool {
	return l.MaxRenewals == 0 || l.RenewalCount < l.MaxRenewals
}

// deep copy so snapshots handed outside the table cannot alias live state
func (l *Lock) Clone() *Lock {
	c := *l
	if l.OwnerMetadata != nil {
		c.OwnerMetadata = make(map[string]string, len(l.OwnerMetadata))
		for k, v := range l.OwnerMetadata {
			c.OwnerMetadata[k] = v
		}
	}
	return &c
}
