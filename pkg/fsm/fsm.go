package fsm

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pixperk/latch/pkg/types"
)

// number of table shards; contention is scoped to one shard, never the
// whole table
const shardCount = 32

type shard struct {
	mu    sync.RWMutex
	locks map[string]*types.Lock
}

// manages core lock state, one entity per (namespace, name) key
// critical :
// - fence tokens must be strictly monotonic per key and never reset
// - at most one owner may hold a LOCKED entity at any instant
// - entities are created lazily on first acquire and never deleted
// - all mutation of one key happens under its shard lock (read-modify-write
//   is not safe to split)
type FSM struct {
	shards [shardCount]*shard
}

func NewFSM() *FSM {
	f := &FSM{}
	for i := range f.shards {
		f.shards[i] = &shard{locks: make(map[string]*types.Lock)}
	}
	return f
}

func (f *FSM) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return f.shards[h.Sum32()%shardCount]
}

// applies a command to the state machine and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	switch c := cmd.(type) {
	case types.AcquireCmd:
		return f.applyAcquire(c)
	case types.ReleaseCmd:
		return f.applyRelease(c)
	case types.RenewCmd:
		return f.applyRenew(c)
	case types.ForceReleaseCmd:
		return f.applyForceRelease(c)
	case types.ExpireCmd:
		return f.applyExpire(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when an acquisition is attempted
type AcquireResponse struct {
	Acquired     bool
	Lock         *types.Lock
	FenceToken   uint64
	CurrentOwner string
	Created      bool // entity was created by this attempt
	ExpiredPrior bool // a lapsed lease was transitioned before this attempt
}

func (f *FSM) applyAcquire(cmd types.AcquireCmd) (any, error) {
	if cmd.Namespace == "" {
		return nil, types.ErrInvalidNamespace
	}
	if cmd.TTLMs <= 0 {
		return nil, types.ErrInvalidTTL
	}

	key := types.LockKey(cmd.Namespace, cmd.Name)
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := AcquireResponse{}

	lk, exists := s.locks[key]
	if !exists {
		lk = &types.Lock{
			Namespace: cmd.Namespace,
			Name:      cmd.Name,
			State:     types.StateUnlocked,
		}
		s.locks[key] = lk
		resp.Created = true
	}

	// lazy expiry check before deciding occupancy
	if lk.IsExpired(cmd.NowMs) {
		lk.State = types.StateExpired
		resp.ExpiredPrior = true
	}

	if lk.State == types.StateLocked {
		// occupied by a live owner
		resp.CurrentOwner = lk.Owner
		return resp, nil
	}

	lk.State = types.StateLocked
	lk.Owner = cmd.Owner
	lk.OwnerMetadata = cmd.OwnerMetadata
	lk.FenceToken++
	lk.TTLMs = cmd.TTLMs
	lk.AcquiredAtMs = cmd.NowMs
	lk.ExpiresAtMs = cmd.NowMs + cmd.TTLMs
	lk.RenewalCount = 0
	lk.MaxRenewals = cmd.MaxRenewals
	lk.AutoRenew = cmd.AutoRenew

	resp.Acquired = true
	resp.Lock = lk.Clone()
	resp.FenceToken = lk.FenceToken
	return resp, nil
}

// returned when a lock is released
type ReleaseResponse struct {
	Released bool
	HeldMs   int64
}

func (f *FSM) applyRelease(cmd types.ReleaseCmd) (any, error) {
	key := types.LockKey(cmd.Namespace, cmd.Name)
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, exists := s.locks[key]
	if !exists {
		return nil, types.ErrLockNotFound
	}

	// fence check comes first : a stale holder must be rejected without
	// mutating state, whatever it thinks it owns
	if cmd.FenceToken != 0 && cmd.FenceToken != lk.FenceToken {
		return ReleaseResponse{}, types.ErrFenceMismatch
	}
	// a lapsed lease fails the release but is not transitioned here : the
	// LOCKED -> EXPIRED transition belongs to acquire and the sweeper, so
	// the expiry is observed and counted exactly once
	if lk.State == types.StateExpired || lk.IsExpired(cmd.NowMs) {
		return ReleaseResponse{}, types.ErrLockExpired
	}
	if lk.State != types.StateLocked {
		return ReleaseResponse{}, types.ErrLockNotFound
	}
	if lk.Owner != cmd.Owner {
		return ReleaseResponse{}, types.ErrNotOwner
	}

	resp := ReleaseResponse{
		Released: true,
		HeldMs:   cmd.NowMs - lk.AcquiredAtMs,
	}
	lk.State = types.StateUnlocked
	return resp, nil
}

// returned when a lease is renewed
type RenewResponse struct {
	Renewed      bool
	ExpiresAtMs  int64
	RenewalCount int64
}

func (f *FSM) applyRenew(cmd types.RenewCmd) (any, error) {
	key := types.LockKey(cmd.Namespace, cmd.Name)
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, exists := s.locks[key]
	if !exists {
		return nil, types.ErrLockNotFound
	}

	// a lapsed lease stays LOCKED here, same as release : the sweeper owns
	// the transition
	if lk.State != types.StateLocked || lk.IsExpired(cmd.NowMs) {
		return nil, types.ErrLockExpired
	}
	if lk.Owner != cmd.Owner {
		return nil, types.ErrNotOwner
	}
	if !lk.CanRenew() {
		return nil, types.ErrRenewalExhausted
	}

	if cmd.TTLMs > 0 {
		lk.TTLMs = cmd.TTLMs
	}
	lk.ExpiresAtMs = cmd.NowMs + lk.TTLMs
	lk.RenewalCount++

	return RenewResponse{
		Renewed:      true,
		ExpiresAtMs:  lk.ExpiresAtMs,
		RenewalCount: lk.RenewalCount,
	}, nil
}

// returned on administrative force release
type ForceReleaseResponse struct {
	Released   bool
	WasLocked  bool
	PriorOwner string
}

func (f *FSM) applyForceRelease(cmd types.ForceReleaseCmd) (any, error) {
	key := types.LockKey(cmd.Namespace, cmd.Name)
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, exists := s.locks[key]
	if !exists {
		return nil, types.ErrLockNotFound
	}

	resp := ForceReleaseResponse{
		WasLocked:  lk.State == types.StateLocked,
		PriorOwner: lk.Owner,
	}
	if lk.State == types.StateLocked || lk.State == types.StateExpired {
		lk.State = types.StateUnlocked
		resp.Released = true
	}
	return resp, nil
}

// returned when the sweeper expires a lapsed lease
type ExpireResponse struct {
	Expired bool
	Owner   string
}

func (f *FSM) applyExpire(cmd types.ExpireCmd) (any, error) {
	key := types.LockKey(cmd.Namespace, cmd.Name)
	s := f.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	lk, exists := s.locks[key]
	if !exists {
		return nil, types.ErrLockNotFound
	}

	resp := ExpireResponse{Owner: lk.Owner}
	// re-check under the shard lock : a renew or release may have raced
	// the sweeper's read-only scan
	if lk.IsExpired(cmd.NowMs) {
		lk.State = types.StateExpired
		resp.Expired = true
	}
	return resp, nil
}

// returns a snapshot of a lock by identity, or nil if it never existed
func (f *FSM) Get(namespace, name string) *types.Lock {
	key := types.LockKey(namespace, name)
	s := f.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	lk, exists := s.locks[key]
	if !exists {
		return nil
	}
	return lk.Clone()
}

// ListQuery filters the lock table. Namespace is required.
type ListQuery struct {
	Namespace      string
	Name           string
	Owner          string
	State          types.LockState
	IncludeExpired bool
	Limit          int
}

// returns at most Limit matching lock snapshots; iteration order is
// stable only per shard
func (f *FSM) List(q ListQuery) []*types.Lock {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []*types.Lock
	for _, s := range f.shards {
		s.mu.RLock()
		for _, lk := range s.locks {
			if len(out) >= limit {
				break
			}
			if lk.Namespace != q.Namespace {
				continue
			}
			if q.Name != "" && lk.Name != q.Name {
				continue
			}
			if q.Owner != "" && lk.Owner != q.Owner {
				continue
			}
			if q.State != "" && lk.State != q.State {
				continue
			}
			if !q.IncludeExpired && lk.State == types.StateExpired {
				continue
			}
			out = append(out, lk.Clone())
		}
		s.mu.RUnlock()
		if len(out) >= limit {
			break
		}
	}
	return out
}

// point-in-time counts over the table
func (f *FSM) Counts(nowMs int64) (total, locked int) {
	for _, s := range f.shards {
		s.mu.RLock()
		total += len(s.locks)
		for _, lk := range s.locks {
			if lk.State == types.StateLocked && !lk.IsExpired(nowMs) {
				locked++
			}
		}
		s.mu.RUnlock()
	}
	return total, locked
}

// returns keys whose leases have lapsed as of nowMs; read-only scan,
// the actual transition is re-checked by applyExpire under the shard lock
func (f *FSM) ExpiredCandidates(nowMs int64) []*types.Lock {
	var out []*types.Lock
	for _, s := range f.shards {
		s.mu.RLock()
		for _, lk := range s.locks {
			if lk.IsExpired(nowMs) {
				out = append(out, lk.Clone())
			}
		}
		s.mu.RUnlock()
	}
	return out
}
