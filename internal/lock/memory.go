package lock

import (
	"context"
	"sync"
	"time"

	"github.com/ChuLiYu/beaver-jobrun/pkg/types"
)

type lease struct {
	owner     types.OwnerToken
	expiresAt time.Time
}

// MemoryLocker 進程內租約鎖
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[types.JobID]lease
	ttl    time.Duration
	opts   options
}

var _ Locker = (*MemoryLocker)(nil)

// NewMemoryLocker 建立進程內租約鎖
func NewMemoryLocker(ttl time.Duration, opts ...Option) (*MemoryLocker, error) {
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return &MemoryLocker{
		leases: make(map[types.JobID]lease),
		ttl:    ttl,
		opts:   o,
	}, nil
}

func (m *MemoryLocker) live(l lease, now time.Time) bool {
	return now.Before(l.expiresAt)
}

// AttemptLock 取得新租約
func (m *MemoryLocker) AttemptLock(_ context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[id]; ok && m.live(cur, now) {
		return false, nil
	}
	m.leases[id] = lease{owner: owner, expiresAt: now.Add(m.ttl)}
	return true, nil
}

// UpdateLock 續租
func (m *MemoryLocker) UpdateLock(_ context.Context, id types.JobID, owner types.OwnerToken) (bool, error) {
	if err := validateArgs(id, owner); err != nil {
		return false, err
	}
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[id]
	if !ok || cur.owner != owner || !m.live(cur, now) {
		return false, nil
	}
	cur.expiresAt = now.Add(m.ttl)
	m.leases[id] = cur
	return true, nil
}

// ReleaseLock 釋放租約
func (m *MemoryLocker) ReleaseLock(_ context.Context, id types.JobID, owner types.OwnerToken) error {
	if err := validateArgs(id, owner); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[id]; ok && cur.owner == owner {
		delete(m.leases, id)
	}
	return nil
}

// Holder 返回目前存活租約的持有者
func (m *MemoryLocker) Holder(id types.JobID) (types.OwnerToken, bool) {
	now := m.opts.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[id]
	if !ok || !m.live(cur, now) {
		return "", false
	}
	return cur.owner, true
}
