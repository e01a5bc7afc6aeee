package signerlease

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore holds leases in-process. It only guards instances sharing the process.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[common.Address]Lease
}

func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:    now,
		leases: make(map[common.Address]Lease),
	}
}

func (s *MemoryStore) TryAcquire(_ context.Context, account common.Address, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(account, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	l, ok := s.leases[account]
	if !ok || !l.ExpiresAt.After(now) {
		out := Lease{Account: account, Owner: owner, ExpiresAt: now.Add(ttl)}
		s.leases[account] = out
		return out, true, nil
	}
	return l, false, nil
}

func (s *MemoryStore) Renew(_ context.Context, account common.Address, owner string, ttl time.Duration) (Lease, bool, error) {
	if err := Validate(account, owner, ttl); err != nil {
		return Lease{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[account]
	if !ok {
		return Lease{}, false, ErrNotFound
	}
	if l.Owner != owner {
		return Lease{}, false, ErrNotOwner
	}
	// An expired lease that nobody took over is still ours.
	out := Lease{Account: account, Owner: owner, ExpiresAt: s.now().Add(ttl)}
	s.leases[account] = out
	return out, true, nil
}

func (s *MemoryStore) Release(_ context.Context, account common.Address, owner string) error {
	if (account == common.Address{}) || owner == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[account]
	if !ok {
		return nil
	}
	if l.Owner != owner {
		return ErrNotOwner
	}
	delete(s.leases, account)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, account common.Address) (Lease, error) {
	if (account == common.Address{}) {
		return Lease{}, ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.leases[account]
	if !ok {
		return Lease{}, ErrNotFound
	}
	return l, nil
}
