package txhistory

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryStore struct {
	mu      sync.Mutex
	records map[common.Hash]Record
	order   []common.Hash
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[common.Hash]Record),
	}
}

// Record inserts r. Re-recording the same submission is a no-op.
func (s *MemoryStore) Record(_ context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.records[r.Hash]
	if !ok {
		s.records[r.Hash] = r
		s.order = append(s.order, r.Hash)
		return nil
	}
	if !existing.SameSubmission(r) {
		return ErrRecordMismatch
	}
	return nil
}

func (s *MemoryStore) UpdateOutcome(_ context.Context, hash common.Hash, outcome Outcome, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[hash]
	if !ok {
		return ErrNotFound
	}
	if err := CheckTransition(r.Outcome, outcome); err != nil {
		return err
	}
	if r.Outcome == outcome {
		return nil
	}
	r.Outcome = outcome
	r.Reason = reason
	s.records[hash] = r
	return nil
}

func (s *MemoryStore) Get(_ context.Context, hash common.Hash) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[hash]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

// ListByAccount returns the newest records first.
func (s *MemoryStore) ListByAccount(_ context.Context, account common.Address, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		return nil, nil
	}
	out := make([]Record, 0, limit)
	for i := len(s.order) - 1; i >= 0; i-- {
		r := s.records[s.order[i]]
		if r.Account != account {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}
