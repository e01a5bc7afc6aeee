package eth

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type PendingNoncer interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager hands out nonces for the sender account. Approvals and withdrawals from the same
// account must not share a nonce, even when both are in flight.
type NonceManager struct {
	backend PendingNoncer
	addr    common.Address

	mu   sync.Mutex
	next uint64
	have bool
}

func NewNonceManager(backend PendingNoncer, addr common.Address) *NonceManager {
	return &NonceManager{
		backend: backend,
		addr:    addr,
	}
}

// Reserve returns the nonce for the next transaction. The first call reads the pending nonce.
func (m *NonceManager) Reserve(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		n, err := m.backend.PendingNonceAt(ctx, m.addr)
		if err != nil {
			return 0, err
		}
		m.next = n
		m.have = true
	}

	n := m.next
	m.next++
	return n, nil
}

// Rollback returns a reserved nonce that never reached the network.
//
// If n was the latest reservation it is handed out again. Otherwise later reservations exist and
// the counter is dropped, so the next Reserve rereads the pending nonce instead of leaving a gap.
func (m *NonceManager) Rollback(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.have {
		return
	}
	if m.next == n+1 {
		m.next = n
		return
	}
	m.have = false
}
