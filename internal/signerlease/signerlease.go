// Package signerlease makes one process the only sender for a signer account.
//
// Nonces are assigned in-process, so two servers sharing a key would race each other's
// transactions. A lease per account lets a second instance fail fast instead.
package signerlease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInvalidInput = errors.New("signerlease: invalid input")
	ErrNotFound     = errors.New("signerlease: not found")
	ErrNotOwner     = errors.New("signerlease: not owner")
	// ErrHeld is returned by Acquire when another instance holds an unexpired lease.
	ErrHeld = errors.New("signerlease: held by another instance")
	// ErrLost is returned by Keeper.Run when the lease could not be renewed.
	ErrLost = errors.New("signerlease: lease lost")
)

type Lease struct {
	Account   common.Address
	Owner     string
	ExpiresAt time.Time
}

// Store is a compare-and-swap lease table keyed by account.
//
// TryAcquire succeeds if no lease exists or the existing one expired. Renew succeeds only for the
// current owner. Release is idempotent if the lease is already gone.
type Store interface {
	TryAcquire(ctx context.Context, account common.Address, owner string, ttl time.Duration) (Lease, bool, error)
	Renew(ctx context.Context, account common.Address, owner string, ttl time.Duration) (Lease, bool, error)
	Release(ctx context.Context, account common.Address, owner string) error
	Get(ctx context.Context, account common.Address) (Lease, error)
}

func Validate(account common.Address, owner string, ttl time.Duration) error {
	if (account == common.Address{}) || owner == "" || ttl <= 0 {
		return fmt.Errorf("%w: account/owner must be non-empty and ttl must be > 0", ErrInvalidInput)
	}
	return nil
}

// Keeper holds an acquired lease and renews it.
type Keeper struct {
	store   Store
	account common.Address
	owner   string
	ttl     time.Duration
	log     *slog.Logger
}

// Acquire takes the lease for account or returns ErrHeld naming the current owner.
func Acquire(ctx context.Context, store Store, account common.Address, owner string, ttl time.Duration, log *slog.Logger) (*Keeper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidInput)
	}
	if err := Validate(account, owner, ttl); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	l, ok, err := store.TryAcquire(ctx, account, owner, ttl)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: owner=%s expires=%s", ErrHeld, l.Owner, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
	log.Info("signer lease acquired", "account", account.Hex(), "owner", owner, "expiresAt", l.ExpiresAt)
	return &Keeper{store: store, account: account, owner: owner, ttl: ttl, log: log}, nil
}

// Run renews the lease every ttl/3 until ctx ends (nil) or a renewal fails (ErrLost).
// A transient renewal error is tolerated while the last granted expiry is still ahead.
func (k *Keeper) Run(ctx context.Context) error {
	interval := k.ttl / 3
	if interval <= 0 {
		interval = k.ttl
	}
	expires := time.Now().Add(k.ttl)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		l, ok, err := k.store.Renew(ctx, k.account, k.owner, k.ttl)
		switch {
		case err == nil && ok:
			expires = l.ExpiresAt
			continue
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrNotOwner), errors.Is(err, ErrNotFound):
			return fmt.Errorf("%w: %w", ErrLost, err)
		case err != nil && time.Now().Before(expires):
			k.log.Warn("signer lease renew failed", "account", k.account.Hex(), "err", err)
			continue
		case err != nil:
			return fmt.Errorf("%w: %w", ErrLost, err)
		default:
			return ErrLost
		}
	}
}

func (k *Keeper) Release(ctx context.Context) error {
	return k.store.Release(ctx, k.account, k.owner)
}
