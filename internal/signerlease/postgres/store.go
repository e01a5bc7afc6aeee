package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mojitoswap/lp-withdraw/internal/signerlease"
)

var ErrInvalidConfig = errors.New("signerlease/postgres: invalid config")

// Store keeps leases in postgres; expiry is judged by the database clock.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("signerlease/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) TryAcquire(ctx context.Context, account common.Address, owner string, ttl time.Duration) (signerlease.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return signerlease.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := signerlease.Validate(account, owner, ttl); err != nil {
		return signerlease.Lease{}, false, err
	}

	var (
		gotOwner string
		expires  time.Time
	)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO signer_leases (account, owner, expires_at, created_at, updated_at)
		VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'), now(), now())
		ON CONFLICT (account) DO UPDATE
		SET owner = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()
		WHERE signer_leases.expires_at <= now()
		RETURNING owner, expires_at
	`, account.Bytes(), owner, ttlMilliseconds(ttl)).Scan(&gotOwner, &expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.Get(ctx, account)
			if gerr != nil {
				return signerlease.Lease{}, false, gerr
			}
			return l, false, nil
		}
		return signerlease.Lease{}, false, fmt.Errorf("signerlease/postgres: try acquire: %w", err)
	}
	return signerlease.Lease{Account: account, Owner: gotOwner, ExpiresAt: expires}, true, nil
}

func (s *Store) Renew(ctx context.Context, account common.Address, owner string, ttl time.Duration) (signerlease.Lease, bool, error) {
	if s == nil || s.pool == nil {
		return signerlease.Lease{}, false, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := signerlease.Validate(account, owner, ttl); err != nil {
		return signerlease.Lease{}, false, err
	}

	var expires time.Time
	err := s.pool.QueryRow(ctx, `
		UPDATE signer_leases
		SET expires_at = now() + ($3::bigint * interval '1 millisecond'),
			updated_at = now()
		WHERE account = $1 AND owner = $2
		RETURNING expires_at
	`, account.Bytes(), owner, ttlMilliseconds(ttl)).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			l, gerr := s.Get(ctx, account)
			if gerr != nil {
				return signerlease.Lease{}, false, gerr
			}
			if l.Owner != owner {
				return signerlease.Lease{}, false, signerlease.ErrNotOwner
			}
			return signerlease.Lease{}, false, fmt.Errorf("signerlease/postgres: renew: unexpected no rows")
		}
		return signerlease.Lease{}, false, fmt.Errorf("signerlease/postgres: renew: %w", err)
	}
	return signerlease.Lease{Account: account, Owner: owner, ExpiresAt: expires}, true, nil
}

func (s *Store) Release(ctx context.Context, account common.Address, owner string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if (account == common.Address{}) || owner == "" {
		return signerlease.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `DELETE FROM signer_leases WHERE account = $1 AND owner = $2`, account.Bytes(), owner)
	if err != nil {
		return fmt.Errorf("signerlease/postgres: release: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	l, err := s.Get(ctx, account)
	if errors.Is(err, signerlease.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Owner != owner {
		return signerlease.ErrNotOwner
	}
	return nil
}

func (s *Store) Get(ctx context.Context, account common.Address) (signerlease.Lease, error) {
	if s == nil || s.pool == nil {
		return signerlease.Lease{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if (account == common.Address{}) {
		return signerlease.Lease{}, signerlease.ErrInvalidInput
	}

	var (
		owner     string
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx, `SELECT owner, expires_at FROM signer_leases WHERE account = $1`, account.Bytes()).Scan(&owner, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return signerlease.Lease{}, signerlease.ErrNotFound
		}
		return signerlease.Lease{}, fmt.Errorf("signerlease/postgres: get: %w", err)
	}
	return signerlease.Lease{Account: account, Owner: owner, ExpiresAt: expiresAt}, nil
}

func ttlMilliseconds(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		return 1
	}
	return ms
}
