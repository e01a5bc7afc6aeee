package postgres

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mojitoswap/lp-withdraw/internal/txhistory"
)

var ErrInvalidConfig = errors.New("txhistory/postgres: invalid config")

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
		return fmt.Errorf("txhistory/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Record(ctx context.Context, r txhistory.Record) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.GasLimit > math.MaxInt64 {
		return fmt.Errorf("%w: gas limit too large", txhistory.ErrInvalidRecord)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO withdrawal_txs (
			tx_hash,
			request_id,
			account,
			pair,
			method,
			gas_limit,
			summary,
			outcome,
			reason,
			submitted_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
		ON CONFLICT (tx_hash) DO NOTHING
	`, r.Hash[:], r.RequestID, r.Account[:], r.Pair[:], r.Method, int64(r.GasLimit), r.Summary,
		int16(r.Outcome), r.Reason, r.SubmittedAt.UTC())
	if err != nil {
		return fmt.Errorf("txhistory/postgres: insert: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, err := s.Get(ctx, r.Hash)
	if err != nil {
		return err
	}
	if !existing.SameSubmission(r) {
		return txhistory.ErrRecordMismatch
	}
	return nil
}

func (s *Store) UpdateOutcome(ctx context.Context, hash common.Hash, outcome txhistory.Outcome, reason string) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	existing, err := s.Get(ctx, hash)
	if err != nil {
		return err
	}
	if err := txhistory.CheckTransition(existing.Outcome, outcome); err != nil {
		return err
	}
	if existing.Outcome == outcome {
		return nil
	}

	// The outcome guard makes a concurrent terminal write lose instead of overwrite.
	tag, err := s.pool.Exec(ctx, `
		UPDATE withdrawal_txs
		SET outcome = $2, reason = $3, updated_at = now()
		WHERE tx_hash = $1 AND outcome = $4
	`, hash[:], int16(outcome), reason, int16(txhistory.OutcomePending))
	if err != nil {
		return fmt.Errorf("txhistory/postgres: update outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s changed concurrently", txhistory.ErrInvalidTransition, hash)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, hash common.Hash) (txhistory.Record, error) {
	if s == nil || s.pool == nil {
		return txhistory.Record{}, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	row := s.pool.QueryRow(ctx, selectRecord+` WHERE tx_hash = $1`, hash[:])
	r, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return txhistory.Record{}, txhistory.ErrNotFound
		}
		return txhistory.Record{}, fmt.Errorf("txhistory/postgres: get: %w", err)
	}
	return r, nil
}

func (s *Store) ListByAccount(ctx context.Context, account common.Address, limit int) ([]txhistory.Record, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("%w: nil store", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, selectRecord+`
		WHERE account = $1
		ORDER BY submitted_at DESC, tx_hash ASC
		LIMIT $2
	`, account[:], limit)
	if err != nil {
		return nil, fmt.Errorf("txhistory/postgres: list by account: %w", err)
	}
	defer rows.Close()

	out := make([]txhistory.Record, 0, limit)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("txhistory/postgres: scan list row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("txhistory/postgres: list by account rows: %w", err)
	}
	return out, nil
}

const selectRecord = `
	SELECT
		tx_hash,
		request_id,
		account,
		pair,
		method,
		gas_limit,
		summary,
		outcome,
		reason,
		submitted_at
	FROM withdrawal_txs`

func scanRecord(row pgx.Row) (txhistory.Record, error) {
	var (
		hashRaw     []byte
		requestID   uuid.UUID
		accountRaw  []byte
		pairRaw     []byte
		method      string
		gasLimit    int64
		summary     string
		outcome     int16
		reason      string
		submittedAt time.Time
	)
	if err := row.Scan(
		&hashRaw,
		&requestID,
		&accountRaw,
		&pairRaw,
		&method,
		&gasLimit,
		&summary,
		&outcome,
		&reason,
		&submittedAt,
	); err != nil {
		return txhistory.Record{}, err
	}
	if len(hashRaw) != common.HashLength || len(accountRaw) != common.AddressLength || len(pairRaw) != common.AddressLength {
		return txhistory.Record{}, fmt.Errorf("txhistory/postgres: invalid byte lengths in db")
	}
	if gasLimit < 0 {
		return txhistory.Record{}, fmt.Errorf("txhistory/postgres: negative gas limit in db")
	}
	return txhistory.Record{
		Hash:        common.BytesToHash(hashRaw),
		RequestID:   requestID,
		Account:     common.BytesToAddress(accountRaw),
		Pair:        common.BytesToAddress(pairRaw),
		Method:      method,
		GasLimit:    uint64(gasLimit),
		Summary:     summary,
		SubmittedAt: submittedAt.UTC(),
		Outcome:     txhistory.Outcome(outcome),
		Reason:      reason,
	}, nil
}
