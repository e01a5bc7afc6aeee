package txhistory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/blobstore"
)

// ArchiveRecorder keeps one JSON object per transaction under records/<hash>.json.
type ArchiveRecorder struct {
	store blobstore.Store
}

func NewArchiveRecorder(store blobstore.Store) (*ArchiveRecorder, error) {
	if store == nil {
		return nil, errors.New("txhistory: nil blob store")
	}
	return &ArchiveRecorder{store: store}, nil
}

func archiveKey(hash common.Hash) string {
	return "records/" + hash.Hex() + ".json"
}

func (a *ArchiveRecorder) Record(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	existing, err := a.Get(ctx, r.Hash)
	switch {
	case err == nil:
		if !existing.SameSubmission(r) {
			return ErrRecordMismatch
		}
		return nil
	case !errors.Is(err, ErrNotFound):
		return err
	}
	return a.put(ctx, r)
}

func (a *ArchiveRecorder) UpdateOutcome(ctx context.Context, hash common.Hash, outcome Outcome, reason string) error {
	r, err := a.Get(ctx, hash)
	if err != nil {
		return err
	}
	if err := CheckTransition(r.Outcome, outcome); err != nil {
		return err
	}
	if r.Outcome == outcome {
		return nil
	}
	r.Outcome = outcome
	r.Reason = reason
	return a.put(ctx, r)
}

func (a *ArchiveRecorder) Get(ctx context.Context, hash common.Hash) (Record, error) {
	obj, err := a.store.Get(ctx, archiveKey(hash))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("txhistory: archive get: %w", err)
	}
	var r Record
	if err := json.Unmarshal(obj.Data, &r); err != nil {
		return Record{}, fmt.Errorf("txhistory: archive decode %s: %w", hash, err)
	}
	return r, nil
}

func (a *ArchiveRecorder) put(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("txhistory: archive encode: %w", err)
	}
	err = a.store.Put(ctx, archiveKey(r.Hash), b, blobstore.PutOptions{
		ContentType: "application/json",
		Metadata: map[string]string{
			"account": r.Account.Hex(),
			"outcome": r.Outcome.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("txhistory: archive put: %w", err)
	}
	return nil
}
