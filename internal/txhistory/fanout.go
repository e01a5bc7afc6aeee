package txhistory

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Fanout forwards to every recorder in order and joins their errors. A failing recorder does not
// stop the others.
type Fanout []Recorder

func (f Fanout) Record(ctx context.Context, r Record) error {
	var errs []error
	for _, rec := range f {
		if err := rec.Record(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) UpdateOutcome(ctx context.Context, hash common.Hash, outcome Outcome, reason string) error {
	var errs []error
	for _, rec := range f {
		if err := rec.UpdateOutcome(ctx, hash, outcome, reason); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
