package txhistory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("txhistory: not found")
	ErrInvalidRecord     = errors.New("txhistory: invalid record")
	ErrRecordMismatch    = errors.New("txhistory: record mismatch")
	ErrInvalidTransition = errors.New("txhistory: invalid transition")
)

type Outcome uint8

const (
	OutcomeUnknown Outcome = iota
	OutcomePending
	OutcomeConfirmed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "pending":
		return OutcomePending, nil
	case "confirmed":
		return OutcomeConfirmed, nil
	case "failed":
		return OutcomeFailed, nil
	default:
		return OutcomeUnknown, fmt.Errorf("%w: unknown outcome %q", ErrInvalidRecord, s)
	}
}

func (o Outcome) Terminal() bool { return o == OutcomeConfirmed || o == OutcomeFailed }

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// Record is a broadcast withdrawal transaction. Only Outcome and Reason change after creation.
type Record struct {
	Hash      common.Hash    `json:"hash"`
	RequestID uuid.UUID      `json:"request_id"`
	Account   common.Address `json:"account"`
	Pair      common.Address `json:"pair"`
	Method    string         `json:"method"`
	GasLimit  uint64         `json:"gas_limit"`
	Summary   string         `json:"summary"`

	SubmittedAt time.Time `json:"submitted_at"`
	Outcome     Outcome   `json:"outcome"`
	Reason      string    `json:"reason,omitempty"`
}

// SameSubmission reports whether r and o describe the same broadcast, ignoring the outcome.
func (r Record) SameSubmission(o Record) bool {
	return r.Hash == o.Hash &&
		r.RequestID == o.RequestID &&
		r.Account == o.Account &&
		r.Pair == o.Pair &&
		r.Method == o.Method &&
		r.GasLimit == o.GasLimit &&
		r.Summary == o.Summary &&
		r.SubmittedAt.Equal(o.SubmittedAt)
}

func (r Record) Validate() error {
	if (r.Hash == common.Hash{}) {
		return fmt.Errorf("%w: missing hash", ErrInvalidRecord)
	}
	if (r.Account == common.Address{}) {
		return fmt.Errorf("%w: missing account", ErrInvalidRecord)
	}
	if r.SubmittedAt.IsZero() {
		return fmt.Errorf("%w: missing submitted_at", ErrInvalidRecord)
	}
	if r.Outcome == OutcomeUnknown || r.Outcome > OutcomeFailed {
		return fmt.Errorf("%w: outcome %s", ErrInvalidRecord, r.Outcome)
	}
	return nil
}

// CheckTransition allows pending -> confirmed|failed and idempotent repeats of the current outcome.
func CheckTransition(from, to Outcome) error {
	if from == to {
		return nil
	}
	if from == OutcomePending && to.Terminal() {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Recorder accepts transaction records for display and bookkeeping.
type Recorder interface {
	Record(ctx context.Context, r Record) error
	UpdateOutcome(ctx context.Context, hash common.Hash, outcome Outcome, reason string) error
}

// Store is a Recorder that can also be queried.
type Store interface {
	Recorder
	Get(ctx context.Context, hash common.Hash) (Record, error)
	ListByAccount(ctx context.Context, account common.Address, limit int) ([]Record, error)
}
