package permit

import (
	"fmt"
	"math/big"
	"time"
)

// Kind tags the authorization variant currently held for a withdrawal.
type Kind uint8

const (
	NotAuthorized Kind = iota
	ApprovalPending
	ApprovalGranted
	PermitSigned
)

func (k Kind) String() string {
	switch k {
	case NotAuthorized:
		return "not_authorized"
	case ApprovalPending:
		return "approval_pending"
	case ApprovalGranted:
		return "approval_granted"
	case PermitSigned:
		return "permit_signed"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Signature is a parsed EIP-2612 style permit for the pair's liquidity token.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte

	// Deadline is the absolute unix deadline bound into the signed message.
	Deadline uint64
	Nonce    *big.Int
	Value    *big.Int
}

// State is the authorization held for a withdrawal. Permit is non-nil iff Kind == PermitSigned.
type State struct {
	Kind   Kind
	Permit *Signature
}

// Authorized reports whether candidates can be built from s.
func (s State) Authorized() bool {
	return s.Kind == ApprovalGranted || (s.Kind == PermitSigned && s.Permit != nil)
}

// Expired reports whether s holds a permit whose deadline is not after now.
func (s State) Expired(now time.Time) bool {
	if s.Kind != PermitSigned || s.Permit == nil {
		return false
	}
	return uint64(now.Unix()) >= s.Permit.Deadline
}

// Covers reports whether s authorizes withdrawing exactly value. Approvals cover any value up to the
// allowance checked when they were granted, so callers re-authorize when the amount changes.
func (s State) Covers(value *big.Int) bool {
	if s.Kind != PermitSigned {
		return s.Kind == ApprovalGranted
	}
	return s.Permit != nil && s.Permit.Value != nil && value != nil && s.Permit.Value.Cmp(value) == 0
}

func (s State) String() string {
	if s.Kind == PermitSigned && s.Permit != nil {
		return fmt.Sprintf("%s(deadline=%d)", s.Kind, s.Permit.Deadline)
	}
	return s.Kind.String()
}
