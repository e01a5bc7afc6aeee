package candidate

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/permit"
	"github.com/mojitoswap/lp-withdraw/internal/routerabi"
)

var (
	ErrNotAuthorized = errors.New("candidate: withdrawal not authorized")
	ErrInvalidParams = errors.New("candidate: invalid params")
)

// Candidate is one executable router call for a withdrawal. Candidates are immutable once built.
type Candidate struct {
	Method routerabi.Method
	Args   []any // ABI order
	// Native is set when the call unwraps the native coin to the recipient.
	Native   bool
	Calldata []byte
}

// Params describes the withdrawal to encode. Token addresses are ERC-20 addresses; a native side is
// given as the wrapped native token with its Native flag set.
type Params struct {
	Auth permit.State

	TokenA  common.Address
	TokenB  common.Address
	NativeA bool
	NativeB bool

	Liquidity *big.Int
	MinA      *big.Int
	MinB      *big.Int
	To        common.Address

	// Deadline is the absolute unix deadline used on the approval path. Permit candidates use the
	// deadline bound into the signature instead.
	Deadline uint64

	// WrappedFallback appends removeLiquidity against the wrapped native token as the last candidate
	// when a native coin is involved.
	WrappedFallback bool
}

// Build returns the router calls able to execute p, most preferred first.
func Build(p Params) ([]Candidate, error) {
	if !p.Auth.Authorized() {
		return nil, fmt.Errorf("%w: state %s", ErrNotAuthorized, p.Auth)
	}
	if err := validate(p); err != nil {
		return nil, err
	}

	withPermit := p.Auth.Kind == permit.PermitSigned
	deadline := new(big.Int).SetUint64(p.Deadline)
	if withPermit {
		deadline = new(big.Int).SetUint64(p.Auth.Permit.Deadline)
	}

	var out []Candidate
	add := func(m routerabi.Method, args ...any) error {
		if withPermit {
			sig := p.Auth.Permit
			args = append(args, false, sig.V, sig.R, sig.S)
		}
		data, err := routerabi.PackRemove(m, args...)
		if err != nil {
			return err
		}
		out = append(out, Candidate{Method: m, Args: args, Native: m.Native(), Calldata: data})
		return nil
	}

	if !p.NativeA && !p.NativeB {
		m := routerabi.RemoveLiquidity
		if withPermit {
			m = routerabi.RemoveLiquidityWithPermit
		}
		if err := add(m, p.TokenA, p.TokenB, p.Liquidity, p.MinA, p.MinB, p.To, deadline); err != nil {
			return nil, err
		}
		return out, nil
	}

	token, tokenMin, ethMin := p.TokenB, p.MinB, p.MinA
	if p.NativeB {
		token, tokenMin, ethMin = p.TokenA, p.MinA, p.MinB
	}
	plain, feeOnTransfer := routerabi.RemoveLiquidityETH, routerabi.RemoveLiquidityETHSupportingFeeOnTransferTokens
	if withPermit {
		plain, feeOnTransfer = routerabi.RemoveLiquidityETHWithPermit, routerabi.RemoveLiquidityETHWithPermitSupportingFeeOnTransferTokens
	}
	if err := add(plain, token, p.Liquidity, tokenMin, ethMin, p.To, deadline); err != nil {
		return nil, err
	}
	if err := add(feeOnTransfer, token, p.Liquidity, tokenMin, ethMin, p.To, deadline); err != nil {
		return nil, err
	}
	if p.WrappedFallback {
		m := routerabi.RemoveLiquidity
		if withPermit {
			m = routerabi.RemoveLiquidityWithPermit
		}
		if err := add(m, p.TokenA, p.TokenB, p.Liquidity, p.MinA, p.MinB, p.To, deadline); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func validate(p Params) error {
	if (p.TokenA == common.Address{}) || (p.TokenB == common.Address{}) || (p.To == common.Address{}) {
		return fmt.Errorf("%w: token and recipient addresses must be non-zero", ErrInvalidParams)
	}
	if p.NativeA && p.NativeB {
		return fmt.Errorf("%w: both sides native", ErrInvalidParams)
	}
	if p.Liquidity == nil || p.Liquidity.Sign() <= 0 {
		return fmt.Errorf("%w: liquidity must be > 0", ErrInvalidParams)
	}
	if p.MinA == nil || p.MinA.Sign() < 0 || p.MinB == nil || p.MinB.Sign() < 0 {
		return fmt.Errorf("%w: minimums must be >= 0", ErrInvalidParams)
	}
	if p.Auth.Kind == permit.PermitSigned {
		if !p.Auth.Covers(p.Liquidity) {
			return fmt.Errorf("%w: permit does not cover liquidity %s", ErrNotAuthorized, p.Liquidity)
		}
	} else if p.Deadline == 0 {
		return fmt.Errorf("%w: deadline must be > 0", ErrInvalidParams)
	}
	return nil
}
