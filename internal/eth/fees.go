package eth

import (
	"errors"
	"math/big"
)

var ErrInvalidFeeArgs = errors.New("eth: invalid fee args")

// Calc1559Fees returns conservative EIP-1559 fee caps based on the latest block base fee.
//
// Policy:
// - tipCap = max(suggestedTipCap, minTipCap)
// - feeCap = 2*baseFee + tipCap
func Calc1559Fees(baseFee, suggestedTipCap, minTipCap *big.Int) (tipCap, feeCap *big.Int, err error) {
	if baseFee == nil || suggestedTipCap == nil || minTipCap == nil {
		return nil, nil, ErrInvalidFeeArgs
	}
	if baseFee.Sign() < 0 || suggestedTipCap.Sign() < 0 || minTipCap.Sign() < 0 {
		return nil, nil, ErrInvalidFeeArgs
	}

	tip := new(big.Int).Set(suggestedTipCap)
	if tip.Cmp(minTipCap) < 0 {
		tip.Set(minTipCap)
	}

	fee := new(big.Int).Mul(baseFee, big.NewInt(2))
	fee.Add(fee, tip)

	return tip, fee, nil
}

// DefaultGasMarginBps pads raw estimates by 10%.
const DefaultGasMarginBps = 11_000

// ApplyGasMargin returns ceil(est * marginBps / 10000).
//
// Margins at or below 10000 bps return the estimate unchanged. If the padded value does not fit in
// a uint64 the estimate is returned as-is.
func ApplyGasMargin(est uint64, marginBps uint32) uint64 {
	if marginBps <= 10_000 {
		return est
	}
	n := new(big.Int).Mul(new(big.Int).SetUint64(est), big.NewInt(int64(marginBps)))
	n.Add(n, big.NewInt(10_000-1))
	n.Quo(n, big.NewInt(10_000))
	if !n.IsUint64() {
		return est
	}
	return n.Uint64()
}
