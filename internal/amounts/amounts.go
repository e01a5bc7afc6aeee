package amounts

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// BpsDenominator is the basis-point scale (10000 bps = 100%).
const BpsDenominator = 10_000

const (
	// Below this tolerance the pool price may move past the minimums before inclusion.
	RiskySlippageLowBps = 50
	// Above this tolerance the withdrawal is an easy sandwich target.
	RiskySlippageHighBps = 500
)

var ErrConfiguration = errors.New("amounts: invalid configuration")

var (
	bpsDen     = big.NewInt(BpsDenominator)
	hundred    = big.NewInt(100)
	maxPercent = uint8(100)
)

// ComputeMinimums returns the slippage-adjusted minimum outputs for a withdrawal.
//
// Each minimum is floor(target * (10000 - bps) / 10000). Rounding is always down: an overestimated
// minimum would make an otherwise valid withdrawal revert on-chain.
func ComputeMinimums(targetA, targetB *big.Int, bps uint32) (minA, minB *big.Int, err error) {
	if bps >= BpsDenominator {
		return nil, nil, fmt.Errorf("%w: slippage %d bps out of range", ErrConfiguration, bps)
	}
	minA, err = applySlippage(targetA, bps)
	if err != nil {
		return nil, nil, err
	}
	minB, err = applySlippage(targetB, bps)
	if err != nil {
		return nil, nil, err
	}
	return minA, minB, nil
}

func applySlippage(target *big.Int, bps uint32) (*big.Int, error) {
	if target == nil || target.Sign() < 0 {
		return nil, fmt.Errorf("%w: target amount must be >= 0", ErrConfiguration)
	}
	if bps == 0 {
		return new(big.Int).Set(target), nil
	}
	out := new(big.Int).Mul(target, big.NewInt(int64(BpsDenominator-bps)))
	// Quo truncates toward zero, which is floor for non-negative operands.
	return out.Quo(out, bpsDen), nil
}

// ComputePercentAmounts returns the share of total liquidity selected by percent.
//
// percent == 100 returns an exact copy of total so a full withdrawal never leaves dust behind.
func ComputePercentAmounts(total *big.Int, percent uint8) (*big.Int, error) {
	if total == nil || total.Sign() < 0 {
		return nil, fmt.Errorf("%w: total liquidity must be >= 0", ErrConfiguration)
	}
	if percent > maxPercent {
		return nil, fmt.Errorf("%w: percent %d > 100", ErrConfiguration, percent)
	}
	if percent == maxPercent {
		return new(big.Int).Set(total), nil
	}
	out := new(big.Int).Mul(total, big.NewInt(int64(percent)))
	return out.Quo(out, hundred), nil
}

// ComputeLiquidityForAmount returns the liquidity that redeems amount, given that the whole balance
// redeems full. The result is floor(balance * amount / full), and amount >= full selects exactly
// balance. With full == balance this is the identity on amount, capped at balance.
func ComputeLiquidityForAmount(balance, full, amount *big.Int) (*big.Int, error) {
	if balance == nil || balance.Sign() < 0 || full == nil || full.Sign() < 0 {
		return nil, fmt.Errorf("%w: position amounts must be >= 0", ErrConfiguration)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: amount must be > 0", ErrConfiguration)
	}
	if full.Sign() == 0 {
		return new(big.Int), nil
	}
	if amount.Cmp(full) >= 0 {
		return new(big.Int).Set(balance), nil
	}
	out := new(big.Int).Mul(balance, amount)
	return out.Quo(out, full), nil
}

// PercentOf returns floor(part * 100 / total), or 0 for an empty total.
func PercentOf(part, total *big.Int) uint8 {
	if part == nil || total == nil || total.Sign() <= 0 || part.Sign() <= 0 {
		return 0
	}
	if part.Cmp(total) >= 0 {
		return maxPercent
	}
	out := new(big.Int).Mul(part, hundred)
	return uint8(out.Quo(out, total).Uint64())
}

// ValidateSlippage requires 0 < bps < 10000.
func ValidateSlippage(bps uint32) error {
	if bps == 0 || bps >= BpsDenominator {
		return fmt.Errorf("%w: slippage must be in (0, %d) bps, got %d", ErrConfiguration, BpsDenominator, bps)
	}
	return nil
}

// ValidatePercent requires a submittable percent in [1, 100].
func ValidatePercent(percent uint8) error {
	if percent == 0 {
		return fmt.Errorf("%w: percent must be > 0", ErrConfiguration)
	}
	if percent > maxPercent {
		return fmt.Errorf("%w: percent %d > 100", ErrConfiguration, percent)
	}
	return nil
}

// ValidateDeadline requires a positive, whole-second relative deadline.
func ValidateDeadline(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: deadline must be > 0", ErrConfiguration)
	}
	if d%time.Second != 0 {
		return fmt.Errorf("%w: deadline must be whole seconds", ErrConfiguration)
	}
	return nil
}

// SlippageWarning returns a user-facing warning for risky tolerances, or "" when none applies.
func SlippageWarning(bps uint32) string {
	switch {
	case bps < RiskySlippageLowBps:
		return "your transaction may fail"
	case bps > RiskySlippageHighBps:
		return "your transaction may be frontrun"
	default:
		return ""
	}
}

// FormatSignificant renders a raw token amount with the given decimals, rounded down to sig
// significant digits. Trailing zeros after the decimal point are dropped.
func FormatSignificant(raw *big.Int, decimals uint8, sig int) string {
	if raw == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(raw, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	return FormatRat(r, sig)
}

// FormatRat renders r rounded down to sig significant digits.
func FormatRat(r *big.Rat, sig int) string {
	if r == nil || r.Sign() == 0 {
		return "0"
	}
	if sig <= 0 {
		sig = 1
	}
	neg := r.Sign() < 0
	abs := new(big.Rat).Abs(r)

	// Find exponent e such that 10^e <= abs < 10^(e+1).
	ten := big.NewRat(10, 1)
	e := 0
	probe := new(big.Rat).Set(abs)
	for probe.Cmp(ten) >= 0 {
		probe.Quo(probe, ten)
		e++
	}
	one := big.NewRat(1, 1)
	for probe.Cmp(one) < 0 {
		probe.Mul(probe, ten)
		e--
	}

	// Keep sig digits: scaled = floor(abs * 10^(sig-1-e)).
	shift := sig - 1 - e
	scaled := new(big.Rat).Set(abs)
	pow := new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(absInt(shift))), nil))
	if shift >= 0 {
		scaled.Mul(scaled, pow)
	} else {
		scaled.Quo(scaled, pow)
	}
	digits := new(big.Int).Quo(scaled.Num(), scaled.Denom())

	var s string
	if shift <= 0 {
		s = new(big.Int).Mul(digits, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-shift)), nil)).String()
	} else {
		d := digits.String()
		for len(d) <= shift {
			d = "0" + d
		}
		intPart, frac := d[:len(d)-shift], d[len(d)-shift:]
		for len(frac) > 0 && frac[len(frac)-1] == '0' {
			frac = frac[:len(frac)-1]
		}
		s = intPart
		if frac != "" {
			s += "." + frac
		}
	}
	if neg {
		s = "-" + s
	}
	return s
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
