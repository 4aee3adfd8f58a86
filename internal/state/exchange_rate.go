package state

import (
	fpmath "StakeLedger/internal/math"
)

// ExchangeRateLedger holds the base-per-voucher rate. The rate only ratchets
// upward: an update to a value at or below the current rate is ignored.
type ExchangeRateLedger struct {
	rate fpmath.Rate
}

func NewExchangeRateLedger(genesis fpmath.Rate) *ExchangeRateLedger {
	return &ExchangeRateLedger{rate: genesis}
}

func (l *ExchangeRateLedger) Current() fpmath.Rate {
	return l.rate
}

// Update proposes a new rate and reports whether it was adopted.
// An undefined rate yields ErrInvalidExchangeRate.
func (l *ExchangeRateLedger) Update(proposed fpmath.Rate) (bool, error) {
	if !proposed.Defined() {
		return false, ErrInvalidExchangeRate
	}
	if proposed.Cmp(l.rate) <= 0 {
		return false, nil
	}
	l.rate = proposed
	return true, nil
}

// ComputeRate derives (bonded + stake) / (issuance + unstake) with checked sums.
func ComputeRate(bonded, totalStake, voucherIssuance, totalUnstake uint64) (fpmath.Rate, error) {
	num, ok := fpmath.CheckedAdd(bonded, totalStake)
	if !ok {
		return fpmath.Rate{}, ErrArithmeticOverflow
	}
	den, ok := fpmath.CheckedAdd(voucherIssuance, totalUnstake)
	if !ok {
		return fpmath.Rate{}, ErrArithmeticOverflow
	}
	rate, ok := fpmath.RateFromRational(num, den)
	if !ok {
		return fpmath.Rate{}, ErrInvalidExchangeRate
	}
	return rate, nil
}
