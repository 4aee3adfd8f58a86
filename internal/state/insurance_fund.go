package state

import (
	fpmath "StakeLedger/internal/math"
)

// InsuranceReserve is the portion of the pool's base-asset balance set aside
// to cover slashing. The funds themselves sit in the pool account; this only
// tracks the floor that withdrawals may not dip into.
type InsuranceReserve struct {
	balance uint64
}

func NewInsuranceReserve(balance uint64) *InsuranceReserve {
	return &InsuranceReserve{balance: balance}
}

func (r *InsuranceReserve) Balance() uint64 {
	return r.balance
}

// Add credits fees or voluntary top-ups.
func (r *InsuranceReserve) Add(amount uint64) error {
	sum, ok := fpmath.CheckedAdd(r.balance, amount)
	if !ok {
		return ErrArithmeticOverflow
	}
	r.balance = sum
	return nil
}

// Reduce debits the reserve for a slash payout. The reserve never goes negative.
func (r *InsuranceReserve) Reduce(amount uint64) error {
	rest, ok := fpmath.CheckedSub(r.balance, amount)
	if !ok {
		return ErrInsufficientReserve
	}
	r.balance = rest
	return nil
}

// FreeBalance is what the pool can pay out without touching the reserve.
func (r *InsuranceReserve) FreeBalance(poolBalance uint64) uint64 {
	return fpmath.SaturatingSub(poolBalance, r.balance)
}
