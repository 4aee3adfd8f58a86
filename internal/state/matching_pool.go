package state

import (
	fpmath "StakeLedger/internal/math"
)

// MatchingLedger accumulates stake (base asset, net of fees) and unstake
// (vouchers) demand for the current era. Cleared by settlement.
type MatchingLedger struct {
	TotalStakeAmount   uint64 `json:"total_stake_amount"`
	TotalUnstakeAmount uint64 `json:"total_unstake_amount"`
}

func (m *MatchingLedger) AddStake(amount uint64) error {
	sum, ok := fpmath.CheckedAdd(m.TotalStakeAmount, amount)
	if !ok {
		return ErrArithmeticOverflow
	}
	m.TotalStakeAmount = sum
	return nil
}

func (m *MatchingLedger) AddUnstake(vouchers uint64) error {
	sum, ok := fpmath.CheckedAdd(m.TotalUnstakeAmount, vouchers)
	if !ok {
		return ErrArithmeticOverflow
	}
	m.TotalUnstakeAmount = sum
	return nil
}

// Take returns the accumulated totals and resets the ledger.
func (m *MatchingLedger) Take() MatchingLedger {
	out := *m
	*m = MatchingLedger{}
	return out
}

// MatchingResult is the outcome of netting one era's demand.
type MatchingResult struct {
	BondAmount   uint64 `json:"bond_amount"`
	RebondAmount uint64 `json:"rebond_amount"`
	UnbondAmount uint64 `json:"unbond_amount"`
	UnstakeBase  uint64 `json:"unstake_base"` // U converted to base asset
}

// Match nets stake against unstake demand.
//
//	bond   = max(S-U, 0)
//	rebond = min(inFlight, bond)
//	unbond = min(max(U-S, 0), bonded) - rebond
//
// U is converted to base-asset terms with rate first. When U-S exceeds the
// bonded amount the unbond is capped and bond-unbond no longer equals S-U.
func (m MatchingLedger) Match(rate fpmath.Rate, bonded, inFlight uint64) (MatchingResult, error) {
	unstakeBase, ok := rate.CheckedMulInt(m.TotalUnstakeAmount)
	if !ok {
		if !rate.Defined() {
			return MatchingResult{}, ErrInvalidExchangeRate
		}
		return MatchingResult{}, ErrArithmeticOverflow
	}

	res := MatchingResult{UnstakeBase: unstakeBase}
	stake := m.TotalStakeAmount

	if stake > unstakeBase {
		res.BondAmount = stake - unstakeBase
		res.RebondAmount = min(inFlight, res.BondAmount)
		return res, nil
	}

	unbond := min(unstakeBase-stake, bonded)
	res.UnbondAmount = fpmath.SaturatingSub(unbond, res.RebondAmount)
	return res, nil
}
