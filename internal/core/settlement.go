package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"fmt"
)

// handleSettlement closes an era: it ratchets the exchange rate from the
// relay's bonded figure, nets the era's stake against its unstake demand and
// issues the resulting bond, rebond and unbond instructions.
//
// The rate is computed from the matching totals before they are taken, then
// the taken totals are matched at the updated rate.
func (e *Engine) handleSettlement(t *txn, evt *event.EraSettled) error {
	if err := requireRole(evt.Caller, event.RoleRelay); err != nil {
		return err
	}
	staking, liquid, err := t.pool.Params.Currencies()
	if err != nil {
		return err
	}

	matching := t.pool.Matching
	proposed, err := state.ComputeRate(
		evt.BondedAmount,
		matching.TotalStakeAmount,
		t.ledger.TotalIssuance(liquid),
		matching.TotalUnstakeAmount,
	)
	if err != nil {
		return fmt.Errorf("era %d: %w", evt.Era, err)
	}
	updated, err := t.pool.Rate.Update(proposed)
	if err != nil {
		return fmt.Errorf("era %d: %w", evt.Era, err)
	}
	if updated {
		t.record(event.Record{
			Kind:  event.RecordExchangeRateUpdated,
			Value: proposed.String(),
			Era:   evt.Era,
		})
	}

	taken := t.pool.Matching.Take()
	result, err := taken.Match(t.pool.Rate.Current(), evt.BondedAmount, evt.UnbondingInFlight)
	if err != nil {
		return fmt.Errorf("era %d: %w", evt.Era, err)
	}

	if result.BondAmount > 0 {
		// The bonded capital leaves local custody.
		if err := t.burn(staking, ledger.PoolAccountID, result.BondAmount); err != nil {
			return fmt.Errorf("era %d: %w", evt.Era, err)
		}
		if evt.BondedAmount == 0 {
			bond(t, result.BondAmount, event.RewardStaked)
		} else {
			bondExtra(t, result.BondAmount)
		}
	}
	if result.UnbondAmount > 0 {
		unbond(t, result.UnbondAmount)
	}
	if result.RebondAmount > 0 {
		rebond(t, result.RebondAmount)
	}

	t.pool.LastEra = evt.Era
	t.record(event.Record{
		Kind:         event.RecordSettlement,
		BondAmount:   result.BondAmount,
		RebondAmount: result.RebondAmount,
		UnbondAmount: result.UnbondAmount,
		Era:          evt.Era,
	})

	e.logger.Info().
		Uint32("era", evt.Era).
		Str("rate", t.pool.Rate.Current().String()).
		Uint64("stake", taken.TotalStakeAmount).
		Uint64("unstake", taken.TotalUnstakeAmount).
		Uint64("bond", result.BondAmount).
		Uint64("rebond", result.RebondAmount).
		Uint64("unbond", result.UnbondAmount).
		Msg("era settled")
	return nil
}

// handleIdleDrain pays the unstake queue front to back. It stops at the first
// entry the free balance cannot cover so no later entry overtakes it, and it
// stops on a failed transfer rather than retrying the same entry.
func (e *Engine) handleIdleDrain(t *txn, evt *event.IdleDrain) error {
	staking, err := t.pool.Params.Staking()
	if err != nil {
		return err
	}
	cost := t.pool.Params.DrainOpCost
	budget := evt.Budget
	paid := 0

	for budget >= cost {
		front, ok := t.pool.Queue.Front()
		if !ok {
			break
		}
		if t.freePoolBalance(staking) < front.Amount {
			break
		}
		if err := t.transfer(staking, ledger.PoolAccountID, front.Account, front.Amount); err != nil {
			e.logger.Error().Err(err).
				Str("account", front.Account.String()).
				Uint64("amount", front.Amount).
				Msg("unstake payout failed, halting drain")
			if e.metrics != nil {
				e.metrics.DrainTransferFails.Inc()
			}
			break
		}

		budget -= cost
		t.pool.Queue.Pop()
		paid++
		t.record(event.Record{Kind: event.RecordUnstakePaid, Account: front.Account, Amount: front.Amount})
	}

	t.remaining = budget
	if paid == 0 {
		return errNothingDrained
	}
	return nil
}
