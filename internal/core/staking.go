package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"errors"
	"fmt"
	"math"
)

// handleStake moves base asset into the pool, keeps the reserve fee and mints
// vouchers for the rest at the reciprocal of the current rate.
func (e *Engine) handleStake(t *txn, evt *event.StakeRequested) error {
	if err := requireHolder(evt.Account); err != nil {
		return err
	}
	p := &t.pool.Params
	staking, liquid, err := p.Currencies()
	if err != nil {
		return err
	}
	if evt.Amount <= p.MinStakeAmount {
		return fmt.Errorf("%w: %d, minimum is above %d", state.ErrStakeAmountTooSmall, evt.Amount, p.MinStakeAmount)
	}

	rate := t.pool.Rate.Current()
	reciprocal, ok := rate.Reciprocal()
	if !ok {
		return fmt.Errorf("%w: %s", state.ErrInvalidExchangeRate, rate)
	}

	if err := t.transfer(staking, evt.Account, ledger.PoolAccountID, evt.Amount); err != nil {
		return err
	}

	fee := p.ReserveFactor.MulFloor(evt.Amount)
	if err := t.pool.Insurance.Add(fee); err != nil {
		return err
	}

	net, ok := fpmath.CheckedSub(evt.Amount, fee)
	if !ok {
		return state.ErrArithmeticUnderflow
	}
	vouchers, ok := reciprocal.CheckedMulInt(net)
	if !ok {
		return fmt.Errorf("%w: minting for %d at %s", state.ErrArithmeticOverflow, net, rate)
	}

	if p.StakingPoolCapacity > 0 {
		if err := checkPoolCapacity(rate, t.ledger.TotalIssuance(liquid), vouchers, p.StakingPoolCapacity); err != nil {
			return err
		}
	}

	if err := t.mint(liquid, evt.Account, vouchers); err != nil {
		return err
	}
	if err := t.pool.Matching.AddStake(net); err != nil {
		return err
	}

	t.record(event.Record{
		Kind:          event.RecordStaked,
		Account:       evt.Account,
		Amount:        net,
		VoucherAmount: vouchers,
	})
	return nil
}

// checkPoolCapacity values voucher issuance after the mint at the current rate.
func checkPoolCapacity(rate fpmath.Rate, issuance, minted, capacity uint64) error {
	after, ok := fpmath.CheckedAdd(issuance, minted)
	if !ok {
		return state.ErrArithmeticOverflow
	}
	staked, ok := rate.CheckedMulInt(after)
	if !ok || staked > capacity {
		return fmt.Errorf("%w: cap %d", state.ErrStakingPoolCapacityExceeded, capacity)
	}
	return nil
}

// handleUnstake burns vouchers and pays their base-asset value from the free
// pool balance, queueing the payout when the pool cannot cover it.
func (e *Engine) handleUnstake(t *txn, evt *event.UnstakeRequested) error {
	if err := requireHolder(evt.Account); err != nil {
		return err
	}
	p := &t.pool.Params
	staking, liquid, err := p.Currencies()
	if err != nil {
		return err
	}
	if evt.VoucherAmount <= p.MinUnstakeAmount {
		return fmt.Errorf("%w: %d, minimum is above %d", state.ErrUnstakeAmountTooSmall, evt.VoucherAmount, p.MinUnstakeAmount)
	}

	rate := t.pool.Rate.Current()
	if !rate.Valid() {
		return fmt.Errorf("%w: %s", state.ErrInvalidExchangeRate, rate)
	}
	assetAmount, ok := rate.CheckedMulInt(evt.VoucherAmount)
	if !ok || assetAmount > math.MaxInt64 {
		return fmt.Errorf("%w: %d vouchers at %s", state.ErrArithmeticOverflow, evt.VoucherAmount, rate)
	}

	// Only a lack of free liquidity defers the payout; any other transfer
	// failure would leave an entry the drain can never pay.
	queued := false
	if assetAmount > 0 {
		var payErr error = ledger.ErrInsufficientBalance
		if t.freePoolBalance(staking) >= assetAmount {
			payErr = t.transfer(staking, ledger.PoolAccountID, evt.Account, assetAmount)
		}
		switch {
		case payErr == nil:
		case errors.Is(payErr, ledger.ErrInsufficientBalance):
			if err := t.pool.Queue.Push(evt.Account, assetAmount); err != nil {
				return err
			}
			queued = true
		default:
			return payErr
		}
	}

	if err := t.burn(liquid, evt.Account, evt.VoucherAmount); err != nil {
		return err
	}
	if err := t.pool.Matching.AddUnstake(evt.VoucherAmount); err != nil {
		return err
	}

	t.record(event.Record{
		Kind:          event.RecordUnstaked,
		Account:       evt.Account,
		Amount:        assetAmount,
		VoucherAmount: evt.VoucherAmount,
	})
	if queued {
		t.record(event.Record{
			Kind:    event.RecordUnstakeQueued,
			Account: evt.Account,
			Amount:  assetAmount,
		})
	}
	return nil
}

// handleInsuranceAdded lets any holder top up the reserve.
func (e *Engine) handleInsuranceAdded(t *txn, evt *event.InsuranceAdded) error {
	if err := requireHolder(evt.Account); err != nil {
		return err
	}
	staking, err := t.pool.Params.Staking()
	if err != nil {
		return err
	}
	if err := t.transfer(staking, evt.Account, ledger.PoolAccountID, evt.Amount); err != nil {
		return err
	}
	if err := t.pool.Insurance.Add(evt.Amount); err != nil {
		return err
	}
	t.record(event.Record{Kind: event.RecordInsurancesAdded, Account: evt.Account, Amount: evt.Amount})
	return nil
}

// handleAssetDeposited credits base asset that arrived from the external chain.
func (e *Engine) handleAssetDeposited(t *txn, evt *event.AssetDeposited) error {
	if err := requireRole(evt.Caller, event.RoleRelay); err != nil {
		return err
	}
	if err := requireHolder(evt.Account); err != nil {
		return err
	}
	staking, err := t.pool.Params.Staking()
	if err != nil {
		return err
	}
	if err := t.mint(staking, evt.Account, evt.Amount); err != nil {
		return err
	}
	t.record(event.Record{Kind: event.RecordAssetDeposited, Account: evt.Account, Amount: evt.Amount})
	return nil
}

// handleAssetWithdrawn debits free base asset leaving for the external chain.
func (e *Engine) handleAssetWithdrawn(t *txn, evt *event.AssetWithdrawn) error {
	if err := requireHolder(evt.Account); err != nil {
		return err
	}
	staking, err := t.pool.Params.Staking()
	if err != nil {
		return err
	}
	if err := t.burn(staking, evt.Account, evt.Amount); err != nil {
		return err
	}
	t.record(event.Record{Kind: event.RecordAssetWithdrawn, Account: evt.Account, Amount: evt.Amount})
	return nil
}
