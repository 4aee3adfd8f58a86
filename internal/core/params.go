package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"fmt"
)

func (e *Engine) handleReserveFactorUpdate(t *txn, evt *event.ReserveFactorUpdate) error {
	if err := requireRole(evt.Caller, event.RoleUpdate); err != nil {
		return err
	}
	if evt.ReserveFactor > fpmath.RatioOne {
		return fmt.Errorf("%w: reserve factor %s: %w", state.ErrInvalidParams, evt.ReserveFactor, state.ErrInvalidRatio)
	}
	t.pool.Params.ReserveFactor = evt.ReserveFactor
	t.record(event.Record{Kind: event.RecordReserveFactorUpdated, Value: evt.ReserveFactor.String()})
	return nil
}

func (e *Engine) handlePoolCapacityUpdate(t *txn, evt *event.PoolCapacityUpdate) error {
	if err := requireRole(evt.Caller, event.RoleUpdate); err != nil {
		return err
	}
	t.pool.Params.StakingPoolCapacity = evt.Capacity
	t.record(event.Record{Kind: event.RecordStakingPoolCapacityUpdated, Amount: evt.Capacity})
	return nil
}

func (e *Engine) handleBondingFeesUpdate(t *txn, evt *event.BondingFeesUpdate) error {
	if err := requireRole(evt.Caller, event.RoleUpdate); err != nil {
		return err
	}
	t.pool.Params.BondingFees = evt.Fees
	t.record(event.Record{Kind: event.RecordBondingFeesUpdated, Amount: evt.Fees})
	return nil
}

func (e *Engine) handleExternalWeightsUpdate(t *txn, evt *event.ExternalWeightsUpdate) error {
	if err := requireRole(evt.Caller, event.RoleUpdate); err != nil {
		return err
	}
	w := evt.Weights
	t.pool.Params.Weights = w
	t.record(event.Record{Kind: event.RecordExternalWeightsUpdated, Weights: &w})
	return nil
}

// handleCurrencyUpdate sets the staking or liquid asset. The asset must be
// registered and the two currencies must stay distinct.
func (e *Engine) handleCurrencyUpdate(t *txn, evt *event.CurrencyUpdate) error {
	if err := requireRole(evt.Caller, event.RoleUpdate); err != nil {
		return err
	}
	name, ok := ledger.GetAssetName(evt.AssetID)
	if evt.AssetID == 0 || !ok {
		return fmt.Errorf("%w: asset %d is not registered", state.ErrInvalidParams, evt.AssetID)
	}

	switch evt.Kind {
	case event.CurrencyStaking:
		t.pool.Params.StakingCurrency = evt.AssetID
	case event.CurrencyLiquid:
		t.pool.Params.LiquidCurrency = evt.AssetID
	default:
		return fmt.Errorf("%w: unknown currency kind %d", state.ErrInvalidParams, evt.Kind)
	}
	if err := state.ValidateStakingParams(&t.pool.Params); err != nil {
		return err
	}

	t.record(event.Record{Kind: event.RecordCurrencyUpdated, Value: evt.Kind.String() + ":" + name})
	return nil
}
