package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"fmt"
	"strconv"
)

func bond(t *txn, amount uint64, payee event.RewardDestination) {
	t.instruct(event.BondingInstruction{
		Op:     event.BondingOpBond,
		Amount: amount,
		Payee:  payee,
		Weight: t.pool.Params.Weights.Bond,
	})
	t.record(event.Record{Kind: event.RecordBonding, Amount: amount, Payee: payee})
}

func bondExtra(t *txn, amount uint64) {
	t.instruct(event.BondingInstruction{
		Op:     event.BondingOpBondExtra,
		Amount: amount,
		Weight: t.pool.Params.Weights.BondExtra,
	})
	t.record(event.Record{Kind: event.RecordBondingExtra, Amount: amount})
}

func unbond(t *txn, amount uint64) {
	t.instruct(event.BondingInstruction{
		Op:     event.BondingOpUnbond,
		Amount: amount,
		Weight: t.pool.Params.Weights.Unbond,
	})
	t.record(event.Record{Kind: event.RecordUnbonding, Amount: amount})
}

func rebond(t *txn, amount uint64) {
	t.instruct(event.BondingInstruction{
		Op:     event.BondingOpRebond,
		Amount: amount,
		Weight: t.pool.Params.Weights.Rebond,
	})
	t.record(event.Record{Kind: event.RecordRebonding, Amount: amount})
}

func withdrawUnbonded(t *txn, slashingSpans uint32, amount uint64) {
	t.instruct(event.BondingInstruction{
		Op:            event.BondingOpWithdrawUnbonded,
		Amount:        amount,
		SlashingSpans: slashingSpans,
		Weight:        t.pool.Params.Weights.WithdrawUnbonded,
	})
	t.record(event.Record{
		Kind:   event.RecordWithdrawingUnbonded,
		Amount: amount,
		Value:  strconv.FormatUint(uint64(slashingSpans), 10),
	})
}

func nominate(t *txn, targets []string) {
	targets = append([]string(nil), targets...)
	t.instruct(event.BondingInstruction{
		Op:      event.BondingOpNominate,
		Targets: targets,
		Weight:  t.pool.Params.Weights.Nominate,
	})
	t.record(event.Record{Kind: event.RecordNominating, Targets: targets})
}

// handleBondingCommand is the relay's manual passthrough for correcting
// external bonding state. It moves no local funds.
func (e *Engine) handleBondingCommand(t *txn, evt *event.BondingCommand) error {
	if err := requireRole(evt.Caller, event.RoleRelay); err != nil {
		return err
	}
	if _, err := t.pool.Params.Staking(); err != nil {
		return err
	}

	switch evt.Op {
	case event.BondingOpBond:
		payee := evt.Payee
		switch payee {
		case "":
			payee = event.RewardStaked
		case event.RewardStaked, event.RewardStash, event.RewardController:
		default:
			return fmt.Errorf("%w: unknown reward destination %q", state.ErrInvalidParams, payee)
		}
		bond(t, evt.Amount, payee)
	case event.BondingOpBondExtra:
		bondExtra(t, evt.Amount)
	case event.BondingOpUnbond:
		unbond(t, evt.Amount)
	case event.BondingOpRebond:
		rebond(t, evt.Amount)
	case event.BondingOpWithdrawUnbonded:
		withdrawUnbonded(t, evt.SlashingSpans, evt.Amount)
	case event.BondingOpNominate:
		if len(evt.Targets) == 0 {
			return fmt.Errorf("%w: nominate needs at least one target", state.ErrInvalidParams)
		}
		nominate(t, evt.Targets)
	default:
		return fmt.Errorf("%w: unknown bonding op %d", state.ErrInvalidParams, evt.Op)
	}
	return nil
}

// handleSlashPayout covers a slash from the reserve: the reserved funds leave
// local custody and are bonded back on the external chain.
func (e *Engine) handleSlashPayout(t *txn, evt *event.SlashPayout) error {
	if err := requireRole(evt.Caller, event.RoleRelay); err != nil {
		return err
	}
	staking, err := t.pool.Params.Staking()
	if err != nil {
		return err
	}
	if err := t.pool.Insurance.Reduce(evt.Amount); err != nil {
		return fmt.Errorf("payout %d: %w", evt.Amount, err)
	}
	if err := t.burn(staking, ledger.PoolAccountID, evt.Amount); err != nil {
		return err
	}
	bondExtra(t, evt.Amount)
	t.record(event.Record{Kind: event.RecordSlashPaid, Amount: evt.Amount})
	return nil
}
