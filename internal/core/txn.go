package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// txn is the working set of one command. Pool state is a private clone,
// ledger writes are staged, and instructions and records are buffered, so
// discarding the txn undoes everything.
type txn struct {
	pool         *state.PoolState
	ledger       *ledger.Tx
	instructions []event.BondingInstruction
	records      []event.Record
	sequence     int64
	ref          string
	remaining    uint64 // unspent idle-drain budget
}

func (e *Engine) begin(ref string, ts time.Time) *txn {
	return &txn{
		pool:     e.pool.Clone(),
		ledger:   e.balances.Begin(ref, e.sequence, ts.UnixMicro()),
		sequence: e.sequence,
		ref:      ref,
	}
}

func (t *txn) rollback() {
	t.ledger.Rollback()
	t.pool = nil
	t.instructions = nil
	t.records = nil
}

func (t *txn) record(r event.Record) {
	t.records = append(t.records, r)
}

func (t *txn) instruct(instr event.BondingInstruction) {
	instr.Fee = t.pool.Params.BondingFees
	instr.Sequence = t.sequence
	instr.EventRef = t.ref
	t.instructions = append(t.instructions, instr)
}

// ledgerError maps asset-ledger failures onto the engine's error kinds.
func ledgerError(op string, err error) error {
	if errors.Is(err, ledger.ErrAmountOutOfRange) {
		return fmt.Errorf("%s: %w: %w", op, state.ErrArithmeticOverflow, err)
	}
	return fmt.Errorf("%s: %w: %w", op, state.ErrTransferFailed, err)
}

func (t *txn) transfer(asset ledger.AssetID, from, to uuid.UUID, amount uint64) error {
	if err := t.ledger.Transfer(asset, from, to, amount); err != nil {
		return ledgerError("transfer", err)
	}
	return nil
}

func (t *txn) mint(asset ledger.AssetID, to uuid.UUID, amount uint64) error {
	if err := t.ledger.Mint(asset, to, amount); err != nil {
		return ledgerError("mint", err)
	}
	return nil
}

func (t *txn) burn(asset ledger.AssetID, from uuid.UUID, amount uint64) error {
	if err := t.ledger.Burn(asset, from, amount); err != nil {
		return ledgerError("burn", err)
	}
	return nil
}

// freePoolBalance is the pool's base-asset balance above the insurance floor.
func (t *txn) freePoolBalance(staking ledger.AssetID) uint64 {
	return t.pool.Insurance.FreeBalance(t.ledger.ReducibleBalance(staking, ledger.PoolAccountID))
}

// requireHolder rejects commands that name an engine-owned account.
func requireHolder(account uuid.UUID) error {
	if ledger.IsSystemHolder(account) {
		return fmt.Errorf("%w: %s is a system account", state.ErrUnauthorized, account)
	}
	return nil
}

func requireRole(caller event.Origin, role event.Role) error {
	if !caller.Has(role) {
		return fmt.Errorf("%w: requires %s role", state.ErrUnauthorized, role)
	}
	return nil
}
