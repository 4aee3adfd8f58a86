package ledger

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAmountOutOfRange    = errors.New("amount out of range")
	ErrTxClosed            = errors.New("ledger transaction already closed")
)

// journalNamespace seeds deterministic journal and batch ids so that replaying
// the same event log produces byte-identical journals.
var journalNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("stakeledger:journal"))

// Tx stages transfers, mints and burns against a BalanceTracker and generates
// the balanced journal batch for them. Reads observe staged writes. Nothing
// reaches the tracker until Commit; Rollback discards everything.
type Tx struct {
	tracker *BalanceTracker
	deltas  map[AccountKey]int64
	batch   *Batch
	closed  bool
}

// Begin opens a transaction for one event.
func (bt *BalanceTracker) Begin(eventRef string, sequence, timestamp int64) *Tx {
	batchID := uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s/%d", eventRef, sequence)))
	return &Tx{
		tracker: bt,
		deltas:  make(map[AccountKey]int64),
		batch: &Batch{
			BatchID:   batchID,
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestamp,
		},
	}
}

func (tx *Tx) balance(key AccountKey) int64 {
	return tx.tracker.balances[key] + tx.deltas[key]
}

func (tx *Tx) post(debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	idx := len(tx.batch.Journals)
	tx.batch.Journals = append(tx.batch.Journals, Journal{
		JournalID:     uuid.NewSHA1(tx.batch.BatchID, []byte{byte(idx >> 8), byte(idx)}),
		BatchID:       tx.batch.BatchID,
		EventRef:      tx.batch.EventRef,
		Sequence:      tx.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     tx.batch.Timestamp,
	})
	tx.deltas[debit] += amount
	tx.deltas[credit] -= amount
}

func toAmount(amount uint64) (int64, error) {
	if amount > math.MaxInt64 {
		return 0, fmt.Errorf("%w: %d", ErrAmountOutOfRange, amount)
	}
	return int64(amount), nil
}

// Transfer moves amount of an asset between two holders.
func (tx *Tx) Transfer(assetID AssetID, from, to uuid.UUID, amount uint64) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == 0 || from == to {
		return nil
	}
	amt, err := toAmount(amount)
	if err != nil {
		return err
	}
	fromKey := HolderKey(from, assetID)
	if have := tx.balance(fromKey); have < amt {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, fromKey.AccountPath(), have, amt)
	}
	toKey := HolderKey(to, assetID)
	if tx.balance(toKey) > math.MaxInt64-amt {
		return fmt.Errorf("%w: credit to %s", ErrAmountOutOfRange, toKey.AccountPath())
	}
	tx.post(toKey, fromKey, assetID, amt, JournalTypeTransfer)
	return nil
}

// Mint creates new supply in a holder's account.
func (tx *Tx) Mint(assetID AssetID, to uuid.UUID, amount uint64) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == 0 {
		return nil
	}
	amt, err := toAmount(amount)
	if err != nil {
		return err
	}
	issuance := NewExternalAccountKey(SubTypeExternalIssuance, assetID)
	toKey := HolderKey(to, assetID)
	if -tx.balance(issuance) > math.MaxInt64-amt || tx.balance(toKey) > math.MaxInt64-amt {
		return fmt.Errorf("%w: mint %d", ErrAmountOutOfRange, amount)
	}
	tx.post(toKey, issuance, assetID, amt, JournalTypeMint)
	return nil
}

// Burn destroys supply held by a holder.
func (tx *Tx) Burn(assetID AssetID, from uuid.UUID, amount uint64) error {
	if tx.closed {
		return ErrTxClosed
	}
	if amount == 0 {
		return nil
	}
	amt, err := toAmount(amount)
	if err != nil {
		return err
	}
	fromKey := HolderKey(from, assetID)
	if have := tx.balance(fromKey); have < amt {
		return fmt.Errorf("%w: %s has %d, burning %d", ErrInsufficientBalance, fromKey.AccountPath(), have, amt)
	}
	tx.post(NewExternalAccountKey(SubTypeExternalIssuance, assetID), fromKey, assetID, amt, JournalTypeBurn)
	return nil
}

func (tx *Tx) ReducibleBalance(assetID AssetID, accountID uuid.UUID) uint64 {
	return nonNegative(tx.balance(HolderKey(accountID, assetID)))
}

func (tx *Tx) TotalIssuance(assetID AssetID) uint64 {
	return nonNegative(-tx.balance(NewExternalAccountKey(SubTypeExternalIssuance, assetID)))
}

// Touched returns the accounts changed by this transaction.
func (tx *Tx) Touched() []AccountKey {
	keys := make([]AccountKey, 0, len(tx.deltas))
	for k := range tx.deltas {
		keys = append(keys, k)
	}
	return keys
}

// Commit applies the staged journals. The returned batch is nil when the
// transaction moved nothing.
func (tx *Tx) Commit() (*Batch, error) {
	if tx.closed {
		return nil, ErrTxClosed
	}
	tx.closed = true
	if len(tx.batch.Journals) == 0 {
		return nil, nil
	}
	if err := tx.tracker.ApplyBatch(tx.batch); err != nil {
		return nil, err
	}
	return tx.batch, nil
}

// Rollback discards the transaction. Safe to call after Commit.
func (tx *Tx) Rollback() {
	tx.closed = true
	tx.deltas = nil
}
