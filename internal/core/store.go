package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/state"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// StateStore is the key-value collaborator the engine writes its committed
// state through after every command.
type StateStore interface {
	Get(key string) ([]byte, bool, error)
	Put(entries ...StoreEntry) error
	Scan(prefix string, fn func(key string, value []byte) error) error
}

// StoreEntry is one key written by Put. All entries of a Put land atomically.
type StoreEntry struct {
	Key   string
	Value []byte
}

const (
	storeKeyMeta       = "meta/engine"
	storeKeyPool       = "state/pool"
	storeBalancePrefix = "balance/"
)

type storedMeta struct {
	Sequence   int64            `json:"sequence"` // next sequence to assign
	StateHash  string           `json:"state_hash"`
	DrainTick  int64            `json:"drain_tick"`
	Partitions map[string]int64 `json:"partitions"`
}

// saveState writes the pool, the meta record and every balance the batch
// touched. A failed write is logged, not fatal: the event log stays the
// source of truth and a restart replays from it.
func (e *Engine) saveState(batch *ledger.Batch) {
	if e.store == nil {
		return
	}
	entries, err := e.stateEntries(batch)
	if err == nil {
		err = e.store.Put(entries...)
	}
	if err != nil {
		e.logger.Error().Err(err).Int64("sequence", e.sequence-1).Msg("state store write failed")
		if e.metrics != nil {
			e.metrics.StateStoreWrites.WithLabelValues("error").Inc()
		}
		return
	}
	if e.metrics != nil {
		e.metrics.StateStoreWrites.WithLabelValues("ok").Inc()
	}
}

func (e *Engine) stateEntries(batch *ledger.Batch) ([]StoreEntry, error) {
	hash := e.hasher.GetPrevHash()
	meta, err := json.Marshal(storedMeta{
		Sequence:   e.sequence,
		StateHash:  hex.EncodeToString(hash[:]),
		DrainTick:  e.drainTick,
		Partitions: e.sequenceValidator.GetAllPartitions(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode meta: %w", err)
	}
	pool, err := json.Marshal(e.pool.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("encode pool: %w", err)
	}

	entries := []StoreEntry{
		{Key: storeKeyMeta, Value: meta},
		{Key: storeKeyPool, Value: pool},
	}
	if batch != nil {
		seen := make(map[ledger.AccountKey]bool)
		for _, j := range batch.Journals {
			for _, key := range []ledger.AccountKey{j.DebitAccount, j.CreditAccount} {
				if seen[key] {
					continue
				}
				seen[key] = true
				entries = append(entries, StoreEntry{
					Key:   storeBalancePrefix + key.AccountPath(),
					Value: []byte(strconv.FormatInt(e.balances.GetBalance(key), 10)),
				})
			}
		}
	}
	return entries, nil
}

// LoadState restores the engine from its state store. It reports false when
// the store is empty.
func (e *Engine) LoadState() (bool, error) {
	if e.store == nil {
		return false, nil
	}
	raw, found, err := e.store.Get(storeKeyMeta)
	if err != nil || !found {
		return false, err
	}
	var meta storedMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return false, fmt.Errorf("decode meta: %w", err)
	}
	hash, err := decodeHash(meta.StateHash)
	if err != nil {
		return false, err
	}

	raw, found, err = e.store.Get(storeKeyPool)
	if err != nil {
		return false, err
	}
	if !found {
		return false, errors.New("state store has meta but no pool state")
	}
	var snap state.PoolSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return false, fmt.Errorf("decode pool: %w", err)
	}
	pool, err := state.RestorePoolState(snap)
	if err != nil {
		return false, err
	}

	balances := make(map[ledger.AccountKey]int64)
	err = e.store.Scan(storeBalancePrefix, func(key string, value []byte) error {
		acct, err := ledger.ParseAccountPath(strings.TrimPrefix(key, storeBalancePrefix))
		if err != nil {
			return err
		}
		v, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return fmt.Errorf("balance %s: %w", key, err)
		}
		balances[acct] = v
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("load balances: %w", err)
	}

	e.restore(meta.Sequence, hash, meta.DrainTick, balances, pool, meta.Partitions)
	return true, nil
}

func decodeHash(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(out) {
		return out, fmt.Errorf("bad state hash %q", s)
	}
	copy(out[:], b)
	return out, nil
}

func (e *Engine) restore(
	nextSequence int64,
	hash [32]byte,
	drainTick int64,
	balances map[ledger.AccountKey]int64,
	pool *state.PoolState,
	partitions map[string]int64,
) {
	e.sequence = nextSequence
	e.hasher.SetPrevHash(hash)
	e.drainTick = drainTick
	e.balances.Restore(balances)
	e.pool = pool
	for partition, next := range partitions {
		e.sequenceValidator.RestorePartition(partition, next)
	}
	e.publishStatus()
}

// --- Snapshot Restore & Replay ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64 // last processed sequence
	StateHash       [32]byte
	DrainTick       int64
	Balances        map[ledger.AccountKey]int64
	Pool            state.PoolSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.hasher.GetPrevHash(),
		DrainTick:       e.drainTick,
		Balances:        e.balances.Snapshot(),
		Pool:            e.pool.Snapshot(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot;
// events after snap.Sequence are then replayed from the log.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	pool, err := state.RestorePoolState(snap.Pool)
	if err != nil {
		return err
	}
	e.restore(snap.Sequence+1, snap.StateHash, snap.DrainTick, snap.Balances, pool, snap.SequenceState)
	e.WarmLRU(snap.IdempotencyKeys)
	return nil
}

// ErrReplayDiverged means re-applying a logged event did not reproduce its
// recorded state hash.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// Replay re-applies a logged event without emitting outputs or bonding
// instructions. Envelopes below the current sequence are skipped.
func (e *Engine) Replay(env *event.EventEnvelope) error {
	if env.Sequence < e.sequence {
		return nil
	}
	if env.Sequence > e.sequence {
		return fmt.Errorf("%w: log jumps to seq %d, engine at %d", ErrReplayDiverged, env.Sequence, e.sequence)
	}
	evt, err := event.DecodePayload(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq %d: %w", env.Sequence, err)
	}

	e.replaying = true
	defer func() { e.replaying = false }()

	if _, err := e.process(evt); err != nil {
		return fmt.Errorf("%w: seq %d rejected: %w", ErrReplayDiverged, env.Sequence, err)
	}
	if got := e.hasher.GetPrevHash(); got != env.StateHash {
		return fmt.Errorf("%w: seq %d hash %x, logged %x", ErrReplayDiverged, env.Sequence, got, env.StateHash)
	}
	return nil
}
