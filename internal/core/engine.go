package core

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/state"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// BondingDispatcher hands instructions to the external chain. Submission is
// fire-and-forget: confirmation comes back later as an EraSettled signal.
type BondingDispatcher interface {
	Submit(instr event.BondingInstruction) error
}

// Engine is the single-threaded staking state machine. Every command runs to
// completion or rolls back entirely before the next one starts.
type Engine struct {
	sequence          int64
	drainTick         int64
	hasher            *StateHasher
	balances          *ledger.BalanceTracker
	validator         *ledger.InvariantValidator
	pool              *state.PoolState
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	bonding           BondingDispatcher
	store             StateStore
	metrics           *observability.Metrics
	logger            zerolog.Logger

	// replaying suppresses external side effects while rebuilding from the log.
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	status atomic.Pointer[Status]
}

// CoreOutput is everything a committed command produced.
type CoreOutput struct {
	Envelope     *event.EventEnvelope
	Batch        *ledger.Batch
	Records      []event.Record
	Instructions []event.BondingInstruction
	StateDelta   []byte
}

// Config wires the engine's collaborators. Nil channels, store, bonding
// dispatcher and metrics are allowed and simply skipped.
type Config struct {
	StartSequence  int64
	GenesisRate    fpmath.Rate
	Params         state.StakingParams
	LRUCapacity    int
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	Bonding        BondingDispatcher
	Store          StateStore
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
}

func NewEngine(cfg Config) (*Engine, error) {
	if err := state.ValidateStakingParams(&cfg.Params); err != nil {
		return nil, err
	}
	if !cfg.GenesisRate.Valid() {
		return nil, fmt.Errorf("%w: genesis rate %s", state.ErrInvalidExchangeRate, cfg.GenesisRate)
	}
	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	balances := ledger.NewBalanceTracker()
	e := &Engine{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balances:          balances,
		validator:         ledger.NewInvariantValidator(balances),
		pool:              state.NewPoolState(cfg.GenesisRate, cfg.Params),
		idempotency:       NewIdempotencyChecker(capacity, cfg.DBChecker),
		sequenceValidator: NewSequenceValidator(),
		bonding:           cfg.Bonding,
		store:             cfg.Store,
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		persistChan:       cfg.PersistChan,
		projectionChan:    cfg.ProjectionChan,
	}
	e.publishStatus()
	return e, nil
}

// errNothingDrained rolls back an idle drain that paid nobody, so idle ticks
// do not fill the event log.
var errNothingDrained = errors.New("idle drain paid nothing")

// ProcessEvent is the main processing pipeline
func (e *Engine) ProcessEvent(evt event.Event) error {
	_, err := e.process(evt)
	if errors.Is(err, errNothingDrained) {
		return nil
	}
	return err
}

// OnIdle pays queued unstakes in FIFO order until the budget, the free pool
// balance or the queue runs out, and returns the unspent budget. It must be
// called from the same goroutine as ProcessEvent, between commands.
func (e *Engine) OnIdle(budget uint64, now time.Time) uint64 {
	p := &e.pool.Params
	if e.pool.Queue.Len() == 0 || budget < p.DrainOpCost {
		return budget
	}
	if _, err := p.Staking(); err != nil {
		return budget
	}

	e.drainTick++
	remaining, err := e.process(&event.IdleDrain{Tick: e.drainTick, Budget: budget, Timestamp: now})
	if err != nil {
		if !errors.Is(err, errNothingDrained) {
			e.logger.Error().Err(err).Int64("tick", e.drainTick).Msg("idle drain failed")
		}
		return budget
	}
	if e.metrics != nil {
		e.metrics.DrainBudgetUnspent.Observe(float64(remaining))
	}
	return remaining
}

func (e *Engine) process(evt event.Event) (uint64, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()

	// Step 1: Idempotency check (two-tier). Replayed events are already in
	// the Postgres log, so tier 2 would flag every one of them.
	isDuplicate, tier := false, DedupNone
	if !e.replaying {
		isDuplicate, tier = e.idempotency.Check(evt)
	}

	// Step 2: Sequence validation
	if err := e.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
		if e.metrics != nil {
			e.metrics.EventOutOfOrder.WithLabelValues(partitionKind(partition)).Inc()
		}
		e.reject(evt, "ordering", err)
		return 0, fmt.Errorf("sequence validation failed: %w", err)
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
			e.metrics.IdempotencyDuplicates.WithLabelValues(eventType, string(tier)).Inc()
		}
		return 0, nil
	}

	payload, err := event.EncodePayload(evt)
	if err != nil {
		return 0, err
	}

	// Step 3: Dispatch inside a transaction
	t := e.begin(idempotencyKey, evt.EventTime())
	if err := e.dispatch(t, evt); err != nil {
		t.rollback()
		if !errors.Is(err, errNothingDrained) {
			e.reject(evt, rejectReason(err), err)
		}
		return 0, err
	}

	// Step 4-9: Commit, hash, emit
	if sourceSequence > e.sequenceValidator.GetExpectedSequence(partition) && e.metrics != nil {
		e.metrics.EventSequenceGap.WithLabelValues(partitionKind(partition)).Inc()
	}
	e.commit(t, evt, payload)
	e.sequenceValidator.Advance(partition, sourceSequence)

	// Step 10: Remember the key
	e.idempotency.Remember(evt)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.idempotency.Size()))
	}
	return t.remaining, nil
}

func (e *Engine) dispatch(t *txn, evt event.Event) error {
	switch ev := evt.(type) {
	case *event.StakeRequested:
		return e.handleStake(t, ev)
	case *event.UnstakeRequested:
		return e.handleUnstake(t, ev)
	case *event.EraSettled:
		return e.handleSettlement(t, ev)
	case *event.IdleDrain:
		return e.handleIdleDrain(t, ev)
	case *event.ReserveFactorUpdate:
		return e.handleReserveFactorUpdate(t, ev)
	case *event.PoolCapacityUpdate:
		return e.handlePoolCapacityUpdate(t, ev)
	case *event.BondingFeesUpdate:
		return e.handleBondingFeesUpdate(t, ev)
	case *event.ExternalWeightsUpdate:
		return e.handleExternalWeightsUpdate(t, ev)
	case *event.CurrencyUpdate:
		return e.handleCurrencyUpdate(t, ev)
	case *event.BondingCommand:
		return e.handleBondingCommand(t, ev)
	case *event.InsuranceAdded:
		return e.handleInsuranceAdded(t, ev)
	case *event.SlashPayout:
		return e.handleSlashPayout(t, ev)
	case *event.AssetDeposited:
		return e.handleAssetDeposited(t, ev)
	case *event.AssetWithdrawn:
		return e.handleAssetWithdrawn(t, ev)
	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}
}

// commit makes a successful transaction visible and emits its outputs.
func (e *Engine) commit(t *txn, evt event.Event, payload []byte) {
	batch, err := t.ledger.Commit()
	if err != nil {
		panic(fmt.Sprintf("FATAL: ledger commit after successful dispatch: %v", err))
	}
	if batch != nil {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.validator.ValidateTouched(batch); err != nil {
			panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
		}
	}
	e.pool = t.pool
	if d, ok := evt.(*event.IdleDrain); ok && d.Tick > e.drainTick {
		e.drainTick = d.Tick
	}

	// Periodic global zero-sum check
	if e.sequence > 0 && e.sequence%1000 == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			panic(fmt.Sprintf("FATAL: %v (at seq %d)", err, e.sequence))
		}
	}

	hashStart := time.Now()
	stateDigest := e.computeStateDigest(batch)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, stateDigest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Partition:      evt.Partition(),
		Timestamp:      evt.EventTime(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:     envelope,
		Batch:        batch,
		Records:      t.records,
		Instructions: t.instructions,
		StateDelta:   stateDigest,
	}
	e.sequence++

	if !e.replaying {
		e.emit(output)
	}
	e.saveState(batch)
	e.publishStatus()
	e.recordPoolMetrics(t, batch)
}

// emit sends outputs downstream. Persistence uses a BLOCKING send so no
// committed event is lost; projections use a NON-BLOCKING send and rebuild
// from the event log if they fall behind.
func (e *Engine) emit(output CoreOutput) {
	if e.persistChan != nil {
		e.persistChan <- output
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	if e.bonding == nil {
		return
	}
	for _, instr := range output.Instructions {
		if err := e.bonding.Submit(instr); err != nil {
			// Fire-and-forget: the next era's settlement reconciles.
			e.logger.Error().Err(fmt.Errorf("%w: %w", state.ErrBondingFailed, err)).
				Str("op", instr.Op.String()).
				Uint64("amount", instr.Amount).
				Int64("sequence", instr.Sequence).
				Msg("bonding instruction not submitted")
			if e.metrics != nil {
				e.metrics.RelayPublishFailures.WithLabelValues(instr.Op.String()).Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.RelayInstructions.WithLabelValues(instr.Op.String()).Inc()
		}
	}
}

func (e *Engine) reject(evt event.Event, reason string, err error) {
	e.logger.Warn().Err(err).
		Str("event_type", evt.EventType().String()).
		Str("key", evt.IdempotencyKey()).
		Str("partition", evt.Partition()).
		Msg("command rejected")
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(evt.EventType().String(), reason).Inc()
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, state.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, state.ErrStakeAmountTooSmall), errors.Is(err, state.ErrUnstakeAmountTooSmall):
		return "amount_too_small"
	case errors.Is(err, state.ErrInvalidExchangeRate):
		return "invalid_rate"
	case errors.Is(err, state.ErrArithmeticOverflow), errors.Is(err, state.ErrArithmeticUnderflow):
		return "arithmetic"
	case errors.Is(err, state.ErrQueueCapacityExceeded):
		return "queue_full"
	case errors.Is(err, state.ErrCurrencyNotConfigured):
		return "currency"
	case errors.Is(err, state.ErrTransferFailed):
		return "transfer"
	case errors.Is(err, state.ErrStakingPoolCapacityExceeded):
		return "pool_capacity"
	case errors.Is(err, state.ErrInsufficientReserve):
		return "reserve"
	case errors.Is(err, state.ErrInvalidParams):
		return "invalid_params"
	default:
		return "validation"
	}
}

// computeStateDigest covers the pool state and every account the batch touched.
func (e *Engine) computeStateDigest(batch *ledger.Batch) []byte {
	affected := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affected[j.DebitAccount] = true
			affected[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affected))
	for key := range affected {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	poolBytes := e.pool.CanonicalBytes()
	digest := make([]byte, 0, len(poolBytes)+len(accounts)*64)
	digest = append(digest, poolBytes...)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, e.balances.GetBalance(key))
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

func (e *Engine) recordPoolMetrics(t *txn, batch *ledger.Batch) {
	if e.metrics == nil {
		return
	}
	m := e.metrics
	m.ExchangeRate.Set(e.pool.Rate.Current().Float64())
	m.ReserveFactor.Set(float64(e.pool.Params.ReserveFactor.PerMill()) / 1e6)
	m.InsuranceReserve.Set(float64(e.pool.Insurance.Balance()))
	m.UnstakeQueueLength.Set(float64(e.pool.Queue.Len()))
	m.UnstakeQueueTotal.Set(float64(e.pool.Queue.Total()))
	m.MatchingStakeTotal.Set(float64(e.pool.Matching.TotalStakeAmount))
	m.MatchingUnstakeTotal.Set(float64(e.pool.Matching.TotalUnstakeAmount))
	if batch != nil {
		for _, j := range batch.Journals {
			m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
		}
	}
	for _, r := range t.records {
		switch r.Kind {
		case event.RecordStaked:
			m.StakedTotal.Add(float64(r.Amount))
		case event.RecordUnstaked:
			m.UnstakedTotal.WithLabelValues("instant").Add(float64(r.Amount))
		case event.RecordUnstakeQueued:
			m.UnstakedTotal.WithLabelValues("queued").Add(float64(r.Amount))
		case event.RecordUnstakePaid:
			m.DrainPayouts.Inc()
		case event.RecordSettlement:
			m.SettlementsTotal.Inc()
			m.SettlementAmount.WithLabelValues("bond").Add(float64(r.BondAmount))
			m.SettlementAmount.WithLabelValues("rebond").Add(float64(r.RebondAmount))
			m.SettlementAmount.WithLabelValues("unbond").Add(float64(r.UnbondAmount))
		}
	}
}

// --- Status ---

// Status is an immutable view of the engine published after every commit.
// It is safe to read from any goroutine.
type Status struct {
	Sequence         int64
	StateHash        [32]byte
	ExchangeRate     fpmath.Rate
	Matching         state.MatchingLedger
	InsuranceReserve uint64
	Queue            []state.UnstakeRequest
	Params           state.StakingParams
	LastEra          uint32
	PoolBalance      uint64 // staking currency held by the pool account
	VoucherIssuance  uint64
}

func (e *Engine) publishStatus() {
	s := &Status{
		Sequence:         e.sequence,
		StateHash:        e.hasher.GetPrevHash(),
		ExchangeRate:     e.pool.Rate.Current(),
		Matching:         e.pool.Matching,
		InsuranceReserve: e.pool.Insurance.Balance(),
		Queue:            e.pool.Queue.Entries(),
		Params:           e.pool.Params,
		LastEra:          e.pool.LastEra,
	}
	if staking, err := e.pool.Params.Staking(); err == nil {
		s.PoolBalance = e.balances.ReducibleBalance(staking, ledger.PoolAccountID)
	}
	if liquid, err := e.pool.Params.Liquid(); err == nil {
		s.VoucherIssuance = e.balances.TotalIssuance(liquid)
	}
	e.status.Store(s)
}

// Status returns the latest committed view. Safe for concurrent use.
func (e *Engine) Status() *Status {
	return e.status.Load()
}

// ExchangeRate is the current base-asset-per-voucher rate.
func (e *Engine) ExchangeRate() fpmath.Rate {
	return e.Status().ExchangeRate
}

// StakingCurrency returns the configured base asset.
func (e *Engine) StakingCurrency() (ledger.AssetID, error) {
	p := e.Status().Params
	return p.Staking()
}

// LiquidCurrency returns the configured voucher asset.
func (e *Engine) LiquidCurrency() (ledger.AssetID, error) {
	p := e.Status().Params
	return p.Liquid()
}

// GetSequence returns the next global sequence number to assign.
func (e *Engine) GetSequence() int64 {
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	return e.hasher.GetPrevHash()
}

// Balance reads a holder balance. Only call from the engine goroutine or
// before the engine starts.
func (e *Engine) Balance(key ledger.AccountKey) int64 {
	return e.balances.GetBalance(key)
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (e *Engine) WarmLRU(keys []string) {
	e.idempotency.Warm(keys)
}
