package core_test

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"StakeLedger/internal/testutil"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	ksm  ledger.AssetID = 1
	xksm ledger.AssetID = 2
)

func init() {
	_ = ledger.RegisterAsset("KSM", ksm)
	_ = ledger.RegisterAsset("xKSM", xksm)
}

var (
	relay = event.Origin{Account: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"), Roles: event.RoleRelay}
	admin = event.Origin{Account: uuid.MustParse("00000000-0000-0000-0000-0000000000bb"), Roles: event.RoleUpdate}
)

// --- Test harness ---

type harness struct {
	t       *testing.T
	engine  *core.Engine
	bonder  *testutil.RecordingBonder
	store   *testutil.MemoryStore
	persist chan core.CoreOutput
	seq     int64
	clock   int64
}

type option func(*core.Config)

func withParams(fn func(p *state.StakingParams)) option {
	return func(c *core.Config) { fn(&c.Params) }
}

func withRate(r string) option {
	return func(c *core.Config) {
		rate, err := fpmath.ParseRate(r)
		if err != nil {
			panic(err)
		}
		c.GenesisRate = rate
	}
}

func withStore(s *testutil.MemoryStore) option {
	return func(c *core.Config) { c.Store = s }
}

func newHarness(t *testing.T, opts ...option) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		bonder:  &testutil.RecordingBonder{},
		persist: make(chan core.CoreOutput, 1024),
	}
	params := state.DefaultStakingParams()
	params.StakingCurrency = ksm
	params.LiquidCurrency = xksm
	cfg := core.Config{
		GenesisRate:    fpmath.RateFromInt(1),
		Params:         params,
		LRUCapacity:    1024,
		PersistChan:    h.persist,
		ProjectionChan: make(chan core.CoreOutput, 1),
		Bonding:        h.bonder,
		Logger:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if s, ok := cfg.Store.(*testutil.MemoryStore); ok {
		h.store = s
	}
	engine, err := core.NewEngine(cfg)
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) next() (int64, time.Time) {
	h.seq++
	h.clock += 1000
	return h.seq, time.UnixMicro(1_000_000 + h.clock).UTC()
}

func (h *harness) deposit(who uuid.UUID, amount uint64) {
	h.t.Helper()
	seq, ts := h.next()
	require.NoError(h.t, h.engine.ProcessEvent(&event.AssetDeposited{
		DepositID: uuid.New(), Account: who, Amount: amount, Caller: relay, Sequence: seq, Timestamp: ts,
	}))
}

func (h *harness) stake(who uuid.UUID, amount uint64) error {
	seq, ts := h.next()
	return h.engine.ProcessEvent(&event.StakeRequested{
		RequestID: uuid.New(), Account: who, Amount: amount, Sequence: seq, Timestamp: ts,
	})
}

func (h *harness) unstake(who uuid.UUID, vouchers uint64) error {
	seq, ts := h.next()
	return h.engine.ProcessEvent(&event.UnstakeRequested{
		RequestID: uuid.New(), Account: who, VoucherAmount: vouchers, Sequence: seq, Timestamp: ts,
	})
}

func (h *harness) settle(era uint32, bonded, inFlight uint64) error {
	_, ts := h.next()
	return h.engine.ProcessEvent(&event.EraSettled{
		Era: era, BondedAmount: bonded, UnbondingInFlight: inFlight, Caller: relay, Timestamp: ts,
	})
}

func (h *harness) admin(update string) event.AdminCommand {
	seq, ts := h.next()
	return event.AdminCommand{UpdateID: update, Caller: admin, Sequence: seq, Timestamp: ts}
}

func (h *harness) bonding(op event.BondingOp, amount uint64, caller event.Origin) *event.BondingCommand {
	seq, ts := h.next()
	return &event.BondingCommand{CommandID: uuid.New(), Op: op, Amount: amount, Caller: caller, Sequence: seq, Timestamp: ts}
}

func (h *harness) balance(asset ledger.AssetID, who uuid.UUID) int64 {
	return h.engine.Balance(ledger.HolderKey(who, asset))
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func recordsOf(outputs []core.CoreOutput, kind event.RecordKind) []event.Record {
	var out []event.Record
	for _, o := range outputs {
		for _, r := range o.Records {
			if r.Kind == kind {
				out = append(out, r)
			}
		}
	}
	return out
}

func ratio(t *testing.T, s string) fpmath.Ratio {
	t.Helper()
	r, err := fpmath.ParseRatio(s)
	require.NoError(t, err)
	return r
}

// ============================================================================
// Test: Stake
// ============================================================================

func TestStake_ReserveFeeScenario(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.ReserveFactor = fpmath.Ratio(10_000) }))
	alice := uuid.New()
	h.deposit(alice, 1000)
	drainOutputs(h.persist)

	require.NoError(t, h.stake(alice, 1000))

	st := h.engine.Status()
	assert.Equal(t, uint64(10), st.InsuranceReserve)
	assert.Equal(t, uint64(990), st.Matching.TotalStakeAmount)
	assert.Equal(t, uint64(1000), st.PoolBalance)
	assert.Equal(t, uint64(990), st.VoucherIssuance)
	assert.Equal(t, int64(990), h.balance(xksm, alice))
	assert.Equal(t, int64(0), h.balance(ksm, alice))

	staked := recordsOf(drainOutputs(h.persist), event.RecordStaked)
	require.Len(t, staked, 1)
	assert.Equal(t, alice, staked[0].Account)
	assert.Equal(t, uint64(990), staked[0].Amount)
	assert.Equal(t, uint64(990), staked[0].VoucherAmount)
}

func TestStake_BelowMinimumRejected(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.MinStakeAmount = 100 }))
	alice := uuid.New()
	h.deposit(alice, 1000)
	before := h.engine.Status()

	err := h.stake(alice, 100)
	assert.ErrorIs(t, err, state.ErrStakeAmountTooSmall)

	after := h.engine.Status()
	assert.Equal(t, before.Sequence, after.Sequence)
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.Equal(t, int64(1000), h.balance(ksm, alice))

	require.NoError(t, h.stake(alice, 101))
}

func TestStake_CurrencyNotConfigured(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.LiquidCurrency = 0 }))
	err := h.stake(uuid.New(), 10)
	assert.ErrorIs(t, err, state.ErrCurrencyNotConfigured)
}

func TestStake_InsufficientFundsRollsBack(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.ReserveFactor = fpmath.Ratio(10_000) }))
	alice := uuid.New()
	h.deposit(alice, 50)

	err := h.stake(alice, 100)
	assert.ErrorIs(t, err, state.ErrTransferFailed)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	st := h.engine.Status()
	assert.Zero(t, st.InsuranceReserve)
	assert.Zero(t, st.Matching.TotalStakeAmount)
	assert.Equal(t, int64(50), h.balance(ksm, alice))
	assert.Zero(t, h.balance(xksm, alice))
}

func TestStake_PoolCapacity(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.StakingPoolCapacity = 1500 }))
	alice := uuid.New()
	h.deposit(alice, 2000)

	require.NoError(t, h.stake(alice, 1000))
	assert.ErrorIs(t, h.stake(alice, 600), state.ErrStakingPoolCapacityExceeded)
	require.NoError(t, h.stake(alice, 500))
}

func TestStake_MintedValueNeverExceedsPrincipal(t *testing.T) {
	h := newHarness(t, withRate("1.1"), withParams(func(p *state.StakingParams) { p.ReserveFactor = fpmath.Ratio(3_333) }))
	alice := uuid.New()
	amounts := []uint64{1, 7, 11, 999, 1_000_003, 123_456_789}
	var total uint64
	for _, a := range amounts {
		total += a
	}
	h.deposit(alice, total)

	for _, amount := range amounts {
		before := h.balance(xksm, alice)
		require.NoError(t, h.stake(alice, amount))
		minted := uint64(h.balance(xksm, alice) - before)
		// minted * 1.1 <= amount
		assert.LessOrEqual(t, minted*11, amount*10, "amount %d minted %d", amount, minted)
	}
}

// ============================================================================
// Test: Unstake
// ============================================================================

func TestUnstake_InstantPayout(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 1000))
	drainOutputs(h.persist)

	require.NoError(t, h.unstake(alice, 400))

	assert.Equal(t, int64(400), h.balance(ksm, alice))
	assert.Equal(t, int64(600), h.balance(xksm, alice))
	st := h.engine.Status()
	assert.Equal(t, uint64(400), st.Matching.TotalUnstakeAmount)
	assert.Empty(t, st.Queue)

	outputs := drainOutputs(h.persist)
	unstaked := recordsOf(outputs, event.RecordUnstaked)
	require.Len(t, unstaked, 1)
	assert.Equal(t, uint64(400), unstaked[0].Amount)
	assert.Empty(t, recordsOf(outputs, event.RecordUnstakeQueued))
}

func TestUnstake_RoundTripNeverExceedsPrincipal(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.ReserveFactor = ratio(t, "0.02") }))
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 1000))

	vouchers := uint64(h.balance(xksm, alice))
	require.Equal(t, uint64(980), vouchers)
	require.NoError(t, h.unstake(alice, vouchers))

	assert.Equal(t, int64(980), h.balance(ksm, alice))
	assert.LessOrEqual(t, h.balance(ksm, alice), int64(1000))
	assert.Empty(t, h.engine.Status().Queue)
}

func TestUnstake_BelowMinimumRejected(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.MinUnstakeAmount = 10 }))
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))
	assert.ErrorIs(t, h.unstake(alice, 10), state.ErrUnstakeAmountTooSmall)
	assert.Equal(t, int64(100), h.balance(xksm, alice))
}

func TestUnstake_QueueCapacityScenario(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.UnstakeQueueCapacity = 2 }))
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()
	for _, who := range []uuid.UUID{alice, bob, carol} {
		h.deposit(who, 100)
		require.NoError(t, h.stake(who, 100))
	}
	// Bond everything so instant payouts fail.
	require.NoError(t, h.settle(1, 0, 0))
	require.Zero(t, h.engine.Status().PoolBalance)

	require.NoError(t, h.unstake(alice, 100))
	require.NoError(t, h.unstake(bob, 100))
	err := h.unstake(carol, 100)
	assert.ErrorIs(t, err, state.ErrQueueCapacityExceeded)

	queue := h.engine.Status().Queue
	require.Len(t, queue, 2)
	assert.Equal(t, state.UnstakeRequest{Account: alice, Amount: 100}, queue[0])
	assert.Equal(t, state.UnstakeRequest{Account: bob, Amount: 100}, queue[1])

	// The failed unstake burned nothing.
	assert.Equal(t, int64(100), h.balance(xksm, carol))
	assert.Zero(t, h.balance(xksm, alice))
	assert.Equal(t, uint64(200), h.engine.Status().Matching.TotalUnstakeAmount)
}

// ============================================================================
// Test: Settlement
// ============================================================================

func TestSettlement_BondScenario(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 500))
	require.NoError(t, h.unstake(alice, 300))
	drainOutputs(h.persist)

	require.NoError(t, h.settle(1, 0, 0))

	settlements := recordsOf(drainOutputs(h.persist), event.RecordSettlement)
	require.Len(t, settlements, 1)
	assert.Equal(t, uint64(200), settlements[0].BondAmount)
	assert.Zero(t, settlements[0].RebondAmount)
	assert.Zero(t, settlements[0].UnbondAmount)

	instrs := h.bonder.Instructions()
	require.Len(t, instrs, 1)
	assert.Equal(t, event.BondingOpBond, instrs[0].Op)
	assert.Equal(t, uint64(200), instrs[0].Amount)
	assert.Equal(t, event.RewardStaked, instrs[0].Payee)

	st := h.engine.Status()
	assert.Zero(t, st.Matching.TotalStakeAmount)
	assert.Zero(t, st.Matching.TotalUnstakeAmount)
	assert.Zero(t, st.PoolBalance, "bonded capital leaves local custody")
	assert.Equal(t, uint32(1), st.LastEra)
}

func TestSettlement_UnbondScenario(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 500))
	require.NoError(t, h.settle(1, 0, 0))
	h.bonder.Reset()

	h.deposit(bob, 100)
	require.NoError(t, h.stake(bob, 100))
	require.NoError(t, h.unstake(alice, 400))
	drainOutputs(h.persist)

	require.NoError(t, h.settle(2, 500, 50))

	settlements := recordsOf(drainOutputs(h.persist), event.RecordSettlement)
	require.Len(t, settlements, 1)
	assert.Zero(t, settlements[0].BondAmount)
	assert.Zero(t, settlements[0].RebondAmount)
	assert.Equal(t, uint64(300), settlements[0].UnbondAmount)
	assert.Equal(t, []event.BondingOp{event.BondingOpUnbond}, h.bonder.Ops())
}

func TestSettlement_RebondFromInFlight(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 500))
	require.NoError(t, h.unstake(alice, 300))

	require.NoError(t, h.settle(1, 0, 120))

	instrs := h.bonder.Instructions()
	require.Len(t, instrs, 2)
	assert.Equal(t, event.BondingOpBond, instrs[0].Op)
	assert.Equal(t, uint64(200), instrs[0].Amount)
	assert.Equal(t, event.BondingOpRebond, instrs[1].Op)
	assert.Equal(t, uint64(120), instrs[1].Amount)
}

func TestSettlement_BondExtraWhenAlreadyBonded(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 400))
	require.NoError(t, h.settle(1, 0, 0))
	require.NoError(t, h.stake(alice, 100))
	h.bonder.Reset()

	require.NoError(t, h.settle(2, 400, 0))
	instrs := h.bonder.Instructions()
	require.Len(t, instrs, 1)
	assert.Equal(t, event.BondingOpBondExtra, instrs[0].Op)
	assert.Equal(t, uint64(100), instrs[0].Amount)
}

func TestSettlement_RateRatchet(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 500))
	require.NoError(t, h.settle(1, 0, 0))
	drainOutputs(h.persist)

	// Rewards accrued externally.
	require.NoError(t, h.settle(2, 550, 0))
	assert.Equal(t, "1.1", h.engine.ExchangeRate().String())
	updates := recordsOf(drainOutputs(h.persist), event.RecordExchangeRateUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "1.1", updates[0].Value)

	// A slash would lower the rate; the ratchet holds it.
	require.NoError(t, h.settle(3, 500, 0))
	assert.Equal(t, "1.1", h.engine.ExchangeRate().String())
	assert.Empty(t, recordsOf(drainOutputs(h.persist), event.RecordExchangeRateUpdated))
}

func TestSettlement_UnauthorizedCaller(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))

	err := h.engine.ProcessEvent(&event.EraSettled{Era: 1, Caller: admin})
	assert.ErrorIs(t, err, state.ErrUnauthorized)
	assert.Equal(t, uint64(100), h.engine.Status().Matching.TotalStakeAmount)
	assert.Empty(t, h.bonder.Instructions())
}

func TestSettlement_OverflowLeavesStateUntouched(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))
	before := h.engine.Status()

	err := h.settle(1, math.MaxUint64, 0)
	assert.ErrorIs(t, err, state.ErrArithmeticOverflow)

	after := h.engine.Status()
	assert.Equal(t, before.Matching, after.Matching, "matching totals must not be cleared")
	assert.Equal(t, before.StateHash, after.StateHash)
	assert.Zero(t, after.LastEra)

	// The rejected era consumed no ordering slot.
	require.NoError(t, h.settle(1, 0, 0))
}

func TestSettlement_UndefinedRate(t *testing.T) {
	h := newHarness(t)
	err := h.settle(1, 100, 0)
	assert.ErrorIs(t, err, state.ErrInvalidExchangeRate)
}

func TestSettlement_StaleEraRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))
	require.NoError(t, h.settle(5, 0, 0))

	err := h.engine.ProcessEvent(&event.EraSettled{Era: 4, Caller: relay})
	assert.ErrorIs(t, err, core.ErrStaleSequence)
}

// ============================================================================
// Test: Idle Drain
// ============================================================================

// queuedPool leaves alice and bob with 100 each queued and an empty pool.
func queuedPool(t *testing.T, h *harness) (alice, bob uuid.UUID) {
	t.Helper()
	alice, bob = uuid.New(), uuid.New()
	for _, who := range []uuid.UUID{alice, bob} {
		h.deposit(who, 100)
		require.NoError(t, h.stake(who, 100))
	}
	require.NoError(t, h.settle(1, 0, 0))
	require.NoError(t, h.unstake(alice, 100))
	require.NoError(t, h.unstake(bob, 100))
	require.Len(t, h.engine.Status().Queue, 2)
	return alice, bob
}

func TestIdleDrain_PaysInOrderWithinBudget(t *testing.T) {
	h := newHarness(t)
	alice, bob := queuedPool(t, h)

	dave := uuid.New()
	h.deposit(dave, 150)
	require.NoError(t, h.stake(dave, 150))
	drainOutputs(h.persist)

	remaining := h.engine.OnIdle(10, time.UnixMicro(9_000_000))
	assert.Equal(t, uint64(9), remaining)
	assert.Equal(t, int64(100), h.balance(ksm, alice))
	assert.Zero(t, h.balance(ksm, bob), "bob is blocked by liquidity, not skipped")

	queue := h.engine.Status().Queue
	require.Len(t, queue, 1)
	assert.Equal(t, bob, queue[0].Account)

	paid := recordsOf(drainOutputs(h.persist), event.RecordUnstakePaid)
	require.Len(t, paid, 1)
	assert.Equal(t, alice, paid[0].Account)

	// No budget, no work.
	assert.Zero(t, h.engine.OnIdle(0, time.UnixMicro(9_100_000)))

	eve := uuid.New()
	h.deposit(eve, 50)
	require.NoError(t, h.stake(eve, 50))
	assert.Zero(t, h.engine.OnIdle(1, time.UnixMicro(9_200_000)))
	assert.Equal(t, int64(100), h.balance(ksm, bob))
	assert.Empty(t, h.engine.Status().Queue)
}

func TestIdleDrain_BudgetBoundsPayouts(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.DrainOpCost = 5 }))
	alice, bob := queuedPool(t, h)

	frank := uuid.New()
	h.deposit(frank, 500)
	require.NoError(t, h.stake(frank, 500))

	assert.Equal(t, uint64(4), h.engine.OnIdle(9, time.UnixMicro(9_000_000)))
	assert.Equal(t, int64(100), h.balance(ksm, alice))
	assert.Zero(t, h.balance(ksm, bob))
}

func TestIdleDrain_HonorsInsuranceFloor(t *testing.T) {
	h := newHarness(t)
	queuedPool(t, h)

	frank := uuid.New()
	h.deposit(frank, 200)
	seq, ts := h.next()
	require.NoError(t, h.engine.ProcessEvent(&event.InsuranceAdded{
		RequestID: uuid.New(), Account: frank, Amount: 200, Sequence: seq, Timestamp: ts,
	}))
	st := h.engine.Status()
	require.Equal(t, uint64(200), st.PoolBalance)
	require.Equal(t, uint64(200), st.InsuranceReserve)

	assert.Equal(t, uint64(10), h.engine.OnIdle(10, time.UnixMicro(9_000_000)))
	assert.Len(t, h.engine.Status().Queue, 2)
	assert.Equal(t, st.Sequence, h.engine.Status().Sequence, "a drain that pays nobody is not logged")
}

// ============================================================================
// Test: Privileged operations
// ============================================================================

func TestBondingCommand_FeesAndWeightsAttached(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.ProcessEvent(&event.BondingFeesUpdate{AdminCommand: h.admin("fees-1"), Fees: 7}))
	require.NoError(t, h.engine.ProcessEvent(&event.ExternalWeightsUpdate{
		AdminCommand: h.admin("weights-1"),
		Weights:      state.ExternalWeights{Nominate: 42, WithdrawUnbonded: 9},
	}))

	nom := h.bonding(event.BondingOpNominate, 0, relay)
	nom.Targets = []string{"validator-1", "validator-2"}
	require.NoError(t, h.engine.ProcessEvent(nom))

	wd := h.bonding(event.BondingOpWithdrawUnbonded, 50, relay)
	wd.SlashingSpans = 3
	require.NoError(t, h.engine.ProcessEvent(wd))

	instrs := h.bonder.Instructions()
	require.Len(t, instrs, 2)
	assert.Equal(t, uint64(7), instrs[0].Fee)
	assert.Equal(t, uint64(42), instrs[0].Weight)
	assert.Equal(t, []string{"validator-1", "validator-2"}, instrs[0].Targets)
	assert.Equal(t, uint64(9), instrs[1].Weight)
	assert.Equal(t, uint32(3), instrs[1].SlashingSpans)
	assert.Equal(t, uint64(50), instrs[1].Amount)
}

func TestBondingCommand_Validation(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.ProcessEvent(h.bonding(event.BondingOpUnbond, 10, admin)), state.ErrUnauthorized)

	bad := h.bonding(event.BondingOpBond, 10, relay)
	bad.Payee = "elsewhere"
	assert.ErrorIs(t, h.engine.ProcessEvent(bad), state.ErrInvalidParams)

	assert.ErrorIs(t, h.engine.ProcessEvent(h.bonding(event.BondingOpNominate, 0, relay)), state.ErrInvalidParams)
	assert.Empty(t, h.bonder.Instructions())

	require.NoError(t, h.engine.ProcessEvent(h.bonding(event.BondingOpBond, 10, relay)))
	assert.Equal(t, event.RewardStaked, h.bonder.Instructions()[0].Payee)
}

func TestSlashPayout(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) { p.ReserveFactor = ratio(t, "0.1") }))
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 1000))
	require.Equal(t, uint64(100), h.engine.Status().InsuranceReserve)

	seq, ts := h.next()
	err := h.engine.ProcessEvent(&event.SlashPayout{PayoutID: uuid.New(), Amount: 150, Caller: relay, Sequence: seq, Timestamp: ts})
	assert.ErrorIs(t, err, state.ErrInsufficientReserve)

	seq, ts = h.next()
	require.NoError(t, h.engine.ProcessEvent(&event.SlashPayout{PayoutID: uuid.New(), Amount: 60, Caller: relay, Sequence: seq, Timestamp: ts}))

	st := h.engine.Status()
	assert.Equal(t, uint64(40), st.InsuranceReserve)
	assert.Equal(t, uint64(940), st.PoolBalance)
	instrs := h.bonder.Instructions()
	require.Len(t, instrs, 1)
	assert.Equal(t, event.BondingOpBondExtra, instrs[0].Op)
	assert.Equal(t, uint64(60), instrs[0].Amount)
}

func TestInsuranceAdded_RaisesReserveFloor(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 100)
	h.deposit(bob, 50)
	require.NoError(t, h.stake(alice, 100))

	seq, ts := h.next()
	require.NoError(t, h.engine.ProcessEvent(&event.InsuranceAdded{
		RequestID: uuid.New(), Account: bob, Amount: 50, Sequence: seq, Timestamp: ts,
	}))

	st := h.engine.Status()
	assert.Equal(t, uint64(50), st.InsuranceReserve)
	assert.Equal(t, uint64(150), st.PoolBalance)
	assert.Zero(t, h.balance(ksm, bob))

	// The reserve is not free balance, so a full unstake only fits the stake.
	require.NoError(t, h.unstake(alice, 100))
	assert.Equal(t, int64(100), h.balance(ksm, alice))
	assert.Empty(t, h.engine.Status().Queue)

	seq, ts = h.next()
	err := h.engine.ProcessEvent(&event.InsuranceAdded{
		RequestID: uuid.New(), Account: bob, Amount: 1, Sequence: seq, Timestamp: ts,
	})
	assert.ErrorIs(t, err, state.ErrTransferFailed)
	assert.Equal(t, uint64(50), h.engine.Status().InsuranceReserve)
}

func TestCommandsCannotNamePoolAccount(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 100)
	h.deposit(bob, 200)
	require.NoError(t, h.stake(alice, 100))
	seq, ts := h.next()
	require.NoError(t, h.engine.ProcessEvent(&event.InsuranceAdded{
		RequestID: uuid.New(), Account: bob, Amount: 200, Sequence: seq, Timestamp: ts,
	}))

	pool := ledger.PoolAccountID
	tests := []struct {
		name  string
		build func(seq int64, ts time.Time) event.Event
	}{
		{"stake", func(seq int64, ts time.Time) event.Event {
			return &event.StakeRequested{RequestID: uuid.New(), Account: pool, Amount: 100, Sequence: seq, Timestamp: ts}
		}},
		{"unstake", func(seq int64, ts time.Time) event.Event {
			return &event.UnstakeRequested{RequestID: uuid.New(), Account: pool, VoucherAmount: 50, Sequence: seq, Timestamp: ts}
		}},
		{"insurance", func(seq int64, ts time.Time) event.Event {
			return &event.InsuranceAdded{RequestID: uuid.New(), Account: pool, Amount: 100, Sequence: seq, Timestamp: ts}
		}},
		{"withdraw", func(seq int64, ts time.Time) event.Event {
			return &event.AssetWithdrawn{WithdrawalID: uuid.New(), Account: pool, Amount: 200, Sequence: seq, Timestamp: ts}
		}},
		{"deposit", func(seq int64, ts time.Time) event.Event {
			return &event.AssetDeposited{DepositID: uuid.New(), Account: pool, Amount: 100, Caller: relay, Sequence: seq, Timestamp: ts}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := h.engine.Status()
			seq, ts := h.next()
			err := h.engine.ProcessEvent(tt.build(seq, ts))
			assert.ErrorIs(t, err, state.ErrUnauthorized)

			after := h.engine.Status()
			assert.Equal(t, before.Sequence, after.Sequence)
			assert.Equal(t, uint64(300), after.PoolBalance)
			assert.Equal(t, uint64(200), after.InsuranceReserve)
			assert.Equal(t, uint64(100), after.VoucherIssuance)
			assert.Equal(t, uint64(100), after.Matching.TotalStakeAmount)
		})
	}
}

func TestUnstake_PayoutBeyondLedgerRangeRejected(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	const staked = uint64(8_000_000_000_000_000_000)
	h.deposit(alice, staked)
	require.NoError(t, h.stake(alice, staked))
	require.NoError(t, h.settle(1, 0, 0))
	require.NoError(t, h.settle(2, 9_600_000_000_000_000_000, 0))
	require.Equal(t, "1.2", h.engine.ExchangeRate().String())

	// 8e18 vouchers are worth 9.6e18, above what a ledger balance can hold.
	err := h.unstake(alice, staked)
	assert.ErrorIs(t, err, state.ErrArithmeticOverflow)
	st := h.engine.Status()
	assert.Empty(t, st.Queue)
	assert.Zero(t, st.Matching.TotalUnstakeAmount)
	assert.Equal(t, int64(staked), h.balance(xksm, alice))

	// Ordinary payouts still queue and drain.
	require.NoError(t, h.unstake(alice, 100))
	require.Len(t, h.engine.Status().Queue, 1)
	h.deposit(bob, 1000)
	require.NoError(t, h.stake(bob, 1000))
	h.engine.OnIdle(10, time.UnixMicro(9_000_000))
	assert.Empty(t, h.engine.Status().Queue)
	assert.Equal(t, int64(120), h.balance(ksm, alice))
}

func TestAssetWithdrawn(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 80)

	seq, ts := h.next()
	require.NoError(t, h.engine.ProcessEvent(&event.AssetWithdrawn{
		WithdrawalID: uuid.New(), Account: alice, Amount: 30, Sequence: seq, Timestamp: ts,
	}))
	assert.Equal(t, int64(50), h.balance(ksm, alice))

	seq, ts = h.next()
	err := h.engine.ProcessEvent(&event.AssetWithdrawn{
		WithdrawalID: uuid.New(), Account: alice, Amount: 51, Sequence: seq, Timestamp: ts,
	})
	assert.ErrorIs(t, err, state.ErrTransferFailed)
	assert.Equal(t, int64(50), h.balance(ksm, alice))

	withdrawn := recordsOf(drainOutputs(h.persist), event.RecordAssetWithdrawn)
	require.Len(t, withdrawn, 1)
	assert.Equal(t, uint64(30), withdrawn[0].Amount)
}

func TestReserveFactorUpdate(t *testing.T) {
	h := newHarness(t)

	cmd := h.admin("rf-1")
	cmd.Caller = relay
	assert.ErrorIs(t, h.engine.ProcessEvent(&event.ReserveFactorUpdate{AdminCommand: cmd, ReserveFactor: 5}), state.ErrUnauthorized)

	assert.ErrorIs(t, h.engine.ProcessEvent(&event.ReserveFactorUpdate{
		AdminCommand: h.admin("rf-2"), ReserveFactor: fpmath.RatioOne + 1,
	}), state.ErrInvalidParams)

	require.NoError(t, h.engine.ProcessEvent(&event.ReserveFactorUpdate{
		AdminCommand: h.admin("rf-3"), ReserveFactor: ratio(t, "0.05"),
	}))
	assert.Equal(t, "0.05", h.engine.Status().Params.ReserveFactor.String())

	require.NoError(t, h.engine.ProcessEvent(&event.PoolCapacityUpdate{AdminCommand: h.admin("cap-1"), Capacity: 10_000}))
	assert.Equal(t, uint64(10_000), h.engine.Status().Params.StakingPoolCapacity)
}

func TestCurrencyUpdate(t *testing.T) {
	h := newHarness(t, withParams(func(p *state.StakingParams) {
		p.StakingCurrency = 0
		p.LiquidCurrency = 0
	}))
	_, err := h.engine.StakingCurrency()
	assert.ErrorIs(t, err, state.ErrCurrencyNotConfigured)

	require.NoError(t, h.engine.ProcessEvent(&event.CurrencyUpdate{AdminCommand: h.admin("c-1"), Kind: event.CurrencyStaking, AssetID: ksm}))
	assert.ErrorIs(t, h.engine.ProcessEvent(&event.CurrencyUpdate{AdminCommand: h.admin("c-2"), Kind: event.CurrencyLiquid, AssetID: ksm}), state.ErrInvalidParams)
	assert.ErrorIs(t, h.engine.ProcessEvent(&event.CurrencyUpdate{AdminCommand: h.admin("c-3"), Kind: event.CurrencyLiquid, AssetID: 77}), state.ErrInvalidParams)
	require.NoError(t, h.engine.ProcessEvent(&event.CurrencyUpdate{AdminCommand: h.admin("c-4"), Kind: event.CurrencyLiquid, AssetID: xksm}))

	liquid, err := h.engine.LiquidCurrency()
	require.NoError(t, err)
	assert.Equal(t, xksm, liquid)

	alice := uuid.New()
	h.deposit(alice, 10)
	require.NoError(t, h.stake(alice, 10))
}

// ============================================================================
// Test: Idempotency & Ordering
// ============================================================================

func TestDuplicateCommandIgnored(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)

	cmd := &event.StakeRequested{RequestID: uuid.New(), Account: alice, Amount: 100, Sequence: 100}
	require.NoError(t, h.engine.ProcessEvent(cmd))
	seq := h.engine.GetSequence()
	require.NoError(t, h.engine.ProcessEvent(cmd))

	assert.Equal(t, seq, h.engine.GetSequence())
	assert.Equal(t, int64(100), h.balance(xksm, alice))
}

func TestStaleSequenceRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)

	require.NoError(t, h.engine.ProcessEvent(&event.StakeRequested{RequestID: uuid.New(), Account: alice, Amount: 10, Sequence: 10}))
	err := h.engine.ProcessEvent(&event.StakeRequested{RequestID: uuid.New(), Account: alice, Amount: 10, Sequence: 3})
	assert.ErrorIs(t, err, core.ErrStaleSequence)

	// Other partitions are independent.
	bob := uuid.New()
	h.deposit(bob, 10)
	require.NoError(t, h.engine.ProcessEvent(&event.StakeRequested{RequestID: uuid.New(), Account: bob, Amount: 10, Sequence: 1}))
}

func TestSequencesAndHashChain(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	require.NoError(t, h.stake(alice, 100))
	require.NoError(t, h.unstake(alice, 50))

	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 3)
	for i, o := range outputs {
		assert.Equal(t, int64(i), o.Envelope.Sequence)
		if i > 0 {
			assert.Equal(t, outputs[i-1].Envelope.StateHash, o.Envelope.PrevHash)
		}
	}
	assert.Equal(t, outputs[2].Envelope.StateHash, h.engine.GetStateHash())
}

// ============================================================================
// Test: Collaborator failures
// ============================================================================

func TestBondingFailureDoesNotRollBackSettlement(t *testing.T) {
	h := newHarness(t)
	h.bonder.Err = errors.New("relay down")
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))

	require.NoError(t, h.settle(1, 0, 0))
	assert.Equal(t, uint32(1), h.engine.Status().LastEra)
}

func TestStateStoreFailureIsNotFatal(t *testing.T) {
	store := testutil.NewMemoryStore()
	store.FailPuts = true
	h := newHarness(t, withStore(store))
	alice := uuid.New()
	h.deposit(alice, 100)
	require.NoError(t, h.stake(alice, 100))
	assert.Zero(t, store.Puts())
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestLoadState_RestoresCommittedState(t *testing.T) {
	store := testutil.NewMemoryStore()
	h := newHarness(t, withStore(store), withParams(func(p *state.StakingParams) { p.ReserveFactor = fpmath.Ratio(10_000) }))
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1000)
	h.deposit(bob, 100)
	require.NoError(t, h.stake(alice, 1000))
	require.NoError(t, h.settle(1, 0, 0))
	require.NoError(t, h.stake(bob, 100))
	require.NoError(t, h.unstake(alice, 500))

	restored := newHarness(t, withStore(store))
	found, err := restored.engine.LoadState()
	require.NoError(t, err)
	require.True(t, found)

	want, got := h.engine.Status(), restored.engine.Status()
	assert.Equal(t, want.Sequence, got.Sequence)
	assert.Equal(t, want.StateHash, got.StateHash)
	assert.Equal(t, want.ExchangeRate.String(), got.ExchangeRate.String())
	assert.Equal(t, want.Queue, got.Queue)
	assert.Equal(t, want.Matching, got.Matching)
	assert.Equal(t, want.Params, got.Params)
	assert.Equal(t, want.InsuranceReserve, got.InsuranceReserve)
	assert.Equal(t, want.PoolBalance, got.PoolBalance)
	assert.Equal(t, want.VoucherIssuance, got.VoucherIssuance)
	assert.Equal(t, h.balance(xksm, alice), restored.balance(xksm, alice))

	// Ordering state survives: alice's next command continues after the last.
	err = restored.engine.ProcessEvent(&event.StakeRequested{RequestID: uuid.New(), Account: alice, Amount: 1, Sequence: 1})
	assert.ErrorIs(t, err, core.ErrStaleSequence)
}

func TestLoadState_EmptyStore(t *testing.T) {
	h := newHarness(t, withStore(testutil.NewMemoryStore()))
	found, err := h.engine.LoadState()
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSnapshotThenReplay_ReproducesHash(t *testing.T) {
	h := newHarness(t)
	alice, bob := uuid.New(), uuid.New()
	h.deposit(alice, 1000)
	h.deposit(bob, 1000)
	require.NoError(t, h.stake(alice, 600))
	snap := h.engine.CreateSnapshotState()

	require.NoError(t, h.settle(1, 0, 0))
	require.NoError(t, h.unstake(alice, 300))
	require.NoError(t, h.stake(bob, 400))
	require.Equal(t, uint64(100), h.engine.OnIdle(101, time.UnixMicro(5_000_000)))
	require.NoError(t, h.settle(2, 600, 0))

	outputs := drainOutputs(h.persist)

	replica := newHarness(t)
	require.NoError(t, replica.engine.RestoreFromSnapshot(snap))
	for _, o := range outputs {
		require.NoError(t, replica.engine.Replay(o.Envelope), "seq %d", o.Envelope.Sequence)
	}

	assert.Equal(t, h.engine.GetStateHash(), replica.engine.GetStateHash())
	assert.Equal(t, h.engine.GetSequence(), replica.engine.GetSequence())
	assert.Empty(t, replica.bonder.Instructions(), "replay must not re-issue bonding instructions")
	assert.Empty(t, drainOutputs(replica.persist))
}

func TestReplay_DetectsDivergence(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()
	h.deposit(alice, 1000)
	outputs := drainOutputs(h.persist)
	require.Len(t, outputs, 1)

	tampered := *outputs[0].Envelope
	tampered.StateHash[0] ^= 0xff

	replica := newHarness(t)
	err := replica.engine.Replay(&tampered)
	assert.ErrorIs(t, err, core.ErrReplayDiverged)
}

func TestNewEngine_RejectsBadConfig(t *testing.T) {
	_, err := core.NewEngine(core.Config{Params: state.DefaultStakingParams()})
	assert.ErrorIs(t, err, state.ErrInvalidExchangeRate)

	params := state.DefaultStakingParams()
	params.UnstakeQueueCapacity = 0
	_, err = core.NewEngine(core.Config{GenesisRate: fpmath.RateFromInt(1), Params: params})
	assert.ErrorIs(t, err, state.ErrInvalidParams)
}
