package state_test

import (
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rate(t *testing.T, s string) fpmath.Rate {
	t.Helper()
	r, err := fpmath.ParseRate(s)
	require.NoError(t, err)
	return r
}

// ===== Test: ExchangeRateLedger =====

func TestExchangeRateLedger_Ratchet(t *testing.T) {
	l := state.NewExchangeRateLedger(rate(t, "1"))

	updated, err := l.Update(rate(t, "1.1"))
	require.NoError(t, err)
	assert.True(t, updated)

	updated, err = l.Update(rate(t, "1.05"))
	require.NoError(t, err)
	assert.False(t, updated, "lower rate must be ignored")

	updated, err = l.Update(rate(t, "1.1"))
	require.NoError(t, err)
	assert.False(t, updated, "equal rate must be ignored")

	assert.Equal(t, "1.1", l.Current().String())
}

func TestExchangeRateLedger_UndefinedRejected(t *testing.T) {
	l := state.NewExchangeRateLedger(rate(t, "1"))
	_, err := l.Update(fpmath.Rate{})
	assert.ErrorIs(t, err, state.ErrInvalidExchangeRate)
	assert.Equal(t, "1", l.Current().String())
}

func TestComputeRate(t *testing.T) {
	r, err := state.ComputeRate(1_000, 100, 900, 100)
	require.NoError(t, err)
	assert.Equal(t, "1.1", r.String())

	_, err = state.ComputeRate(10, 0, 0, 0)
	assert.ErrorIs(t, err, state.ErrInvalidExchangeRate)

	_, err = state.ComputeRate(^uint64(0), 1, 1, 0)
	assert.ErrorIs(t, err, state.ErrArithmeticOverflow)
}

// ===== Test: Matching =====

func TestMatch(t *testing.T) {
	one := rate(t, "1")
	tests := []struct {
		name                 string
		stake, unstake       uint64
		bonded, inFlight     uint64
		bond, rebond, unbond uint64
	}{
		{"stake exceeds unstake", 500, 300, 10_000, 0, 200, 0, 0},
		{"unstake exceeds stake", 100, 400, 10_000, 50, 0, 0, 300},
		{"balanced", 250, 250, 10_000, 80, 0, 0, 0},
		{"rebond from in-flight", 500, 300, 10_000, 120, 200, 120, 0},
		{"rebond capped by bond", 500, 300, 10_000, 900, 200, 200, 0},
		{"unbond capped by bonded", 0, 400, 150, 0, 0, 0, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := state.MatchingLedger{TotalStakeAmount: tt.stake, TotalUnstakeAmount: tt.unstake}
			res, err := m.Match(one, tt.bonded, tt.inFlight)
			require.NoError(t, err)
			assert.Equal(t, tt.bond, res.BondAmount, "bond")
			assert.Equal(t, tt.rebond, res.RebondAmount, "rebond")
			assert.Equal(t, tt.unbond, res.UnbondAmount, "unbond")
		})
	}
}

func TestMatch_NettingIdentity(t *testing.T) {
	one := rate(t, "1")
	for s := uint64(0); s <= 1_000; s += 97 {
		for u := uint64(0); u <= 1_000; u += 89 {
			m := state.MatchingLedger{TotalStakeAmount: s, TotalUnstakeAmount: u}
			res, err := m.Match(one, 1_000_000, 37)
			require.NoError(t, err)
			assert.Equal(t, int64(s)-int64(u), int64(res.BondAmount)-int64(res.UnbondAmount))
			assert.LessOrEqual(t, res.RebondAmount, min(s, uint64(37)))
		}
	}
}

func TestMatch_ConvertsUnstakeAtRate(t *testing.T) {
	m := state.MatchingLedger{TotalStakeAmount: 100, TotalUnstakeAmount: 100}
	res, err := m.Match(rate(t, "1.5"), 1_000, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), res.UnstakeBase)
	assert.Equal(t, uint64(50), res.UnbondAmount)
}

func TestMatchingLedger_TakeClears(t *testing.T) {
	var m state.MatchingLedger
	require.NoError(t, m.AddStake(10))
	require.NoError(t, m.AddUnstake(4))
	taken := m.Take()
	assert.Equal(t, uint64(10), taken.TotalStakeAmount)
	assert.Equal(t, uint64(4), taken.TotalUnstakeAmount)
	assert.Zero(t, m.TotalStakeAmount)
	assert.Zero(t, m.TotalUnstakeAmount)
}

func TestMatchingLedger_Overflow(t *testing.T) {
	m := state.MatchingLedger{TotalStakeAmount: ^uint64(0)}
	assert.ErrorIs(t, m.AddStake(1), state.ErrArithmeticOverflow)
	assert.Equal(t, ^uint64(0), m.TotalStakeAmount)
}

// ===== Test: UnstakeQueue =====

func TestUnstakeQueue_CapacityAndOrder(t *testing.T) {
	q := state.NewUnstakeQueue(2)
	a, b, c := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, q.Push(a, 10))
	require.NoError(t, q.Push(b, 20))
	assert.ErrorIs(t, q.Push(c, 30), state.ErrQueueCapacityExceeded)

	entries := q.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, a, entries[0].Account)
	assert.Equal(t, b, entries[1].Account)

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, uint64(10), front.Amount)

	q.Pop()
	front, _ = q.Front()
	assert.Equal(t, b, front.Account)
	assert.Equal(t, uint64(20), q.Total())
}

func TestUnstakeQueue_EmptyPop(t *testing.T) {
	q := state.NewUnstakeQueue(1)
	q.Pop()
	_, ok := q.Front()
	assert.False(t, ok)
}

// ===== Test: InsuranceReserve =====

func TestInsuranceReserve(t *testing.T) {
	r := state.NewInsuranceReserve(0)
	require.NoError(t, r.Add(100))
	assert.ErrorIs(t, r.Reduce(101), state.ErrInsufficientReserve)
	require.NoError(t, r.Reduce(40))
	assert.Equal(t, uint64(60), r.Balance())
	assert.Equal(t, uint64(40), r.FreeBalance(100))
	assert.Equal(t, uint64(0), r.FreeBalance(30))
}

// ===== Test: Params and snapshot =====

func TestValidateStakingParams(t *testing.T) {
	p := state.DefaultStakingParams()
	require.NoError(t, state.ValidateStakingParams(&p))

	bad := p
	bad.UnstakeQueueCapacity = 0
	assert.ErrorIs(t, state.ValidateStakingParams(&bad), state.ErrInvalidParams)

	bad = p
	bad.StakingCurrency, bad.LiquidCurrency = 7, 7
	assert.ErrorIs(t, state.ValidateStakingParams(&bad), state.ErrInvalidParams)

	_, _, err := p.Currencies()
	assert.ErrorIs(t, err, state.ErrCurrencyNotConfigured)
}

func TestPoolState_CloneIsIndependent(t *testing.T) {
	s := state.NewPoolState(rate(t, "1"), state.DefaultStakingParams())
	require.NoError(t, s.Queue.Push(uuid.New(), 5))

	c := s.Clone()
	require.NoError(t, c.Queue.Push(uuid.New(), 6))
	require.NoError(t, c.Insurance.Add(9))
	require.NoError(t, c.Matching.AddStake(3))
	_, err := c.Rate.Update(rate(t, "2"))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Queue.Len())
	assert.Zero(t, s.Insurance.Balance())
	assert.Zero(t, s.Matching.TotalStakeAmount)
	assert.Equal(t, "1", s.Rate.Current().String())
	assert.NotEqual(t, s.CanonicalBytes(), c.CanonicalBytes())
}

func TestPoolState_SnapshotRoundTrip(t *testing.T) {
	s := state.NewPoolState(rate(t, "1.25"), state.DefaultStakingParams())
	require.NoError(t, s.Queue.Push(uuid.New(), 5))
	require.NoError(t, s.Insurance.Add(11))
	s.LastEra = 42

	restored, err := state.RestorePoolState(s.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, s.CanonicalBytes(), restored.CanonicalBytes())
}
