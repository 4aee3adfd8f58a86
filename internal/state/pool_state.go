// internal/state/pool_state.go
package state

import (
	fpmath "StakeLedger/internal/math"
	"encoding/binary"
	"fmt"
)

// PoolState is everything the engine owns besides ledger balances.
type PoolState struct {
	Rate      *ExchangeRateLedger
	Matching  MatchingLedger
	Queue     *UnstakeQueue
	Insurance *InsuranceReserve
	Params    StakingParams
	LastEra   uint32
}

func NewPoolState(genesisRate fpmath.Rate, params StakingParams) *PoolState {
	return &PoolState{
		Rate:      NewExchangeRateLedger(genesisRate),
		Queue:     NewUnstakeQueue(params.UnstakeQueueCapacity),
		Insurance: NewInsuranceReserve(0),
		Params:    params,
	}
}

// Clone returns a deep copy used as a transaction working set.
func (s *PoolState) Clone() *PoolState {
	return &PoolState{
		Rate:      NewExchangeRateLedger(s.Rate.Current()),
		Matching:  s.Matching,
		Queue:     s.Queue.clone(),
		Insurance: NewInsuranceReserve(s.Insurance.Balance()),
		Params:    s.Params,
		LastEra:   s.LastEra,
	}
}

// PoolSnapshot is the serialisable form of PoolState.
type PoolSnapshot struct {
	ExchangeRate     string           `json:"exchange_rate"`
	Matching         MatchingLedger   `json:"matching"`
	Queue            []UnstakeRequest `json:"unstake_queue"`
	InsuranceReserve uint64           `json:"insurance_reserve"`
	Params           StakingParams    `json:"params"`
	LastEra          uint32           `json:"last_era"`
}

func (s *PoolState) Snapshot() PoolSnapshot {
	return PoolSnapshot{
		ExchangeRate:     s.Rate.Current().Decimal().String(),
		Matching:         s.Matching,
		Queue:            s.Queue.Entries(),
		InsuranceReserve: s.Insurance.Balance(),
		Params:           s.Params,
		LastEra:          s.LastEra,
	}
}

// RestorePoolState rebuilds state from a snapshot.
func RestorePoolState(snap PoolSnapshot) (*PoolState, error) {
	rate, err := fpmath.ParseRate(snap.ExchangeRate)
	if err != nil {
		return nil, fmt.Errorf("restore pool state: %w", err)
	}
	if err := ValidateStakingParams(&snap.Params); err != nil {
		return nil, fmt.Errorf("restore pool state: %w", err)
	}
	q := NewUnstakeQueue(snap.Params.UnstakeQueueCapacity)
	q.entries = append(q.entries, snap.Queue...)
	return &PoolState{
		Rate:      NewExchangeRateLedger(rate),
		Matching:  snap.Matching,
		Queue:     q,
		Insurance: NewInsuranceReserve(snap.InsuranceReserve),
		Params:    snap.Params,
		LastEra:   snap.LastEra,
	}, nil
}

// CanonicalBytes for deterministic hashing
func (s *PoolState) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128+24*s.Queue.Len())

	raw := s.Rate.Current().Raw()
	if raw == nil {
		buf = append(buf, 0)
	} else {
		b := raw.Bytes()
		buf = append(buf, byte(len(b)))
		buf = append(buf, b...)
	}

	buf = appendUint64LE(buf, s.Matching.TotalStakeAmount)
	buf = appendUint64LE(buf, s.Matching.TotalUnstakeAmount)
	buf = appendUint64LE(buf, s.Insurance.Balance())

	buf = appendUint64LE(buf, uint64(s.Queue.Len()))
	for _, e := range s.Queue.entries {
		buf = append(buf, e.Account[:]...)
		buf = appendUint64LE(buf, e.Amount)
	}

	p := s.Params
	buf = binary.LittleEndian.AppendUint32(buf, p.ReserveFactor.PerMill())
	buf = appendUint64LE(buf, p.StakingPoolCapacity)
	buf = appendUint64LE(buf, p.MinStakeAmount)
	buf = appendUint64LE(buf, p.MinUnstakeAmount)
	buf = appendUint64LE(buf, uint64(p.UnstakeQueueCapacity))
	buf = appendUint64LE(buf, p.DrainOpCost)
	buf = appendUint64LE(buf, p.BondingFees)
	for _, w := range []uint64{p.Weights.Bond, p.Weights.BondExtra, p.Weights.Unbond,
		p.Weights.Rebond, p.Weights.WithdrawUnbonded, p.Weights.Nominate} {
		buf = appendUint64LE(buf, w)
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.StakingCurrency))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(p.LiquidCurrency))
	buf = binary.LittleEndian.AppendUint32(buf, s.LastEra)

	return buf
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(buf, v)
}
