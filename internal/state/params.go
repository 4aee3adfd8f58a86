package state

import (
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"fmt"
)

// ExternalWeights is the execution weight attached to each kind of external
// bonding instruction.
type ExternalWeights struct {
	Bond             uint64 `json:"bond"`
	BondExtra        uint64 `json:"bond_extra"`
	Unbond           uint64 `json:"unbond"`
	Rebond           uint64 `json:"rebond"`
	WithdrawUnbonded uint64 `json:"withdraw_unbonded"`
	Nominate         uint64 `json:"nominate"`
}

// StakingParams are the tunable pool parameters.
type StakingParams struct {
	ReserveFactor        fpmath.Ratio    `json:"reserve_factor"`         // ppm of each stake kept as insurance
	StakingPoolCapacity  uint64          `json:"staking_pool_capacity"`  // 0 = unlimited
	MinStakeAmount       uint64          `json:"min_stake_amount"`       // stake must be strictly greater
	MinUnstakeAmount     uint64          `json:"min_unstake_amount"`     // unstake must be strictly greater
	UnstakeQueueCapacity int             `json:"unstake_queue_capacity"` // fixed at construction
	DrainOpCost          uint64          `json:"drain_op_cost"`          // budget consumed per drained payout
	BondingFees          uint64          `json:"bonding_fees"`           // attached to every external instruction
	Weights              ExternalWeights `json:"weights"`
	StakingCurrency      ledger.AssetID  `json:"staking_currency"` // 0 = not configured
	LiquidCurrency       ledger.AssetID  `json:"liquid_currency"`  // 0 = not configured
}

func DefaultStakingParams() StakingParams {
	return StakingParams{
		ReserveFactor:        fpmath.Ratio(0),
		MinStakeAmount:       0,
		MinUnstakeAmount:     0,
		UnstakeQueueCapacity: 1000,
		DrainOpCost:          1,
	}
}

// ValidateStakingParams checks that parameters are within valid ranges:
// reserve factor <= 1, queue capacity > 0, drain cost > 0, currencies distinct.
func ValidateStakingParams(p *StakingParams) error {
	if p.ReserveFactor > fpmath.RatioOne {
		return fmt.Errorf("%w: reserve_factor %s exceeds one", ErrInvalidParams, p.ReserveFactor)
	}
	if p.UnstakeQueueCapacity <= 0 {
		return fmt.Errorf("%w: unstake_queue_capacity must be > 0, got %d", ErrInvalidParams, p.UnstakeQueueCapacity)
	}
	if p.DrainOpCost == 0 {
		return fmt.Errorf("%w: drain_op_cost must be > 0", ErrInvalidParams)
	}
	if p.StakingCurrency != 0 && p.StakingCurrency == p.LiquidCurrency {
		return fmt.Errorf("%w: staking and liquid currency must differ", ErrInvalidParams)
	}
	return nil
}

// Currencies returns both asset ids or ErrCurrencyNotConfigured.
func (p *StakingParams) Currencies() (staking, liquid ledger.AssetID, err error) {
	if p.StakingCurrency == 0 {
		return 0, 0, fmt.Errorf("%w: staking currency", ErrCurrencyNotConfigured)
	}
	if p.LiquidCurrency == 0 {
		return 0, 0, fmt.Errorf("%w: liquid currency", ErrCurrencyNotConfigured)
	}
	return p.StakingCurrency, p.LiquidCurrency, nil
}

func (p *StakingParams) Staking() (ledger.AssetID, error) {
	if p.StakingCurrency == 0 {
		return 0, fmt.Errorf("%w: staking currency", ErrCurrencyNotConfigured)
	}
	return p.StakingCurrency, nil
}

func (p *StakingParams) Liquid() (ledger.AssetID, error) {
	if p.LiquidCurrency == 0 {
		return 0, fmt.Errorf("%w: liquid currency", ErrCurrencyNotConfigured)
	}
	return p.LiquidCurrency, nil
}
