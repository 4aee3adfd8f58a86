package event

import (
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"fmt"
	"time"
)

// AdminCommand is the shared header of privileged parameter updates.
// UpdateID is chosen by the submitter and makes the update idempotent.
type AdminCommand struct {
	UpdateID  string
	Caller    Origin
	Sequence  int64
	Timestamp time.Time
}

func (a *AdminCommand) Partition() string     { return PartitionAdmin }
func (a *AdminCommand) SourceSequence() int64 { return a.Sequence }
func (a *AdminCommand) EventTime() time.Time  { return a.Timestamp }

// ReserveFactorUpdate changes the share of each stake kept as insurance.
type ReserveFactorUpdate struct {
	AdminCommand
	ReserveFactor fpmath.Ratio
}

func (r *ReserveFactorUpdate) IdempotencyKey() string {
	return fmt.Sprintf("reserve_factor:%s", r.UpdateID)
}

func (r *ReserveFactorUpdate) EventType() EventType { return EventTypeReserveFactorUpdate }

// PoolCapacityUpdate changes the staking pool cap. Zero removes the cap.
type PoolCapacityUpdate struct {
	AdminCommand
	Capacity uint64
}

func (p *PoolCapacityUpdate) IdempotencyKey() string {
	return fmt.Sprintf("pool_capacity:%s", p.UpdateID)
}

func (p *PoolCapacityUpdate) EventType() EventType { return EventTypePoolCapacityUpdate }

// BondingFeesUpdate sets the fee attached to outgoing bonding instructions.
type BondingFeesUpdate struct {
	AdminCommand
	Fees uint64
}

func (b *BondingFeesUpdate) IdempotencyKey() string {
	return fmt.Sprintf("bonding_fees:%s", b.UpdateID)
}

func (b *BondingFeesUpdate) EventType() EventType { return EventTypeBondingFeesUpdate }

// ExternalWeightsUpdate sets per-operation execution weights.
type ExternalWeightsUpdate struct {
	AdminCommand
	Weights state.ExternalWeights
}

func (w *ExternalWeightsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("external_weights:%s", w.UpdateID)
}

func (w *ExternalWeightsUpdate) EventType() EventType { return EventTypeExternalWeightsUpdate }

// CurrencyKind selects which pool currency a CurrencyUpdate sets.
type CurrencyKind uint8

const (
	CurrencyStaking CurrencyKind = iota + 1
	CurrencyLiquid
)

func (k CurrencyKind) String() string {
	switch k {
	case CurrencyStaking:
		return "staking"
	case CurrencyLiquid:
		return "liquid"
	default:
		return "unknown"
	}
}

// CurrencyUpdate sets the staking or liquid asset id.
type CurrencyUpdate struct {
	AdminCommand
	Kind    CurrencyKind
	AssetID ledger.AssetID
}

func (c *CurrencyUpdate) IdempotencyKey() string {
	return fmt.Sprintf("currency:%s:%s", c.Kind, c.UpdateID)
}

func (c *CurrencyUpdate) EventType() EventType { return EventTypeCurrencyUpdate }
