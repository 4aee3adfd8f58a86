package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BondingOp names an operation on the external staking chain.
type BondingOp uint8

const (
	BondingOpBond BondingOp = iota + 1
	BondingOpBondExtra
	BondingOpUnbond
	BondingOpRebond
	BondingOpWithdrawUnbonded
	BondingOpNominate
)

func (op BondingOp) String() string {
	switch op {
	case BondingOpBond:
		return "bond"
	case BondingOpBondExtra:
		return "bond_extra"
	case BondingOpUnbond:
		return "unbond"
	case BondingOpRebond:
		return "rebond"
	case BondingOpWithdrawUnbonded:
		return "withdraw_unbonded"
	case BondingOpNominate:
		return "nominate"
	default:
		return "unknown"
	}
}

func ParseBondingOp(s string) (BondingOp, bool) {
	for op := BondingOpBond; op <= BondingOpNominate; op++ {
		if op.String() == s {
			return op, true
		}
	}
	return 0, false
}

// RewardDestination says where staking rewards of a fresh bond go.
type RewardDestination string

const (
	RewardStaked     RewardDestination = "staked"
	RewardStash      RewardDestination = "stash"
	RewardController RewardDestination = "controller"
)

// BondingCommand is a manual passthrough of one bonding operation, used by
// the relay to correct external state.
type BondingCommand struct {
	CommandID     uuid.UUID
	Op            BondingOp
	Amount        uint64
	Payee         RewardDestination // bond only
	SlashingSpans uint32            // withdraw_unbonded only
	Targets       []string          // nominate only
	Caller        Origin
	Sequence      int64
	Timestamp     time.Time
}

func (b *BondingCommand) IdempotencyKey() string {
	return fmt.Sprintf("bonding:%s:%s", b.Op, b.CommandID)
}

func (b *BondingCommand) EventType() EventType {
	return EventTypeBondingCommand
}

func (b *BondingCommand) Partition() string {
	return PartitionRelay
}

func (b *BondingCommand) SourceSequence() int64 {
	return b.Sequence
}

func (b *BondingCommand) EventTime() time.Time {
	return b.Timestamp
}
