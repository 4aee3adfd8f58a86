package event

import (
	"StakeLedger/internal/state"
	"fmt"

	"github.com/google/uuid"
)

// RecordKind discriminates the notifications emitted by committed commands.
type RecordKind uint8

const (
	RecordStaked RecordKind = iota + 1
	RecordUnstaked
	RecordUnstakeQueued
	RecordUnstakePaid
	RecordExchangeRateUpdated
	RecordSettlement
	RecordBonding
	RecordBondingExtra
	RecordUnbonding
	RecordRebonding
	RecordWithdrawingUnbonded
	RecordNominating
	RecordReserveFactorUpdated
	RecordStakingPoolCapacityUpdated
	RecordBondingFeesUpdated
	RecordExternalWeightsUpdated
	RecordCurrencyUpdated
	RecordInsurancesAdded
	RecordSlashPaid
	RecordAssetDeposited
	RecordAssetWithdrawn
)

var recordKindNames = map[RecordKind]string{
	RecordStaked:                     "Staked",
	RecordUnstaked:                   "Unstaked",
	RecordUnstakeQueued:              "UnstakeQueued",
	RecordUnstakePaid:                "UnstakePaid",
	RecordExchangeRateUpdated:        "ExchangeRateUpdated",
	RecordSettlement:                 "Settlement",
	RecordBonding:                    "Bonding",
	RecordBondingExtra:               "BondingExtra",
	RecordUnbonding:                  "Unbonding",
	RecordRebonding:                  "Rebonding",
	RecordWithdrawingUnbonded:        "WithdrawingUnbonded",
	RecordNominating:                 "Nominating",
	RecordReserveFactorUpdated:       "ReserveFactorUpdated",
	RecordStakingPoolCapacityUpdated: "StakingPoolCapacityUpdated",
	RecordBondingFeesUpdated:         "BondingFeesUpdated",
	RecordExternalWeightsUpdated:     "ExternalWeightsUpdated",
	RecordCurrencyUpdated:            "CurrencyUpdated",
	RecordInsurancesAdded:            "InsurancesAdded",
	RecordSlashPaid:                  "SlashPaid",
	RecordAssetDeposited:             "AssetDeposited",
	RecordAssetWithdrawn:             "AssetWithdrawn",
}

func (k RecordKind) String() string {
	if name, ok := recordKindNames[k]; ok {
		return name
	}
	return "Unknown"
}

func (k RecordKind) MarshalText() ([]byte, error) {
	name, ok := recordKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown record kind %d", k)
	}
	return []byte(name), nil
}

func (k *RecordKind) UnmarshalText(b []byte) error {
	for kind, name := range recordKindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown record kind %q", b)
}

// Record is one observable outcome of a committed command. Only the fields
// meaningful for Kind are set.
type Record struct {
	Kind          RecordKind             `json:"kind"`
	Account       uuid.UUID              `json:"account"`
	Amount        uint64                 `json:"amount,omitempty"`
	VoucherAmount uint64                 `json:"voucher_amount,omitempty"`
	BondAmount    uint64                 `json:"bond_amount,omitempty"`
	RebondAmount  uint64                 `json:"rebond_amount,omitempty"`
	UnbondAmount  uint64                 `json:"unbond_amount,omitempty"`
	Value         string                 `json:"value,omitempty"` // rate, ratio or currency, rendered
	Payee         RewardDestination      `json:"payee,omitempty"`
	Targets       []string               `json:"targets,omitempty"`
	Weights       *state.ExternalWeights `json:"weights,omitempty"`
	Era           uint32                 `json:"era,omitempty"`
}

// BondingInstruction is one fire-and-forget request to the external chain.
type BondingInstruction struct {
	Op            BondingOp         `json:"op"`
	Amount        uint64            `json:"amount,omitempty"`
	Payee         RewardDestination `json:"payee,omitempty"`
	SlashingSpans uint32            `json:"slashing_spans,omitempty"`
	Targets       []string          `json:"targets,omitempty"`
	Fee           uint64            `json:"fee"`
	Weight        uint64            `json:"weight"`
	Sequence      int64             `json:"sequence"`
	EventRef      string            `json:"event_ref"`
}

func (op BondingOp) MarshalText() ([]byte, error) {
	if op < BondingOpBond || op > BondingOpNominate {
		return nil, fmt.Errorf("unknown bonding op %d", op)
	}
	return []byte(op.String()), nil
}

func (op *BondingOp) UnmarshalText(b []byte) error {
	parsed, ok := ParseBondingOp(string(b))
	if !ok {
		return fmt.Errorf("unknown bonding op %q", b)
	}
	*op = parsed
	return nil
}
