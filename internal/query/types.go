package query

import (
	"StakeLedger/internal/state"
	"time"

	"github.com/google/uuid"
)

// PoolStatusResponse is the live pool view taken from the engine.
type PoolStatusResponse struct {
	Sequence           int64                 `json:"sequence"`
	StateHash          string                `json:"state_hash"`
	ExchangeRate       string                `json:"exchange_rate"`
	TotalStakeAmount   uint64                `json:"total_stake_amount"`
	TotalUnstakeAmount uint64                `json:"total_unstake_amount"`
	InsuranceReserve   uint64                `json:"insurance_reserve"`
	PoolBalance        uint64                `json:"pool_balance"`
	VoucherIssuance    uint64                `json:"voucher_issuance"`
	QueueLength        int                   `json:"queue_length"`
	QueueCapacity      int                   `json:"queue_capacity"`
	LastEra            uint32                `json:"last_era"`
	ReserveFactor      string                `json:"reserve_factor"`
	PoolCapacity       uint64                `json:"staking_pool_capacity"`
	MinStakeAmount     uint64                `json:"min_stake_amount"`
	MinUnstakeAmount   uint64                `json:"min_unstake_amount"`
	BondingFees        uint64                `json:"bonding_fees"`
	Weights            state.ExternalWeights `json:"weights"`
}

// ExchangeRateResponse answers the exchange rate provider queries.
type ExchangeRateResponse struct {
	ExchangeRate    string `json:"exchange_rate"`
	StakingCurrency string `json:"staking_currency,omitempty"`
	LiquidCurrency  string `json:"liquid_currency,omitempty"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// QueuedUnstake is one pending payout and its position in the FIFO.
type QueuedUnstake struct {
	Position int       `json:"position"`
	Account  uuid.UUID `json:"account"`
	Amount   uint64    `json:"amount"`
}

// SettlementHistoryEntry is one settled era. ExchangeRate is empty when the
// era did not move the rate.
type SettlementHistoryEntry struct {
	Era          uint32    `json:"era"`
	Sequence     int64     `json:"sequence"`
	ExchangeRate string    `json:"exchange_rate,omitempty"`
	BondAmount   uint64    `json:"bond_amount"`
	RebondAmount uint64    `json:"rebond_amount"`
	UnbondAmount uint64    `json:"unbond_amount"`
	SettledAt    time.Time `json:"settled_at"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint32 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint32 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}
