package query

import (
	"github.com/google/uuid"
)

// BalanceResponse is one holder's projected balance of one asset.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	AssetID uint32    `json:"asset_id"`
	Balance int64     `json:"balance"`

	// Vouchers valued in the staking currency at the current exchange rate.
	// Only set for the liquid currency.
	Value *uint64 `json:"value,omitempty"`

	AsOfSequence int64 `json:"as_of_sequence"`
}
