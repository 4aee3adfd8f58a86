package event

import (
	"time"

	"github.com/google/uuid"
)

// AssetWithdrawn debits a holder's free base asset for transfer back to the
// external chain.
type AssetWithdrawn struct {
	WithdrawalID uuid.UUID
	Account      uuid.UUID
	Amount       uint64
	Sequence     int64
	Timestamp    time.Time
}

func (w *AssetWithdrawn) IdempotencyKey() string {
	return "withdrawal:" + w.WithdrawalID.String()
}

func (w *AssetWithdrawn) EventType() EventType {
	return EventTypeAssetWithdrawn
}

func (w *AssetWithdrawn) Partition() string {
	return AccountPartition(w.Account)
}

func (w *AssetWithdrawn) SourceSequence() int64 {
	return w.Sequence
}

func (w *AssetWithdrawn) EventTime() time.Time {
	return w.Timestamp
}
