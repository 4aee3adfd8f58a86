// internal/event/deposit.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// AssetDeposited credits a holder with base asset that arrived from the
// external chain. Only the relay may report arrivals.
type AssetDeposited struct {
	DepositID uuid.UUID
	Account   uuid.UUID
	Amount    uint64
	Caller    Origin
	Sequence  int64
	Timestamp time.Time
}

func (d *AssetDeposited) IdempotencyKey() string {
	return "deposit:" + d.DepositID.String()
}

func (d *AssetDeposited) EventType() EventType {
	return EventTypeAssetDeposited
}

func (d *AssetDeposited) Partition() string {
	return PartitionRelay
}

func (d *AssetDeposited) SourceSequence() int64 {
	return d.Sequence
}

func (d *AssetDeposited) EventTime() time.Time {
	return d.Timestamp
}
