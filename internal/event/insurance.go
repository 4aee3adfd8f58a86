package event

import (
	"time"

	"github.com/google/uuid"
)

// InsuranceAdded moves base asset from any holder into the pool's reserve.
type InsuranceAdded struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Amount    uint64
	Sequence  int64
	Timestamp time.Time
}

func (i *InsuranceAdded) IdempotencyKey() string {
	return "insurance:" + i.RequestID.String()
}

func (i *InsuranceAdded) EventType() EventType {
	return EventTypeInsuranceAdded
}

func (i *InsuranceAdded) Partition() string {
	return AccountPartition(i.Account)
}

func (i *InsuranceAdded) SourceSequence() int64 {
	return i.Sequence
}

func (i *InsuranceAdded) EventTime() time.Time {
	return i.Timestamp
}

// SlashPayout covers a slash on the external chain from the reserve and
// re-bonds the same amount.
type SlashPayout struct {
	PayoutID  uuid.UUID
	Amount    uint64
	Caller    Origin
	Sequence  int64
	Timestamp time.Time
}

func (s *SlashPayout) IdempotencyKey() string {
	return "slash:" + s.PayoutID.String()
}

func (s *SlashPayout) EventType() EventType {
	return EventTypeSlashPayout
}

func (s *SlashPayout) Partition() string {
	return PartitionRelay
}

func (s *SlashPayout) SourceSequence() int64 {
	return s.Sequence
}

func (s *SlashPayout) EventTime() time.Time {
	return s.Timestamp
}
