// internal/event/stake.go
package event

import (
	"time"

	"github.com/google/uuid"
)

// StakeRequested deposits base asset into the pool in exchange for vouchers.
type StakeRequested struct {
	RequestID uuid.UUID
	Account   uuid.UUID
	Amount    uint64 // base asset, before the reserve fee
	Sequence  int64
	Timestamp time.Time
}

func (s *StakeRequested) IdempotencyKey() string {
	return "stake:" + s.RequestID.String()
}

func (s *StakeRequested) EventType() EventType {
	return EventTypeStakeRequested
}

func (s *StakeRequested) Partition() string {
	return AccountPartition(s.Account)
}

func (s *StakeRequested) SourceSequence() int64 {
	return s.Sequence
}

func (s *StakeRequested) EventTime() time.Time {
	return s.Timestamp
}

// UnstakeRequested burns vouchers for a base-asset payout, paid instantly
// when the pool can afford it and queued otherwise.
type UnstakeRequested struct {
	RequestID     uuid.UUID
	Account       uuid.UUID
	VoucherAmount uint64
	Sequence      int64
	Timestamp     time.Time
}

func (u *UnstakeRequested) IdempotencyKey() string {
	return "unstake:" + u.RequestID.String()
}

func (u *UnstakeRequested) EventType() EventType {
	return EventTypeUnstakeRequested
}

func (u *UnstakeRequested) Partition() string {
	return AccountPartition(u.Account)
}

func (u *UnstakeRequested) SourceSequence() int64 {
	return u.Sequence
}

func (u *UnstakeRequested) EventTime() time.Time {
	return u.Timestamp
}
