package event

import (
	"fmt"
	"time"
)

// EraSettled is the relay's per-era signal: the bonded amount confirmed on the
// external chain and the amount still unbonding there. It drives settlement.
type EraSettled struct {
	Era               uint32
	BondedAmount      uint64
	UnbondingInFlight uint64
	Caller            Origin
	Timestamp         time.Time
}

func (e *EraSettled) IdempotencyKey() string {
	return fmt.Sprintf("era:%d", e.Era)
}

func (e *EraSettled) EventType() EventType {
	return EventTypeEraSettled
}

func (e *EraSettled) Partition() string {
	return PartitionEra
}

func (e *EraSettled) SourceSequence() int64 {
	return int64(e.Era)
}

func (e *EraSettled) EventTime() time.Time {
	return e.Timestamp
}

// IdleDrain is generated by the core itself when no command is pending. It
// carries the computation budget for paying queued unstakes.
type IdleDrain struct {
	Tick      int64
	Budget    uint64
	Timestamp time.Time
}

func (d *IdleDrain) IdempotencyKey() string {
	return fmt.Sprintf("drain:%d", d.Tick)
}

func (d *IdleDrain) EventType() EventType {
	return EventTypeIdleDrain
}

func (d *IdleDrain) Partition() string {
	return PartitionSystem
}

func (d *IdleDrain) SourceSequence() int64 {
	return d.Tick
}

func (d *IdleDrain) EventTime() time.Time {
	return d.Timestamp
}
