package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeStakeRequested
	EventTypeUnstakeRequested
	EventTypeEraSettled
	EventTypeReserveFactorUpdate
	EventTypePoolCapacityUpdate
	EventTypeBondingFeesUpdate
	EventTypeExternalWeightsUpdate
	EventTypeCurrencyUpdate
	EventTypeBondingCommand
	EventTypeInsuranceAdded
	EventTypeSlashPayout
	EventTypeAssetDeposited
	EventTypeAssetWithdrawn
	EventTypeIdleDrain
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Ordering partition, e.g. "account:<uuid>" or "era"
	Partition string

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Partition returns the ordering partition for SourceSequence
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// EventTime returns the versioned input timestamp
	EventTime() time.Time
}

// Role is a privilege held by a caller.
type Role uint8

const (
	// RoleRelay may settle eras, issue bonding calls and pay out slashes.
	RoleRelay Role = 1 << iota
	// RoleUpdate may change pool parameters and currencies.
	RoleUpdate
)

func (r Role) String() string {
	switch r {
	case RoleRelay:
		return "relay"
	case RoleUpdate:
		return "update"
	case RoleRelay | RoleUpdate:
		return "relay+update"
	case 0:
		return "none"
	default:
		return "unknown"
	}
}

// ParseRole maps a role claim to a Role.
func ParseRole(s string) (Role, bool) {
	switch s {
	case "relay":
		return RoleRelay, true
	case "update":
		return RoleUpdate, true
	}
	return 0, false
}

// Origin identifies who submitted a command and which roles the transport
// verified for them. The engine only checks membership.
type Origin struct {
	Account uuid.UUID
	Roles   Role
}

func (o Origin) Has(r Role) bool {
	return r != 0 && o.Roles&r == r
}

func AccountPartition(id uuid.UUID) string {
	return "account:" + id.String()
}

const (
	PartitionEra    = "era"
	PartitionAdmin  = "admin"
	PartitionRelay  = "relay"
	PartitionSystem = "system"
)

func (et EventType) String() string {
	switch et {
	case EventTypeStakeRequested:
		return "StakeRequested"
	case EventTypeUnstakeRequested:
		return "UnstakeRequested"
	case EventTypeEraSettled:
		return "EraSettled"
	case EventTypeReserveFactorUpdate:
		return "ReserveFactorUpdate"
	case EventTypePoolCapacityUpdate:
		return "PoolCapacityUpdate"
	case EventTypeBondingFeesUpdate:
		return "BondingFeesUpdate"
	case EventTypeExternalWeightsUpdate:
		return "ExternalWeightsUpdate"
	case EventTypeCurrencyUpdate:
		return "CurrencyUpdate"
	case EventTypeBondingCommand:
		return "BondingCommand"
	case EventTypeInsuranceAdded:
		return "InsuranceAdded"
	case EventTypeSlashPayout:
		return "SlashPayout"
	case EventTypeAssetDeposited:
		return "AssetDeposited"
	case EventTypeAssetWithdrawn:
		return "AssetWithdrawn"
	case EventTypeIdleDrain:
		return "IdleDrain"
	default:
		return "Unknown"
	}
}
