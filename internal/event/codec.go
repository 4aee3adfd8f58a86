package event

import (
	"encoding/json"
	"fmt"
)

// NewEvent returns an empty event of the given type for decoding.
func NewEvent(et EventType) (Event, error) {
	switch et {
	case EventTypeStakeRequested:
		return &StakeRequested{}, nil
	case EventTypeUnstakeRequested:
		return &UnstakeRequested{}, nil
	case EventTypeEraSettled:
		return &EraSettled{}, nil
	case EventTypeReserveFactorUpdate:
		return &ReserveFactorUpdate{}, nil
	case EventTypePoolCapacityUpdate:
		return &PoolCapacityUpdate{}, nil
	case EventTypeBondingFeesUpdate:
		return &BondingFeesUpdate{}, nil
	case EventTypeExternalWeightsUpdate:
		return &ExternalWeightsUpdate{}, nil
	case EventTypeCurrencyUpdate:
		return &CurrencyUpdate{}, nil
	case EventTypeBondingCommand:
		return &BondingCommand{}, nil
	case EventTypeInsuranceAdded:
		return &InsuranceAdded{}, nil
	case EventTypeSlashPayout:
		return &SlashPayout{}, nil
	case EventTypeAssetDeposited:
		return &AssetDeposited{}, nil
	case EventTypeAssetWithdrawn:
		return &AssetWithdrawn{}, nil
	case EventTypeIdleDrain:
		return &IdleDrain{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(s string) (EventType, bool) {
	for et := EventTypeStakeRequested; et <= EventTypeIdleDrain; et++ {
		if et.String() == s {
			return et, true
		}
	}
	return EventTypeUnknown, false
}

// EncodePayload serialises an event for the envelope payload.
func EncodePayload(evt Event) ([]byte, error) {
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return b, nil
}

// DecodePayload rebuilds a typed event from an envelope payload, as done
// during replay.
func DecodePayload(et EventType, payload []byte) (Event, error) {
	evt, err := NewEvent(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
