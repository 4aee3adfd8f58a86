package ingestion

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	fpmath "StakeLedger/internal/math"
	"StakeLedger/internal/state"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks a payload that can never be applied. Messages carrying
// one are terminated, not redelivered.
var ErrMalformed = errors.New("malformed command")

// ParseRawEvent converts a RawEvent into a typed event.Event. The roles on the
// raw event come from the transport (subject permissions or a verified token)
// and become the command's Origin; payloads cannot grant themselves roles.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	evt, err := parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformed, raw.EventType, err)
	}
	return evt, nil
}

func parse(raw RawEvent) (event.Event, error) {
	switch raw.EventType {
	case "StakeRequested":
		return parseStake(raw.Data)
	case "UnstakeRequested":
		return parseUnstake(raw.Data)
	case "InsuranceAdded":
		return parseInsurance(raw.Data)
	case "AssetWithdrawn":
		return parseWithdrawal(raw.Data)
	case "EraSettled":
		return parseEraSettled(raw.Data, raw.Roles)
	case "AssetDeposited":
		return parseDeposit(raw.Data, raw.Roles)
	case "BondingCommand":
		return parseBondingCommand(raw.Data, raw.Roles)
	case "SlashPayout":
		return parseSlashPayout(raw.Data, raw.Roles)
	case "ReserveFactorUpdate":
		return parseReserveFactor(raw.Data, raw.Roles)
	case "PoolCapacityUpdate":
		return parsePoolCapacity(raw.Data, raw.Roles)
	case "BondingFeesUpdate":
		return parseBondingFees(raw.Data, raw.Roles)
	case "ExternalWeightsUpdate":
		return parseExternalWeights(raw.Data, raw.Roles)
	case "CurrencyUpdate":
		return parseCurrency(raw.Data, raw.Roles)
	default:
		return nil, fmt.Errorf("unknown event type %q", raw.EventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Timestamps are
// microseconds since the epoch and are carried, never read from the clock.

func micros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func parseID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse %s: %w", field, err)
	}
	return id, nil
}

// parseHolder parses an account a command moves funds for. Engine-owned
// accounts cannot be named from outside.
func parseHolder(field, s string) (uuid.UUID, error) {
	id, err := parseID(field, s)
	if err != nil {
		return uuid.Nil, err
	}
	if ledger.IsSystemHolder(id) {
		return uuid.Nil, fmt.Errorf("%s: %w: system account", field, state.ErrUnauthorized)
	}
	return id, nil
}

type accountRequestJSON struct {
	RequestID   string `json:"request_id"`
	Account     string `json:"account"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func (j accountRequestJSON) ids() (uuid.UUID, uuid.UUID, error) {
	reqID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	account, err := parseHolder("account", j.Account)
	if err != nil {
		return uuid.Nil, uuid.Nil, err
	}
	return reqID, account, nil
}

func parseStake(data []byte) (*event.StakeRequested, error) {
	var j accountRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	reqID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.StakeRequested{
		RequestID: reqID,
		Account:   account,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

type unstakeJSON struct {
	RequestID     string `json:"request_id"`
	Account       string `json:"account"`
	VoucherAmount uint64 `json:"voucher_amount"`
	Sequence      int64  `json:"sequence"`
	TimestampUs   int64  `json:"timestamp_us"`
}

func parseUnstake(data []byte) (*event.UnstakeRequested, error) {
	var j unstakeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	reqID, err := parseID("request_id", j.RequestID)
	if err != nil {
		return nil, err
	}
	account, err := parseHolder("account", j.Account)
	if err != nil {
		return nil, err
	}
	return &event.UnstakeRequested{
		RequestID:     reqID,
		Account:       account,
		VoucherAmount: j.VoucherAmount,
		Sequence:      j.Sequence,
		Timestamp:     micros(j.TimestampUs),
	}, nil
}

func parseInsurance(data []byte) (*event.InsuranceAdded, error) {
	var j accountRequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	reqID, account, err := j.ids()
	if err != nil {
		return nil, err
	}
	return &event.InsuranceAdded{
		RequestID: reqID,
		Account:   account,
		Amount:    j.Amount,
		Sequence:  j.Sequence,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	Account      string `json:"account"`
	Amount       uint64 `json:"amount"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawal(data []byte) (*event.AssetWithdrawn, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	wdID, err := parseID("withdrawal_id", j.WithdrawalID)
	if err != nil {
		return nil, err
	}
	account, err := parseHolder("account", j.Account)
	if err != nil {
		return nil, err
	}
	return &event.AssetWithdrawn{
		WithdrawalID: wdID,
		Account:      account,
		Amount:       j.Amount,
		Sequence:     j.Sequence,
		Timestamp:    micros(j.TimestampUs),
	}, nil
}

type eraSettledJSON struct {
	Era               uint32 `json:"era"`
	BondedAmount      uint64 `json:"bonded_amount"`
	UnbondingInFlight uint64 `json:"unbonding_in_flight"`
	TimestampUs       int64  `json:"timestamp_us"`
}

func parseEraSettled(data []byte, roles event.Role) (*event.EraSettled, error) {
	var j eraSettledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &event.EraSettled{
		Era:               j.Era,
		BondedAmount:      j.BondedAmount,
		UnbondingInFlight: j.UnbondingInFlight,
		Caller:            event.Origin{Roles: roles},
		Timestamp:         micros(j.TimestampUs),
	}, nil
}

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	Account     string `json:"account"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDeposit(data []byte, roles event.Role) (*event.AssetDeposited, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	depositID, err := parseID("deposit_id", j.DepositID)
	if err != nil {
		return nil, err
	}
	account, err := parseHolder("account", j.Account)
	if err != nil {
		return nil, err
	}
	return &event.AssetDeposited{
		DepositID: depositID,
		Account:   account,
		Amount:    j.Amount,
		Caller:    event.Origin{Roles: roles},
		Sequence:  j.Sequence,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

type bondingCommandJSON struct {
	CommandID     string   `json:"command_id"`
	Op            string   `json:"op"`
	Amount        uint64   `json:"amount"`
	Payee         string   `json:"payee,omitempty"`
	SlashingSpans uint32   `json:"slashing_spans,omitempty"`
	Targets       []string `json:"targets,omitempty"`
	Sequence      int64    `json:"sequence"`
	TimestampUs   int64    `json:"timestamp_us"`
}

func parseBondingCommand(data []byte, roles event.Role) (*event.BondingCommand, error) {
	var j bondingCommandJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	cmdID, err := parseID("command_id", j.CommandID)
	if err != nil {
		return nil, err
	}
	op, ok := event.ParseBondingOp(j.Op)
	if !ok {
		return nil, fmt.Errorf("unknown bonding op %q", j.Op)
	}
	payee := event.RewardDestination(j.Payee)
	switch payee {
	case "", event.RewardStaked, event.RewardStash, event.RewardController:
	default:
		return nil, fmt.Errorf("unknown payee %q", j.Payee)
	}
	return &event.BondingCommand{
		CommandID:     cmdID,
		Op:            op,
		Amount:        j.Amount,
		Payee:         payee,
		SlashingSpans: j.SlashingSpans,
		Targets:       j.Targets,
		Caller:        event.Origin{Roles: roles},
		Sequence:      j.Sequence,
		Timestamp:     micros(j.TimestampUs),
	}, nil
}

type slashPayoutJSON struct {
	PayoutID    string `json:"payout_id"`
	Amount      uint64 `json:"amount"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseSlashPayout(data []byte, roles event.Role) (*event.SlashPayout, error) {
	var j slashPayoutJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	payoutID, err := parseID("payout_id", j.PayoutID)
	if err != nil {
		return nil, err
	}
	return &event.SlashPayout{
		PayoutID:  payoutID,
		Amount:    j.Amount,
		Caller:    event.Origin{Roles: roles},
		Sequence:  j.Sequence,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

// adminJSON is the header shared by parameter updates; exactly one of the
// value fields is read depending on the subject.
type adminJSON struct {
	UpdateID      string                 `json:"update_id"`
	Sequence      int64                  `json:"sequence"`
	TimestampUs   int64                  `json:"timestamp_us"`
	ReserveFactor string                 `json:"reserve_factor,omitempty"`
	Capacity      uint64                 `json:"capacity,omitempty"`
	Fees          uint64                 `json:"fees,omitempty"`
	Weights       *state.ExternalWeights `json:"weights,omitempty"`
	Kind          string                 `json:"kind,omitempty"`  // staking | liquid
	Asset         string                 `json:"asset,omitempty"` // registered asset name
}

func parseAdmin(data []byte, roles event.Role) (adminJSON, event.AdminCommand, error) {
	var j adminJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return j, event.AdminCommand{}, err
	}
	if j.UpdateID == "" {
		return j, event.AdminCommand{}, errors.New("update_id is required")
	}
	return j, event.AdminCommand{
		UpdateID:  j.UpdateID,
		Caller:    event.Origin{Roles: roles},
		Sequence:  j.Sequence,
		Timestamp: micros(j.TimestampUs),
	}, nil
}

func parseReserveFactor(data []byte, roles event.Role) (*event.ReserveFactorUpdate, error) {
	j, hdr, err := parseAdmin(data, roles)
	if err != nil {
		return nil, err
	}
	ratio, err := fpmath.ParseRatio(j.ReserveFactor)
	if err != nil {
		return nil, fmt.Errorf("parse reserve_factor: %w", err)
	}
	return &event.ReserveFactorUpdate{AdminCommand: hdr, ReserveFactor: ratio}, nil
}

func parsePoolCapacity(data []byte, roles event.Role) (*event.PoolCapacityUpdate, error) {
	j, hdr, err := parseAdmin(data, roles)
	if err != nil {
		return nil, err
	}
	return &event.PoolCapacityUpdate{AdminCommand: hdr, Capacity: j.Capacity}, nil
}

func parseBondingFees(data []byte, roles event.Role) (*event.BondingFeesUpdate, error) {
	j, hdr, err := parseAdmin(data, roles)
	if err != nil {
		return nil, err
	}
	return &event.BondingFeesUpdate{AdminCommand: hdr, Fees: j.Fees}, nil
}

func parseExternalWeights(data []byte, roles event.Role) (*event.ExternalWeightsUpdate, error) {
	j, hdr, err := parseAdmin(data, roles)
	if err != nil {
		return nil, err
	}
	if j.Weights == nil {
		return nil, errors.New("weights are required")
	}
	return &event.ExternalWeightsUpdate{AdminCommand: hdr, Weights: *j.Weights}, nil
}

func parseCurrency(data []byte, roles event.Role) (*event.CurrencyUpdate, error) {
	j, hdr, err := parseAdmin(data, roles)
	if err != nil {
		return nil, err
	}
	var kind event.CurrencyKind
	switch j.Kind {
	case "staking":
		kind = event.CurrencyStaking
	case "liquid":
		kind = event.CurrencyLiquid
	default:
		return nil, fmt.Errorf("unknown currency kind %q", j.Kind)
	}
	assetID, ok := ledger.GetAssetID(j.Asset)
	if !ok {
		return nil, fmt.Errorf("unknown asset %q", j.Asset)
	}
	return &event.CurrencyUpdate{AdminCommand: hdr, Kind: kind, AssetID: assetID}, nil
}
