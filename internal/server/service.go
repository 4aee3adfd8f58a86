package server

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/ingestion"
	"StakeLedger/internal/query"
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submitter hands a parsed command to the engine and returns its verdict.
type Submitter interface {
	Submit(ctx context.Context, evt event.Event) error
}

// Queries is the read side served to clients.
type Queries interface {
	GetPoolStatus(ctx context.Context) (*query.PoolStatusResponse, error)
	GetExchangeRate(ctx context.Context) (*query.ExchangeRateResponse, error)
	GetUnstakeQueue(ctx context.Context, account *uuid.UUID) ([]query.QueuedUnstake, error)
	GetBalances(ctx context.Context, account uuid.UUID) ([]query.BalanceResponse, error)
	GetSettlementHistory(ctx context.Context, limit int, beforeEra *uint32) ([]query.SettlementHistoryEntry, error)
	GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// EventLog reports the durable head of the event log.
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// --- messages ---

// CommandRequest carries one command. Payload is the same JSON document
// accepted on the NATS command subjects.
type CommandRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type CommandResponse struct {
	Accepted       bool   `json:"accepted"`
	EventType      string `json:"event_type"`
	IdempotencyKey string `json:"idempotency_key"`
}

type Empty struct{}

type QueueRequest struct {
	Account string `json:"account,omitempty"`
}

type QueueResponse struct {
	Entries []query.QueuedUnstake `json:"entries"`
}

type AccountRequest struct {
	Account string `json:"account"`
}

type BalancesResponse struct {
	Balances []query.BalanceResponse `json:"balances"`
}

type SettlementsRequest struct {
	Limit     int     `json:"limit,omitempty"`
	BeforeEra *uint32 `json:"before_era,omitempty"`
}

type SettlementsResponse struct {
	Settlements []query.SettlementHistoryEntry `json:"settlements"`
}

type JournalsRequest struct {
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

type EventLogInfoResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

// LedgerServer is the handler type of the StakeLedger gRPC service.
type LedgerServer interface {
	SubmitCommand(context.Context, *CommandRequest) (*CommandResponse, error)
	GetPoolStatus(context.Context, *Empty) (*query.PoolStatusResponse, error)
	GetExchangeRate(context.Context, *Empty) (*query.ExchangeRateResponse, error)
	GetUnstakeQueue(context.Context, *QueueRequest) (*QueueResponse, error)
	GetBalances(context.Context, *AccountRequest) (*BalancesResponse, error)
	ListSettlements(context.Context, *SettlementsRequest) (*SettlementsResponse, error)
	ListJournals(context.Context, *JournalsRequest) (*JournalsResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
}

type ledgerService struct {
	ingest   Submitter
	queries  Queries
	eventLog EventLog
	rebuild  func(ctx context.Context) error
	logger   zerolog.Logger
}

// SubmitCommand parses the payload, checks the caller may issue it and waits
// for the engine. User commands must name the token's own account; relay and
// admin commands carry the token's roles as their origin.
func (s *ledgerService) SubmitCommand(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	p, err := requirePrincipal(ctx)
	if err != nil {
		return nil, err
	}

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{
		Subject:   "grpc",
		EventType: req.EventType,
		Roles:     p.Roles,
		Data:      req.Payload,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if account, ok := commandAccount(evt); ok && account != p.Account {
		return nil, status.Error(codes.PermissionDenied, "command account does not match token subject")
	}

	if err := s.ingest.Submit(ctx, evt); err != nil {
		s.logger.Debug().Err(err).
			Str("event_type", req.EventType).
			Str("idempotency_key", evt.IdempotencyKey()).
			Msg("command rejected")
		return nil, toStatus(err)
	}
	return &CommandResponse{
		Accepted:       true,
		EventType:      evt.EventType().String(),
		IdempotencyKey: evt.IdempotencyKey(),
	}, nil
}

// commandAccount is the account a user command moves funds for.
func commandAccount(evt event.Event) (uuid.UUID, bool) {
	switch e := evt.(type) {
	case *event.StakeRequested:
		return e.Account, true
	case *event.UnstakeRequested:
		return e.Account, true
	case *event.InsuranceAdded:
		return e.Account, true
	case *event.AssetWithdrawn:
		return e.Account, true
	}
	return uuid.Nil, false
}

func (s *ledgerService) GetPoolStatus(ctx context.Context, _ *Empty) (*query.PoolStatusResponse, error) {
	resp, err := s.queries.GetPoolStatus(ctx)
	return resp, toStatus(err)
}

func (s *ledgerService) GetExchangeRate(ctx context.Context, _ *Empty) (*query.ExchangeRateResponse, error) {
	resp, err := s.queries.GetExchangeRate(ctx)
	return resp, toStatus(err)
}

func (s *ledgerService) GetUnstakeQueue(ctx context.Context, req *QueueRequest) (*QueueResponse, error) {
	var filter *uuid.UUID
	if req.Account != "" {
		id, err := parseUUID("account", req.Account)
		if err != nil {
			return nil, err
		}
		filter = &id
	}
	entries, err := s.queries.GetUnstakeQueue(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return &QueueResponse{Entries: entries}, nil
}

func (s *ledgerService) GetBalances(ctx context.Context, req *AccountRequest) (*BalancesResponse, error) {
	account, err := parseUUID("account", req.Account)
	if err != nil {
		return nil, err
	}
	if err := requireAccount(ctx, account); err != nil {
		return nil, err
	}
	balances, err := s.queries.GetBalances(ctx, account)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalancesResponse{Balances: balances}, nil
}

func (s *ledgerService) ListSettlements(ctx context.Context, req *SettlementsRequest) (*SettlementsResponse, error) {
	history, err := s.queries.GetSettlementHistory(ctx, req.Limit, req.BeforeEra)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SettlementsResponse{Settlements: history}, nil
}

func (s *ledgerService) ListJournals(ctx context.Context, req *JournalsRequest) (*JournalsResponse, error) {
	account, err := parseUUID("account", req.Account)
	if err != nil {
		return nil, err
	}
	if err := requireAccount(ctx, account); err != nil {
		return nil, err
	}
	journals, err := s.queries.GetJournalHistory(ctx, account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &JournalsResponse{Journals: journals}, nil
}

// --- admin ---

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if _, err := requireRole(ctx, event.RoleUpdate); err != nil {
		return nil, err
	}
	report, err := s.queries.VerifyIntegrity(ctx)
	return report, toStatus(err)
}

func (s *ledgerService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	p, err := requireRole(ctx, event.RoleUpdate)
	if err != nil {
		return nil, err
	}
	if s.rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "projection rebuild not configured")
	}
	s.logger.Info().Str("caller", p.Account.String()).Msg("projection rebuild requested")
	if err := s.rebuild(ctx); err != nil {
		return nil, status.Errorf(codes.Internal, "rebuild failed: %v", err)
	}
	return &RebuildResponse{Rebuilt: true}, nil
}

func (s *ledgerService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	if _, err := requireRole(ctx, event.RoleUpdate); err != nil {
		return nil, err
	}
	if s.eventLog == nil {
		return nil, status.Error(codes.Unimplemented, "event log not configured")
	}
	seq, err := s.eventLog.GetLatestSequence(ctx)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get latest sequence: %v", err)
	}
	return &EventLogInfoResponse{LastSequence: seq}, nil
}

func parseUUID(field, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return id, nil
}
