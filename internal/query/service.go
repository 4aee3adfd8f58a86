package query

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// ErrNotReady is returned before the engine has published a status.
var ErrNotReady = errors.New("engine status not available")

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// StatusSource is the engine's published view.
type StatusSource interface {
	Status() *core.Status
}

// QueryService provides read-only access. Pool, rate and queue queries read
// the engine's latest committed status; balances and history read Postgres
// projections and carry as_of_sequence for freshness.
type QueryService struct {
	db      *sql.DB
	status  StatusSource
	metrics *observability.Metrics
}

func NewQueryService(db *sql.DB, status StatusSource, metrics *observability.Metrics) *QueryService {
	return &QueryService{db: db, status: status, metrics: metrics}
}

func (qs *QueryService) observe(endpoint string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		qs.metrics.QueryErrors.WithLabelValues(endpoint, "internal").Inc()
	}
	qs.metrics.QueryRequests.WithLabelValues(endpoint, outcome).Inc()
	qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) current() (*core.Status, error) {
	if qs.status == nil {
		return nil, ErrNotReady
	}
	s := qs.status.Status()
	if s == nil {
		return nil, ErrNotReady
	}
	return s, nil
}

// GetPoolStatus returns the pool's matching totals, reserve, queue and
// parameters.
func (qs *QueryService) GetPoolStatus(ctx context.Context) (*PoolStatusResponse, error) {
	s, err := qs.current()
	if err != nil {
		return nil, err
	}
	return PoolStatus(s), nil
}

// PoolStatus renders an engine status.
func PoolStatus(s *core.Status) *PoolStatusResponse {
	p := s.Params
	return &PoolStatusResponse{
		Sequence:           s.Sequence,
		StateHash:          hex.EncodeToString(s.StateHash[:]),
		ExchangeRate:       s.ExchangeRate.String(),
		TotalStakeAmount:   s.Matching.TotalStakeAmount,
		TotalUnstakeAmount: s.Matching.TotalUnstakeAmount,
		InsuranceReserve:   s.InsuranceReserve,
		PoolBalance:        s.PoolBalance,
		VoucherIssuance:    s.VoucherIssuance,
		QueueLength:        len(s.Queue),
		QueueCapacity:      p.UnstakeQueueCapacity,
		LastEra:            s.LastEra,
		ReserveFactor:      p.ReserveFactor.String(),
		PoolCapacity:       p.StakingPoolCapacity,
		MinStakeAmount:     p.MinStakeAmount,
		MinUnstakeAmount:   p.MinUnstakeAmount,
		BondingFees:        p.BondingFees,
		Weights:            p.Weights,
	}
}

// GetExchangeRate returns the current rate and the configured currencies.
func (qs *QueryService) GetExchangeRate(ctx context.Context) (*ExchangeRateResponse, error) {
	s, err := qs.current()
	if err != nil {
		return nil, err
	}
	resp := &ExchangeRateResponse{
		ExchangeRate: s.ExchangeRate.String(),
		AsOfSequence: s.Sequence - 1,
	}
	if id, err := s.Params.Staking(); err == nil {
		resp.StakingCurrency, _ = ledger.GetAssetName(id)
	}
	if id, err := s.Params.Liquid(); err == nil {
		resp.LiquidCurrency, _ = ledger.GetAssetName(id)
	}
	return resp, nil
}

// GetUnstakeQueue lists pending payouts in FIFO order, optionally filtered to
// one account. Positions are global.
func (qs *QueryService) GetUnstakeQueue(ctx context.Context, account *uuid.UUID) ([]QueuedUnstake, error) {
	s, err := qs.current()
	if err != nil {
		return nil, err
	}
	out := make([]QueuedUnstake, 0, len(s.Queue))
	for i, req := range s.Queue {
		if account != nil && req.Account != *account {
			continue
		}
		out = append(out, QueuedUnstake{Position: i, Account: req.Account, Amount: req.Amount})
	}
	return out, nil
}

// GetBalances returns every projected balance of an account.
func (qs *QueryService) GetBalances(ctx context.Context, account uuid.UUID) (_ []BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("balances", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, balance FROM projections.balances
		WHERE account_id = $1
		ORDER BY asset_id
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var liquid ledger.AssetID
	var status *core.Status
	if s, err := qs.current(); err == nil {
		status = s
		liquid, _ = s.Params.Liquid()
	}

	var balances []BalanceResponse
	for rows.Next() {
		b := BalanceResponse{Account: account, AsOfSequence: asOfSeq}
		if err := rows.Scan(&b.AssetID, &b.Balance); err != nil {
			return nil, err
		}
		b.Asset, _ = ledger.GetAssetName(ledger.AssetID(b.AssetID))
		if status != nil && liquid != 0 && ledger.AssetID(b.AssetID) == liquid && b.Balance > 0 {
			if v, ok := status.ExchangeRate.CheckedMulInt(uint64(b.Balance)); ok {
				b.Value = &v
			}
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// GetSettlementHistory returns settled eras, newest first. beforeEra pages
// backwards.
func (qs *QueryService) GetSettlementHistory(ctx context.Context, limit int, beforeEra *uint32) (_ []SettlementHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("settlements", start, err) }(time.Now())

	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT era, sequence, exchange_rate, bond_amount, rebond_amount, unbond_amount, settled_at
		FROM projections.settlement_history
	`
	args := []interface{}{}
	argIdx := 1
	if beforeEra != nil {
		query += fmt.Sprintf(" WHERE era < $%d", argIdx)
		args = append(args, *beforeEra)
		argIdx++
	}
	query += " ORDER BY era DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []SettlementHistoryEntry
	for rows.Next() {
		var h SettlementHistoryEntry
		var rate sql.NullString
		var bond, rebond, unbond string
		if err := rows.Scan(&h.Era, &h.Sequence, &rate, &bond, &rebond, &unbond, &h.SettledAt); err != nil {
			return nil, err
		}
		h.ExchangeRate = rate.String
		if h.BondAmount, err = strconv.ParseUint(bond, 10, 64); err != nil {
			return nil, fmt.Errorf("era %d bond amount: %w", h.Era, err)
		}
		if h.RebondAmount, err = strconv.ParseUint(rebond, 10, 64); err != nil {
			return nil, fmt.Errorf("era %d rebond amount: %w", h.Era, err)
		}
		if h.UnbondAmount, err = strconv.ParseUint(unbond, 10, 64); err != nil {
			return nil, fmt.Errorf("era %d unbond amount: %w", h.Era, err)
		}
		h.AsOfSequence = asOfSeq
		history = append(history, h)
	}
	return history, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, newest
// first. beforeSequence pages backwards.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	beforeSequence *int64,
) (_ []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("journal", start, err) }(time.Now())

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		var jt int32
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&jt, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(jt).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		GROUP BY asset_id
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE projection_name = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}
