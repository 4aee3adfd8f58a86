package projection

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"StakeLedger/internal/ledger"
	"StakeLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkerName is the watermark row this worker maintains.
const WorkerName = "main"

// ProjectionOutput mirrors the data needed by projection workers.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Journals  []JournalEntry
	Records   []event.Record
	Timestamp time.Time
}

// JournalEntry is a journal line flattened for projection. Holder fields are
// set when the side is a user account.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	DebitHolder   *uuid.UUID
	CreditHolder  *uuid.UUID
	AssetID       uint32
	Amount        int64
}

// FromCore converts an engine output for the projection channel.
func FromCore(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Records:   out.Records,
		Timestamp: out.Envelope.Timestamp,
	}
	if out.Batch != nil {
		po.Journals = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			po.Journals = append(po.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				DebitHolder:   holder(j.DebitAccount),
				CreditHolder:  holder(j.CreditAccount),
				AssetID:       uint32(j.AssetID),
				Amount:        j.Amount,
			})
		}
	}
	return po
}

func holder(k ledger.AccountKey) *uuid.UUID {
	if k.Scope != ledger.AccountScopeUser {
		return nil
	}
	id := uuid.UUID(k.EntityID)
	return &id
}

// ProjectionWorker updates projection tables from processed events. The
// projection channel drops on overflow; a lagging projection is rebuilt from
// the event log with RebuildProjections.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan ProjectionOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if pw.lastSeq >= 0 && output.Sequence > pw.lastSeq+1 {
				pw.logger.Warn().Int64("from", pw.lastSeq+1).Int64("to", output.Sequence-1).Msg("projection missed outputs; rebuild to catch up")
			}

			if err := pw.processOutput(ctx, output); err != nil {
				pw.logger.Warn().Err(err).Int64("sequence", output.Sequence).Msg("projection update failed")
				if pw.metrics != nil {
					pw.metrics.ProjectionDrops.WithLabelValues("error").Inc()
				}
			}
			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := applyJournal(ctx, tx, j, output.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if err := applySettlement(ctx, tx, output); err != nil {
		return fmt.Errorf("settlement projection: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, WorkerName, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyJournal moves amount from the credit side to the debit side.
func applyJournal(ctx context.Context, tx *sql.Tx, j JournalEntry, seq int64) error {
	if err := addBalance(ctx, tx, j.DebitAccount, j.DebitHolder, j.AssetID, j.Amount, seq); err != nil {
		return err
	}
	return addBalance(ctx, tx, j.CreditAccount, j.CreditHolder, j.AssetID, -j.Amount, seq)
}

func addBalance(ctx context.Context, tx *sql.Tx, path string, holder *uuid.UUID, asset uint32, delta, seq int64) error {
	var account interface{}
	if holder != nil {
		account = holder.String()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, account_id, asset_id, balance, last_seq, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.balances.balance + $4, last_seq = $5, updated_at = NOW()
	`, path, account, asset, delta, seq)
	return err
}

// applySettlement records an era's settlement amounts and, when the rate
// moved in the same command, the new rate.
func applySettlement(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	var settlement *event.Record
	var rate sql.NullString
	for i := range output.Records {
		switch r := &output.Records[i]; r.Kind {
		case event.RecordSettlement:
			settlement = r
		case event.RecordExchangeRateUpdated:
			rate = sql.NullString{String: r.Value, Valid: true}
		}
	}
	if settlement == nil {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlement_history
			(era, sequence, exchange_rate, bond_amount, rebond_amount, unbond_amount, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (era) DO NOTHING
	`, settlement.Era, output.Sequence, rate,
		fmt.Sprint(settlement.BondAmount), fmt.Sprint(settlement.RebondAmount), fmt.Sprint(settlement.UnbondAmount),
		output.Timestamp)
	return err
}

// RebuildProjections rebuilds the balance projection from the journal and
// the settlement history from logged records.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.settlement_history`,
		`DELETE FROM projections.watermark WHERE projection_name = '` + WorkerName + `'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_seq)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) moves
		GROUP BY account_path, asset_id
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.balances
		SET account_id = split_part(account_path, ':', 2)::uuid
		WHERE account_path LIKE 'user:%'
	`); err != nil {
		return fmt.Errorf("rebuild holders: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlement_history
			(era, sequence, exchange_rate, bond_amount, rebond_amount, unbond_amount, settled_at)
		SELECT COALESCE((s.rec->>'era')::bigint, 0), e.sequence, r.rec->>'value',
		       COALESCE((s.rec->>'bond_amount')::numeric, 0),
		       COALESCE((s.rec->>'rebond_amount')::numeric, 0),
		       COALESCE((s.rec->>'unbond_amount')::numeric, 0),
		       e.timestamp
		FROM event_log.events e
		CROSS JOIN LATERAL jsonb_array_elements(e.records) AS s(rec)
		LEFT JOIN LATERAL (
			SELECT x.rec FROM jsonb_array_elements(e.records) AS x(rec)
			WHERE x.rec->>'kind' = 'ExchangeRateUpdated' LIMIT 1
		) r ON TRUE
		WHERE e.event_type = 'EraSettled' AND s.rec->>'kind' = 'Settlement'
		ON CONFLICT (era) DO NOTHING
	`); err != nil {
		return fmt.Errorf("rebuild settlements: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (projection_name, last_sequence, updated_at)
		SELECT $1, COALESCE(MAX(sequence), -1), NOW() FROM event_log.events
	`, WorkerName); err != nil {
		return fmt.Errorf("rebuild watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info().Msg("projection rebuild complete")
	return nil
}
