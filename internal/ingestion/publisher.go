package ingestion

import (
	"StakeLedger/internal/event"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// RecordStream is the default stream for outbound records.
const RecordStream = "STAKE_RECORDS"

// RecordPublisher publishes the records of persisted commands for downstream
// consumers. Records are only published after the event is durable.
// Subjects follow stake.records.{Kind}.
type RecordPublisher struct {
	js        Publisher
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// Publisher is the subset of jetstream.JetStream the record publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// PublishableEvent is a persisted command with its records.
type PublishableEvent struct {
	Sequence       int64          `json:"sequence"`
	EventType      string         `json:"event_type"`
	IdempotencyKey string         `json:"idempotency_key"`
	Records        []event.Record `json:"-"`
	StateHash      []byte         `json:"state_hash"`
	Timestamp      time.Time      `json:"timestamp"`
}

// recordMessage is the wire body of one published record.
type recordMessage struct {
	Sequence       int64        `json:"sequence"`
	Index          int          `json:"index"`
	EventType      string       `json:"event_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Record         event.Record `json:"record"`
	Timestamp      time.Time    `json:"timestamp"`
}

func NewRecordPublisher(js Publisher, inputChan <-chan PublishableEvent, logger zerolog.Logger) *RecordPublisher {
	return &RecordPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    logger,
	}
}

func (rp *RecordPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-rp.inputChan:
			if !ok {
				return nil
			}
			for i, rec := range evt.Records {
				if err := rp.publish(ctx, evt, i, rec); err != nil {
					// Non-fatal: records can be rebuilt from the event log.
					rp.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Str("kind", rec.Kind.String()).Msg("record publish failed")
				}
			}
		}
	}
}

// RecordSubject is the subject a record of the given kind is published on.
func RecordSubject(kind event.RecordKind) string {
	return "stake.records." + kind.String()
}

func (rp *RecordPublisher) publish(ctx context.Context, evt PublishableEvent, index int, rec event.Record) error {
	data, err := json.Marshal(recordMessage{
		Sequence:       evt.Sequence,
		Index:          index,
		EventType:      evt.EventType,
		IdempotencyKey: evt.IdempotencyKey,
		Record:         rec,
		Timestamp:      evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = rp.js.Publish(ctx, RecordSubject(rec.Kind), data,
		jetstream.WithMsgID(fmt.Sprintf("%d/%d", evt.Sequence, index)))
	return err
}

// EnsureRecordStream creates the outbound records stream.
func EnsureRecordStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{"stake.records.>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create record stream: %w", err)
	}
	return nil
}
