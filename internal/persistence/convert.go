package persistence

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"encoding/json"
	"fmt"
)

// CoreOutput is the persistence view of a committed command.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	Records     []event.Record
}

// FromCore flattens an engine output into rows.
func FromCore(out core.CoreOutput) (CoreOutput, error) {
	env := out.Envelope
	records, err := json.Marshal(out.Records)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("encode records seq %d: %w", env.Sequence, err)
	}

	po := CoreOutput{
		EventRow: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Partition:      env.Partition,
			Payload:        env.Payload,
			Records:        records,
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			Timestamp:      env.Timestamp,
			SourceSequence: env.SourceSequence,
		},
		Records: out.Records,
	}
	if out.Batch != nil {
		po.JournalRows = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			po.JournalRows = append(po.JournalRows, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				AssetID:       uint32(j.AssetID),
				Amount:        j.Amount,
				JournalType:   int32(j.JournalType),
				Timestamp:     j.Timestamp,
			})
		}
	}
	return po, nil
}

// ToEnvelope rebuilds the envelope of a logged event for replay.
func (r EventRow) ToEnvelope() (*event.EventEnvelope, error) {
	et, ok := event.ParseEventType(r.EventType)
	if !ok {
		return nil, fmt.Errorf("seq %d: unknown event type %q", r.Sequence, r.EventType)
	}
	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		Partition:      r.Partition,
		Timestamp:      r.Timestamp,
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	if len(r.StateHash) != len(env.StateHash) || len(r.PrevHash) != len(env.PrevHash) {
		return nil, fmt.Errorf("seq %d: malformed hash", r.Sequence)
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}
