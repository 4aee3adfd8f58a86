// Package relay carries bonding instructions from the engine to the external
// chain relay over NATS JetStream.
package relay

import (
	"StakeLedger/internal/event"
	"StakeLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	StreamName    = "STAKE_RELAY"
	SubjectPrefix = "stake.relay.out"
)

// ErrBacklogFull is returned by Submit when the outbound buffer is full.
var ErrBacklogFull = errors.New("relay backlog full")

// Publisher is the subset of jetstream.JetStream the bridge needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Bridge buffers instructions handed over by the engine goroutine and
// publishes them from its own goroutine, so a slow relay never stalls
// command processing.
type Bridge struct {
	pub     Publisher
	queue   chan event.BondingInstruction
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewBridge(pub Publisher, backlog int, metrics *observability.Metrics, logger zerolog.Logger) *Bridge {
	return &Bridge{
		pub:     pub,
		queue:   make(chan event.BondingInstruction, backlog),
		metrics: metrics,
		logger:  logger,
	}
}

// Submit enqueues without blocking.
func (b *Bridge) Submit(instr event.BondingInstruction) error {
	select {
	case b.queue <- instr:
		return nil
	default:
		return fmt.Errorf("%w: %s at seq %d", ErrBacklogFull, instr.Op, instr.Sequence)
	}
}

// Subject is where an instruction of the given op is published.
func Subject(op event.BondingOp) string {
	return SubjectPrefix + "." + op.String()
}

// MsgID deduplicates republished instructions on the stream. Instructions
// from one command share EventRef and sequence, so the op and position are
// part of the id.
func MsgID(instr event.BondingInstruction, index int) string {
	return fmt.Sprintf("%d/%s/%d", instr.Sequence, instr.Op, index)
}

// Run publishes until ctx is cancelled, then flushes what is already queued.
func (b *Bridge) Run(ctx context.Context) error {
	index := make(map[int64]int)
	for {
		select {
		case <-ctx.Done():
			b.flush(index)
			return ctx.Err()
		case instr := <-b.queue:
			b.publish(ctx, instr, index)
		}
	}
}

func (b *Bridge) flush(index map[int64]int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case instr := <-b.queue:
			b.publish(ctx, instr, index)
		default:
			return
		}
	}
}

func (b *Bridge) publish(ctx context.Context, instr event.BondingInstruction, index map[int64]int) {
	// Positions only matter within one sequence; forget older ones.
	for seq := range index {
		if seq < instr.Sequence {
			delete(index, seq)
		}
	}
	pos := index[instr.Sequence]
	index[instr.Sequence] = pos + 1

	data, err := json.Marshal(instr)
	if err != nil {
		b.fail(instr, err)
		return
	}
	if _, err := b.pub.Publish(ctx, Subject(instr.Op), data, jetstream.WithMsgID(MsgID(instr, pos))); err != nil {
		b.fail(instr, err)
		return
	}
	b.logger.Debug().
		Str("op", instr.Op.String()).
		Uint64("amount", instr.Amount).
		Int64("sequence", instr.Sequence).
		Msg("bonding instruction published")
}

// fail logs a lost instruction. The next era settlement reconciles against
// the bonded amount the relay reports, so nothing is retried here.
func (b *Bridge) fail(instr event.BondingInstruction, err error) {
	b.logger.Error().Err(err).
		Str("op", instr.Op.String()).
		Uint64("amount", instr.Amount).
		Int64("sequence", instr.Sequence).
		Msg("bonding instruction publish failed")
	if b.metrics != nil {
		b.metrics.RelayPublishFailures.WithLabelValues(instr.Op.String()).Inc()
	}
}

// EnsureStream creates the outbound relay stream. Duplicate detection spans
// two minutes so a restart that re-emits recent instructions is absorbed.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create relay stream: %w", err)
	}
	return nil
}
