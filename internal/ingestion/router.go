package ingestion

import (
	"StakeLedger/internal/core"
	"context"

	"github.com/rs/zerolog"
)

// Router parses raw NATS messages and forwards them to the engine goroutine.
// Messages are acked once they are queued for the engine, not after they are
// applied: the engine's outcome is final and a redelivery would only be
// deduplicated. Blocking on the engine channel is what propagates
// backpressure to JetStream.
type Router struct {
	out    chan<- core.Submission
	logger zerolog.Logger
}

func NewRouter(out chan<- core.Submission, logger zerolog.Logger) *Router {
	return &Router{out: out, logger: logger}
}

func (r *Router) Run(ctx context.Context, rawChan <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}
			r.route(ctx, raw)
		}
	}
}

func (r *Router) route(ctx context.Context, raw RawEvent) {
	evt, err := ParseRawEvent(raw)
	if err != nil {
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping malformed command")
		call(raw.TermFunc)
		return
	}

	sub := core.Submission{
		Event:      evt,
		Source:     "nats",
		ReceivedAt: raw.Timestamp,
		Reply: func(err error) {
			if err != nil {
				r.logger.Debug().Err(err).
					Str("subject", raw.Subject).
					Str("key", evt.IdempotencyKey()).
					Msg("command not applied")
			}
		},
	}
	select {
	case r.out <- sub:
		call(raw.AckFunc)
	case <-ctx.Done():
		call(raw.NakFunc)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
