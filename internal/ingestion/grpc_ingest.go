package ingestion

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"context"
	"time"
)

// GRPCIngestService submits commands arriving over gRPC or HTTP and waits for
// the engine's verdict, so the caller learns the error kind synchronously.
type GRPCIngestService struct {
	eventChan chan<- core.Submission
}

func NewGRPCIngestService(eventChan chan<- core.Submission) *GRPCIngestService {
	return &GRPCIngestService{eventChan: eventChan}
}

// Submit queues evt for the engine and blocks until it has been applied or
// rejected. A cancelled context abandons the wait, not the command.
func (s *GRPCIngestService) Submit(ctx context.Context, evt event.Event) error {
	reply := make(chan error, 1)
	sub := core.Submission{
		Event:      evt,
		Source:     "grpc",
		ReceivedAt: time.Now(),
		Reply:      func(err error) { reply <- err },
	}

	select {
	case s.eventChan <- sub:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
