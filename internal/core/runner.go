package core

import (
	"StakeLedger/internal/event"
	"context"
	"time"
)

// Submission is one command handed to the engine goroutine. Reply, when set,
// receives the command's outcome once it has been applied or rejected.
type Submission struct {
	Event      event.Event
	Source     string // "nats" | "grpc"
	ReceivedAt time.Time
	Reply      func(error)
}

// Runner owns the engine. Commands and idle drains all happen on the
// goroutine that calls Run, so the engine itself needs no locking.
type Runner struct {
	Engine        *Engine
	Submissions   <-chan Submission
	DrainInterval time.Duration
	DrainBudget   uint64

	// Snapshots receives a state capture every SnapshotEvery committed
	// sequences. A full channel skips the capture.
	SnapshotEvery int64
	Snapshots     chan<- *SnapshotState

	lastSnapshot int64
}

func (r *Runner) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if r.DrainInterval > 0 && r.DrainBudget > 0 {
		ticker := time.NewTicker(r.DrainInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	r.lastSnapshot = r.Engine.GetSequence()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-r.Submissions:
			if !ok {
				return nil
			}
			r.apply(sub)

		case now := <-tick:
			// Commands that are already waiting go first.
			if len(r.Submissions) > 0 {
				continue
			}
			r.Engine.OnIdle(r.DrainBudget, now.UTC())
			r.maybeSnapshot()
		}
	}
}

func (r *Runner) apply(sub Submission) {
	err := r.Engine.ProcessEvent(sub.Event)
	if m := r.Engine.metrics; m != nil && !sub.ReceivedAt.IsZero() {
		m.IngestToApply.WithLabelValues(sub.Source).Observe(time.Since(sub.ReceivedAt).Seconds())
	}
	if sub.Reply != nil {
		sub.Reply(err)
	}
	r.maybeSnapshot()
}

func (r *Runner) maybeSnapshot() {
	if r.Snapshots == nil || r.SnapshotEvery <= 0 {
		return
	}
	seq := r.Engine.GetSequence()
	if seq-r.lastSnapshot < r.SnapshotEvery {
		return
	}
	select {
	case r.Snapshots <- r.Engine.CreateSnapshotState():
		r.lastSnapshot = seq
	default:
	}
}
