package state

import (
	"github.com/google/uuid"
)

// UnstakeRequest is a payout owed to a holder that could not be paid instantly.
type UnstakeRequest struct {
	Account uuid.UUID `json:"account"`
	Amount  uint64    `json:"amount"` // base asset
}

// UnstakeQueue is a bounded FIFO of deferred payouts.
type UnstakeQueue struct {
	entries  []UnstakeRequest
	capacity int
}

func NewUnstakeQueue(capacity int) *UnstakeQueue {
	return &UnstakeQueue{capacity: capacity}
}

// Push appends a request, failing with ErrQueueCapacityExceeded when full.
// A failed push leaves the queue unchanged.
func (q *UnstakeQueue) Push(account uuid.UUID, amount uint64) error {
	if len(q.entries) >= q.capacity {
		return ErrQueueCapacityExceeded
	}
	q.entries = append(q.entries, UnstakeRequest{Account: account, Amount: amount})
	return nil
}

// Front returns the oldest request without removing it.
func (q *UnstakeQueue) Front() (UnstakeRequest, bool) {
	if len(q.entries) == 0 {
		return UnstakeRequest{}, false
	}
	return q.entries[0], true
}

// Pop removes the oldest request.
func (q *UnstakeQueue) Pop() {
	if len(q.entries) == 0 {
		return
	}
	q.entries[0] = UnstakeRequest{}
	q.entries = q.entries[1:]
}

func (q *UnstakeQueue) Len() int      { return len(q.entries) }
func (q *UnstakeQueue) Capacity() int { return q.capacity }

// SetCapacity changes the bound. Existing entries above a lowered bound stay
// queued; new pushes fail until the queue drains below it.
func (q *UnstakeQueue) SetCapacity(capacity int) {
	q.capacity = capacity
}

// Entries returns a copy in FIFO order.
func (q *UnstakeQueue) Entries() []UnstakeRequest {
	out := make([]UnstakeRequest, len(q.entries))
	copy(out, q.entries)
	return out
}

// Total sums all pending payouts.
func (q *UnstakeQueue) Total() uint64 {
	var total uint64
	for _, e := range q.entries {
		total += e.Amount
	}
	return total
}

func (q *UnstakeQueue) clone() *UnstakeQueue {
	return &UnstakeQueue{entries: q.Entries(), capacity: q.capacity}
}
