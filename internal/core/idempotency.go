package core

import (
	"StakeLedger/internal/event"
	"container/list"
	"strings"
)

// DBIdempotencyChecker looks a command up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// DedupTier names where a repeated command was caught.
type DedupTier string

const (
	DedupNone     DedupTier = ""
	DedupMemory   DedupTier = "lru"
	DedupEventLog DedupTier = "postgres"
)

// engineGenerated reports whether the engine mints commands of this type
// itself. Drain ticks are numbered by the engine and never redelivered, so
// they bypass both tiers and stay out of the LRU, where every paying tick
// would push out a client's stake or unstake key.
func engineGenerated(t event.EventType) bool {
	return t == event.EventTypeIdleDrain
}

// DedupKey is the "type:key" form held in the LRU, snapshots and
// RecentKeys.
func DedupKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IdempotencyChecker rejects client commands that were already applied: a
// recency set of keys in front of the Postgres event log.
// Not thread-safe: owned by the engine goroutine.
type IdempotencyChecker struct {
	recent       *keyLRU
	eventLog     DBIdempotencyChecker
	caught       map[event.EventType]map[DedupTier]int64
	lookupErrors int64
}

func NewIdempotencyChecker(capacity int, eventLog DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		recent:   newKeyLRU(capacity),
		eventLog: eventLog,
		caught:   make(map[event.EventType]map[DedupTier]int64),
	}
}

// Check reports whether evt was applied before and which tier saw it. A
// failed event-log lookup counts as unseen so a Postgres outage cannot stall
// settlement or payouts.
func (ic *IdempotencyChecker) Check(evt event.Event) (bool, DedupTier) {
	kind := evt.EventType()
	if engineGenerated(kind) {
		return false, DedupNone
	}
	key := DedupKey(kind.String(), evt.IdempotencyKey())

	if ic.recent.touch(key) {
		ic.count(kind, DedupMemory)
		return true, DedupMemory
	}
	if ic.eventLog == nil {
		return false, DedupNone
	}

	seen, err := ic.eventLog.IsDuplicate(kind.String(), evt.IdempotencyKey())
	if err != nil {
		ic.lookupErrors++
		return false, DedupNone
	}
	if !seen {
		return false, DedupNone
	}
	ic.recent.add(key)
	ic.count(kind, DedupEventLog)
	return true, DedupEventLog
}

// Remember records a committed command.
func (ic *IdempotencyChecker) Remember(evt event.Event) {
	if engineGenerated(evt.EventType()) {
		return
	}
	ic.recent.add(DedupKey(evt.EventType().String(), evt.IdempotencyKey()))
}

// Warm loads dedup keys, oldest first. Drain-tick keys are skipped.
func (ic *IdempotencyChecker) Warm(keys []string) {
	drainPrefix := DedupKey(event.EventTypeIdleDrain.String(), "")
	for _, key := range keys {
		if strings.HasPrefix(key, drainPrefix) {
			continue
		}
		ic.recent.add(key)
	}
}

// Keys returns the remembered keys, oldest first.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.recent.keys()
}

func (ic *IdempotencyChecker) Size() int {
	return ic.recent.size()
}

func (ic *IdempotencyChecker) count(kind event.EventType, tier DedupTier) {
	byTier, ok := ic.caught[kind]
	if !ok {
		byTier = make(map[DedupTier]int64, 2)
		ic.caught[kind] = byTier
	}
	byTier[tier]++
}

// Caught returns how many repeats of kind each tier rejected.
func (ic *IdempotencyChecker) Caught(kind event.EventType) (memory, eventLog int64) {
	return ic.caught[kind][DedupMemory], ic.caught[kind][DedupEventLog]
}

func (ic *IdempotencyChecker) LookupErrors() int64 {
	return ic.lookupErrors
}

func (ic *IdempotencyChecker) Evictions() int64 {
	return ic.recent.evictions
}

// keyLRU is a bounded recency set; the front of order is the newest key.
type keyLRU struct {
	capacity  int
	index     map[string]*list.Element
	order     *list.List
	evictions int64
}

func newKeyLRU(capacity int) *keyLRU {
	return &keyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// touch reports membership and promotes a hit.
func (l *keyLRU) touch(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *keyLRU) add(key string) {
	if l.touch(key) {
		return
	}
	l.index[key] = l.order.PushFront(key)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
		l.evictions++
	}
}

func (l *keyLRU) keys() []string {
	out := make([]string, 0, l.order.Len())
	for elem := l.order.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(string))
	}
	return out
}

func (l *keyLRU) size() int {
	return l.order.Len()
}
