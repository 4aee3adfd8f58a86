package testutil

import (
	"StakeLedger/internal/core"
	"StakeLedger/internal/event"
	"errors"
	"sort"
	"strings"
	"sync"
)

// RecordingBonder is an in-memory core.BondingDispatcher.
type RecordingBonder struct {
	mu           sync.Mutex
	instructions []event.BondingInstruction
	// Err, when set, is returned from every Submit.
	Err error
}

func (b *RecordingBonder) Submit(instr event.BondingInstruction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.instructions = append(b.instructions, instr)
	return nil
}

// Instructions returns a copy of everything submitted so far.
func (b *RecordingBonder) Instructions() []event.BondingInstruction {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]event.BondingInstruction(nil), b.instructions...)
}

// Ops lists the submitted operations in order.
func (b *RecordingBonder) Ops() []event.BondingOp {
	instrs := b.Instructions()
	ops := make([]event.BondingOp, len(instrs))
	for i, in := range instrs {
		ops[i] = in.Op
	}
	return ops
}

// Reset forgets recorded instructions.
func (b *RecordingBonder) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.instructions = nil
}

// ErrStoreUnavailable is returned by a MemoryStore with FailPuts set.
var ErrStoreUnavailable = errors.New("store unavailable")

// MemoryStore is an in-memory core.StateStore.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	puts     int
	FailPuts bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Put(entries ...core.StoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts {
		return ErrStoreUnavailable
	}
	for _, e := range entries {
		s.data[e.Key] = append([]byte(nil), e.Value...)
	}
	s.puts++
	return nil
}

func (s *MemoryStore) Scan(prefix string, fn func(key string, value []byte) error) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = append([]byte(nil), s.data[k]...)
	}
	s.mu.Unlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// Puts counts successful Put calls.
func (s *MemoryStore) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}
