package core

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStaleSequence is returned for a new command whose source sequence is at
// or below the last one applied in its partition.
var ErrStaleSequence = errors.New("stale source sequence")

// SequenceValidator enforces monotonic source sequences per partition.
// Gaps are tolerated and counted: a rejected command consumes no sequence,
// so the submitter's next command naturally skips it.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> lowest acceptable sequence
	metrics         *SequenceMetrics
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         NewSequenceMetrics(),
	}
}

// ValidateSequence checks source sequence ordering without advancing it.
// Duplicates are always accepted; the caller skips them.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	if isDuplicate {
		return nil
	}

	expected := sv.expectedNextSeq[partition]
	if sourceSequence < expected {
		sv.metrics.RecordOutOfOrder(partition)
		return fmt.Errorf("%w: partition=%s, expected>=%d, got=%d",
			ErrStaleSequence, partition, expected, sourceSequence)
	}
	if sourceSequence > expected {
		sv.metrics.RecordGap(partition)
	}
	return nil
}

// Advance records that sourceSequence was committed in partition.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence+1 > sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}

// GetAllPartitions copies the per-partition state for snapshots.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// Metrics exposes gap and out-of-order counters.
func (sv *SequenceValidator) Metrics() *SequenceMetrics {
	return sv.metrics
}

// --- Metrics ---

// SequenceMetrics tracks sequence validation stats by partition kind
// ("account", "era", "admin", ...), not by full partition key.
// Not thread-safe: only accessed from the single-threaded deterministic core.
type SequenceMetrics struct {
	gaps       map[string]int64
	outOfOrder map[string]int64
}

func NewSequenceMetrics() *SequenceMetrics {
	return &SequenceMetrics{
		gaps:       make(map[string]int64),
		outOfOrder: make(map[string]int64),
	}
}

func partitionKind(partition string) string {
	kind, _, _ := strings.Cut(partition, ":")
	return kind
}

func (m *SequenceMetrics) RecordGap(partition string) {
	m.gaps[partitionKind(partition)]++
}

func (m *SequenceMetrics) RecordOutOfOrder(partition string) {
	m.outOfOrder[partitionKind(partition)]++
}

func (m *SequenceMetrics) GetGaps(kind string) int64 {
	return m.gaps[kind]
}

func (m *SequenceMetrics) GetOutOfOrder(kind string) int64 {
	return m.outOfOrder[kind]
}
