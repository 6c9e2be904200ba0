package engine

import (
	"fmt"
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe; only accessed from the single-threaded engine core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// ValidateSequence checks source sequence ordering
func (sv *SequenceValidator) ValidateSequence(
	partition string,
	sourceSequence int64,
	isDuplicate bool,
) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Already processed, nothing to do
			return nil
		}
		return fmt.Errorf("out-of-order command: partition=%s, expected=%d, got=%d",
			partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	}

	return fmt.Errorf("sequence gap: partition=%s, expected=%d, got=%d",
		partition, expected, sourceSequence)
}

// ValidatePriceSequence validates price ticks (gaps tolerated, stale dropped)
func (sv *SequenceValidator) ValidatePriceSequence(asset string, priceSequence int64) error {
	partition := fmt.Sprintf("price:%s", asset)

	expected := sv.expectedNextSeq[partition]
	if priceSequence <= expected {
		// Stale tick, silently ignored
		return nil
	}

	sv.expectedNextSeq[partition] = priceSequence

	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// SetExpectedSequence initializes expected sequence (used during recovery)
func (sv *SequenceValidator) SetExpectedSequence(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
