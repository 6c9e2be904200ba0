package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants after each applied command.
// Any failure here freezes the affected scope rather than continuing on
// corrupt state.
type InvariantValidator struct {
	tracker    *BalanceTracker
	accountant *TierAccountant
}

func NewInvariantValidator(tracker *BalanceTracker, accountant *TierAccountant) *InvariantValidator {
	return &InvariantValidator{
		tracker:    tracker,
		accountant: accountant,
	}
}

// ValidateBatchBalance verifies a batch is balanced and well-formed.
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum.
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateProviderBalances checks a provider's tier accounts never go
// negative. Available >= 0 is the locked <= deposited rule; locked >= 0
// guards against double releases.
func (v *InvariantValidator) ValidateProviderBalances(providerID uuid.UUID, tierName string) error {
	if err := v.tracker.ValidateNonNegative(NewProviderAccountKey(providerID, tierName, SubTypeAvailable)); err != nil {
		return err
	}
	if err := v.tracker.ValidateNonNegative(NewProviderAccountKey(providerID, tierName, SubTypeLocked)); err != nil {
		return err
	}
	return v.tracker.ValidateNonNegative(NewProviderAccountKey(providerID, tierName, SubTypeYield))
}

// ValidateTierConsistency checks the incremental tier aggregates against a
// full recomputation from balances.
func (v *InvariantValidator) ValidateTierConsistency(tierName string) error {
	return v.accountant.Reconcile(tierName)
}

// ValidatePremiumPoolNonNegative checks the carry pool never goes negative.
func (v *InvariantValidator) ValidatePremiumPoolNonNegative(tierName string) error {
	return v.tracker.ValidateNonNegative(NewPremiumPoolKey(tierName))
}

// ValidateInsuranceFundNonNegative checks the insurance fund never goes
// negative.
func (v *InvariantValidator) ValidateInsuranceFundNonNegative() error {
	return v.tracker.ValidateNonNegative(NewSystemAccountKey(SubTypeInsuranceFund))
}
