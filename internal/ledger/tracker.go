package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// ProviderAvailable returns a provider's unlocked capital in a tier.
func (bt *BalanceTracker) ProviderAvailable(providerID uuid.UUID, tierName string) int64 {
	return bt.GetBalance(NewProviderAccountKey(providerID, tierName, SubTypeAvailable))
}

// ProviderLocked returns a provider's collateral-locked capital in a tier.
func (bt *BalanceTracker) ProviderLocked(providerID uuid.UUID, tierName string) int64 {
	return bt.GetBalance(NewProviderAccountKey(providerID, tierName, SubTypeLocked))
}

// ProviderDeposited returns total provider capital in a tier
// (available + locked).
func (bt *BalanceTracker) ProviderDeposited(providerID uuid.UUID, tierName string) int64 {
	return bt.ProviderAvailable(providerID, tierName) + bt.ProviderLocked(providerID, tierName)
}

// ProviderYield returns accumulated premium yield for a provider in a tier.
func (bt *BalanceTracker) ProviderYield(providerID uuid.UUID, tierName string) int64 {
	return bt.GetBalance(NewProviderAccountKey(providerID, tierName, SubTypeYield))
}

// PremiumCarry returns the tier's undistributed premium remainder.
func (bt *BalanceTracker) PremiumCarry(tierName string) int64 {
	return bt.GetBalance(NewPremiumPoolKey(tierName))
}

// InsuranceFund returns the insurance fund balance.
func (bt *BalanceTracker) InsuranceFund() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeInsuranceFund))
}

// === Invariant Checks ===

// ValidateSufficientAvailable checks a provider can cover a debit from
// available capital. Locked capital never counts toward this.
func (bt *BalanceTracker) ValidateSufficientAvailable(providerID uuid.UUID, tierName string, required int64) error {
	available := bt.ProviderAvailable(providerID, tierName)
	if available < required {
		return fmt.Errorf("insufficient available capital: have=%d, need=%d", available, required)
	}
	return nil
}

// ValidateSufficientLocked checks a provider has enough locked collateral
// to release or seize.
func (bt *BalanceTracker) ValidateSufficientLocked(providerID uuid.UUID, tierName string, required int64) error {
	locked := bt.ProviderLocked(providerID, tierName)
	if locked < required {
		return fmt.Errorf("insufficient locked collateral: have=%d, need=%d", locked, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (zero for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}
