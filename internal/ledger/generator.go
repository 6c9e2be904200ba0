package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// ProviderShare is one provider's slice of a multi-provider flow (collateral
// lock, premium yield, liquidation seizure).
type ProviderShare struct {
	ProviderID uuid.UUID
	Amount     int64 // sats
}

// JournalGenerator creates balanced journal batches from commands. Pre-checks
// run against the live tracker before any journal is emitted, so a failed
// generation leaves no partial state.
type JournalGenerator struct {
	sequence       int64
	balanceTracker *BalanceTracker
}

func NewJournalGenerator(startSequence int64, tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		sequence:       startSequence,
		balanceTracker: tracker,
	}
}

func (jg *JournalGenerator) newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  jg.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendJournal(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      jg.sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit credits confirmed provider capital.
// Moves funds: external:deposits -> provider:available
func (jg *JournalGenerator) GenerateDeposit(
	providerID uuid.UUID,
	depositID uuid.UUID,
	tierName string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	batch := jg.newBatch(depositID.String(), timestamp, 1)
	jg.appendJournal(batch,
		NewProviderAccountKey(providerID, tierName, SubTypeAvailable),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount, JournalTypeDeposit)
	jg.sequence++
	return batch, nil
}

// GenerateWithdrawal releases unlocked provider capital.
// Pre-check: sufficient available balance; locked capital never leaves this way.
// Moves funds: provider:available -> external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(
	providerID uuid.UUID,
	withdrawalID uuid.UUID,
	tierName string,
	amount int64,
	timestamp int64,
) (*Batch, error) {
	if err := jg.balanceTracker.ValidateSufficientAvailable(providerID, tierName, amount); err != nil {
		return nil, fmt.Errorf("withdrawal pre-check failed: %w", err)
	}

	batch := jg.newBatch(withdrawalID.String(), timestamp, 1)
	jg.appendJournal(batch,
		NewExternalAccountKey(SubTypeExternalWithdrawals),
		NewProviderAccountKey(providerID, tierName, SubTypeAvailable),
		amount, JournalTypeWithdrawal)
	jg.sequence++
	return batch, nil
}

// GenerateCollateralLock reserves collateral for a new obligation across its
// backing providers. Pre-checks every share before emitting any journal so an
// under-funded provider fails the whole allocation atomically.
// Moves funds per share: provider:available -> provider:locked
func (jg *JournalGenerator) GenerateCollateralLock(
	obligationID uuid.UUID,
	tierName string,
	shares []ProviderShare,
	timestamp int64,
) (*Batch, error) {
	for _, s := range shares {
		if err := jg.balanceTracker.ValidateSufficientAvailable(s.ProviderID, tierName, s.Amount); err != nil {
			return nil, fmt.Errorf("collateral lock pre-check failed for provider %s: %w", s.ProviderID, err)
		}
	}

	batch := jg.newBatch(obligationID.String(), timestamp, len(shares))
	for _, s := range shares {
		if s.Amount <= 0 {
			continue
		}
		jg.appendJournal(batch,
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeLocked),
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeAvailable),
			s.Amount, JournalTypeCollateralLock)
	}
	jg.sequence++
	return batch, nil
}

// GenerateCollateralRelease unwinds locked collateral when an obligation
// settles (expired, canceled, or the residue of an exercise).
// Moves funds per share: provider:locked -> provider:available
func (jg *JournalGenerator) GenerateCollateralRelease(
	obligationID uuid.UUID,
	tierName string,
	shares []ProviderShare,
	timestamp int64,
) (*Batch, error) {
	for _, s := range shares {
		if err := jg.balanceTracker.ValidateSufficientLocked(s.ProviderID, tierName, s.Amount); err != nil {
			return nil, fmt.Errorf("collateral release pre-check failed for provider %s: %w", s.ProviderID, err)
		}
	}

	batch := jg.newBatch(obligationID.String(), timestamp, len(shares))
	for _, s := range shares {
		if s.Amount <= 0 {
			continue
		}
		jg.appendJournal(batch,
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeAvailable),
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeLocked),
			s.Amount, JournalTypeCollateralRelease)
	}
	jg.sequence++
	return batch, nil
}

// GeneratePremiumDistribution posts one premium's full split: inflow to the
// tier pool, platform fee out, pro-rata yield to providers, remainder left in
// the pool as carry for the next distribution.
// Conservation: amount == fee + sum(shares) + carry delta.
func (jg *JournalGenerator) GeneratePremiumDistribution(
	paymentID uuid.UUID,
	tierName string,
	amount int64,
	platformFee int64,
	shares []ProviderShare,
	carryConsumed int64,
	timestamp int64,
) (*Batch, error) {
	var distributed int64
	for _, s := range shares {
		distributed += s.Amount
	}
	if platformFee+distributed > amount+carryConsumed {
		return nil, fmt.Errorf("premium split exceeds inflow: fee=%d shares=%d amount=%d carry=%d",
			platformFee, distributed, amount, carryConsumed)
	}

	pool := NewPremiumPoolKey(tierName)
	batch := jg.newBatch(paymentID.String(), timestamp, len(shares)+2)

	jg.appendJournal(batch, pool,
		NewExternalAccountKey(SubTypeExternalPremiums),
		amount, JournalTypePremiumCarry)

	if platformFee > 0 {
		jg.appendJournal(batch,
			NewSystemAccountKey(SubTypePlatformFees), pool,
			platformFee, JournalTypePremiumFee)
	}

	for _, s := range shares {
		if s.Amount <= 0 {
			continue
		}
		jg.appendJournal(batch,
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeYield), pool,
			s.Amount, JournalTypePremiumYield)
	}

	jg.sequence++
	return batch, nil
}

// GenerateLiquidationSeizure moves seized collateral to the insurance fund.
// Pre-check: every share covered by that provider's locked balance.
// Moves funds per share: provider:locked -> system:insurance_fund
func (jg *JournalGenerator) GenerateLiquidationSeizure(
	liquidationID uuid.UUID,
	tierName string,
	shares []ProviderShare,
	timestamp int64,
) (*Batch, error) {
	for _, s := range shares {
		if err := jg.balanceTracker.ValidateSufficientLocked(s.ProviderID, tierName, s.Amount); err != nil {
			return nil, fmt.Errorf("seizure pre-check failed for provider %s: %w", s.ProviderID, err)
		}
	}

	batch := jg.newBatch(liquidationID.String(), timestamp, len(shares))
	for _, s := range shares {
		if s.Amount <= 0 {
			continue
		}
		jg.appendJournal(batch,
			NewSystemAccountKey(SubTypeInsuranceFund),
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeLocked),
			s.Amount, JournalTypeLiquidationSeizure)
	}
	jg.sequence++
	return batch, nil
}

// GenerateExercisePayout pays an exercised obligation out of its backing
// collateral. Provider shares leave their locked accounts; any insurance fund
// share leaves the fund, which absorbed it during liquidation.
// Moves funds per share: provider:locked (or system:insurance_fund) -> external:withdrawals
func (jg *JournalGenerator) GenerateExercisePayout(
	obligationID uuid.UUID,
	tierName string,
	providerShares []ProviderShare,
	fundShare int64,
	timestamp int64,
) (*Batch, error) {
	for _, s := range providerShares {
		if err := jg.balanceTracker.ValidateSufficientLocked(s.ProviderID, tierName, s.Amount); err != nil {
			return nil, fmt.Errorf("payout pre-check failed for provider %s: %w", s.ProviderID, err)
		}
	}
	if fundShare > 0 && jg.balanceTracker.InsuranceFund() < fundShare {
		return nil, fmt.Errorf("payout pre-check failed: insurance fund has %d, needs %d",
			jg.balanceTracker.InsuranceFund(), fundShare)
	}

	out := NewExternalAccountKey(SubTypeExternalWithdrawals)
	batch := jg.newBatch(obligationID.String(), timestamp, len(providerShares)+1)
	for _, s := range providerShares {
		if s.Amount <= 0 {
			continue
		}
		jg.appendJournal(batch, out,
			NewProviderAccountKey(s.ProviderID, tierName, SubTypeLocked),
			s.Amount, JournalTypeExercisePayout)
	}
	if fundShare > 0 {
		jg.appendJournal(batch, out,
			NewSystemAccountKey(SubTypeInsuranceFund),
			fundShare, JournalTypeExercisePayout)
	}
	jg.sequence++
	return batch, nil
}

// GenerateTierMigration re-homes a provider's capital between tiers:
// available and locked balances move to the matching accounts in the target
// tier. Pre-checks both source balances.
func (jg *JournalGenerator) GenerateTierMigration(
	providerID uuid.UUID,
	requestID uuid.UUID,
	fromTier, toTier string,
	availableAmount, lockedAmount int64,
	timestamp int64,
) (*Batch, error) {
	if fromTier == toTier {
		return nil, fmt.Errorf("migration source and target tier are both %q", fromTier)
	}
	if availableAmount <= 0 && lockedAmount <= 0 {
		return nil, fmt.Errorf("migration moves nothing")
	}
	if availableAmount > 0 {
		if err := jg.balanceTracker.ValidateSufficientAvailable(providerID, fromTier, availableAmount); err != nil {
			return nil, fmt.Errorf("migration pre-check failed: %w", err)
		}
	}
	if lockedAmount > 0 {
		if err := jg.balanceTracker.ValidateSufficientLocked(providerID, fromTier, lockedAmount); err != nil {
			return nil, fmt.Errorf("migration pre-check failed: %w", err)
		}
	}

	batch := jg.newBatch(requestID.String(), timestamp, 2)
	if availableAmount > 0 {
		jg.appendJournal(batch,
			NewProviderAccountKey(providerID, toTier, SubTypeAvailable),
			NewProviderAccountKey(providerID, fromTier, SubTypeAvailable),
			availableAmount, JournalTypeTierMigration)
	}
	if lockedAmount > 0 {
		jg.appendJournal(batch,
			NewProviderAccountKey(providerID, toTier, SubTypeLocked),
			NewProviderAccountKey(providerID, fromTier, SubTypeLocked),
			lockedAmount, JournalTypeTierMigration)
	}
	jg.sequence++
	return batch, nil
}

// Sequence returns the next sequence this generator will assign.
func (jg *JournalGenerator) Sequence() int64 {
	return jg.sequence
}

// SetSequence aligns the generator with the engine's global sequence before
// generating a batch for the command at that sequence.
func (jg *JournalGenerator) SetSequence(seq int64) {
	jg.sequence = seq
}
