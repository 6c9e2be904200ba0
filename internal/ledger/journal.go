package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeWithdrawal
	JournalTypeCollateralLock
	JournalTypeCollateralRelease
	JournalTypePremiumFee
	JournalTypePremiumYield
	JournalTypePremiumCarry
	JournalTypeLiquidationSeizure
	JournalTypeExercisePayout
	JournalTypeTierMigration
	JournalTypeAdjustment
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeWithdrawal:
		return "withdrawal"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeCollateralRelease:
		return "collateral_release"
	case JournalTypePremiumFee:
		return "premium_fee"
	case JournalTypePremiumYield:
		return "premium_yield"
	case JournalTypePremiumCarry:
		return "premium_carry"
	case JournalTypeLiquidationSeizure:
		return "liquidation_seizure"
	case JournalTypeExercisePayout:
		return "exercise_payout"
	case JournalTypeTierMigration:
		return "tier_migration"
	case JournalTypeAdjustment:
		return "adjustment"
	default:
		return "unknown"
	}
}

// Journal is a single double-entry transfer. Amounts are sats and always
// positive; the debit account gains, the credit account loses.
type Journal struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string // idempotency key of the source command
	Sequence      int64  // global engine sequence
	DebitAccount  AccountKey
	CreditAccount AccountKey
	Amount        int64
	JournalType   JournalType
	Timestamp     int64 // versioned input timestamp, epoch micros
}

// Batch groups the journals produced by one command. Each journal is a
// balanced transfer by construction, so the batch as a whole is zero-sum.
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed: non-empty, positive amounts,
// consistent batch IDs, no self-transfers.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}
		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}
