package obligation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
)

// Status is an obligation's lifecycle state.
type Status int32

const (
	StatusActive Status = iota
	StatusExercised
	StatusExpired
	StatusCanceled
	// StatusTransferred marks an obligation whose backing has moved entirely
	// to the insurance fund; the fund honors it from there.
	StatusTransferred
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExercised:
		return "exercised"
	case StatusExpired:
		return "expired"
	case StatusCanceled:
		return "canceled"
	case StatusTransferred:
		return "transferred"
	default:
		return "unknown"
	}
}

// CanTransitionTo reports whether the status change is legal. Active is the
// only non-terminal state.
func (s Status) CanTransitionTo(next Status) bool {
	return s == StatusActive && next != StatusActive
}

// InsuranceFundID is the synthetic counterparty that absorbs backing shares
// seized in liquidation. The zero UUID never collides with a real provider.
var InsuranceFundID = uuid.Nil

// BackingShare is one counterparty's slice of an obligation's locked
// collateral.
type BackingShare struct {
	ProviderID uuid.UUID
	Amount     int64 // sats locked
}

// Obligation is a live protection policy's collateral commitment. Backing
// shares always sum to LockedCollateral; liquidation rewrites shares toward
// the insurance fund but never changes the total.
type Obligation struct {
	ID              uuid.UUID
	Owner           uuid.UUID
	Policy          event.PolicyType
	Tier            string
	ProtectedValue  int64 // strike, USD cents
	ProtectedAmount int64 // sats
	LockedCollateral int64 // sats
	Backing         []BackingShare
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Status          Status
}

// RequiredCollateral returns the sats needed to fully back this obligation at
// the given price. A PUT's requirement grows as price falls below the strike;
// a CALL is asset-settled and needs exactly the protected amount.
func (o *Obligation) RequiredCollateral(currentPrice int64) int64 {
	switch o.Policy {
	case event.PolicyCall:
		return o.ProtectedAmount
	default:
		return fixedpoint.RequiredPutCollateral(o.ProtectedAmount, o.ProtectedValue, currentPrice)
	}
}

// ProviderShare returns the sats a provider has locked behind this
// obligation, zero if not a counterparty.
func (o *Obligation) ProviderShare(providerID uuid.UUID) int64 {
	for _, s := range o.Backing {
		if s.ProviderID == providerID {
			return s.Amount
		}
	}
	return 0
}

// TransferToFund moves part of a provider's backing share to the insurance
// fund. The locked total is unchanged; only the counterparty set shifts.
func (o *Obligation) TransferToFund(providerID uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive, got %d", amount)
	}

	var src *BackingShare
	for i := range o.Backing {
		if o.Backing[i].ProviderID == providerID {
			src = &o.Backing[i]
			break
		}
	}
	if src == nil {
		return fmt.Errorf("provider %s does not back obligation %s", providerID, o.ID)
	}
	if src.Amount < amount {
		return fmt.Errorf("provider %s backs only %d of obligation %s, cannot transfer %d",
			providerID, src.Amount, o.ID, amount)
	}

	src.Amount -= amount
	for i := range o.Backing {
		if o.Backing[i].ProviderID == InsuranceFundID {
			o.Backing[i].Amount += amount
			o.compact()
			return nil
		}
	}
	o.Backing = append(o.Backing, BackingShare{ProviderID: InsuranceFundID, Amount: amount})
	o.compact()
	return nil
}

// FullyFundHeld reports whether every backing share belongs to the insurance
// fund, meaning no provider carries this obligation anymore.
func (o *Obligation) FullyFundHeld() bool {
	for _, s := range o.Backing {
		if s.ProviderID != InsuranceFundID {
			return false
		}
	}
	return len(o.Backing) > 0
}

// compact drops zeroed shares so provider indexes stay clean.
func (o *Obligation) compact() {
	kept := o.Backing[:0]
	for _, s := range o.Backing {
		if s.Amount > 0 {
			kept = append(kept, s)
		}
	}
	o.Backing = kept
}

// Validate checks internal consistency.
func (o *Obligation) Validate() error {
	if o.ProtectedAmount <= 0 {
		return fmt.Errorf("protected amount must be positive, got %d", o.ProtectedAmount)
	}
	if o.ProtectedValue <= 0 {
		return fmt.Errorf("protected value must be positive, got %d", o.ProtectedValue)
	}
	if !o.ExpiresAt.After(o.CreatedAt) {
		return fmt.Errorf("obligation %s expires before it is created", o.ID)
	}

	var sum int64
	for _, s := range o.Backing {
		if s.Amount <= 0 {
			return fmt.Errorf("obligation %s has non-positive backing share for %s", o.ID, s.ProviderID)
		}
		sum += s.Amount
	}
	if sum != o.LockedCollateral {
		return fmt.Errorf("obligation %s backing shares sum to %d, locked is %d", o.ID, sum, o.LockedCollateral)
	}
	return nil
}
