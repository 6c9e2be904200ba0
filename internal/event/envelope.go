package event

import (
	"time"
)

// Type discriminates command and event payloads.
type Type int32

const (
	TypeUnknown Type = iota

	// Inbound commands
	TypeDepositReceived
	TypeWithdrawalRequested
	TypeProtectionRequested
	TypePremiumCollected
	TypePriceTick
	TypeObligationSettled
	TypeTierParamUpdate
	TypeResolveMarginCall
	TypeSweepDeadlines

	// Derived outbound events
	TypeObligationCreated
	TypeMarginCallIssued
	TypeMarginCallUpdated
	TypeMarginCallResolved
	TypeLiquidationExecuted
	TypeSafeModeEntered
	TypeSafeModeExited
	TypeObligationTransferred
)

func (t Type) String() string {
	switch t {
	case TypeDepositReceived:
		return "DepositReceived"
	case TypeWithdrawalRequested:
		return "WithdrawalRequested"
	case TypeProtectionRequested:
		return "ProtectionRequested"
	case TypePremiumCollected:
		return "PremiumCollected"
	case TypePriceTick:
		return "PriceTick"
	case TypeObligationSettled:
		return "ObligationSettled"
	case TypeTierParamUpdate:
		return "TierParamUpdate"
	case TypeResolveMarginCall:
		return "ResolveMarginCall"
	case TypeSweepDeadlines:
		return "SweepDeadlines"
	case TypeObligationCreated:
		return "ObligationCreated"
	case TypeMarginCallIssued:
		return "MarginCallIssued"
	case TypeMarginCallUpdated:
		return "MarginCallUpdated"
	case TypeMarginCallResolved:
		return "MarginCallResolved"
	case TypeLiquidationExecuted:
		return "LiquidationExecuted"
	case TypeSafeModeEntered:
		return "SafeModeEntered"
	case TypeSafeModeExited:
		return "SafeModeExited"
	case TypeObligationTransferred:
		return "ObligationTransferred"
	default:
		return "Unknown"
	}
}

// Envelope wraps every command/event recorded in the engine log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Payload discriminator
	Type Type

	// Tier context (nil for global commands)
	TierName *string

	// Versioned input timestamp (never the core's wall clock)
	Timestamp time.Time

	// Upstream ordering key
	SourceSequence int64

	// SHA-256 of affected state AFTER applying this command
	StateHash [32]byte

	// Previous envelope's state hash (chain integrity)
	PrevHash [32]byte
}

// Command is the interface all inbound payloads implement.
type Command interface {
	// IdempotencyKey returns the stable dedup key.
	IdempotencyKey() string

	// Type returns the discriminator.
	Type() Type

	// TierName returns the tier context (nil for global commands).
	TierName() *string

	// SourceSequence returns the upstream ordering key.
	SourceSequence() int64
}
