package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PolicyType distinguishes downside (PUT) from upside (CALL) protection.
type PolicyType int32

const (
	PolicyPut PolicyType = iota
	PolicyCall
)

func (p PolicyType) String() string {
	switch p {
	case PolicyPut:
		return "PUT"
	case PolicyCall:
		return "CALL"
	default:
		return "Unknown"
	}
}

func ParsePolicyType(s string) (PolicyType, error) {
	switch s {
	case "PUT", "put":
		return PolicyPut, nil
	case "CALL", "call":
		return PolicyCall, nil
	default:
		return 0, fmt.Errorf("unknown policy type %q", s)
	}
}

// DepositReceived credits a provider's tier position with confirmed capital.
type DepositReceived struct {
	DepositID  uuid.UUID
	ProviderID uuid.UUID
	Tier       string
	Amount     int64 // sats
	Sequence   int64
	Timestamp  time.Time
}

func (d *DepositReceived) IdempotencyKey() string { return d.DepositID.String() }
func (d *DepositReceived) Type() Type             { return TypeDepositReceived }
func (d *DepositReceived) TierName() *string      { return &d.Tier }
func (d *DepositReceived) SourceSequence() int64  { return d.Sequence }

// WithdrawalRequested asks to release unlocked provider capital. Rejected
// outright when the provider is under an active margin call.
type WithdrawalRequested struct {
	WithdrawalID uuid.UUID
	ProviderID   uuid.UUID
	Tier         string
	Amount       int64
	Sequence     int64
	Timestamp    time.Time
}

func (w *WithdrawalRequested) IdempotencyKey() string { return w.WithdrawalID.String() }
func (w *WithdrawalRequested) Type() Type             { return TypeWithdrawalRequested }
func (w *WithdrawalRequested) TierName() *string      { return &w.Tier }
func (w *WithdrawalRequested) SourceSequence() int64  { return w.Sequence }

// ProtectionRequested is a buyer's request for a new protection policy.
type ProtectionRequested struct {
	RequestID       uuid.UUID
	Owner           uuid.UUID
	Policy          PolicyType
	ProtectedValue  int64 // strike, USD cents
	ProtectedAmount int64 // sats
	Duration        time.Duration
	Sequence        int64
	Timestamp       time.Time
}

func (p *ProtectionRequested) IdempotencyKey() string { return p.RequestID.String() }
func (p *ProtectionRequested) Type() Type             { return TypeProtectionRequested }
func (p *ProtectionRequested) TierName() *string      { return nil }
func (p *ProtectionRequested) SourceSequence() int64  { return p.Sequence }

// PremiumCollected distributes a collected premium to a tier's providers.
type PremiumCollected struct {
	PaymentID uuid.UUID
	Tier      string
	Amount    int64 // sats
	Sequence  int64
	Timestamp time.Time
}

func (p *PremiumCollected) IdempotencyKey() string { return p.PaymentID.String() }
func (p *PremiumCollected) Type() Type             { return TypePremiumCollected }
func (p *PremiumCollected) TierName() *string      { return &p.Tier }
func (p *PremiumCollected) SourceSequence() int64  { return p.Sequence }

// PriceTick is a price-source update. Sequence gaps are tolerated; stale
// (lower-sequence) ticks are dropped silently.
type PriceTick struct {
	Asset         string
	Price         int64 // USD cents
	Volatility    int64 // ppm, optional (0 when the source omits it)
	PriceSequence int64
	Timestamp     int64 // epoch micros
}

func (p *PriceTick) IdempotencyKey() string {
	return fmt.Sprintf("price:%s:%d", p.Asset, p.PriceSequence)
}
func (p *PriceTick) Type() Type            { return TypePriceTick }
func (p *PriceTick) TierName() *string     { return nil }
func (p *PriceTick) SourceSequence() int64 { return p.PriceSequence }

// SettleOutcome is the policy registry's terminal disposition for an
// obligation.
type SettleOutcome int32

const (
	SettleExercised SettleOutcome = iota
	SettleExpired
	SettleCanceled
)

func (s SettleOutcome) String() string {
	switch s {
	case SettleExercised:
		return "Exercised"
	case SettleExpired:
		return "Expired"
	case SettleCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

// ObligationSettled releases the collateral backing a settled obligation.
type ObligationSettled struct {
	ObligationID uuid.UUID
	Outcome      SettleOutcome
	Sequence     int64
	Timestamp    time.Time
}

func (o *ObligationSettled) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s", o.ObligationID, o.Outcome)
}
func (o *ObligationSettled) Type() Type            { return TypeObligationSettled }
func (o *ObligationSettled) TierName() *string     { return nil }
func (o *ObligationSettled) SourceSequence() int64 { return o.Sequence }

// TierParamUpdate carries a governance tier snapshot into the registry.
type TierParamUpdate struct {
	Tier               string
	MinValuePct        int64
	MaxValuePct        int64
	PremiumMultiplier  int64
	MaxDuration        time.Duration
	MinCollateralRatio int64
	WarningBufferPct   int64
	Active             bool
	EffectiveSeq       int64
	Timestamp          time.Time
}

func (t *TierParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("tier:%s:%d", t.Tier, t.EffectiveSeq)
}
func (t *TierParamUpdate) Type() Type            { return TypeTierParamUpdate }
func (t *TierParamUpdate) TierName() *string     { return &t.Tier }
func (t *TierParamUpdate) SourceSequence() int64 { return t.EffectiveSeq }

// ResolutionMethod is how a provider answers a margin call.
type ResolutionMethod int32

const (
	ResolveAddCollateral ResolutionMethod = iota
	ResolveMigrateTier
	ResolveSelfLiquidate
)

func (m ResolutionMethod) String() string {
	switch m {
	case ResolveAddCollateral:
		return "AddCollateral"
	case ResolveMigrateTier:
		return "MigrateTier"
	case ResolveSelfLiquidate:
		return "SelfLiquidate"
	default:
		return "Unknown"
	}
}

func ParseResolutionMethod(s string) (ResolutionMethod, error) {
	switch s {
	case "add_collateral":
		return ResolveAddCollateral, nil
	case "migrate_tier":
		return ResolveMigrateTier, nil
	case "self_liquidate":
		return ResolveSelfLiquidate, nil
	default:
		return 0, fmt.Errorf("unknown resolution method %q", s)
	}
}

// ResolveMarginCall attempts to clear a provider's active margin call.
// Amount is sats for AddCollateral, a ppm fraction for SelfLiquidate, and
// unused for MigrateTier (TargetTier applies instead).
type ResolveMarginCall struct {
	RequestID  uuid.UUID
	ProviderID uuid.UUID
	Method     ResolutionMethod
	Amount     int64
	TargetTier string
	Sequence   int64
	Timestamp  time.Time
}

func (r *ResolveMarginCall) IdempotencyKey() string { return r.RequestID.String() }
func (r *ResolveMarginCall) Type() Type             { return TypeResolveMarginCall }
func (r *ResolveMarginCall) TierName() *string      { return nil }
func (r *ResolveMarginCall) SourceSequence() int64  { return r.Sequence }

// SweepDeadlines is the scheduler's periodic scan command: escalate expired
// margin calls to liquidation and expire obligations past their end time.
type SweepDeadlines struct {
	Sequence  int64
	Timestamp time.Time
}

func (s *SweepDeadlines) IdempotencyKey() string {
	return fmt.Sprintf("sweep:%d", s.Timestamp.UnixMicro())
}
func (s *SweepDeadlines) Type() Type            { return TypeSweepDeadlines }
func (s *SweepDeadlines) TierName() *string     { return nil }
func (s *SweepDeadlines) SourceSequence() int64 { return s.Sequence }
