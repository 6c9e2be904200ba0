package liquidation

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// ObligationSeizure is the planned transfer for one obligation: the provider
// loses this much backing, the insurance fund gains it.
type ObligationSeizure struct {
	ObligationID uuid.UUID
	Amount       int64 // sats
}

// Plan is a computed partial liquidation, ready for the engine to execute
// atomically. Planning touches no state.
type Plan struct {
	LiquidationID uuid.UUID
	ProviderID    uuid.UUID
	Tier          string
	Fraction      int64 // ppm of the provider's locked collateral
	Voluntary     bool  // provider-initiated self-liquidation
	Seizures      []ObligationSeizure
	Total         int64 // sats
	PlannedAt     time.Time
}

// Planner computes partial liquidation plans. One pass seizes the configured
// fraction of the provider's locked collateral, spread across obligations in
// proportion to the provider's backing share in each. Remaining positions are
// left for the next health evaluation; nothing cascades automatically.
type Planner struct {
	registry *tier.Registry
}

func NewPlanner(registry *tier.Registry) *Planner {
	return &Planner{registry: registry}
}

// PlanForced builds a plan at the governance-configured fraction, used when a
// margin call deadline lapses.
func (p *Planner) PlanForced(
	providerID uuid.UUID,
	tierName string,
	obligations []*obligation.Obligation,
	now time.Time,
) (*Plan, error) {
	return p.plan(providerID, tierName, p.registry.Params().LiquidationFraction, false, obligations, now)
}

// PlanVoluntary builds a plan at a provider-chosen fraction, used for
// self-liquidation resolutions. The fraction is clamped to the same bounds
// governance operates under.
func (p *Planner) PlanVoluntary(
	providerID uuid.UUID,
	tierName string,
	fraction int64,
	obligations []*obligation.Obligation,
	now time.Time,
) (*Plan, error) {
	if fraction < tier.MinLiquidationFraction {
		fraction = tier.MinLiquidationFraction
	}
	if fraction > tier.MaxLiquidationFraction {
		fraction = tier.MaxLiquidationFraction
	}
	return p.plan(providerID, tierName, fraction, true, obligations, now)
}

func (p *Planner) plan(
	providerID uuid.UUID,
	tierName string,
	fraction int64,
	voluntary bool,
	obligations []*obligation.Obligation,
	now time.Time,
) (*Plan, error) {
	plan := &Plan{
		LiquidationID: uuid.New(),
		ProviderID:    providerID,
		Tier:          tierName,
		Fraction:      fraction,
		Voluntary:     voluntary,
		Seizures:      make([]ObligationSeizure, 0, len(obligations)),
		PlannedAt:     now,
	}

	for _, o := range obligations {
		if o.Status != obligation.StatusActive || o.Tier != tierName {
			continue
		}
		share := o.ProviderShare(providerID)
		if share <= 0 {
			continue
		}
		seize := fixedpoint.ApplyPct(share, fraction)
		if seize <= 0 {
			continue
		}
		plan.Seizures = append(plan.Seizures, ObligationSeizure{
			ObligationID: o.ID,
			Amount:       seize,
		})
		plan.Total += seize
	}

	if plan.Total <= 0 {
		return nil, fmt.Errorf("provider %s has no seizable collateral in tier %s", providerID, tierName)
	}
	return plan, nil
}

// Record is the executed liquidation, kept for audit and published outbound.
type Record struct {
	Plan             Plan
	ExecutedAt       time.Time
	Sequence         int64
	LiquidationPrice int64 // USD cents, the quote the seizure executed against
	RemainingAmount  int64 // sats still locked for the provider after seizure
	RatioAfter       int64 // ppm, recomputed post-seizure
}
