package engine

import (
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/health"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/ledger"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/margincall"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/pricing"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// View is the read surface handed to Query callbacks. It executes on the
// core goroutine, so reads are consistent; it must not escape the callback.
type View struct {
	c *Core
}

// Sequence returns the next sequence the core will assign.
func (v View) Sequence() int64 {
	return v.c.sequence
}

// SafeMode reports whether new obligation creation is suspended.
func (v View) SafeMode() bool {
	return v.c.safeMode
}

// Quote returns the last-good price for an asset.
func (v View) Quote(asset string) (pricing.Quote, bool) {
	return v.c.feed.Get(asset)
}

// Tiers returns all tier definitions in deterministic order.
func (v View) Tiers() []*tier.RiskTier {
	return v.c.registry.List()
}

// Classify selects the tier a request with these parameters would land in.
func (v View) Classify(protectedValue, currentPrice int64, duration time.Duration) (*tier.RiskTier, bool) {
	return v.c.registry.Classify(protectedValue, currentPrice, duration)
}

// Params returns the governance-wide engine parameters.
func (v View) Params() tier.Params {
	return v.c.registry.Params()
}

// TierTotals returns a tier's aggregate capital view.
func (v View) TierTotals(name string) ledger.TierTotals {
	return v.c.accountant.Totals(name)
}

// TierProviders returns a tier's member providers in deterministic order.
func (v View) TierProviders(name string) []uuid.UUID {
	return v.c.accountant.Providers(name)
}

// ProviderBalances returns a provider's per-tier balances.
func (v View) ProviderBalances(providerID uuid.UUID, tierName string) (available, locked, yield int64) {
	return v.c.tracker.ProviderAvailable(providerID, tierName),
		v.c.tracker.ProviderLocked(providerID, tierName),
		v.c.tracker.ProviderYield(providerID, tierName)
}

// ProviderHealth evaluates a provider at the last-good price. The second
// return is false when the tier is unknown or no price has arrived yet.
func (v View) ProviderHealth(providerID uuid.UUID, tierName string) (health.Report, bool) {
	return v.c.evaluateProvider(providerID, tierName)
}

// MarginCall returns a provider's active margin call, if any.
func (v View) MarginCall(providerID uuid.UUID) (*margincall.MarginCall, bool) {
	return v.c.calls.Get(providerID)
}

// ActiveMarginCalls returns all active calls in deterministic order.
func (v View) ActiveMarginCalls() []*margincall.MarginCall {
	return v.c.calls.Active()
}

// Obligation returns an obligation by ID, settled ones included.
func (v View) Obligation(id uuid.UUID) (*obligation.Obligation, bool) {
	return v.c.obligations.Get(id)
}

// ActiveObligations returns all active obligations in deterministic order.
func (v View) ActiveObligations() []*obligation.Obligation {
	return v.c.obligations.Active()
}

// PremiumCarry returns a tier's undistributed premium remainder.
func (v View) PremiumCarry(tierName string) int64 {
	return v.c.distributor.Carry(tierName)
}

// InsuranceFund returns the insurance fund balance.
func (v View) InsuranceFund() int64 {
	return v.c.tracker.InsuranceFund()
}

// FrozenProviders returns providers halted by an invariant violation.
func (v View) FrozenProviders() map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(v.c.frozenProviders))
	for k, val := range v.c.frozenProviders {
		out[k] = val
	}
	return out
}

// FrozenTiers returns tiers halted by an invariant violation.
func (v View) FrozenTiers() map[string]string {
	out := make(map[string]string, len(v.c.frozenTiers))
	for k, val := range v.c.frozenTiers {
		out[k] = val
	}
	return out
}
