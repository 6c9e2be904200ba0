package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
)

// TierTotals is a tier pool's aggregate view.
type TierTotals struct {
	Total             int64 // sum of provider deposited capital, sats
	Locked            int64 // sum of provider locked collateral, sats
	ActiveObligations int64
}

// Available returns uncommitted tier capacity.
func (t TierTotals) Available() int64 {
	return t.Total - t.Locked
}

// Utilization returns locked/total as a ppm ratio, zero for an empty tier.
func (t TierTotals) Utilization() int64 {
	if t.Total <= 0 {
		return 0
	}
	return fixedpoint.MulDiv(t.Locked, fixedpoint.RatioScale, t.Total, fixedpoint.RoundDown)
}

// TierAccountant maintains tier aggregates and provider membership
// incrementally, avoiding a full balance scan on every command. The engine
// reconciles it against the tracker after each applied command.
type TierAccountant struct {
	tracker *BalanceTracker
	totals  map[string]*TierTotals
	members map[string]map[uuid.UUID]struct{}
}

func NewTierAccountant(tracker *BalanceTracker) *TierAccountant {
	return &TierAccountant{
		tracker: tracker,
		totals:  make(map[string]*TierTotals),
		members: make(map[string]map[uuid.UUID]struct{}),
	}
}

func (ta *TierAccountant) tier(name string) *TierTotals {
	t, ok := ta.totals[name]
	if !ok {
		t = &TierTotals{}
		ta.totals[name] = t
	}
	return t
}

// Totals returns the aggregate view for a tier (zero value if unseen).
func (ta *TierAccountant) Totals(name string) TierTotals {
	if t, ok := ta.totals[name]; ok {
		return *t
	}
	return TierTotals{}
}

// Providers returns a tier's member providers in deterministic UUID order.
func (ta *TierAccountant) Providers(name string) []uuid.UUID {
	set := ta.members[name]
	out := make([]uuid.UUID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// RecordDeposit registers a provider's capital joining a tier.
func (ta *TierAccountant) RecordDeposit(providerID uuid.UUID, tierName string, amount int64) {
	ta.tier(tierName).Total += amount
	set, ok := ta.members[tierName]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		ta.members[tierName] = set
	}
	set[providerID] = struct{}{}
}

// RecordWithdrawal registers capital leaving a tier. Providers whose balance
// reaches zero drop out of membership so premium distribution skips them.
func (ta *TierAccountant) RecordWithdrawal(providerID uuid.UUID, tierName string, amount int64) {
	ta.tier(tierName).Total -= amount
	if ta.tracker.ProviderDeposited(providerID, tierName) == 0 {
		delete(ta.members[tierName], providerID)
	}
}

// RecordLock registers collateral reserved against a new obligation.
func (ta *TierAccountant) RecordLock(tierName string, amount int64) {
	t := ta.tier(tierName)
	t.Locked += amount
	t.ActiveObligations++
}

// RecordRelease registers a settled obligation's collateral returning.
func (ta *TierAccountant) RecordRelease(tierName string, amount int64) {
	t := ta.tier(tierName)
	t.Locked -= amount
	t.ActiveObligations--
}

// RecordPartialRelease adjusts locked without closing an obligation
// (partial liquidation keeps the obligation active).
func (ta *TierAccountant) RecordPartialRelease(tierName string, amount int64) {
	ta.tier(tierName).Locked -= amount
}

// RecordTransfer closes out an obligation whose backing moved entirely to
// the insurance fund. Its collateral already left the tier in the seizures
// themselves; only the obligation count remains to settle.
func (ta *TierAccountant) RecordTransfer(tierName string) {
	ta.tier(tierName).ActiveObligations--
}

// RecordSeizure registers seized collateral leaving the tier entirely.
func (ta *TierAccountant) RecordSeizure(providerID uuid.UUID, tierName string, amount int64) {
	t := ta.tier(tierName)
	t.Locked -= amount
	t.Total -= amount
	if ta.tracker.ProviderDeposited(providerID, tierName) == 0 {
		delete(ta.members[tierName], providerID)
	}
}

// RecordExercise registers an exercised obligation: locked collateral paid
// out of the system entirely.
func (ta *TierAccountant) RecordExercise(providerIDs []uuid.UUID, tierName string, amount int64) {
	t := ta.tier(tierName)
	t.Locked -= amount
	t.Total -= amount
	t.ActiveObligations--
	for _, id := range providerIDs {
		if ta.tracker.ProviderDeposited(id, tierName) == 0 {
			delete(ta.members[tierName], id)
		}
	}
}

// RecordMigration re-homes a provider's aggregates between tiers.
func (ta *TierAccountant) RecordMigration(providerID uuid.UUID, fromTier, toTier string, total, locked, obligations int64) {
	from := ta.tier(fromTier)
	from.Total -= total
	from.Locked -= locked
	from.ActiveObligations -= obligations
	delete(ta.members[fromTier], providerID)

	to := ta.tier(toTier)
	to.Total += total
	to.Locked += locked
	to.ActiveObligations += obligations
	set, ok := ta.members[toTier]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		ta.members[toTier] = set
	}
	set[providerID] = struct{}{}
}

// Reconcile recomputes a tier's aggregates from the tracker and compares them
// with the incremental view. A mismatch means a command updated one side
// without the other.
func (ta *TierAccountant) Reconcile(tierName string) error {
	var total, locked int64
	for _, id := range ta.Providers(tierName) {
		total += ta.tracker.ProviderDeposited(id, tierName)
		locked += ta.tracker.ProviderLocked(id, tierName)
	}

	t := ta.Totals(tierName)
	if t.Total != total {
		return fmt.Errorf("tier %s total mismatch: accountant=%d tracker=%d", tierName, t.Total, total)
	}
	if t.Locked != locked {
		return fmt.Errorf("tier %s locked mismatch: accountant=%d tracker=%d", tierName, t.Locked, locked)
	}
	return nil
}
