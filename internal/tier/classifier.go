package tier

import (
	"time"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
)

// Classify selects the tier for a protection request: the protected value as
// a fraction of the current price must fall inside the tier's band and the
// duration must not exceed the tier's maximum. When several tiers qualify the
// narrowest band wins (ties broken by name for determinism). Inactive tiers
// never match.
//
// Returns (nil, false) when no tier qualifies; the caller maps that to
// NoMatchingTier.
func (r *Registry) Classify(protectedValue, currentPrice int64, duration time.Duration) (*RiskTier, bool) {
	if currentPrice <= 0 {
		return nil, false
	}

	pct := fixedpoint.MulDiv(protectedValue, fixedpoint.RatioScale, currentPrice, fixedpoint.RoundHalfEven)

	var best *RiskTier
	for _, t := range r.List() {
		if !t.Active {
			continue
		}
		if pct < t.MinValuePct || pct > t.MaxValuePct {
			continue
		}
		if duration > t.MaxDuration {
			continue
		}
		if best == nil || t.RangeWidth() < best.RangeWidth() {
			best = t
		}
	}

	if best == nil {
		return nil, false
	}
	return best, true
}
