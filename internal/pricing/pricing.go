package pricing

import (
	"time"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
)

// Quote is the last accepted price for one asset.
type Quote struct {
	Asset      string
	Price      int64 // USD cents
	Volatility int64 // ppm annualized, 0 when the source omits it
	Sequence   int64
	AsOf       time.Time
}

// StaleAt reports whether the quote is older than the bound at the given
// time. Health sweeps keep using a stale quote; new obligation creation does
// not.
func (q Quote) StaleAt(now time.Time, bound time.Duration) bool {
	return now.Sub(q.AsOf) > bound
}

// Feed holds the last-good quote per asset. It lives inside the engine
// goroutine; ticks arrive as commands, already serialized.
type Feed struct {
	quotes map[string]Quote
}

func NewFeed() *Feed {
	return &Feed{quotes: make(map[string]Quote)}
}

// Update accepts a tick unless an equal-or-newer sequence is already held.
// Out-of-order ticks are dropped silently; gaps are tolerated.
func (f *Feed) Update(q Quote) bool {
	if current, ok := f.quotes[q.Asset]; ok && q.Sequence <= current.Sequence {
		return false
	}
	f.quotes[q.Asset] = q
	return true
}

// Get returns the last-good quote for an asset.
func (f *Feed) Get(asset string) (Quote, bool) {
	q, ok := f.quotes[asset]
	return q, ok
}

// EstimatePremium is a linear premium quote: annualized volatility scaled by
// the policy duration and the tier's multiplier, applied to the protected
// amount and adjusted for moneyness. It exists for the quoting API; binding
// premium amounts always arrive from the settlement pipeline.
func EstimatePremium(
	protectedAmount int64, // sats
	protectedValue int64, // strike, USD cents
	currentPrice int64, // USD cents
	duration time.Duration,
	volatility int64, // ppm annualized
	multiplier int64, // ppm tier multiplier
) int64 {
	if protectedAmount <= 0 || currentPrice <= 0 || duration <= 0 {
		return 0
	}
	if volatility <= 0 {
		volatility = 500_000 // conservative default when the source has none
	}

	const year = 365 * 24 * time.Hour
	rate := fixedpoint.MulDiv(volatility, int64(duration), int64(year), fixedpoint.RoundHalfEven)

	premium := fixedpoint.ApplyPct(protectedAmount, rate)
	premium = fixedpoint.MulDiv(premium, multiplier, fixedpoint.RatioScale, fixedpoint.RoundHalfEven)
	// Deeper protection (strike nearer or above spot) costs proportionally more.
	return fixedpoint.MulDiv(premium, protectedValue, currentPrice, fixedpoint.RoundHalfEven)
}
