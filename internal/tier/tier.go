package tier

import (
	"fmt"
	"time"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
)

// Name identifies a risk tier. Tiers are defined by governance; the engine
// only ever reads them.
type Name string

const (
	Conservative Name = "conservative"
	Balanced     Name = "balanced"
	Aggressive   Name = "aggressive"
)

// RiskTier holds the governance-defined parameters of one capital pool.
// Value bounds are ppm of the current price (1_000_000 = at-the-money).
type RiskTier struct {
	Name              Name
	MinValuePct       int64 // ppm of current price
	MaxValuePct       int64 // ppm of current price
	PremiumMultiplier int64 // ppm, applied by the premium calculator
	MaxDuration       time.Duration
	MinCollateralRatio int64 // ppm, >= 1_000_000
	WarningBufferPct   int64 // ppm added to MinCollateralRatio for the warning band
	Active             bool
}

// RangeWidth is the tier's protected-value span, used to pick the most
// specific tier when several qualify.
func (t *RiskTier) RangeWidth() int64 {
	return t.MaxValuePct - t.MinValuePct
}

// WarningThreshold returns the ratio below which a position is in the
// warning band.
func (t *RiskTier) WarningThreshold() int64 {
	return t.MinCollateralRatio + t.WarningBufferPct
}

// Params holds governance-wide engine parameters.
type Params struct {
	PlatformFeePct      int64 // ppm of each premium
	LiquidationFraction int64 // ppm of locked collateral seized per pass
	WarningGracePeriod  time.Duration
	EmergencyGracePeriod time.Duration
	PriceStalenessBound  time.Duration
}

const (
	// Liquidation fraction bounds. Governance may tune within these; the
	// registry clamps anything outside.
	MinLiquidationFraction int64 = 200_000 // 20%
	MaxLiquidationFraction int64 = 800_000 // 80%
	DefaultLiquidationFraction int64 = 500_000 // 50%
)

func DefaultParams() Params {
	return Params{
		PlatformFeePct:       50_000, // 5%
		LiquidationFraction:  DefaultLiquidationFraction,
		WarningGracePeriod:   24 * time.Hour,
		EmergencyGracePeriod: 4 * time.Hour,
		PriceStalenessBound:  5 * time.Minute,
	}
}

// DefaultTiers returns the launch tier set. Ranges deliberately overlap so
// the classifier's most-specific rule is meaningful.
func DefaultTiers() map[Name]*RiskTier {
	return map[Name]*RiskTier{
		Conservative: {
			Name:               Conservative,
			MinValuePct:        500_000, // 50% of spot
			MaxValuePct:        900_000, // 90% of spot
			PremiumMultiplier:  800_000, // 0.8x
			MaxDuration:        30 * 24 * time.Hour,
			MinCollateralRatio: 1_100_000, // 110%
			WarningBufferPct:   100_000,   // warn below 120%
			Active:             true,
		},
		Balanced: {
			Name:               Balanced,
			MinValuePct:        800_000,
			MaxValuePct:        1_100_000,
			PremiumMultiplier:  1_000_000,
			MaxDuration:        90 * 24 * time.Hour,
			MinCollateralRatio: 1_200_000,
			WarningBufferPct:   100_000,
			Active:             true,
		},
		Aggressive: {
			Name:               Aggressive,
			MinValuePct:        1_000_000,
			MaxValuePct:        1_500_000,
			PremiumMultiplier:  1_500_000,
			MaxDuration:        180 * 24 * time.Hour,
			MinCollateralRatio: 1_500_000,
			WarningBufferPct:   150_000,
			Active:             true,
		},
	}
}

// Validate checks tier parameters before they enter the registry.
func Validate(t *RiskTier) error {
	if t.Name == "" {
		return fmt.Errorf("tier name must not be empty")
	}
	if t.MinValuePct >= t.MaxValuePct {
		return fmt.Errorf("min_value_pct (%d) must be < max_value_pct (%d)", t.MinValuePct, t.MaxValuePct)
	}
	if t.MinValuePct < 0 {
		return fmt.Errorf("min_value_pct must be >= 0, got %d", t.MinValuePct)
	}
	if t.MinCollateralRatio < fixedpoint.RatioScale {
		return fmt.Errorf("min_collateralization_ratio must be >= 100%%, got %d", t.MinCollateralRatio)
	}
	if t.WarningBufferPct < 0 {
		return fmt.Errorf("warning_buffer_pct must be >= 0, got %d", t.WarningBufferPct)
	}
	if t.PremiumMultiplier <= 0 {
		return fmt.Errorf("premium_multiplier must be > 0, got %d", t.PremiumMultiplier)
	}
	if t.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be > 0, got %s", t.MaxDuration)
	}
	return nil
}

// Registry is the engine's read surface over governance tier definitions.
// Updates flow governance -> registry only; nothing in the engine writes
// tier parameters.
type Registry struct {
	tiers  map[Name]*RiskTier
	params Params
}

func NewRegistry(tiers map[Name]*RiskTier, params Params) *Registry {
	clamped := params
	if clamped.LiquidationFraction < MinLiquidationFraction {
		clamped.LiquidationFraction = MinLiquidationFraction
	}
	if clamped.LiquidationFraction > MaxLiquidationFraction {
		clamped.LiquidationFraction = MaxLiquidationFraction
	}

	copied := make(map[Name]*RiskTier, len(tiers))
	for k, v := range tiers {
		copied[k] = v
	}
	return &Registry{tiers: copied, params: clamped}
}

func NewDefaultRegistry() *Registry {
	return NewRegistry(DefaultTiers(), DefaultParams())
}

func (r *Registry) Get(name Name) (*RiskTier, bool) {
	t, ok := r.tiers[name]
	return t, ok
}

// List returns all tiers in deterministic (name) order.
func (r *Registry) List() []*RiskTier {
	names := make([]Name, 0, len(r.tiers))
	for n := range r.tiers {
		names = append(names, n)
	}
	for i := 1; i < len(names); i++ {
		for j := i; j > 0 && names[j] < names[j-1]; j-- {
			names[j], names[j-1] = names[j-1], names[j]
		}
	}
	out := make([]*RiskTier, 0, len(names))
	for _, n := range names {
		out = append(out, r.tiers[n])
	}
	return out
}

func (r *Registry) Params() Params {
	return r.params
}

// Update applies a governance tier snapshot. Invalid definitions are
// rejected wholesale.
func (r *Registry) Update(t *RiskTier) error {
	if err := Validate(t); err != nil {
		return fmt.Errorf("invalid tier %q: %w", t.Name, err)
	}
	r.tiers[t.Name] = t
	return nil
}

// UpdateParams applies governance-wide parameters, clamping the liquidation
// fraction to its bounds.
func (r *Registry) UpdateParams(p Params) {
	if p.LiquidationFraction < MinLiquidationFraction {
		p.LiquidationFraction = MinLiquidationFraction
	}
	if p.LiquidationFraction > MaxLiquidationFraction {
		p.LiquidationFraction = MaxLiquidationFraction
	}
	r.params = p
}
