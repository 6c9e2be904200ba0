package health

import (
	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// Status classifies a provider's collateralization.
type Status int32

const (
	StatusHealthy Status = iota
	StatusWarning
	StatusUnderCollateralized
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusWarning:
		return "warning"
	case StatusUnderCollateralized:
		return "under_collateralized"
	default:
		return "unknown"
	}
}

// Report is a point-in-time health evaluation for one provider in one tier.
// All computation is pure; the engine decides what to do with it.
type Report struct {
	ProviderID       uuid.UUID
	Tier             string
	Status           Status
	Ratio            int64 // ppm, RatioInfinite when nothing is required
	Collateral       int64 // sats, the provider's full deposited position
	Required         int64 // sats at the evaluation price
	CollateralValue  int64 // USD cents
	RequiredValue    int64 // USD cents
	Deficit          int64 // sats needed to restore the minimum ratio, 0 when healthy
	MinRatio         int64 // ppm
	WarningThreshold int64 // ppm
	Price            int64 // USD cents used for the evaluation
}

// Evaluate computes a provider's health against its active obligations at the
// given price. The collateral side is the provider's entire deposited
// position in the tier, locked and unlocked alike. The required side sums
// each obligation's requirement prorated by the provider's backing share,
// rounded up so partial backers are never under-measured.
func Evaluate(
	providerID uuid.UUID,
	tierDef *tier.RiskTier,
	collateral int64,
	obligations []*obligation.Obligation,
	price int64,
) Report {
	var required int64
	for _, o := range obligations {
		share := o.ProviderShare(providerID)
		if share <= 0 || o.LockedCollateral <= 0 {
			continue
		}
		total := o.RequiredCollateral(price)
		required += fixedpoint.MulDiv(total, share, o.LockedCollateral, fixedpoint.RoundUp)
	}

	report := Report{
		ProviderID:       providerID,
		Tier:             string(tierDef.Name),
		Collateral:       collateral,
		Required:         required,
		CollateralValue:  fixedpoint.USDValue(collateral, price),
		RequiredValue:    fixedpoint.USDValue(required, price),
		Ratio:            fixedpoint.Ratio(collateral, required),
		MinRatio:         tierDef.MinCollateralRatio,
		WarningThreshold: tierDef.WarningThreshold(),
		Price:            price,
	}

	switch {
	case report.Ratio < tierDef.MinCollateralRatio:
		report.Status = StatusUnderCollateralized
	case report.Ratio < tierDef.WarningThreshold():
		report.Status = StatusWarning
	default:
		report.Status = StatusHealthy
	}

	if report.Status != StatusHealthy {
		// Sats needed so collateral/required reaches the minimum ratio.
		target := fixedpoint.MulDiv(required, tierDef.MinCollateralRatio, fixedpoint.RatioScale, fixedpoint.RoundUp)
		if target > collateral {
			report.Deficit = target - collateral
		}
	}

	return report
}
