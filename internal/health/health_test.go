package health_test

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/health"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

func balancedTier() *tier.RiskTier {
	t, _ := tier.NewDefaultRegistry().Get(tier.Balanced)
	return t
}

func putObligation(providerID uuid.UUID, strike, amount, locked int64) *obligation.Obligation {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	return &obligation.Obligation{
		ID:               uuid.New(),
		Owner:            uuid.New(),
		Policy:           event.PolicyPut,
		Tier:             "balanced",
		ProtectedValue:   strike,
		ProtectedAmount:  amount,
		LockedCollateral: locked,
		Backing:          []obligation.BackingShare{{ProviderID: providerID, Amount: locked}},
		CreatedAt:        now,
		ExpiresAt:        now.Add(30 * 24 * time.Hour),
		Status:           obligation.StatusActive,
	}
}

func TestEvaluate_NoObligations_Infinite(t *testing.T) {
	providerID := uuid.New()

	report := health.Evaluate(providerID, balancedTier(), 0, nil, 5_000_000)

	if report.Ratio != fixedpoint.RatioInfinite {
		t.Errorf("ratio with no requirement should be infinite, got %d", report.Ratio)
	}
	if report.Status != health.StatusHealthy {
		t.Errorf("status: got %s, want healthy", report.Status)
	}
	if report.Deficit != 0 {
		t.Errorf("deficit: got %d, want 0", report.Deficit)
	}
}

func TestEvaluate_HealthyAtStrike(t *testing.T) {
	providerID := uuid.New()
	// Strike $50,000, 1 BTC protected, 1.5 BTC locked. At strike the
	// requirement is 1 BTC, so the ratio is 150% against a 120% minimum.
	o := putObligation(providerID, 5_000_000, 100_000_000, 150_000_000)

	report := health.Evaluate(providerID, balancedTier(), 150_000_000,
		[]*obligation.Obligation{o}, 5_000_000)

	if report.Ratio != 1_500_000 {
		t.Errorf("ratio: got %d, want 1_500_000", report.Ratio)
	}
	if report.Status != health.StatusHealthy {
		t.Errorf("status: got %s, want healthy", report.Status)
	}
}

func TestEvaluate_WarningBand(t *testing.T) {
	providerID := uuid.New()
	o := putObligation(providerID, 5_000_000, 100_000_000, 125_000_000)

	// Ratio exactly 125%: above the 120% minimum, below the 130% warning
	// threshold.
	report := health.Evaluate(providerID, balancedTier(), 125_000_000,
		[]*obligation.Obligation{o}, 5_000_000)

	if report.Status != health.StatusWarning {
		t.Errorf("status: got %s, want warning", report.Status)
	}
	if report.Deficit != 0 {
		t.Errorf("warning above the minimum needs no deficit, got %d", report.Deficit)
	}
}

func TestEvaluate_UnderCollateralized_DeficitRestoresMinimum(t *testing.T) {
	providerID := uuid.New()
	// Price falls to $40,000: requirement becomes 1.25 BTC, locked 1.25 BTC
	// gives ratio 100%, under the 120% minimum.
	o := putObligation(providerID, 5_000_000, 100_000_000, 125_000_000)

	report := health.Evaluate(providerID, balancedTier(), 125_000_000,
		[]*obligation.Obligation{o}, 4_000_000)

	if report.Status != health.StatusUnderCollateralized {
		t.Fatalf("status: got %s, want under_collateralized", report.Status)
	}
	if report.Ratio != 1_000_000 {
		t.Errorf("ratio: got %d, want 1_000_000", report.Ratio)
	}

	// Adding exactly the deficit restores the ratio to the minimum.
	restored := health.Evaluate(providerID, balancedTier(),
		report.Collateral+report.Deficit, []*obligation.Obligation{o}, 4_000_000)
	if restored.Ratio < balancedTier().MinCollateralRatio {
		t.Errorf("deficit should restore the minimum: ratio=%d deficit=%d",
			restored.Ratio, report.Deficit)
	}
	// And one sat less does not.
	short := health.Evaluate(providerID, balancedTier(),
		report.Collateral+report.Deficit-1, []*obligation.Obligation{o}, 4_000_000)
	if short.Ratio >= balancedTier().MinCollateralRatio {
		t.Errorf("deficit should be minimal, ratio=%d with one sat less", short.Ratio)
	}
}

func TestEvaluate_ProratedAcrossBackers(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	o := &obligation.Obligation{
		ID:               uuid.New(),
		Owner:            uuid.New(),
		Policy:           event.PolicyPut,
		Tier:             "balanced",
		ProtectedValue:   5_000_000,
		ProtectedAmount:  100_000_000,
		LockedCollateral: 100_000_000,
		Backing: []obligation.BackingShare{
			{ProviderID: a, Amount: 75_000_000},
			{ProviderID: b, Amount: 25_000_000},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(30 * 24 * time.Hour),
		Status:    obligation.StatusActive,
	}

	ra := health.Evaluate(a, balancedTier(), 75_000_000, []*obligation.Obligation{o}, 5_000_000)
	rb := health.Evaluate(b, balancedTier(), 25_000_000, []*obligation.Obligation{o}, 5_000_000)

	if ra.Required != 75_000_000 {
		t.Errorf("provider a required: got %d, want 75_000_000", ra.Required)
	}
	if rb.Required != 25_000_000 {
		t.Errorf("provider b required: got %d, want 25_000_000", rb.Required)
	}
	// Both carry the same ratio since backing is proportional.
	if ra.Ratio != rb.Ratio {
		t.Errorf("proportional backers should share a ratio: %d vs %d", ra.Ratio, rb.Ratio)
	}
}

func TestEvaluate_CallPolicy_PriceIndependent(t *testing.T) {
	providerID := uuid.New()
	o := putObligation(providerID, 5_000_000, 100_000_000, 150_000_000)
	o.Policy = event.PolicyCall

	low := health.Evaluate(providerID, balancedTier(), 150_000_000, []*obligation.Obligation{o}, 1_000_000)
	high := health.Evaluate(providerID, balancedTier(), 150_000_000, []*obligation.Obligation{o}, 20_000_000)

	if low.Required != high.Required {
		t.Errorf("asset-settled requirement should not move with price: %d vs %d",
			low.Required, high.Required)
	}
	if low.Ratio != high.Ratio {
		t.Errorf("ratio should be price independent: %d vs %d", low.Ratio, high.Ratio)
	}
}
