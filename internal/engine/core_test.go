package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/engine"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/liquidation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/margincall"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// --- Test helpers ---

var baseTime = time.Unix(1_700_000_000, 0).UTC()

// newTestEngine starts a core with buffered channels and no DB checker.
func newTestEngine(t *testing.T) (*engine.Core, chan engine.Output) {
	t.Helper()
	persistCh := make(chan engine.Output, 4096)
	notifyCh := make(chan engine.Output, 4096)
	c := engine.NewCore(0, tier.NewDefaultRegistry(), persistCh, notifyCh, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)

	return c, persistCh
}

func submit(t *testing.T, c *engine.Core, cmd event.Command) {
	t.Helper()
	if err := c.Submit(context.Background(), cmd); err != nil {
		t.Fatalf("%s failed: %v", cmd.Type(), err)
	}
}

func submitErr(c *engine.Core, cmd event.Command) error {
	return c.Submit(context.Background(), cmd)
}

func inspect(t *testing.T, c *engine.Core, fn func(engine.View)) {
	t.Helper()
	if err := c.Query(context.Background(), fn); err != nil {
		t.Fatalf("query failed: %v", err)
	}
}

func deposit(providerID uuid.UUID, tierName string, amount int64, ts time.Time) *event.DepositReceived {
	return &event.DepositReceived{
		DepositID:  uuid.New(),
		ProviderID: providerID,
		Tier:       tierName,
		Amount:     amount,
		Timestamp:  ts,
	}
}

func withdrawal(providerID uuid.UUID, tierName string, amount int64, ts time.Time) *event.WithdrawalRequested {
	return &event.WithdrawalRequested{
		WithdrawalID: uuid.New(),
		ProviderID:   providerID,
		Tier:         tierName,
		Amount:       amount,
		Timestamp:    ts,
	}
}

func priceTick(price, seq int64, ts time.Time) *event.PriceTick {
	return &event.PriceTick{
		Asset:         "BTC",
		Price:         price,
		PriceSequence: seq,
		Timestamp:     ts.UnixMicro(),
	}
}

func protection(requestID, owner uuid.UUID, policy event.PolicyType, value, amount int64, duration time.Duration, ts time.Time) *event.ProtectionRequested {
	return &event.ProtectionRequested{
		RequestID:       requestID,
		Owner:           owner,
		Policy:          policy,
		ProtectedValue:  value,
		ProtectedAmount: amount,
		Duration:        duration,
		Timestamp:       ts,
	}
}

func drainOutputs(ch chan engine.Output) []engine.Output {
	var outputs []engine.Output
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func noticesOfType(outputs []engine.Output, typ event.Type) []engine.Notice {
	var out []engine.Notice
	for _, o := range outputs {
		for _, n := range o.Notices {
			if n.Type == typ {
				out = append(out, n)
			}
		}
	}
	return out
}

// ============================================================================
// Test: Deposits and Withdrawals
// ============================================================================

func TestDeposit_CreditsProviderAndTier(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))

	inspect(t, c, func(v engine.View) {
		available, locked, _ := v.ProviderBalances(provider, "balanced")
		if available != 1_000 || locked != 0 {
			t.Errorf("expected available=1000 locked=0, got %d/%d", available, locked)
		}
		totals := v.TierTotals("balanced")
		if totals.Total != 1_000 {
			t.Errorf("expected tier total 1000, got %d", totals.Total)
		}
	})

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if len(outputs[0].Batch.Journals) != 1 {
		t.Fatalf("expected 1 journal, got %d", len(outputs[0].Batch.Journals))
	}
}

func TestWithdrawal_RejectsOverdraw(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 500, baseTime))

	err := submitErr(c, withdrawal(provider, "balanced", 600, baseTime.Add(time.Minute)))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	inspect(t, c, func(v engine.View) {
		available, _, _ := v.ProviderBalances(provider, "balanced")
		if available != 500 {
			t.Errorf("balance changed on rejected withdrawal: %d", available)
		}
	})
}

func TestWithdrawal_HealthPreCheck(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))

	// 1100 - 200 = 900 against required 800 is a 1.125 ratio, below the
	// balanced tier's 1.2 minimum.
	err := submitErr(c, withdrawal(provider, "balanced", 200, baseTime.Add(time.Minute)))
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	// A small withdrawal that keeps the ratio at or above minimum passes.
	submit(t, c, withdrawal(provider, "balanced", 20, baseTime.Add(2*time.Minute)))

	inspect(t, c, func(v engine.View) {
		available, locked, _ := v.ProviderBalances(provider, "balanced")
		if available != 280 || locked != 800 {
			t.Errorf("expected available=280 locked=800, got %d/%d", available, locked)
		}
	})
}

// ============================================================================
// Test: Protection Allocation
// ============================================================================

func TestProtection_AllocatesAndLocks(t *testing.T) {
	c, persistCh := newTestEngine(t)
	providers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	for _, p := range providers {
		submit(t, c, deposit(p, "balanced", 1_000, baseTime))
	}
	submit(t, c, priceTick(5_000_000, 1, baseTime))

	// At-the-money PUT: value fraction 1.0 qualifies both balanced and
	// aggressive; balanced has the narrower band and wins. Requirement is
	// 258 * 5_000_000 / 5_000_000 = 258 sats.
	reqID := uuid.New()
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 258, 30*24*time.Hour, baseTime.Add(time.Second)))

	inspect(t, c, func(v engine.View) {
		totals := v.TierTotals("balanced")
		if totals.Locked != 258 {
			t.Errorf("expected tier locked 258, got %d", totals.Locked)
		}
		if totals.Total != 3_000 {
			t.Errorf("expected tier total 3000, got %d", totals.Total)
		}
		if totals.ActiveObligations != 1 {
			t.Errorf("expected 1 active obligation, got %d", totals.ActiveObligations)
		}
		// 258/3000 in ppm
		if got := totals.Utilization(); got != 86_000 {
			t.Errorf("expected utilization 86000 ppm, got %d", got)
		}

		o, ok := v.Obligation(reqID)
		if !ok {
			t.Fatal("obligation not found")
		}
		if o.LockedCollateral != 258 {
			t.Errorf("expected locked collateral 258, got %d", o.LockedCollateral)
		}
		// Equal weights split evenly: 86 each.
		if len(o.Backing) != 3 {
			t.Fatalf("expected 3 backing shares, got %d", len(o.Backing))
		}
		for _, b := range o.Backing {
			if b.Amount != 86 {
				t.Errorf("expected backing share 86, got %d", b.Amount)
			}
		}
	})

	outputs := drainOutputs(persistCh)
	created := noticesOfType(outputs, event.TypeObligationCreated)
	if len(created) != 1 {
		t.Errorf("expected 1 ObligationCreated notice, got %d", len(created))
	}
}

func TestProtection_DuplicateRequestIgnored(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 3_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))

	req := protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 258, 30*24*time.Hour, baseTime.Add(time.Second))
	submit(t, c, req)
	submit(t, c, req) // replay, dropped by idempotency

	inspect(t, c, func(v engine.View) {
		totals := v.TierTotals("balanced")
		if totals.Locked != 258 {
			t.Errorf("duplicate request double-locked: locked=%d", totals.Locked)
		}
		if totals.ActiveObligations != 1 {
			t.Errorf("expected 1 obligation, got %d", totals.ActiveObligations)
		}
	})
}

func TestProtection_NoMatchingTier(t *testing.T) {
	c, _ := newTestEngine(t)
	submit(t, c, deposit(uuid.New(), "balanced", 3_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))

	// 40% of spot falls below every tier's band.
	err := submitErr(c, protection(uuid.New(), uuid.New(), event.PolicyPut, 2_000_000, 100, 24*time.Hour, baseTime.Add(time.Second)))
	if !errors.Is(err, engine.ErrNoMatchingTier) {
		t.Fatalf("expected ErrNoMatchingTier, got %v", err)
	}
}

func TestProtection_InsufficientTierCapital(t *testing.T) {
	c, _ := newTestEngine(t)
	submit(t, c, deposit(uuid.New(), "balanced", 100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))

	reqID := uuid.New()
	err := submitErr(c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 258, 30*24*time.Hour, baseTime.Add(time.Second)))
	if !errors.Is(err, engine.ErrInsufficientTierCapital) {
		t.Fatalf("expected ErrInsufficientTierCapital, got %v", err)
	}

	// A rejected request must not leave a half-created obligation behind.
	inspect(t, c, func(v engine.View) {
		if _, ok := v.Obligation(reqID); ok {
			t.Error("rejected protection left an obligation in the store")
		}
		if got := v.TierTotals("balanced").ActiveObligations; got != 0 {
			t.Errorf("expected 0 active obligations, got %d", got)
		}
	})
}

// ============================================================================
// Test: Margin Call Lifecycle
// ============================================================================

func TestPriceDrop_IssuesMarginCallWithDeficit(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	drainOutputs(persistCh)

	// Price falls to $40,000: the PUT now requires ceil(800*5M/4M) = 1000
	// sats, ratio 1100/1000 = 1.10 < 1.20 minimum.
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	inspect(t, c, func(v engine.View) {
		call, ok := v.MarginCall(provider)
		if !ok {
			t.Fatal("expected active margin call")
		}
		if call.Severity != margincall.SeverityEmergency {
			t.Errorf("expected emergency severity, got %s", call.Severity)
		}
		// Restoring the 1.2 minimum needs ceil(1000*1.2) - 1100 = 100 sats.
		if call.Deficit != 100 {
			t.Errorf("expected deficit 100, got %d", call.Deficit)
		}
		if call.CurrentRatio != 1_100_000 {
			t.Errorf("expected ratio 1100000 ppm, got %d", call.CurrentRatio)
		}
	})

	outputs := drainOutputs(persistCh)
	issued := noticesOfType(outputs, event.TypeMarginCallIssued)
	if len(issued) != 1 {
		t.Errorf("expected 1 MarginCallIssued notice, got %d", len(issued))
	}
}

func TestMarginCall_DeficitRestoresExactMinimum(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	// One sat short of the deficit leaves the call active.
	submit(t, c, &event.ResolveMarginCall{
		RequestID:  uuid.New(),
		ProviderID: provider,
		Method:     event.ResolveAddCollateral,
		Amount:     99,
		Timestamp:  baseTime.Add(2 * time.Minute),
	})
	inspect(t, c, func(v engine.View) {
		if _, ok := v.MarginCall(provider); !ok {
			t.Fatal("call resolved one sat short of the deficit")
		}
	})

	// The final sat restores exactly the 1.2 minimum and resolves.
	submit(t, c, &event.ResolveMarginCall{
		RequestID:  uuid.New(),
		ProviderID: provider,
		Method:     event.ResolveAddCollateral,
		Amount:     1,
		Timestamp:  baseTime.Add(3 * time.Minute),
	})
	inspect(t, c, func(v engine.View) {
		if _, ok := v.MarginCall(provider); ok {
			t.Fatal("call still active after deficit fully covered")
		}
		report, ok := v.ProviderHealth(provider, "balanced")
		if !ok {
			t.Fatal("health evaluation unavailable")
		}
		if report.Ratio != 1_200_000 {
			t.Errorf("expected ratio exactly 1200000 ppm, got %d", report.Ratio)
		}
	})
}

func TestMarginCall_BlocksWithdrawals(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	err := submitErr(c, withdrawal(provider, "balanced", 10, baseTime.Add(2*time.Minute)))
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestDeposit_AutoResolvesMarginCall(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_100, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))
	drainOutputs(persistCh)

	// A plain deposit covering the deficit clears the call.
	submit(t, c, deposit(provider, "balanced", 100, baseTime.Add(2*time.Minute)))

	inspect(t, c, func(v engine.View) {
		if _, ok := v.MarginCall(provider); ok {
			t.Fatal("expected margin call resolved by deposit")
		}
	})

	outputs := drainOutputs(persistCh)
	resolved := noticesOfType(outputs, event.TypeMarginCallResolved)
	if len(resolved) != 1 {
		t.Errorf("expected 1 MarginCallResolved notice, got %d", len(resolved))
	}
}

// ============================================================================
// Test: Forced Liquidation
// ============================================================================

func TestExpiredMarginCall_PartialLiquidation(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))

	// Drop to $40,000 escalates to emergency: deadline 4h out.
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	// Keep the quote fresh, then sweep past the deadline.
	sweepAt := baseTime.Add(time.Minute).Add(4*time.Hour + 10*time.Minute)
	submit(t, c, priceTick(4_000_000, 3, sweepAt.Add(-time.Minute)))
	drainOutputs(persistCh)
	submit(t, c, &event.SweepDeadlines{Timestamp: sweepAt})

	inspect(t, c, func(v engine.View) {
		// Half of the 800-sat backing share moves to the insurance fund.
		if fund := v.InsuranceFund(); fund != 400 {
			t.Errorf("expected insurance fund 400, got %d", fund)
		}
		_, locked, _ := v.ProviderBalances(provider, "balanced")
		if locked != 400 {
			t.Errorf("expected provider locked 400, got %d", locked)
		}

		o, ok := v.Obligation(reqID)
		if !ok {
			t.Fatal("obligation not found")
		}
		if o.Status != obligation.StatusActive {
			t.Errorf("partial liquidation should keep the obligation active, got %s", o.Status)
		}
		if o.LockedCollateral != 800 {
			t.Errorf("obligation locked total changed: %d", o.LockedCollateral)
		}
		if got := o.ProviderShare(provider); got != 400 {
			t.Errorf("expected provider share 400 after seizure, got %d", got)
		}
		if got := o.ProviderShare(obligation.InsuranceFundID); got != 400 {
			t.Errorf("expected fund share 400, got %d", got)
		}

		if _, active := v.MarginCall(provider); active {
			t.Error("margin call should be closed as liquidated")
		}
	})

	outputs := drainOutputs(persistCh)
	liq := noticesOfType(outputs, event.TypeLiquidationExecuted)
	if len(liq) != 1 {
		t.Fatalf("expected 1 LiquidationExecuted notice, got %d", len(liq))
	}
	record, ok := liq[0].Body.(*liquidation.Record)
	if !ok {
		t.Fatalf("expected *liquidation.Record body, got %T", liq[0].Body)
	}
	if record.RemainingAmount != 400 {
		t.Errorf("expected remaining amount 400 after seizing half, got %d", record.RemainingAmount)
	}
	if record.LiquidationPrice != 4_000_000 {
		t.Errorf("expected liquidation price 4000000, got %d", record.LiquidationPrice)
	}
}

func TestSweep_ResolvesRecoveredCallInsteadOfLiquidating(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	// Price recovers before the deadline sweep runs. The sweep must resolve,
	// not liquidate.
	sweepAt := baseTime.Add(5 * time.Hour)
	submit(t, c, priceTick(5_200_000, 3, sweepAt.Add(-time.Minute)))
	submit(t, c, &event.SweepDeadlines{Timestamp: sweepAt})

	inspect(t, c, func(v engine.View) {
		if fund := v.InsuranceFund(); fund != 0 {
			t.Errorf("recovered provider was liquidated: fund=%d", fund)
		}
		if _, active := v.MarginCall(provider); active {
			t.Error("expected call resolved after recovery")
		}
	})
}

// ============================================================================
// Test: Self-Liquidation Resolution
// ============================================================================

func TestResolve_SelfLiquidation(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))

	// Voluntary 50% pass: 400 sats of the backing share transfer to the fund.
	submit(t, c, &event.ResolveMarginCall{
		RequestID:  uuid.New(),
		ProviderID: provider,
		Method:     event.ResolveSelfLiquidate,
		Amount:     500_000,
		Timestamp:  baseTime.Add(2 * time.Minute),
	})

	inspect(t, c, func(v engine.View) {
		if fund := v.InsuranceFund(); fund != 400 {
			t.Errorf("expected insurance fund 400, got %d", fund)
		}
		o, _ := v.Obligation(reqID)
		if got := o.ProviderShare(provider); got != 400 {
			t.Errorf("expected remaining share 400, got %d", got)
		}
		// Remaining position: 600 deposited against the provider's 400-sat
		// slice of the requirement (prorated: ceil(1000*400/800) = 500).
		// 600/500 = 1.2 meets the minimum exactly, so the call resolves.
		if _, active := v.MarginCall(provider); active {
			t.Error("expected call resolved after self-liquidation")
		}
	})
}

func TestLiquidation_FullSeizureTransfersObligationToFund(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	// A single backer with a 1-sat share: 4.5M strike at $50,000 spot needs
	// ceil(0.9) = 1 sat of collateral.
	submit(t, c, deposit(provider, "balanced", 2, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 4_500_000, 1, 30*24*time.Hour, baseTime.Add(time.Second)))

	// At $40,000 the requirement rises to ceil(1.125) = 2: ratio 2/2 = 1.0.
	submit(t, c, priceTick(4_000_000, 2, baseTime.Add(time.Minute)))
	inspect(t, c, func(v engine.View) {
		if _, ok := v.MarginCall(provider); !ok {
			t.Fatal("expected active margin call")
		}
	})
	drainOutputs(persistCh)

	// An 80% voluntary pass rounds to the provider's whole 1-sat share, so
	// nothing of the obligation stays provider-backed.
	submit(t, c, &event.ResolveMarginCall{
		RequestID:  uuid.New(),
		ProviderID: provider,
		Method:     event.ResolveSelfLiquidate,
		Amount:     800_000,
		Timestamp:  baseTime.Add(2 * time.Minute),
	})

	inspect(t, c, func(v engine.View) {
		if fund := v.InsuranceFund(); fund != 1 {
			t.Errorf("expected insurance fund 1, got %d", fund)
		}
		available, locked, _ := v.ProviderBalances(provider, "balanced")
		if available != 1 || locked != 0 {
			t.Errorf("expected available=1 locked=0, got %d/%d", available, locked)
		}

		o, ok := v.Obligation(reqID)
		if !ok {
			t.Fatal("obligation not found")
		}
		if o.Status != obligation.StatusTransferred {
			t.Errorf("expected transferred status, got %s", o.Status)
		}
		if got := o.ProviderShare(obligation.InsuranceFundID); got != 1 {
			t.Errorf("expected fund to hold the full share, got %d", got)
		}
		if got := o.ProviderShare(provider); got != 0 {
			t.Errorf("expected no provider share left, got %d", got)
		}

		totals := v.TierTotals("balanced")
		if totals.ActiveObligations != 0 {
			t.Errorf("transferred obligation still counted active: %d", totals.ActiveObligations)
		}
		if totals.Locked != 0 {
			t.Errorf("expected tier locked 0, got %d", totals.Locked)
		}

		// With no provider-backed obligations left the call resolves.
		if _, active := v.MarginCall(provider); active {
			t.Error("expected call resolved after full transfer")
		}
	})

	outputs := drainOutputs(persistCh)
	if transferred := noticesOfType(outputs, event.TypeObligationTransferred); len(transferred) != 1 {
		t.Errorf("expected 1 ObligationTransferred notice, got %d", len(transferred))
	}
}

// ============================================================================
// Test: Premium Distribution
// ============================================================================

func TestPremium_ProRataWithFeeAndCarry(t *testing.T) {
	c, _ := newTestEngine(t)
	providerA := uuid.New()
	providerB := uuid.New()

	submit(t, c, deposit(providerA, "balanced", 750, baseTime))
	submit(t, c, deposit(providerB, "balanced", 250, baseTime))

	submit(t, c, &event.PremiumCollected{
		PaymentID: uuid.New(),
		Tier:      "balanced",
		Amount:    1_000,
		Timestamp: baseTime.Add(time.Minute),
	})

	inspect(t, c, func(v engine.View) {
		// 5% platform fee leaves 950: 712 / 237 pro-rata, 1 sat carried.
		_, _, yieldA := v.ProviderBalances(providerA, "balanced")
		_, _, yieldB := v.ProviderBalances(providerB, "balanced")
		if yieldA != 712 {
			t.Errorf("expected provider A yield 712, got %d", yieldA)
		}
		if yieldB != 237 {
			t.Errorf("expected provider B yield 237, got %d", yieldB)
		}
		if carry := v.PremiumCarry("balanced"); carry != 1 {
			t.Errorf("expected carry 1, got %d", carry)
		}
	})
}

func TestPremium_EmptyTierRejected(t *testing.T) {
	c, _ := newTestEngine(t)

	err := submitErr(c, &event.PremiumCollected{
		PaymentID: uuid.New(),
		Tier:      "balanced",
		Amount:    1_000,
		Timestamp: baseTime,
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error for empty tier, got %v", err)
	}
}

// ============================================================================
// Test: Obligation Settlement
// ============================================================================

func TestObligationSettled_ExpiredReleasesCollateral(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 400, 30*24*time.Hour, baseTime.Add(time.Second)))

	submit(t, c, &event.ObligationSettled{
		ObligationID: reqID,
		Outcome:      event.SettleExpired,
		Timestamp:    baseTime.Add(time.Hour),
	})

	inspect(t, c, func(v engine.View) {
		available, locked, _ := v.ProviderBalances(provider, "balanced")
		if available != 1_000 || locked != 0 {
			t.Errorf("expected available=1000 locked=0, got %d/%d", available, locked)
		}
		totals := v.TierTotals("balanced")
		if totals.Locked != 0 || totals.ActiveObligations != 0 {
			t.Errorf("tier aggregates not released: locked=%d obligations=%d",
				totals.Locked, totals.ActiveObligations)
		}
		o, _ := v.Obligation(reqID)
		if o.Status != obligation.StatusExpired {
			t.Errorf("expected expired, got %s", o.Status)
		}
	})
}

func TestObligationSettled_ExercisePaysOutLocked(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 800, 30*24*time.Hour, baseTime.Add(time.Second)))

	submit(t, c, &event.ObligationSettled{
		ObligationID: reqID,
		Outcome:      event.SettleExercised,
		Timestamp:    baseTime.Add(time.Hour),
	})

	inspect(t, c, func(v engine.View) {
		available, locked, _ := v.ProviderBalances(provider, "balanced")
		if available != 200 || locked != 0 {
			t.Errorf("expected available=200 locked=0 after payout, got %d/%d", available, locked)
		}
		totals := v.TierTotals("balanced")
		if totals.Total != 200 || totals.Locked != 0 {
			t.Errorf("expected tier total=200 locked=0, got %d/%d", totals.Total, totals.Locked)
		}
		o, _ := v.Obligation(reqID)
		if o.Status != obligation.StatusExercised {
			t.Errorf("expected exercised, got %s", o.Status)
		}
	})

	// A second settlement of the same obligation conflicts.
	err := submitErr(c, &event.ObligationSettled{
		ObligationID: reqID,
		Outcome:      event.SettleExpired,
		Timestamp:    baseTime.Add(2 * time.Hour),
	})
	if !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected state conflict on double settle, got %v", err)
	}
}

func TestSweep_ExpiresObligationsPastEndTime(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()
	reqID := uuid.New()

	submit(t, c, deposit(provider, "balanced", 1_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	submit(t, c, protection(reqID, uuid.New(), event.PolicyPut, 5_000_000, 400, 24*time.Hour, baseTime.Add(time.Second)))

	submit(t, c, &event.SweepDeadlines{Timestamp: baseTime.Add(25 * time.Hour)})

	inspect(t, c, func(v engine.View) {
		_, locked, _ := v.ProviderBalances(provider, "balanced")
		if locked != 0 {
			t.Errorf("expected locked 0 after expiry sweep, got %d", locked)
		}
		o, _ := v.Obligation(reqID)
		if o.Status != obligation.StatusExpired {
			t.Errorf("expected expired, got %s", o.Status)
		}
	})
}

// ============================================================================
// Test: Safe Mode
// ============================================================================

func TestStalePrice_BlocksNewProtections(t *testing.T) {
	c, persistCh := newTestEngine(t)
	provider := uuid.New()

	submit(t, c, deposit(provider, "balanced", 3_000, baseTime))
	submit(t, c, priceTick(5_000_000, 1, baseTime))
	drainOutputs(persistCh)

	// Ten minutes later the 5-minute staleness bound is exceeded.
	stale := baseTime.Add(10 * time.Minute)
	err := submitErr(c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 258, 30*24*time.Hour, stale))
	if !errors.Is(err, engine.ErrExternalDependency) {
		t.Fatalf("expected dependency error on stale price, got %v", err)
	}

	// Existing positions keep running: withdrawals and sweeps still work.
	submit(t, c, withdrawal(provider, "balanced", 100, stale))

	// A fresh tick exits safe mode and new protections succeed again.
	submit(t, c, priceTick(5_000_000, 2, stale))
	submit(t, c, protection(uuid.New(), uuid.New(), event.PolicyPut, 5_000_000, 258, 30*24*time.Hour, stale.Add(time.Second)))

	outputs := drainOutputs(persistCh)
	if exited := noticesOfType(outputs, event.TypeSafeModeExited); len(exited) != 1 {
		t.Errorf("expected 1 SafeModeExited notice, got %d", len(exited))
	}

	inspect(t, c, func(v engine.View) {
		if v.SafeMode() {
			t.Error("safe mode still set after fresh tick")
		}
		if got := v.TierTotals("balanced").Locked; got != 258 {
			t.Errorf("expected locked 258 after recovery, got %d", got)
		}
	})
}

func TestSweep_EmitsSafeModeEnteredOnStaleness(t *testing.T) {
	c, persistCh := newTestEngine(t)

	submit(t, c, priceTick(5_000_000, 1, baseTime))
	drainOutputs(persistCh)

	submit(t, c, &event.SweepDeadlines{Timestamp: baseTime.Add(10 * time.Minute)})

	outputs := drainOutputs(persistCh)
	if entered := noticesOfType(outputs, event.TypeSafeModeEntered); len(entered) != 1 {
		t.Errorf("expected 1 SafeModeEntered notice, got %d", len(entered))
	}
}

// ============================================================================
// Test: Ordering and Determinism
// ============================================================================

func TestSourceSequence_GapRejected(t *testing.T) {
	c, _ := newTestEngine(t)
	provider := uuid.New()

	first := deposit(provider, "balanced", 100, baseTime)
	first.Sequence = 0
	submit(t, c, first)

	// Sequence 0 skips ordering; positive sequences are strict per partition.
	gap := deposit(provider, "balanced", 100, baseTime.Add(time.Second))
	gap.Sequence = 2
	if err := submitErr(c, gap); !errors.Is(err, engine.ErrStateConflict) {
		t.Fatalf("expected conflict on sequence gap, got %v", err)
	}
}

func TestStalePriceTick_DroppedSilently(t *testing.T) {
	c, _ := newTestEngine(t)

	submit(t, c, priceTick(5_000_000, 5, baseTime))
	submit(t, c, priceTick(4_000_000, 3, baseTime.Add(time.Second))) // stale, no error

	inspect(t, c, func(v engine.View) {
		q, ok := v.Quote("BTC")
		if !ok || q.Price != 5_000_000 {
			t.Errorf("stale tick overwrote quote: %+v", q)
		}
	})
}

func TestHashChain_LinksEnvelopes(t *testing.T) {
	c, persistCh := newTestEngine(t)

	submit(t, c, deposit(uuid.New(), "balanced", 100, baseTime))
	submit(t, c, deposit(uuid.New(), "balanced", 200, baseTime.Add(time.Second)))

	outputs := drainOutputs(persistCh)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("second envelope's prev hash does not link to the first's state hash")
	}
	if outputs[0].Envelope.Sequence != 0 || outputs[1].Envelope.Sequence != 1 {
		t.Errorf("unexpected sequences: %d, %d",
			outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}
}
