package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/engine"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/server"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/tier"
)

// ============================================================
// Helpers
// ============================================================

type testEnv struct {
	core   *engine.Core
	router http.Handler
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()

	persistChan := make(chan engine.Output, 4096)
	notifyChan := make(chan engine.Output, 4096)
	core := engine.NewCore(0, tier.NewDefaultRegistry(), persistChan, notifyChan, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go core.Run(ctx)
	t.Cleanup(cancel)

	srv := server.New(core, nil, zerolog.Nop())
	return &testEnv{core: core, router: srv.Router()}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
}

func (e *testEnv) submitPrice(t *testing.T, price int64, seq int64) {
	t.Helper()
	err := e.core.Submit(context.Background(), &event.PriceTick{
		Asset:         "BTC",
		Price:         price,
		PriceSequence: seq,
		Timestamp:     time.Now().UTC().UnixMicro(),
	})
	if err != nil {
		t.Fatalf("price tick: %v", err)
	}
}

// ============================================================
// Command endpoints
// ============================================================

func TestDepositEndpoint_CreditsBalance(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	rec := env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 1_000,
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	var resp server.BalanceResponse
	decodeBody(t, rec, &resp)
	if resp.AvailableSats != 1_000 {
		t.Errorf("available: got %d, want 1_000", resp.AvailableSats)
	}
	if resp.LockedSats != 0 {
		t.Errorf("locked: got %d, want 0", resp.LockedSats)
	}
}

func TestDepositEndpoint_RejectsMissingTier(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": uuid.New().String(),
		"amount_sats": 1_000,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", rec.Code)
	}
}

func TestWithdrawalEndpoint_RejectsOverdraw(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 500,
	})

	rec := env.do(t, http.MethodPost, "/api/v1/withdrawals", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 600,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestProtectionEndpoint_CreatesObligation(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 1_000,
	})
	env.submitPrice(t, 5_000_000, 1)

	rec := env.do(t, http.MethodPost, "/api/v1/protections", map[string]interface{}{
		"owner_id":              uuid.New().String(),
		"policy":                "PUT",
		"protected_value_cents": 4_500_000,
		"protected_amount_sats": 800,
		"duration_seconds":      86_400,
	})

	if rec.Code != http.StatusCreated {
		t.Fatalf("status: got %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	var resp server.ObligationResponse
	decodeBody(t, rec, &resp)
	if resp.Tier != "balanced" {
		t.Errorf("tier: got %s, want balanced", resp.Tier)
	}
	if resp.LockedSats != 720 {
		t.Errorf("locked: got %d, want 720", resp.LockedSats)
	}
	if resp.Status != "active" {
		t.Errorf("status: got %s, want active", resp.Status)
	}
	if len(resp.Backing) != 1 || resp.Backing[0].AmountSats != 720 {
		t.Errorf("backing: got %+v, want single 720 share", resp.Backing)
	}
}

func TestProtectionEndpoint_NoPriceIsServiceUnavailable(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/protections", map[string]interface{}{
		"owner_id":              uuid.New().String(),
		"policy":                "PUT",
		"protected_value_cents": 4_500_000,
		"protected_amount_sats": 800,
		"duration_seconds":      86_400,
	})

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestResolveEndpoint_NoActiveCallRejected(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/margin-calls/"+uuid.New().String()+"/resolve", map[string]interface{}{
		"method": "add_collateral",
		"amount": 100,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestPremiumEndpoint_EmptyTierRejected(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodPost, "/api/v1/premiums/balanced/distribute", map[string]interface{}{
		"amount_sats": 1_000,
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
	}
}

// ============================================================
// Read endpoints
// ============================================================

func TestTiersEndpoint_ListsDefaults(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tiers", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var tiers []server.TierResponse
	decodeBody(t, rec, &tiers)
	if len(tiers) != 3 {
		t.Fatalf("tiers: got %d, want 3", len(tiers))
	}
	if tiers[0].Name != "aggressive" || tiers[1].Name != "balanced" || tiers[2].Name != "conservative" {
		t.Errorf("tier order: got %s, %s, %s", tiers[0].Name, tiers[1].Name, tiers[2].Name)
	}
}

func TestTierDetailEndpoint_TracksCapital(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "conservative",
		"amount_sats": 2_500,
	})

	rec := env.do(t, http.MethodGet, "/api/v1/tiers/conservative", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp server.TierResponse
	decodeBody(t, rec, &resp)
	if resp.TotalSats != 2_500 {
		t.Errorf("total: got %d, want 2_500", resp.TotalSats)
	}
	if resp.ProviderCount != 1 {
		t.Errorf("provider count: got %d, want 1", resp.ProviderCount)
	}
	if len(resp.Providers) != 1 || resp.Providers[0] != providerID.String() {
		t.Errorf("providers: got %v", resp.Providers)
	}
}

func TestTierDetailEndpoint_UnknownTier404(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/api/v1/tiers/reckless", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", rec.Code)
	}
}

func TestProviderHealthEndpoint_ReportsHealthy(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 1_000,
	})
	env.submitPrice(t, 5_000_000, 1)
	env.do(t, http.MethodPost, "/api/v1/protections", map[string]interface{}{
		"owner_id":              uuid.New().String(),
		"policy":                "PUT",
		"protected_value_cents": 4_500_000,
		"protected_amount_sats": 800,
		"duration_seconds":      86_400,
	})

	rec := env.do(t, http.MethodGet, "/api/v1/providers/"+providerID.String()+"/health?tier=balanced", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp server.HealthResponse
	decodeBody(t, rec, &resp)
	if resp.Status != "healthy" {
		t.Errorf("status: got %s, want healthy", resp.Status)
	}
	if resp.CollateralSats != 1_000 {
		t.Errorf("collateral: got %d, want 1_000", resp.CollateralSats)
	}
	if resp.RequiredSats != 720 {
		t.Errorf("required: got %d, want 720", resp.RequiredSats)
	}
}

func TestObligationEndpoints_ListAndGet(t *testing.T) {
	env := newTestServer(t)
	providerID := uuid.New()

	env.do(t, http.MethodPost, "/api/v1/deposits", map[string]interface{}{
		"provider_id": providerID.String(),
		"tier":        "balanced",
		"amount_sats": 1_000,
	})
	env.submitPrice(t, 5_000_000, 1)
	env.do(t, http.MethodPost, "/api/v1/protections", map[string]interface{}{
		"owner_id":              uuid.New().String(),
		"policy":                "PUT",
		"protected_value_cents": 4_500_000,
		"protected_amount_sats": 800,
		"duration_seconds":      86_400,
	})

	rec := env.do(t, http.MethodGet, "/api/v1/obligations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status: got %d, want 200", rec.Code)
	}

	var list []server.ObligationResponse
	decodeBody(t, rec, &list)
	if len(list) != 1 {
		t.Fatalf("obligations: got %d, want 1", len(list))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/obligations/"+list[0].ID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status: got %d, want 200", rec.Code)
	}

	var got server.ObligationResponse
	decodeBody(t, rec, &got)
	if got.ID != list[0].ID {
		t.Errorf("id: got %s, want %s", got.ID, list[0].ID)
	}
}

func TestQuoteEndpoint_EstimatesPremium(t *testing.T) {
	env := newTestServer(t)
	env.submitPrice(t, 5_000_000, 1)

	rec := env.do(t, http.MethodGet,
		"/api/v1/quotes?policy=PUT&protected_value_cents=4500000&protected_amount_sats=100000&duration_seconds=86400", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}

	var resp server.QuoteResponse
	decodeBody(t, rec, &resp)
	if resp.Tier != "balanced" {
		t.Errorf("tier: got %s, want balanced", resp.Tier)
	}
	// Default 50% annualized volatility over one day gives a 1370ppm rate;
	// 100_000 sats at that rate, 1.0x multiplier, 0.9 moneyness = 123 sats.
	if resp.PremiumSats != 123 {
		t.Errorf("premium: got %d, want 123", resp.PremiumSats)
	}
	if resp.PriceCents != 5_000_000 {
		t.Errorf("price: got %d, want 5_000_000", resp.PriceCents)
	}
	if !resp.Indicative {
		t.Error("quote should be marked indicative")
	}
}

func TestQuoteEndpoint_NoPriceIsServiceUnavailable(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet,
		"/api/v1/quotes?policy=PUT&protected_value_cents=4500000&protected_amount_sats=100000&duration_seconds=86400", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d, want 503 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestQuoteEndpoint_NoMatchingTierIsConflict(t *testing.T) {
	env := newTestServer(t)
	env.submitPrice(t, 5_000_000, 1)

	// A strike far above spot falls outside every tier's value band.
	rec := env.do(t, http.MethodGet,
		"/api/v1/quotes?policy=PUT&protected_value_cents=20000000&protected_amount_sats=100000&duration_seconds=86400", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: got %d, want 409 (body %s)", rec.Code, rec.Body.String())
	}
}

func TestReadyzEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := env.do(t, http.MethodGet, "/readyz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	decodeBody(t, rec, &resp)
	if resp["status"] != "ready" {
		t.Errorf("status field: got %v, want ready", resp["status"])
	}
}
