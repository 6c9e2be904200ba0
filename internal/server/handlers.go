package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/engine"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/health"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/margincall"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/obligation"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/pricing"
)

// --- Request/Response types ---

// DepositRequest is the JSON body for POST /api/v1/deposits.
type DepositRequest struct {
	DepositID  string `json:"deposit_id,omitempty"` // optional, generated when absent
	ProviderID string `json:"provider_id"`
	Tier       string `json:"tier"`
	AmountSats int64  `json:"amount_sats"`
}

// BalanceResponse reports a provider's position in one tier.
type BalanceResponse struct {
	ProviderID    string `json:"provider_id"`
	Tier          string `json:"tier"`
	AvailableSats int64  `json:"available_sats"`
	LockedSats    int64  `json:"locked_sats"`
	YieldSats     int64  `json:"yield_sats"`
}

// WithdrawalRequest is the JSON body for POST /api/v1/withdrawals.
type WithdrawalRequest struct {
	WithdrawalID string `json:"withdrawal_id,omitempty"`
	ProviderID   string `json:"provider_id"`
	Tier         string `json:"tier"`
	AmountSats   int64  `json:"amount_sats"`
}

// ProtectionRequest is the JSON body for POST /api/v1/protections.
type ProtectionRequest struct {
	RequestID           string `json:"request_id,omitempty"`
	OwnerID             string `json:"owner_id"`
	Policy              string `json:"policy"` // "PUT" or "CALL"
	ProtectedValueCents int64  `json:"protected_value_cents"`
	ProtectedAmountSats int64  `json:"protected_amount_sats"`
	DurationSeconds     int64  `json:"duration_seconds"`
}

// ObligationResponse is the wire form of one obligation.
type ObligationResponse struct {
	ID                  string            `json:"id"`
	Owner               string            `json:"owner"`
	Policy              string            `json:"policy"`
	Tier                string            `json:"tier"`
	ProtectedValueCents int64             `json:"protected_value_cents"`
	ProtectedAmountSats int64             `json:"protected_amount_sats"`
	LockedSats          int64             `json:"locked_collateral_sats"`
	Backing             []BackingResponse `json:"backing"`
	CreatedAt           time.Time         `json:"created_at"`
	ExpiresAt           time.Time         `json:"expires_at"`
	Status              string            `json:"status"`
}

// BackingResponse is one counterparty share. The insurance fund appears as
// provider_id "insurance_fund".
type BackingResponse struct {
	ProviderID string `json:"provider_id"`
	AmountSats int64  `json:"amount_sats"`
}

// PremiumDistributeRequest is the JSON body for
// POST /api/v1/premiums/{tier}/distribute.
type PremiumDistributeRequest struct {
	PaymentID  string `json:"payment_id,omitempty"`
	AmountSats int64  `json:"amount_sats"`
}

// ResolveRequest is the JSON body for
// POST /api/v1/margin-calls/{provider}/resolve.
type ResolveRequest struct {
	RequestID  string `json:"request_id,omitempty"`
	Method     string `json:"method"` // add_collateral, migrate_tier, self_liquidate
	Amount     int64  `json:"amount,omitempty"`
	TargetTier string `json:"target_tier,omitempty"`
}

// MarginCallResponse is the wire form of one margin call.
type MarginCallResponse struct {
	CallID       string           `json:"call_id"`
	ProviderID   string           `json:"provider_id"`
	Tier         string           `json:"tier"`
	Severity     string           `json:"severity"`
	Status       string           `json:"status"`
	IssuedAt     time.Time        `json:"issued_at"`
	Deadline     time.Time        `json:"deadline"`
	DeficitSats  int64            `json:"deficit_sats"`
	CurrentRatio *decimal.Decimal `json:"current_ratio"`
	MinRatio     *decimal.Decimal `json:"min_ratio"`
}

// HealthResponse is the wire form of one provider health report.
type HealthResponse struct {
	ProviderID           string              `json:"provider_id"`
	Tier                 string              `json:"tier"`
	Status               string              `json:"status"`
	Ratio                *decimal.Decimal    `json:"ratio"` // null when nothing is required
	CollateralSats       int64               `json:"collateral_sats"`
	RequiredSats         int64               `json:"required_sats"`
	CollateralValueCents int64               `json:"collateral_value_cents"`
	RequiredValueCents   int64               `json:"required_value_cents"`
	DeficitSats          int64               `json:"deficit_sats"`
	MinRatio             *decimal.Decimal    `json:"min_ratio"`
	PriceCents           int64               `json:"price_cents"`
	MarginCall           *MarginCallResponse `json:"margin_call,omitempty"`
}

// TierResponse is the wire form of one tier with its capital totals.
type TierResponse struct {
	Name               string           `json:"name"`
	Active             bool             `json:"active"`
	MinValuePct        *decimal.Decimal `json:"min_value_pct"`
	MaxValuePct        *decimal.Decimal `json:"max_value_pct"`
	PremiumMultiplier  *decimal.Decimal `json:"premium_multiplier"`
	MaxDurationSeconds int64            `json:"max_duration_seconds"`
	MinCollateralRatio *decimal.Decimal `json:"min_collateral_ratio"`
	WarningThreshold   *decimal.Decimal `json:"warning_threshold"`
	TotalSats          int64            `json:"total_sats"`
	LockedSats         int64            `json:"locked_sats"`
	AvailableSats      int64            `json:"available_sats"`
	Utilization        *decimal.Decimal `json:"utilization"`
	ActiveObligations  int64            `json:"active_obligations"`
	ProviderCount      int              `json:"provider_count"`
	PremiumCarrySats   int64            `json:"premium_carry_sats"`
	Providers          []string         `json:"providers,omitempty"`
}

// QuoteResponse is an indicative premium estimate. Binding premium amounts
// always arrive from the settlement pipeline.
type QuoteResponse struct {
	Tier        string           `json:"tier"`
	Policy      string           `json:"policy"`
	PremiumSats int64            `json:"premium_sats"`
	PriceCents  int64            `json:"price_cents"`
	Volatility  *decimal.Decimal `json:"volatility"`
	AsOf        time.Time        `json:"as_of"`
	Indicative  bool             `json:"indicative"`
}

// --- Command handlers ---

// handleDeposit handles POST /api/v1/deposits.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, "provider_id must be a UUID", http.StatusBadRequest)
		return
	}
	depositID, err := optionalUUID(req.DepositID)
	if err != nil {
		writeError(w, "deposit_id must be a UUID", http.StatusBadRequest)
		return
	}
	if req.Tier == "" {
		writeError(w, "tier is required", http.StatusBadRequest)
		return
	}
	if req.AmountSats <= 0 {
		writeError(w, "amount_sats must be positive", http.StatusBadRequest)
		return
	}

	cmd := &event.DepositReceived{
		DepositID:  depositID,
		ProviderID: providerID,
		Tier:       req.Tier,
		Amount:     req.AmountSats,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.core.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	resp := BalanceResponse{ProviderID: providerID.String(), Tier: req.Tier}
	s.core.Query(r.Context(), func(v engine.View) {
		resp.AvailableSats, resp.LockedSats, resp.YieldSats = v.ProviderBalances(providerID, req.Tier)
	})

	s.logger.Info().
		Str("deposit_id", depositID.String()).
		Str("provider", providerID.String()).
		Str("tier", req.Tier).
		Int64("amount", req.AmountSats).
		Msg("deposit accepted")
	writeJSON(w, http.StatusCreated, resp)
}

// handleWithdrawal handles POST /api/v1/withdrawals.
func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	providerID, err := uuid.Parse(req.ProviderID)
	if err != nil {
		writeError(w, "provider_id must be a UUID", http.StatusBadRequest)
		return
	}
	withdrawalID, err := optionalUUID(req.WithdrawalID)
	if err != nil {
		writeError(w, "withdrawal_id must be a UUID", http.StatusBadRequest)
		return
	}
	if req.AmountSats <= 0 {
		writeError(w, "amount_sats must be positive", http.StatusBadRequest)
		return
	}

	cmd := &event.WithdrawalRequested{
		WithdrawalID: withdrawalID,
		ProviderID:   providerID,
		Tier:         req.Tier,
		Amount:       req.AmountSats,
		Timestamp:    time.Now().UTC(),
	}

	if err := s.core.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	resp := BalanceResponse{ProviderID: providerID.String(), Tier: req.Tier}
	s.core.Query(r.Context(), func(v engine.View) {
		resp.AvailableSats, resp.LockedSats, resp.YieldSats = v.ProviderBalances(providerID, req.Tier)
	})
	writeJSON(w, http.StatusOK, resp)
}

// handleProtection handles POST /api/v1/protections: classify the request
// into a tier, reserve collateral across eligible providers and create the
// obligation, all as one atomic engine command.
func (s *Server) handleProtection(w http.ResponseWriter, r *http.Request) {
	var req ProtectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, "owner_id must be a UUID", http.StatusBadRequest)
		return
	}
	requestID, err := optionalUUID(req.RequestID)
	if err != nil {
		writeError(w, "request_id must be a UUID", http.StatusBadRequest)
		return
	}
	policy, err := event.ParsePolicyType(req.Policy)
	if err != nil {
		writeError(w, "policy must be PUT or CALL", http.StatusBadRequest)
		return
	}

	cmd := &event.ProtectionRequested{
		RequestID:       requestID,
		Owner:           ownerID,
		Policy:          policy,
		ProtectedValue:  req.ProtectedValueCents,
		ProtectedAmount: req.ProtectedAmountSats,
		Duration:        time.Duration(req.DurationSeconds) * time.Second,
		Timestamp:       time.Now().UTC(),
	}

	if err := s.core.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	var resp *ObligationResponse
	s.core.Query(r.Context(), func(v engine.View) {
		if o, ok := v.Obligation(requestID); ok {
			resp = obligationResponse(o)
		}
	})
	if resp == nil {
		writeError(w, "obligation not found after creation", http.StatusInternalServerError)
		return
	}

	s.logger.Info().
		Str("obligation", resp.ID).
		Str("tier", resp.Tier).
		Int64("locked", resp.LockedSats).
		Msg("protection created")
	writeJSON(w, http.StatusCreated, resp)
}

// handlePremiumDistribute handles POST /api/v1/premiums/{tier}/distribute.
func (s *Server) handlePremiumDistribute(w http.ResponseWriter, r *http.Request) {
	tierName := chi.URLParam(r, "tier")

	var req PremiumDistributeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	paymentID, err := optionalUUID(req.PaymentID)
	if err != nil {
		writeError(w, "payment_id must be a UUID", http.StatusBadRequest)
		return
	}
	if req.AmountSats <= 0 {
		writeError(w, "amount_sats must be positive", http.StatusBadRequest)
		return
	}

	cmd := &event.PremiumCollected{
		PaymentID: paymentID,
		Tier:      tierName,
		Amount:    req.AmountSats,
		Timestamp: time.Now().UTC(),
	}

	if err := s.core.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	var carry int64
	s.core.Query(r.Context(), func(v engine.View) {
		carry = v.PremiumCarry(tierName)
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"payment_id":  paymentID.String(),
		"tier":        tierName,
		"amount_sats": req.AmountSats,
		"carry_sats":  carry,
	})
}

// handleResolveMarginCall handles POST /api/v1/margin-calls/{provider}/resolve.
func (s *Server) handleResolveMarginCall(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, "provider must be a UUID", http.StatusBadRequest)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	requestID, err := optionalUUID(req.RequestID)
	if err != nil {
		writeError(w, "request_id must be a UUID", http.StatusBadRequest)
		return
	}
	method, err := event.ParseResolutionMethod(req.Method)
	if err != nil {
		writeError(w, "method must be add_collateral, migrate_tier or self_liquidate", http.StatusBadRequest)
		return
	}

	cmd := &event.ResolveMarginCall{
		RequestID:  requestID,
		ProviderID: providerID,
		Method:     method,
		Amount:     req.Amount,
		TargetTier: req.TargetTier,
		Timestamp:  time.Now().UTC(),
	}

	if err := s.core.Submit(r.Context(), cmd); err != nil {
		writeEngineError(w, err)
		return
	}

	var remaining *MarginCallResponse
	s.core.Query(r.Context(), func(v engine.View) {
		if call, ok := v.MarginCall(providerID); ok {
			remaining = marginCallResponse(call)
		}
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider_id": providerID.String(),
		"resolved":    remaining == nil,
		"margin_call": remaining,
	})
}

// --- Read handlers ---

// handleListTiers handles GET /api/v1/tiers.
func (s *Server) handleListTiers(w http.ResponseWriter, r *http.Request) {
	var out []TierResponse
	s.core.Query(r.Context(), func(v engine.View) {
		for _, t := range v.Tiers() {
			out = append(out, tierResponse(v, string(t.Name), false))
		}
	})
	if out == nil {
		out = []TierResponse{}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleGetTier handles GET /api/v1/tiers/{tier}.
func (s *Server) handleGetTier(w http.ResponseWriter, r *http.Request) {
	tierName := chi.URLParam(r, "tier")

	var resp *TierResponse
	s.core.Query(r.Context(), func(v engine.View) {
		for _, t := range v.Tiers() {
			if string(t.Name) == tierName {
				tr := tierResponse(v, tierName, true)
				resp = &tr
				return
			}
		}
	})
	if resp == nil {
		writeError(w, "tier not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleProviderHealth handles GET /api/v1/providers/{provider}/health.
// With ?tier= the report covers one tier; otherwise every tier where the
// provider holds capital.
func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	providerID, err := uuid.Parse(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, "provider must be a UUID", http.StatusBadRequest)
		return
	}
	tierFilter := r.URL.Query().Get("tier")

	var out []HealthResponse
	s.core.Query(r.Context(), func(v engine.View) {
		for _, t := range v.Tiers() {
			name := string(t.Name)
			if tierFilter != "" && name != tierFilter {
				continue
			}
			available, locked, _ := v.ProviderBalances(providerID, name)
			if tierFilter == "" && available+locked == 0 {
				continue
			}
			report, ok := v.ProviderHealth(providerID, name)
			if !ok {
				continue
			}
			hr := healthResponse(report)
			if call, has := v.MarginCall(providerID); has && call.Tier == name {
				hr.MarginCall = marginCallResponse(call)
			}
			out = append(out, hr)
		}
	})

	if len(out) == 0 {
		writeError(w, "no health report available (unknown tier, empty position, or no price yet)", http.StatusNotFound)
		return
	}
	if tierFilter != "" {
		writeJSON(w, http.StatusOK, out[0])
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleListObligations handles GET /api/v1/obligations (active only).
func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	out := []*ObligationResponse{}
	s.core.Query(r.Context(), func(v engine.View) {
		for _, o := range v.ActiveObligations() {
			out = append(out, obligationResponse(o))
		}
	})
	writeJSON(w, http.StatusOK, out)
}

// handleGetObligation handles GET /api/v1/obligations/{obligation}.
func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "obligation"))
	if err != nil {
		writeError(w, "obligation must be a UUID", http.StatusBadRequest)
		return
	}

	var resp *ObligationResponse
	s.core.Query(r.Context(), func(v engine.View) {
		if o, ok := v.Obligation(id); ok {
			resp = obligationResponse(o)
		}
	})
	if resp == nil {
		writeError(w, "obligation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQuote handles GET /api/v1/quotes. The estimate classifies the
// request and prices it against the last-good quote; a stale or missing
// price refuses the quote the same way it refuses a new protection.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	policy, err := event.ParsePolicyType(q.Get("policy"))
	if err != nil {
		writeError(w, "policy must be PUT or CALL", http.StatusBadRequest)
		return
	}
	value, err := strconv.ParseInt(q.Get("protected_value_cents"), 10, 64)
	if err != nil || value <= 0 {
		writeError(w, "protected_value_cents must be a positive integer", http.StatusBadRequest)
		return
	}
	amount, err := strconv.ParseInt(q.Get("protected_amount_sats"), 10, 64)
	if err != nil || amount <= 0 {
		writeError(w, "protected_amount_sats must be a positive integer", http.StatusBadRequest)
		return
	}
	durationSecs, err := strconv.ParseInt(q.Get("duration_seconds"), 10, 64)
	if err != nil || durationSecs <= 0 {
		writeError(w, "duration_seconds must be a positive integer", http.StatusBadRequest)
		return
	}
	duration := time.Duration(durationSecs) * time.Second

	var resp *QuoteResponse
	var priceUnavailable, noTier bool
	s.core.Query(r.Context(), func(v engine.View) {
		quote, ok := v.Quote(engine.DefaultAsset)
		if !ok || quote.StaleAt(time.Now().UTC(), v.Params().PriceStalenessBound) {
			priceUnavailable = true
			return
		}
		t, ok := v.Classify(value, quote.Price, duration)
		if !ok {
			noTier = true
			return
		}
		premium := pricing.EstimatePremium(amount, value, quote.Price, duration, quote.Volatility, t.PremiumMultiplier)
		resp = &QuoteResponse{
			Tier:        string(t.Name),
			Policy:      policy.String(),
			PremiumSats: premium,
			PriceCents:  quote.Price,
			Volatility:  ratioDecimal(quote.Volatility),
			AsOf:        quote.AsOf,
			Indicative:  true,
		}
	})

	switch {
	case priceUnavailable:
		writeError(w, "price unavailable", http.StatusServiceUnavailable)
	case noTier:
		writeError(w, "no tier matches the requested parameters", http.StatusConflict)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleListMarginCalls handles GET /api/v1/margin-calls (active only).
func (s *Server) handleListMarginCalls(w http.ResponseWriter, r *http.Request) {
	out := []*MarginCallResponse{}
	s.core.Query(r.Context(), func(v engine.View) {
		for _, call := range v.ActiveMarginCalls() {
			out = append(out, marginCallResponse(call))
		}
	})
	writeJSON(w, http.StatusOK, out)
}

// --- Response builders ---

func obligationResponse(o *obligation.Obligation) *ObligationResponse {
	backing := make([]BackingResponse, 0, len(o.Backing))
	for _, b := range o.Backing {
		id := b.ProviderID.String()
		if b.ProviderID == obligation.InsuranceFundID {
			id = "insurance_fund"
		}
		backing = append(backing, BackingResponse{ProviderID: id, AmountSats: b.Amount})
	}
	return &ObligationResponse{
		ID:                  o.ID.String(),
		Owner:               o.Owner.String(),
		Policy:              o.Policy.String(),
		Tier:                o.Tier,
		ProtectedValueCents: o.ProtectedValue,
		ProtectedAmountSats: o.ProtectedAmount,
		LockedSats:          o.LockedCollateral,
		Backing:             backing,
		CreatedAt:           o.CreatedAt,
		ExpiresAt:           o.ExpiresAt,
		Status:              o.Status.String(),
	}
}

func marginCallResponse(c *margincall.MarginCall) *MarginCallResponse {
	return &MarginCallResponse{
		CallID:       c.CallID.String(),
		ProviderID:   c.ProviderID.String(),
		Tier:         c.Tier,
		Severity:     c.Severity.String(),
		Status:       c.Status.String(),
		IssuedAt:     c.IssuedAt,
		Deadline:     c.Deadline,
		DeficitSats:  c.Deficit,
		CurrentRatio: ratioDecimal(c.CurrentRatio),
		MinRatio:     ratioDecimal(c.MinRatio),
	}
}

func healthResponse(rep health.Report) HealthResponse {
	return HealthResponse{
		ProviderID:           rep.ProviderID.String(),
		Tier:                 rep.Tier,
		Status:               rep.Status.String(),
		Ratio:                ratioDecimal(rep.Ratio),
		CollateralSats:       rep.Collateral,
		RequiredSats:         rep.Required,
		CollateralValueCents: rep.CollateralValue,
		RequiredValueCents:   rep.RequiredValue,
		DeficitSats:          rep.Deficit,
		MinRatio:             ratioDecimal(rep.MinRatio),
		PriceCents:           rep.Price,
	}
}

func tierResponse(v engine.View, name string, includeProviders bool) TierResponse {
	var def TierResponse
	for _, t := range v.Tiers() {
		if string(t.Name) != name {
			continue
		}
		totals := v.TierTotals(name)
		def = TierResponse{
			Name:               name,
			Active:             t.Active,
			MinValuePct:        ratioDecimal(t.MinValuePct),
			MaxValuePct:        ratioDecimal(t.MaxValuePct),
			PremiumMultiplier:  ratioDecimal(t.PremiumMultiplier),
			MaxDurationSeconds: int64(t.MaxDuration / time.Second),
			MinCollateralRatio: ratioDecimal(t.MinCollateralRatio),
			WarningThreshold:   ratioDecimal(t.WarningThreshold()),
			TotalSats:          totals.Total,
			LockedSats:         totals.Locked,
			AvailableSats:      totals.Available(),
			Utilization:        ratioDecimal(totals.Utilization()),
			ActiveObligations:  totals.ActiveObligations,
			ProviderCount:      len(v.TierProviders(name)),
			PremiumCarrySats:   v.PremiumCarry(name),
		}
		if includeProviders {
			for _, pid := range v.TierProviders(name) {
				def.Providers = append(def.Providers, pid.String())
			}
		}
		break
	}
	return def
}

// optionalUUID parses an optional client-supplied idempotency ID, minting
// one when absent. Clients that retry must supply their own.
func optionalUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.New(), nil
	}
	return uuid.Parse(s)
}
