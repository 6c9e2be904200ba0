package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/event"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command type string)
// into a typed event.Command. The ingestion shell validates, parses, and
// converts raw messages before submitting to the deterministic core.
func ParseRawCommand(raw RawCommand, commandType string) (event.Command, error) {
	switch commandType {
	case "DepositReceived":
		return parseDepositReceived(raw.Data)
	case "WithdrawalRequested":
		return parseWithdrawalRequested(raw.Data)
	case "ProtectionRequested":
		return parseProtectionRequested(raw.Data)
	case "PremiumCollected":
		return parsePremiumCollected(raw.Data)
	case "PriceTick":
		return parsePriceTick(raw.Data)
	case "ObligationSettled":
		return parseObligationSettled(raw.Data)
	case "TierParamUpdate":
		return parseTierParamUpdate(raw.Data)
	case "ResolveMarginCall":
		return parseResolveMarginCall(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command type: %s", commandType)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.

type depositJSON struct {
	DepositID   string `json:"deposit_id"`
	ProviderID  string `json:"provider_id"`
	Tier        string `json:"tier"`
	AmountSats  int64  `json:"amount_sats"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseDepositReceived(data []byte) (*event.DepositReceived, error) {
	var j depositJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositReceived: %w", err)
	}
	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	providerID, err := uuid.Parse(j.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("parse provider_id: %w", err)
	}
	return &event.DepositReceived{
		DepositID:  depositID,
		ProviderID: providerID,
		Tier:       j.Tier,
		Amount:     j.AmountSats,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}

type withdrawalJSON struct {
	WithdrawalID string `json:"withdrawal_id"`
	ProviderID   string `json:"provider_id"`
	Tier         string `json:"tier"`
	AmountSats   int64  `json:"amount_sats"`
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseWithdrawalRequested(data []byte) (*event.WithdrawalRequested, error) {
	var j withdrawalJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse WithdrawalRequested: %w", err)
	}
	wdID, err := uuid.Parse(j.WithdrawalID)
	if err != nil {
		return nil, fmt.Errorf("parse withdrawal_id: %w", err)
	}
	providerID, err := uuid.Parse(j.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("parse provider_id: %w", err)
	}
	return &event.WithdrawalRequested{
		WithdrawalID: wdID,
		ProviderID:   providerID,
		Tier:         j.Tier,
		Amount:       j.AmountSats,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type protectionJSON struct {
	RequestID       string `json:"request_id"`
	OwnerID         string `json:"owner_id"`
	Policy          string `json:"policy"` // "PUT" or "CALL"
	ProtectedValue  int64  `json:"protected_value_cents"`
	ProtectedSats   int64  `json:"protected_amount_sats"`
	DurationSeconds int64  `json:"duration_seconds"`
	Sequence        int64  `json:"sequence"`
	TimestampUs     int64  `json:"timestamp_us"`
}

func parseProtectionRequested(data []byte) (*event.ProtectionRequested, error) {
	var j protectionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ProtectionRequested: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	ownerID, err := uuid.Parse(j.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("parse owner_id: %w", err)
	}
	policy, err := event.ParsePolicyType(j.Policy)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	return &event.ProtectionRequested{
		RequestID:       requestID,
		Owner:           ownerID,
		Policy:          policy,
		ProtectedValue:  j.ProtectedValue,
		ProtectedAmount: j.ProtectedSats,
		Duration:        time.Duration(j.DurationSeconds) * time.Second,
		Sequence:        j.Sequence,
		Timestamp:       time.UnixMicro(j.TimestampUs),
	}, nil
}

type premiumJSON struct {
	PaymentID   string `json:"payment_id"`
	Tier        string `json:"tier"`
	AmountSats  int64  `json:"amount_sats"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePremiumCollected(data []byte) (*event.PremiumCollected, error) {
	var j premiumJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PremiumCollected: %w", err)
	}
	paymentID, err := uuid.Parse(j.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("parse payment_id: %w", err)
	}
	return &event.PremiumCollected{
		PaymentID: paymentID,
		Tier:      j.Tier,
		Amount:    j.AmountSats,
		Sequence:  j.Sequence,
		Timestamp: time.UnixMicro(j.TimestampUs),
	}, nil
}

type priceTickJSON struct {
	Asset          string `json:"asset"`
	PriceCents     int64  `json:"price_cents"`
	VolatilityPpm  int64  `json:"volatility_ppm"`
	PriceSequence  int64  `json:"price_sequence"`
	PriceTimestamp int64  `json:"price_timestamp_us"`
}

func parsePriceTick(data []byte) (*event.PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceTick: %w", err)
	}
	return &event.PriceTick{
		Asset:         j.Asset,
		Price:         j.PriceCents,
		Volatility:    j.VolatilityPpm,
		PriceSequence: j.PriceSequence,
		Timestamp:     j.PriceTimestamp,
	}, nil
}

type obligationSettledJSON struct {
	ObligationID string `json:"obligation_id"`
	Outcome      string `json:"outcome"` // "exercised", "expired", "canceled"
	Sequence     int64  `json:"sequence"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseObligationSettled(data []byte) (*event.ObligationSettled, error) {
	var j obligationSettledJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ObligationSettled: %w", err)
	}
	obligationID, err := uuid.Parse(j.ObligationID)
	if err != nil {
		return nil, fmt.Errorf("parse obligation_id: %w", err)
	}
	var outcome event.SettleOutcome
	switch j.Outcome {
	case "exercised":
		outcome = event.SettleExercised
	case "expired":
		outcome = event.SettleExpired
	case "canceled":
		outcome = event.SettleCanceled
	default:
		return nil, fmt.Errorf("unknown outcome %q", j.Outcome)
	}
	return &event.ObligationSettled{
		ObligationID: obligationID,
		Outcome:      outcome,
		Sequence:     j.Sequence,
		Timestamp:    time.UnixMicro(j.TimestampUs),
	}, nil
}

type tierParamUpdateJSON struct {
	Tier               string `json:"tier"`
	MinValuePct        int64  `json:"min_value_pct"`
	MaxValuePct        int64  `json:"max_value_pct"`
	PremiumMultiplier  int64  `json:"premium_multiplier"`
	MaxDurationSeconds int64  `json:"max_duration_seconds"`
	MinCollateralRatio int64  `json:"min_collateral_ratio"`
	WarningBufferPct   int64  `json:"warning_buffer_pct"`
	Active             bool   `json:"active"`
	EffectiveSeq       int64  `json:"effective_seq"`
	TimestampUs        int64  `json:"timestamp_us"`
}

func parseTierParamUpdate(data []byte) (*event.TierParamUpdate, error) {
	var j tierParamUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TierParamUpdate: %w", err)
	}
	return &event.TierParamUpdate{
		Tier:               j.Tier,
		MinValuePct:        j.MinValuePct,
		MaxValuePct:        j.MaxValuePct,
		PremiumMultiplier:  j.PremiumMultiplier,
		MaxDuration:        time.Duration(j.MaxDurationSeconds) * time.Second,
		MinCollateralRatio: j.MinCollateralRatio,
		WarningBufferPct:   j.WarningBufferPct,
		Active:             j.Active,
		EffectiveSeq:       j.EffectiveSeq,
		Timestamp:          time.UnixMicro(j.TimestampUs),
	}, nil
}

type resolveMarginCallJSON struct {
	RequestID   string `json:"request_id"`
	ProviderID  string `json:"provider_id"`
	Method      string `json:"method"` // "add_collateral", "migrate_tier", "self_liquidate"
	Amount      int64  `json:"amount"`
	TargetTier  string `json:"target_tier,omitempty"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseResolveMarginCall(data []byte) (*event.ResolveMarginCall, error) {
	var j resolveMarginCallJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ResolveMarginCall: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	providerID, err := uuid.Parse(j.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("parse provider_id: %w", err)
	}
	method, err := event.ParseResolutionMethod(j.Method)
	if err != nil {
		return nil, fmt.Errorf("parse method: %w", err)
	}
	return &event.ResolveMarginCall{
		RequestID:  requestID,
		ProviderID: providerID,
		Method:     method,
		Amount:     j.Amount,
		TargetTier: j.TargetTier,
		Sequence:   j.Sequence,
		Timestamp:  time.UnixMicro(j.TimestampUs),
	}, nil
}
