package premium

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/fixedpoint"
	"github.com/marshal363/btc-insurance-company-daap-sub006/internal/ledger"
)

// Settlement is one premium's fully-resolved split. Conservation holds by
// construction: Amount + CarryConsumed == PlatformFee + sum(Shares) + CarryRemaining.
type Settlement struct {
	PaymentID      uuid.UUID
	Tier           string
	Amount         int64 // sats received
	PlatformFee    int64 // sats
	Shares         []ledger.ProviderShare
	CarryConsumed  int64 // prior remainder folded into this distribution
	CarryRemaining int64 // sub-sat residue carried to the next premium
}

// Distributed returns the sats paid to providers.
func (s *Settlement) Distributed() int64 {
	var sum int64
	for _, sh := range s.Shares {
		sum += sh.Amount
	}
	return sum
}

// Weights supplies the pro-rata base: each provider's deposited capital in
// the tier at distribution time.
type Weights struct {
	Providers []uuid.UUID // deterministic order
	Deposited []int64     // sats, same index
}

// Distributor splits premiums across a tier's providers. The per-tier carry
// accumulator absorbs integer-division residue so nothing is ever lost to
// rounding across distributions.
type Distributor struct {
	carry map[string]int64
}

func NewDistributor() *Distributor {
	return &Distributor{carry: make(map[string]int64)}
}

// Carry returns a tier's current undistributed remainder.
func (d *Distributor) Carry(tierName string) int64 {
	return d.carry[tierName]
}

// RestoreCarry seeds a tier's accumulator from a persisted snapshot.
func (d *Distributor) RestoreCarry(tierName string, carry int64) {
	d.carry[tierName] = carry
}

// Distribute splits one premium: platform fee off the top, the rest plus any
// prior carry pro-rata by deposited capital, floors to whole sats, and banks
// the residue. A tier with no weighted capital rejects the distribution
// rather than orphaning the premium.
func (d *Distributor) Distribute(
	paymentID uuid.UUID,
	tierName string,
	amount int64,
	platformFeePct int64,
	weights Weights,
) (*Settlement, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("premium amount must be positive, got %d", amount)
	}
	if len(weights.Providers) != len(weights.Deposited) {
		return nil, fmt.Errorf("weights are misaligned: %d providers, %d balances",
			len(weights.Providers), len(weights.Deposited))
	}

	var totalWeight int64
	for _, w := range weights.Deposited {
		if w < 0 {
			return nil, fmt.Errorf("negative weight %d", w)
		}
		totalWeight += w
	}
	if totalWeight <= 0 {
		return nil, fmt.Errorf("tier %s has no deposited capital to distribute to", tierName)
	}

	fee := fixedpoint.ApplyPct(amount, platformFeePct)
	carryIn := d.carry[tierName]
	distributable := amount - fee + carryIn

	portions, residue := fixedpoint.ProRata(distributable, weights.Deposited)

	shares := make([]ledger.ProviderShare, 0, len(weights.Providers))
	for i, providerID := range weights.Providers {
		if portions[i] <= 0 {
			continue
		}
		shares = append(shares, ledger.ProviderShare{ProviderID: providerID, Amount: portions[i]})
	}

	d.carry[tierName] = residue

	return &Settlement{
		PaymentID:      paymentID,
		Tier:           tierName,
		Amount:         amount,
		PlatformFee:    fee,
		Shares:         shares,
		CarryConsumed:  carryIn,
		CarryRemaining: residue,
	}, nil
}
