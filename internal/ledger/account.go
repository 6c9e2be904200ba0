package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope is the top-level account namespace.
type AccountScope uint8

const (
	AccountScopeProvider AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType is the account purpose within a scope.
type AccountSubType uint8

const (
	// Provider sub-types. deposited = available + locked, so the
	// locked <= deposited invariant reduces to "available never negative".
	SubTypeAvailable AccountSubType = iota
	SubTypeLocked
	SubTypeYield

	// System sub-types
	SubTypePlatformFees
	SubTypeInsuranceFund
	SubTypePremiumPool // per-tier remainder carry lives here

	// External boundary sub-types
	SubTypeExternalDeposits
	SubTypeExternalWithdrawals
	SubTypeExternalPremiums
)

// AccountKey is the in-memory balance key. Provider accounts are scoped per
// tier because capital pools are isolated; system and external accounts leave
// EntityID zeroed unless tier-scoped (premium pool).
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // provider UUID; zero for system/external
	Tier     string   // empty for global system/external accounts
	SubType  AccountSubType
}

// NewProviderAccountKey creates a key for a provider's per-tier account.
func NewProviderAccountKey(providerID uuid.UUID, tierName string, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeProvider,
		EntityID: providerID,
		Tier:     tierName,
		SubType:  subType,
	}
}

// NewSystemAccountKey creates a key for a global system account.
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, SubType: subType}
}

// NewPremiumPoolKey creates the per-tier premium pool (remainder carry) key.
func NewPremiumPoolKey(tierName string) AccountKey {
	return AccountKey{Scope: AccountScopeSystem, Tier: tierName, SubType: SubTypePremiumPool}
}

// NewExternalAccountKey creates a key for an external boundary account.
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{Scope: AccountScopeExternal, SubType: subType}
}

// AccountPath returns the string form used for storage and logging.
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeProvider:
		id := uuid.UUID(k.EntityID)
		return fmt.Sprintf("provider:%s:%s:%s", id.String(), k.Tier, k.subTypeName())
	case AccountScopeSystem:
		if k.Tier != "" {
			return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Tier)
		}
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeAvailable:
		return "available"
	case SubTypeLocked:
		return "locked"
	case SubTypeYield:
		return "yield"
	case SubTypePlatformFees:
		return "platform_fees"
	case SubTypeInsuranceFund:
		return "insurance_fund"
	case SubTypePremiumPool:
		return "premium_pool"
	case SubTypeExternalDeposits:
		return "deposits"
	case SubTypeExternalWithdrawals:
		return "withdrawals"
	case SubTypeExternalPremiums:
		return "premiums"
	default:
		return "unknown"
	}
}
