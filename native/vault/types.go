package vault

import (
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Vault captures the collateral position the engine tracks for a single vault.
// Ownership of the record is external: the engine refreshes it from snapshots
// and only mutates OrchestratorBalance through validated replenishment.
type Vault struct {
	// Address uniquely identifies the vault. It is compared case-insensitively.
	Address string `json:"address"`
	// Name is the human readable label shown to operators.
	Name string `json:"name"`
	// NativeToken is the symbol every replenishment is converted into.
	NativeToken string `json:"nativeToken"`
	// Curator names the party responsible for the vault strategy.
	Curator string `json:"curator"`
	// TotalPreSlashed is the total obligation reserved against the vault.
	TotalPreSlashed decimal.Decimal `json:"totalPreSlashed"`
	// OrchestratorBalance is the live balance covering the obligation.
	OrchestratorBalance decimal.Decimal `json:"orchestratorBalance"`
	// EscrowAmount is the vault specific escrow holding. It only feeds the
	// combined surplus/deficit view and never the replenishment ceiling.
	EscrowAmount decimal.Decimal `json:"escrowAmount"`
	// Version increases every time the balances change inside the engine.
	Version uint64 `json:"version"`
}

// NormalizeAddress canonicalises vault identifiers.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// Normalize canonicalises identifiers and clamps negative balances to zero.
func (v *Vault) Normalize() {
	if v == nil {
		return
	}
	v.Address = NormalizeAddress(v.Address)
	v.NativeToken = strings.ToUpper(strings.TrimSpace(v.NativeToken))
	v.Name = strings.TrimSpace(v.Name)
	v.Curator = strings.TrimSpace(v.Curator)
	v.TotalPreSlashed = clampZero(v.TotalPreSlashed)
	v.OrchestratorBalance = clampZero(v.OrchestratorBalance)
	v.EscrowAmount = clampZero(v.EscrowAmount)
}

// Clone returns an independent copy of the vault.
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	clone := *v
	return &clone
}

// SameBalances reports whether two vaults hold identical balances.
func (v *Vault) SameBalances(other *Vault) bool {
	if v == nil || other == nil {
		return v == other
	}
	return v.TotalPreSlashed.Equal(other.TotalPreSlashed) &&
		v.OrchestratorBalance.Equal(other.OrchestratorBalance) &&
		v.EscrowAmount.Equal(other.EscrowAmount)
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
