package vault

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Classification labels the combined surplus/deficit view of a vault.
type Classification string

const (
	// ClassSurplus means escrow plus orchestrator balance covers the obligation.
	ClassSurplus Classification = "surplus"
	// ClassDeficit means the obligation exceeds escrow plus orchestrator balance.
	ClassDeficit Classification = "deficit"
)

// Deficit returns max(0, TotalPreSlashed - OrchestratorBalance). Negative
// inputs are treated as zero so the result is never negative.
func (v *Vault) Deficit() decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	raw := clampZero(v.TotalPreSlashed).Sub(clampZero(v.OrchestratorBalance))
	if raw.IsNegative() {
		return decimal.Zero
	}
	return raw
}

// UtilizationPercent returns (TotalPreSlashed - OrchestratorBalance) /
// TotalPreSlashed * 100. A vault without obligations reports zero.
func (v *Vault) UtilizationPercent() decimal.Decimal {
	if v == nil || !v.TotalPreSlashed.IsPositive() {
		return decimal.Zero
	}
	gap := v.TotalPreSlashed.Sub(v.OrchestratorBalance)
	return gap.Mul(hundred).DivRound(v.TotalPreSlashed, 4)
}

// CombinedGap is TotalPreSlashed minus escrow and orchestrator balance. A
// positive value is a shortfall in the combined view.
func (v *Vault) CombinedGap() decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return v.TotalPreSlashed.Sub(v.EscrowAmount.Add(v.OrchestratorBalance))
}

// IsSurplus reports whether escrow plus orchestrator balance covers the
// obligation.
func (v *Vault) IsSurplus() bool {
	return !v.CombinedGap().IsPositive()
}

// Classify returns the combined view label.
func (v *Vault) Classify() Classification {
	if v.IsSurplus() {
		return ClassSurplus
	}
	return ClassDeficit
}

// Pricer values an amount of token in USD.
type Pricer interface {
	USDValue(symbol string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Assessment is the reporting view of a vault. The replenishment ceiling
// (Deficit) and the combined view (CombinedGap, Classification) are kept as
// separate fields because consumers read both.
type Assessment struct {
	Vault          Vault           `json:"vault"`
	Deficit        decimal.Decimal `json:"deficit"`
	DeficitUSD     decimal.Decimal `json:"deficitUsd"`
	Utilization    decimal.Decimal `json:"utilizationPercent"`
	CombinedGap    decimal.Decimal `json:"combinedGap"`
	Classification Classification  `json:"classification"`
	Surplus        bool            `json:"surplus"`
}

// Assess builds the reporting view for v. A pricing failure leaves DeficitUSD
// at zero and is returned so callers can surface it.
func Assess(v *Vault, pricer Pricer) (Assessment, error) {
	if v == nil {
		return Assessment{}, nil
	}
	out := Assessment{
		Vault:          *v,
		Deficit:        v.Deficit(),
		Utilization:    v.UtilizationPercent(),
		CombinedGap:    v.CombinedGap(),
		Classification: v.Classify(),
		Surplus:        v.IsSurplus(),
		DeficitUSD:     decimal.Zero,
	}
	if pricer == nil || out.Deficit.IsZero() {
		return out, nil
	}
	usd, err := pricer.USDValue(v.NativeToken, out.Deficit)
	if err != nil {
		return out, err
	}
	out.DeficitUSD = usd
	return out, nil
}

// SortByDeficitUSD orders assessments by USD deficit, largest first. Ties fall
// back to the vault address so the order is deterministic.
func SortByDeficitUSD(items []Assessment) {
	sort.SliceStable(items, func(i, j int) bool {
		cmp := items[i].DeficitUSD.Cmp(items[j].DeficitUSD)
		if cmp != 0 {
			return cmp > 0
		}
		return items[i].Vault.Address < items[j].Vault.Address
	})
}
