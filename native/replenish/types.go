package replenish

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vaultguard/native/escrow"
)

// Selection draws Amount of Token from escrow.
type Selection struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
}

// Intent is an operator request to cover a vault deficit. It is never stored.
type Intent struct {
	Vault string `json:"vault"`
	// Restore is denominated in the vault's native token and drawn from the
	// native token escrow balance.
	Restore    decimal.Decimal `json:"restore"`
	Selections []Selection     `json:"selections"`
}

// Debit is one escrow withdrawal in a plan.
type Debit struct {
	Token  string          `json:"token"`
	Amount decimal.Decimal `json:"amount"`
	// InVaultToken is Amount converted into the vault's native token.
	InVaultToken    decimal.Decimal `json:"inVaultToken"`
	ExpectedVersion uint64          `json:"expectedVersion"`
}

// CommitPlan is a validated replenishment. It is applied as a whole or not at
// all, and only while the versions it captured are still current.
type CommitPlan struct {
	ID                 uuid.UUID       `json:"id"`
	Vault              string          `json:"vault"`
	NativeToken        string          `json:"nativeToken"`
	Restore            decimal.Decimal `json:"restore"`
	RestoreVersion     uint64          `json:"restoreVersion"`
	Debits             []Debit         `json:"debits"`
	TotalInVaultToken  decimal.Decimal `json:"totalInVaultToken"`
	OrchestratorBefore decimal.Decimal `json:"orchestratorBefore"`
	OrchestratorAfter  decimal.Decimal `json:"orchestratorAfter"`
	VaultVersion       uint64          `json:"vaultVersion"`
	CreatedAt          time.Time       `json:"createdAt"`
}

// EscrowDebits flattens the plan into ledger debits. The restore amount is
// withdrawn from the native token balance.
func (p *CommitPlan) EscrowDebits() []escrow.Debit {
	if p == nil {
		return nil
	}
	out := make([]escrow.Debit, 0, len(p.Debits)+1)
	for _, debit := range p.Debits {
		out = append(out, escrow.Debit{Token: debit.Token, Amount: debit.Amount, ExpectedVersion: debit.ExpectedVersion})
	}
	if p.Restore.IsPositive() {
		out = append(out, escrow.Debit{Token: p.NativeToken, Amount: p.Restore, ExpectedVersion: p.RestoreVersion})
	}
	return out
}

// Tokens lists every escrow symbol the plan touches, sorted.
func (p *CommitPlan) Tokens() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(p.Debits)+1)
	for _, debit := range p.Debits {
		seen[debit.Token] = struct{}{}
	}
	if p.Restore.IsPositive() {
		seen[p.NativeToken] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Tokens lists the symbols an intent names, sorted and deduplicated.
func (i Intent) Tokens(nativeToken string) []string {
	seen := make(map[string]struct{}, len(i.Selections)+1)
	for _, sel := range i.Selections {
		if token := escrow.NormalizeSymbol(sel.Token); token != "" {
			seen[token] = struct{}{}
		}
	}
	if i.Restore.IsPositive() && nativeToken != "" {
		seen[escrow.NormalizeSymbol(nativeToken)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for token := range seen {
		out = append(out, token)
	}
	sort.Strings(out)
	return out
}

// Rule names a validation check.
type Rule string

const (
	RuleRestoreNegative      Rule = "restore_negative"
	RuleRestoreExceedsEscrow Rule = "restore_exceeds_escrow"
	RuleTokenRequired        Rule = "token_required"
	RuleDuplicateToken       Rule = "duplicate_token"
	RuleNonPositiveAmount    Rule = "non_positive_amount"
	RuleExceedsEscrow        Rule = "exceeds_escrow_balance"
	RuleNothingToReplenish   Rule = "nothing_to_replenish"
	RuleExceedsDeficit       Rule = "exceeds_deficit"
)

// ValidationError is a single violated rule.
type ValidationError struct {
	Rule    Rule   `json:"rule"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string { return e.Message }

// ValidationErrors carries every rule an intent violated, in check order.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "replenish: invalid intent"
	}
	parts := make([]string, len(e))
	for i, item := range e {
		parts[i] = item.Message
	}
	return "replenish: " + strings.Join(parts, "; ")
}

// Has reports whether rule was violated.
func (e ValidationErrors) Has(rule Rule) bool {
	for _, item := range e {
		if item.Rule == rule {
			return true
		}
	}
	return false
}
