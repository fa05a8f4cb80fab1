package replenish

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"vaultguard/core/pricing"
	"vaultguard/native/escrow"
	"vaultguard/native/vault"
)

var (
	// ErrVaultRequired is returned when no vault is supplied.
	ErrVaultRequired = errors.New("replenish: vault required")
	// ErrVaultMismatch is returned when the intent targets another vault.
	ErrVaultMismatch = errors.New("replenish: intent targets a different vault")
)

// smallest representable step after a conversion division.
var ulp = decimal.New(1, -pricing.DivisionScale)

// Converter translates amounts between tokens.
type Converter interface {
	Convert(from string, amount decimal.Decimal, to string) (decimal.Decimal, error)
}

// Option customises a Validator.
type Option func(*Validator)

// WithClock overrides the clock stamped on plans.
func WithClock(clock func() time.Time) Option {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// Validator turns intents into commit plans. It never mutates its inputs.
type Validator struct {
	converter Converter
	clock     func() time.Time
}

// NewValidator constructs a validator converting through converter.
func NewValidator(converter Converter, opts ...Option) *Validator {
	v := &Validator{converter: converter, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate checks intent against the vault deficit and the escrow snapshot.
// Every violated rule is collected into ValidationErrors. A pricing failure
// aborts validation and is returned as is.
func (v *Validator) Validate(target *vault.Vault, intent Intent, snap escrow.Snapshot) (*CommitPlan, error) {
	if target == nil {
		return nil, ErrVaultRequired
	}
	if err := checkTarget(target, intent); err != nil {
		return nil, err
	}
	native := escrow.NormalizeSymbol(target.NativeToken)
	var errs ValidationErrors

	restore := intent.Restore
	if restore.IsNegative() {
		errs = append(errs, ValidationError{
			Rule:    RuleRestoreNegative,
			Token:   native,
			Message: fmt.Sprintf("restore amount %s must not be negative", restore),
		})
		restore = decimal.Zero
	}
	if held := snap.Amount(native); restore.GreaterThan(held) {
		errs = append(errs, ValidationError{
			Rule:    RuleRestoreExceedsEscrow,
			Token:   native,
			Message: fmt.Sprintf("restore amount %s exceeds %s escrow balance %s", restore, native, held),
		})
	}

	seen := make(map[string]struct{}, len(intent.Selections))
	accepted := make([]Debit, 0, len(intent.Selections))
	for idx, sel := range intent.Selections {
		token := escrow.NormalizeSymbol(sel.Token)
		if token == "" {
			errs = append(errs, ValidationError{
				Rule:    RuleTokenRequired,
				Message: fmt.Sprintf("selection %d has no token", idx+1),
			})
			continue
		}
		if _, dup := seen[token]; dup {
			errs = append(errs, ValidationError{
				Rule:    RuleDuplicateToken,
				Token:   token,
				Message: fmt.Sprintf("%s selected more than once", token),
			})
			continue
		}
		seen[token] = struct{}{}
		if !sel.Amount.IsPositive() {
			errs = append(errs, ValidationError{
				Rule:    RuleNonPositiveAmount,
				Token:   token,
				Message: fmt.Sprintf("%s amount must be greater than zero", token),
			})
			continue
		}
		bal, _ := snap.Balance(token)
		drawn := sel.Amount
		if token == native {
			drawn = drawn.Add(restore)
		}
		if drawn.GreaterThan(bal.Amount) {
			errs = append(errs, ValidationError{
				Rule:    RuleExceedsEscrow,
				Token:   token,
				Message: fmt.Sprintf("%s amount %s exceeds escrow balance %s", token, drawn, bal.Amount),
			})
		}
		accepted = append(accepted, Debit{Token: token, Amount: sel.Amount, ExpectedVersion: bal.Version})
	}

	total := restore
	for i := range accepted {
		converted, err := v.converter.Convert(accepted[i].Token, accepted[i].Amount, native)
		if err != nil {
			return nil, fmt.Errorf("replenish: convert %s: %w", accepted[i].Token, err)
		}
		accepted[i].InVaultToken = converted
		total = total.Add(converted)
	}

	deficit := target.Deficit()
	if total.IsZero() && len(errs) == 0 {
		errs = append(errs, ValidationError{
			Rule:    RuleNothingToReplenish,
			Message: "nothing to replenish",
		})
	}
	if total.GreaterThan(deficit) {
		errs = append(errs, ValidationError{
			Rule:    RuleExceedsDeficit,
			Token:   native,
			Message: fmt.Sprintf("total replenishment %s %s exceeds deficit %s", total, native, deficit),
		})
	}
	if len(errs) > 0 {
		return nil, errs
	}

	restoreBal, _ := snap.Balance(native)
	plan := &CommitPlan{
		ID:                 uuid.New(),
		Vault:              target.Address,
		NativeToken:        native,
		Restore:            restore,
		Debits:             accepted,
		TotalInVaultToken:  total,
		OrchestratorBefore: target.OrchestratorBalance,
		OrchestratorAfter:  target.OrchestratorBalance.Add(total),
		VaultVersion:       target.Version,
		CreatedAt:          v.clock().UTC(),
	}
	if restore.IsPositive() {
		plan.RestoreVersion = restoreBal.Version
	}
	return plan, nil
}

// MaxSelectable returns the largest amount of token the operator can still
// enter without the intent exceeding either the escrow balance or the
// remaining deficit. The entry already present for token is ignored.
func (v *Validator) MaxSelectable(target *vault.Vault, intent Intent, token string, snap escrow.Snapshot) (decimal.Decimal, error) {
	if target == nil {
		return decimal.Zero, ErrVaultRequired
	}
	if err := checkTarget(target, intent); err != nil {
		return decimal.Zero, err
	}
	native := escrow.NormalizeSymbol(target.NativeToken)
	token = escrow.NormalizeSymbol(token)
	if token == "" {
		return decimal.Zero, nil
	}
	restore := positive(intent.Restore)
	remaining := target.Deficit().Sub(restore)
	for _, sel := range intent.Selections {
		other := escrow.NormalizeSymbol(sel.Token)
		if other == "" || other == token || !sel.Amount.IsPositive() {
			continue
		}
		converted, err := v.converter.Convert(other, sel.Amount, native)
		if err != nil {
			return decimal.Zero, fmt.Errorf("replenish: convert %s: %w", other, err)
		}
		remaining = remaining.Sub(converted)
	}
	remaining = positive(remaining)

	available := snap.Amount(token)
	if token == native {
		available = available.Sub(restore)
	}
	available = positive(available)
	if remaining.IsZero() || available.IsZero() {
		return decimal.Zero, nil
	}

	capacity, err := v.converter.Convert(native, remaining, token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("replenish: convert %s: %w", native, err)
	}
	// Rounding half up can overshoot by one unit in the last place.
	back, err := v.converter.Convert(token, capacity, native)
	if err != nil {
		return decimal.Zero, fmt.Errorf("replenish: convert %s: %w", token, err)
	}
	if back.GreaterThan(remaining) {
		capacity = positive(capacity.Sub(ulp))
	}
	return decimal.Min(available, capacity), nil
}

// MaxRestore applies the MaxSelectable rule to the restore field.
func (v *Validator) MaxRestore(target *vault.Vault, intent Intent, snap escrow.Snapshot) (decimal.Decimal, error) {
	if target == nil {
		return decimal.Zero, ErrVaultRequired
	}
	if err := checkTarget(target, intent); err != nil {
		return decimal.Zero, err
	}
	native := escrow.NormalizeSymbol(target.NativeToken)
	remaining := target.Deficit()
	available := snap.Amount(native)
	for _, sel := range intent.Selections {
		token := escrow.NormalizeSymbol(sel.Token)
		if token == "" || !sel.Amount.IsPositive() {
			continue
		}
		if token == native {
			available = available.Sub(sel.Amount)
		}
		converted, err := v.converter.Convert(token, sel.Amount, native)
		if err != nil {
			return decimal.Zero, fmt.Errorf("replenish: convert %s: %w", token, err)
		}
		remaining = remaining.Sub(converted)
	}
	return decimal.Min(positive(available), positive(remaining)), nil
}

func checkTarget(target *vault.Vault, intent Intent) error {
	if intent.Vault == "" {
		return nil
	}
	if vault.NormalizeAddress(intent.Vault) != vault.NormalizeAddress(target.Address) {
		return fmt.Errorf("%w: %s", ErrVaultMismatch, intent.Vault)
	}
	return nil
}

func positive(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
