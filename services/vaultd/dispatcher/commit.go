package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vaultguard/core/events"
	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
)

// Receipt describes an applied commit.
type Receipt struct {
	Plan   *replenish.CommitPlan `json:"plan"`
	Vault  vault.Vault           `json:"vault"`
	Escrow []escrow.Balance      `json:"escrow"`
	// Resolved is set when the commit cleared the deficit of a vault under an
	// active rebalance timer.
	Resolved *rebalance.Timer `json:"resolved,omitempty"`
}

// Plan validates intent against the current state without locking. The plan
// captures the versions it saw, so committing it later fails with
// escrow.ErrStaleSnapshot if anything moved in between.
func (d *Dispatcher) Plan(ctx context.Context, intent replenish.Intent) (*replenish.CommitPlan, error) {
	_, span := d.tracer.Start(ctx, "dispatcher.plan", spanVault(intent.Vault))
	defer span.End()
	plan, err := d.planFor(intent)
	if err != nil {
		d.recordRejection(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return plan, nil
}

func (d *Dispatcher) planFor(intent replenish.Intent) (*replenish.CommitPlan, error) {
	if !d.Ready() {
		return nil, ErrNotReady
	}
	v, err := d.Vault(intent.Vault)
	if err != nil {
		return nil, err
	}
	return d.validator.Validate(v, intent, d.ledger.Snapshot())
}

// Commit applies a previously computed plan. The vault and every touched
// token are locked, the captured versions are re-checked, the writer must
// acknowledge the plan, and only then are the in-memory balances mutated.
func (d *Dispatcher) Commit(ctx context.Context, plan *replenish.CommitPlan) (receipt *Receipt, err error) {
	if plan == nil {
		return nil, fmt.Errorf("dispatcher: plan required")
	}
	ctx, span := d.tracer.Start(ctx, "dispatcher.commit", spanVault(plan.Vault))
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("commit", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	d.refreshMu.RLock()
	defer d.refreshMu.RUnlock()
	unlock := d.locks.Acquire(CommitKeys(plan.Vault, plan.Tokens())...)
	defer unlock()
	return d.commitLocked(ctx, plan)
}

// Replenish validates and commits intent under one lock scope so no other
// commit can interleave between validation and application.
func (d *Dispatcher) Replenish(ctx context.Context, intent replenish.Intent) (receipt *Receipt, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.replenish", spanVault(intent.Vault))
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("replenish", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	v, err := d.Vault(intent.Vault)
	if err != nil {
		return nil, err
	}
	d.refreshMu.RLock()
	defer d.refreshMu.RUnlock()
	unlock := d.locks.Acquire(CommitKeys(v.Address, intent.Tokens(v.NativeToken))...)
	defer unlock()

	plan, err := d.planFor(intent)
	if err != nil {
		d.recordRejection(err)
		return nil, err
	}
	return d.commitLocked(ctx, plan)
}

func (d *Dispatcher) commitLocked(ctx context.Context, plan *replenish.CommitPlan) (*Receipt, error) {
	d.mu.RLock()
	current, ok := d.vaults[vault.NormalizeAddress(plan.Vault)]
	var snapshot vault.Vault
	if ok {
		snapshot = *current
	}
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, plan.Vault)
	}
	if snapshot.Version != plan.VaultVersion || !snapshot.OrchestratorBalance.Equal(plan.OrchestratorBefore) {
		return nil, fmt.Errorf("%w: vault %s at version %d, plan expected %d", escrow.ErrStaleSnapshot, snapshot.Address, snapshot.Version, plan.VaultVersion)
	}
	if plan.TotalInVaultToken.GreaterThan(snapshot.Deficit()) {
		return nil, fmt.Errorf("%w: vault %s deficit moved below plan total", escrow.ErrStaleSnapshot, snapshot.Address)
	}
	debits := plan.EscrowDebits()
	if err := d.ledger.Check(debits); err != nil {
		return nil, err
	}
	if d.writer != nil {
		if err := d.writer.ApplyCommit(ctx, plan); err != nil {
			return nil, fmt.Errorf("dispatcher: persist commit: %w", err)
		}
	}

	updated, err := d.ledger.Apply(debits)
	if err != nil {
		// Only reachable if the ledger was mutated outside the lock scope.
		d.logger.Error("escrow diverged from persisted commit",
			slog.String("plan_id", plan.ID.String()),
			slog.String("vault", plan.Vault),
			slog.Any("error", err))
		return nil, err
	}
	d.mu.Lock()
	current.OrchestratorBalance = plan.OrchestratorAfter
	current.Version++
	after := *current
	d.mu.Unlock()

	now := d.clock()
	receipt := &Receipt{Plan: plan, Vault: after, Escrow: updated}
	for _, debit := range debits {
		amount, _ := debit.Amount.Float64()
		d.metrics.RecordCommitted(debit.Token, amount)
	}
	d.emitter.Emit(events.ReplenishmentCommitted{
		PlanID:            plan.ID.String(),
		Vault:             after.Address,
		NativeToken:       after.NativeToken,
		Total:             plan.TotalInVaultToken.String(),
		OrchestratorAfter: after.OrchestratorBalance.String(),
		Tokens:            plan.Tokens(),
		At:                now,
	})
	d.logger.Info("replenishment committed",
		slog.String("plan_id", plan.ID.String()),
		slog.String("vault", after.Address),
		slog.String("total", plan.TotalInVaultToken.String()))

	if after.Deficit().IsZero() {
		if timer, ok := d.machine.Get(after.Address); ok && timer.IsActive() {
			resolved, err := d.machine.Complete(after.Address, now)
			if err == nil {
				d.persistTimer(ctx, resolved)
				d.emitResolved(resolved)
				receipt.Resolved = &resolved
			}
		}
	}
	d.publishDeficit()
	return receipt, nil
}

// MaxSelectable returns the largest amount of token the intent can still
// draw for its vault.
func (d *Dispatcher) MaxSelectable(ctx context.Context, intent replenish.Intent, token string) (decimal.Decimal, error) {
	_, span := d.tracer.Start(ctx, "dispatcher.max_selectable", spanVault(intent.Vault))
	defer span.End()
	v, err := d.Vault(intent.Vault)
	if err != nil {
		return decimal.Zero, err
	}
	return d.validator.MaxSelectable(v, intent, token, d.ledger.Snapshot())
}

// MaxRestore returns the largest restore amount the intent can still use.
func (d *Dispatcher) MaxRestore(ctx context.Context, intent replenish.Intent) (decimal.Decimal, error) {
	_, span := d.tracer.Start(ctx, "dispatcher.max_restore", spanVault(intent.Vault))
	defer span.End()
	v, err := d.Vault(intent.Vault)
	if err != nil {
		return decimal.Zero, err
	}
	return d.validator.MaxRestore(v, intent, d.ledger.Snapshot())
}

func (d *Dispatcher) recordRejection(err error) {
	var errs replenish.ValidationErrors
	if !errors.As(err, &errs) {
		return
	}
	for _, item := range errs {
		d.metrics.RecordRejection(string(item.Rule))
	}
}

func spanVault(addr string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("vault", vault.NormalizeAddress(addr)))
}
