package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"

	"vaultguard/core/events"
	"vaultguard/native/rebalance"
	"vaultguard/observability/logging"
)

// StartRebalance opens a rebalance countdown for addr. A vault that already
// has a live timer keeps it and created is false.
func (d *Dispatcher) StartRebalance(ctx context.Context, addr string) (timer rebalance.Timer, created bool, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.start_rebalance", spanVault(addr))
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("start_rebalance", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	v, err := d.Vault(addr)
	if err != nil {
		return rebalance.Timer{}, false, err
	}
	now := d.clock()
	timer, created, err = d.machine.Start(v.Address, now)
	if err != nil || !created {
		return timer, created, err
	}
	d.persistTimer(ctx, timer)
	d.metrics.RecordTransition(string(rebalance.StateActive), "")
	d.emitter.Emit(events.RebalanceStarted{Vault: timer.Vault, Attempt: timer.Attempt, ExpiresAt: timer.ExpiresAt, At: now})
	d.logger.Info("rebalance started", slog.String("vault", timer.Vault), slog.Time("expires_at", timer.ExpiresAt))
	d.publishTimers()
	return timer, true, nil
}

// RetryRebalance resolves an expired timer and opens a fresh countdown.
func (d *Dispatcher) RetryRebalance(ctx context.Context, addr, actor string) (resolved, fresh rebalance.Timer, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.retry_rebalance", spanVault(addr))
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("retry_rebalance", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	now := d.clock()
	resolved, fresh, err = d.machine.Retry(addr, actor, now)
	if err != nil {
		return rebalance.Timer{}, rebalance.Timer{}, err
	}
	d.persistTimer(ctx, resolved)
	d.persistTimer(ctx, fresh)
	d.emitResolved(resolved)
	d.metrics.RecordTransition(string(rebalance.StateActive), "")
	d.emitter.Emit(events.RebalanceStarted{Vault: fresh.Vault, Attempt: fresh.Attempt, ExpiresAt: fresh.ExpiresAt, At: now})
	d.logger.Info("rebalance retried", slog.String("vault", fresh.Vault), slog.Int("attempt", fresh.Attempt), logging.Operator(actor))
	d.publishTimers()
	return resolved, fresh, nil
}

// ForceRebalance resolves an expired timer by operator override, recording
// the vault as non-compliant.
func (d *Dispatcher) ForceRebalance(ctx context.Context, addr, actor string) (timer rebalance.Timer, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.force_rebalance", spanVault(addr))
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("force_rebalance", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	timer, err = d.machine.Force(addr, actor, d.clock())
	if err != nil {
		return rebalance.Timer{}, err
	}
	d.persistTimer(ctx, timer)
	d.emitResolved(timer)
	d.logger.Warn("rebalance forced", slog.String("vault", timer.Vault), logging.Operator(actor))
	d.publishTimers()
	return timer, nil
}

// Tick advances every countdown by one second and persists the timers that
// expired. It never fails; persistence problems are logged.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) []rebalance.Timer {
	expired := d.machine.Tick(now)
	for _, timer := range expired {
		d.persistTimer(ctx, timer)
		d.metrics.RecordTransition(string(rebalance.StateExpired), "")
		d.emitter.Emit(events.RebalanceExpired{Vault: timer.Vault, Attempt: timer.Attempt, At: now})
		d.logger.Warn("rebalance expired", slog.String("vault", timer.Vault), slog.Int("attempt", timer.Attempt))
	}
	d.publishTimers()
	return expired
}

// RestoreTimers reloads persisted timers. Countdowns that lapsed while the
// process was down are expired and persisted again.
func (d *Dispatcher) RestoreTimers(ctx context.Context) error {
	if d.timers == nil {
		return nil
	}
	records, err := d.timers.LoadTimers(ctx)
	if err != nil {
		return fmt.Errorf("dispatcher: load timers: %w", err)
	}
	now := d.clock()
	lapsed := d.machine.Restore(records, now)
	for _, timer := range lapsed {
		d.persistTimer(ctx, timer)
		d.emitter.Emit(events.RebalanceExpired{Vault: timer.Vault, Attempt: timer.Attempt, At: now})
	}
	d.logger.Info("timers restored", slog.Int("records", len(records)), slog.Int("lapsed", len(lapsed)))
	d.publishTimers()
	return nil
}

func (d *Dispatcher) persistTimer(ctx context.Context, timer rebalance.Timer) {
	if d.timers == nil {
		return
	}
	if err := d.timers.SaveTimer(ctx, timer); err != nil {
		d.logger.Error("persist timer failed",
			slog.String("vault", timer.Vault),
			slog.String("state", string(timer.State)),
			slog.Any("error", err))
	}
}

func (d *Dispatcher) emitResolved(timer rebalance.Timer) {
	d.metrics.RecordTransition(string(rebalance.StateResolved), string(timer.Resolution))
	d.emitter.Emit(events.RebalanceResolved{
		Vault:      timer.Vault,
		Resolution: string(timer.Resolution),
		Actor:      timer.ResolvedBy,
		Compliant:  timer.OperatorCompliance,
		At:         timer.ResolvedAt,
	})
}

func (d *Dispatcher) publishTimers() {
	d.metrics.SetTimers(len(d.machine.Active()), len(d.machine.TimedOut()))
}
