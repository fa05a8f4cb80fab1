package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"vaultguard/core/events"
	"vaultguard/core/pricing"
	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
	"vaultguard/observability"
)

var (
	// ErrVaultNotFound is returned for addresses the engine does not track.
	ErrVaultNotFound = errors.New("dispatcher: vault not found")
	// ErrNotReady is returned before the first successful snapshot.
	ErrNotReady = errors.New("dispatcher: no snapshot loaded")
)

// Snapshot is the state read from the persistence layer.
type Snapshot struct {
	Vaults  []vault.Vault
	Escrow  []escrow.Balance
	Prices  map[string]decimal.Decimal
	TakenAt time.Time
}

// SnapshotSource reads the current vault, escrow and price state.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// CommitWriter durably applies a commit plan. A nil error is the
// acknowledgement the dispatcher waits for before mutating memory.
type CommitWriter interface {
	ApplyCommit(ctx context.Context, plan *replenish.CommitPlan) error
}

// TimerStore persists rebalance timers across restarts.
type TimerStore interface {
	SaveTimer(ctx context.Context, timer rebalance.Timer) error
	LoadTimers(ctx context.Context) ([]rebalance.Timer, error)
}

// HealthSource supplies the externally computed portfolio health score.
type HealthSource interface {
	HealthScore(ctx context.Context) (float64, error)
}

// SnapshotError wraps a failure of the snapshot collaborator. The dispatcher
// never substitutes data when one occurs.
type SnapshotError struct {
	Err error
}

func (e *SnapshotError) Error() string {
	if e == nil || e.Err == nil {
		return "dispatcher: snapshot unavailable"
	}
	return fmt.Sprintf("dispatcher: snapshot unavailable: %v", e.Err)
}

func (e *SnapshotError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithCommitWriter installs the durable commit collaborator.
func WithCommitWriter(w CommitWriter) Option {
	return func(d *Dispatcher) { d.writer = w }
}

// WithTimerStore installs timer persistence.
func WithTimerStore(s TimerStore) Option {
	return func(d *Dispatcher) { d.timers = s }
}

// WithHealthSource installs the health score provider.
func WithHealthSource(h HealthSource) Option {
	return func(d *Dispatcher) { d.health = h }
}

// WithEmitter installs the event sink.
func WithEmitter(e events.Emitter) Option {
	return func(d *Dispatcher) {
		if e != nil {
			d.emitter = e
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithMachine replaces the default rebalance state machine.
func WithMachine(m *rebalance.Machine) Option {
	return func(d *Dispatcher) {
		if m != nil {
			d.machine = m
		}
	}
}

// Dispatcher coordinates snapshots, replenishment and rebalance timers.
type Dispatcher struct {
	source    SnapshotSource
	writer    CommitWriter
	timers    TimerStore
	health    HealthSource
	converter *pricing.Converter
	validator *replenish.Validator
	ledger    *escrow.Ledger
	machine   *rebalance.Machine
	locks     *LockManager
	emitter   events.Emitter
	logger    *slog.Logger
	clock     func() time.Time
	tracer    trace.Tracer
	metrics   *observability.VaultdMetrics

	// refreshMu excludes snapshot reloads from in-flight commits.
	refreshMu sync.RWMutex

	mu       sync.RWMutex
	vaults   map[string]*vault.Vault
	loaded   bool
	loadedAt time.Time
}

// New constructs a dispatcher reading from source and converting through
// converter.
func New(source SnapshotSource, converter *pricing.Converter, opts ...Option) (*Dispatcher, error) {
	if source == nil {
		return nil, fmt.Errorf("dispatcher: snapshot source required")
	}
	if converter == nil {
		return nil, fmt.Errorf("dispatcher: converter required")
	}
	d := &Dispatcher{
		source:    source,
		converter: converter,
		ledger:    escrow.NewLedger(converter),
		machine:   rebalance.NewMachine(),
		locks:     NewLockManager(),
		emitter:   events.NoopEmitter{},
		logger:    slog.Default(),
		clock:     time.Now,
		tracer:    otel.Tracer("vaultd/dispatcher"),
		metrics:   observability.Vaultd(),
		vaults:    make(map[string]*vault.Vault),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.validator = replenish.NewValidator(converter, replenish.WithClock(d.clock))
	d.logger = d.logger.With("component", "dispatcher")
	return d, nil
}

// Refresh reloads vaults, escrow balances and prices from the snapshot
// source. In strict pricing mode every native and escrow token must be
// priced.
func (d *Dispatcher) Refresh(ctx context.Context) (err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.refresh")
	defer span.End()
	start := time.Now()
	defer func() {
		d.metrics.Observe("refresh", time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	snap, err := d.source.Snapshot(ctx)
	if err != nil {
		return &SnapshotError{Err: err}
	}
	now := d.clock()
	symbols := make([]string, 0, len(snap.Vaults)+len(snap.Escrow))
	vaults := make(map[string]*vault.Vault, len(snap.Vaults))
	for i := range snap.Vaults {
		v := snap.Vaults[i].Clone()
		v.Normalize()
		if v.Address == "" {
			continue
		}
		vaults[v.Address] = v
		symbols = append(symbols, v.NativeToken)
	}
	for _, bal := range snap.Escrow {
		symbols = append(symbols, bal.Symbol)
	}
	if err := d.converter.RequireWith(snap.Prices, symbols...); err != nil {
		return err
	}

	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()
	if len(snap.Prices) > 0 {
		d.converter.Table().SetAll(snap.Prices, "snapshot", now)
	}
	changed := d.ledger.Replace(snap.Escrow)
	d.mu.Lock()
	for addr, v := range vaults {
		if prev, ok := d.vaults[addr]; !ok || !prev.SameBalances(v) || prev.Version != v.Version {
			changed++
		}
	}
	d.vaults = vaults
	d.loaded = true
	d.loadedAt = now
	d.mu.Unlock()

	span.SetAttributes(attribute.Int("vaults", len(vaults)), attribute.Int("changed", changed))
	d.publishDeficit()
	d.emitter.Emit(events.SnapshotRefreshed{Vaults: len(vaults), Tokens: len(snap.Escrow), Changed: changed, At: now})
	d.logger.Debug("snapshot refreshed", slog.Int("vaults", len(vaults)), slog.Int("changed", changed))
	return nil
}

// Ready reports whether a snapshot has been loaded.
func (d *Dispatcher) Ready() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loaded
}

// LoadedAt returns when the last snapshot was installed.
func (d *Dispatcher) LoadedAt() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loadedAt
}

// Vault returns a copy of the tracked vault.
func (d *Dispatcher) Vault(addr string) (*vault.Vault, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.vaults[vault.NormalizeAddress(addr)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, addr)
	}
	return v.Clone(), nil
}

// Vaults returns copies of every tracked vault ordered by address.
func (d *Dispatcher) Vaults() []vault.Vault {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]vault.Vault, 0, len(d.vaults))
	for _, v := range d.vaults {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Escrow exposes the escrow ledger for read access.
func (d *Dispatcher) Escrow() *escrow.Ledger { return d.ledger }

// Converter exposes the token converter.
func (d *Dispatcher) Converter() *pricing.Converter { return d.converter }

// Assessment returns the reporting view of one vault.
func (d *Dispatcher) Assessment(addr string) (vault.Assessment, error) {
	v, err := d.Vault(addr)
	if err != nil {
		return vault.Assessment{}, err
	}
	return vault.Assess(v, d.converter)
}

// Assessments returns the reporting view of every vault ordered by address.
// Pricing failures leave DeficitUSD at zero and are joined into the error.
func (d *Dispatcher) Assessments() ([]vault.Assessment, error) {
	vaults := d.Vaults()
	out := make([]vault.Assessment, 0, len(vaults))
	var errs []error
	for i := range vaults {
		a, err := vault.Assess(&vaults[i], d.converter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", vaults[i].Address, err))
		}
		out = append(out, a)
	}
	return out, errors.Join(errs...)
}

// NeedsRebalancing lists vaults in deficit without a live timer, largest USD
// deficit first.
func (d *Dispatcher) NeedsRebalancing() ([]vault.Assessment, error) {
	all, err := d.Assessments()
	out := make([]vault.Assessment, 0, len(all))
	for _, a := range all {
		if !a.Deficit.IsPositive() {
			continue
		}
		if timer, ok := d.machine.Get(a.Vault.Address); ok && timer.Live() {
			continue
		}
		out = append(out, a)
	}
	vault.SortByDeficitUSD(out)
	return out, err
}

// ActiveRebalances lists running timers, soonest to expire first.
func (d *Dispatcher) ActiveRebalances() []rebalance.Timer { return d.machine.Active() }

// TimedOut lists expired, unresolved timers.
func (d *Dispatcher) TimedOut() []rebalance.Timer { return d.machine.TimedOut() }

// History lists resolved timers for compliance review.
func (d *Dispatcher) History() []rebalance.Timer { return d.machine.History() }

// Timer returns the live timer of a vault.
func (d *Dispatcher) Timer(addr string) (rebalance.Timer, bool) { return d.machine.Get(addr) }

func (d *Dispatcher) publishDeficit() {
	all, _ := d.Assessments()
	total := decimal.Zero
	for _, a := range all {
		total = total.Add(a.DeficitUSD)
	}
	f, _ := total.Float64()
	d.metrics.SetDeficitUSD(f)
}
