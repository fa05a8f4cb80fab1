package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"vaultguard/core/events"
	"vaultguard/core/pricing"
	"vaultguard/observability"
)

// SourceName labels prices written by the manager.
const SourceName = "oracle"

// futureSkew is how far ahead of the local clock a quote may be stamped.
const futureSkew = 5 * time.Second

var (
	// ErrInsufficientFeeds is returned when fewer than the configured number
	// of sources produced a usable quote for a token.
	ErrInsufficientFeeds = errors.New("vaultd oracle: insufficient feeds")
	// ErrStaleQuote marks a quote older than the configured max age.
	ErrStaleQuote = errors.New("vaultd oracle: stale quote")
)

// Quote is a USD unit price observed by a source.
type Quote struct {
	Symbol    string
	USD       decimal.Decimal
	Timestamp time.Time
}

// Source resolves the USD price of a token.
type Source interface {
	Name() string
	Fetch(ctx context.Context, symbol string) (Quote, error)
}

// PriceStore persists aggregated prices.
type PriceStore interface {
	SavePrices(ctx context.Context, prices map[string]decimal.Decimal, source string, at time.Time) error
}

// Manager polls the configured sources, aggregates a median per token and
// refreshes the shared price table.
type Manager struct {
	logger   *slog.Logger
	table    *pricing.Table
	store    PriceStore
	emitter  events.Emitter
	sources  []Source
	symbols  []string
	minFeeds int
	maxAge   time.Duration
	interval time.Duration
	clock    func() time.Time
	metrics  *observability.OracleMetrics
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithStore persists every aggregated price.
func WithStore(store PriceStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithEmitter publishes a PricesUpdated event after each refresh.
func WithEmitter(emitter events.Emitter) Option {
	return func(m *Manager) {
		if emitter != nil {
			m.emitter = emitter
		}
	}
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// New constructs a manager instance.
func New(table *pricing.Table, sources []Source, symbols []string, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if table == nil {
		return nil, fmt.Errorf("price table required")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source required")
	}
	normalized := normalizeSymbols(symbols)
	if len(normalized) == 0 {
		return nil, fmt.Errorf("at least one symbol required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default().With("component", "oracle"),
		table:    table,
		emitter:  events.NoopEmitter{},
		sources:  append([]Source{}, sources...),
		symbols:  normalized,
		minFeeds: minFeeds,
		maxAge:   maxAge,
		interval: interval,
		clock:    time.Now,
		metrics:  observability.Oracle(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Symbols lists the tokens the manager refreshes.
func (m *Manager) Symbols() []string {
	return append([]string(nil), m.symbols...)
}

// Run blocks, periodically polling upstream feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.sources), "symbols", len(m.symbols))
	})
	for {
		if _, err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick incomplete", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs one aggregation cycle. Tokens that gathered enough feeds are
// applied even when others failed; the failures are joined into the error.
func (m *Manager) Tick(ctx context.Context) (map[string]decimal.Decimal, error) {
	if m == nil {
		return nil, fmt.Errorf("manager not configured")
	}
	now := m.clock().UTC()
	medians := make(map[string]decimal.Decimal, len(m.symbols))
	var errs []error
	for _, symbol := range m.symbols {
		median, err := m.aggregate(ctx, symbol, now)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		medians[symbol] = median
	}
	if len(medians) == 0 {
		return nil, errors.Join(errs...)
	}

	m.table.SetAll(medians, SourceName, now)
	if m.store != nil {
		if err := m.store.SavePrices(ctx, medians, SourceName, now); err != nil {
			errs = append(errs, fmt.Errorf("persist prices: %w", err))
		}
	}
	updated := make([]string, 0, len(medians))
	for symbol := range medians {
		updated = append(updated, symbol)
		m.metrics.RecordFreshness(symbol, 0)
	}
	sort.Strings(updated)
	m.emitter.Emit(events.PricesUpdated{Symbols: updated, Source: SourceName, At: now})
	return medians, errors.Join(errs...)
}

func (m *Manager) aggregate(ctx context.Context, symbol string, now time.Time) (decimal.Decimal, error) {
	prices := make([]decimal.Decimal, 0, len(m.sources))
	for _, src := range m.sources {
		if src == nil {
			continue
		}
		quote, err := src.Fetch(ctx, symbol)
		if err != nil {
			m.metrics.RecordFetch(src.Name(), "error")
			m.logger.Warn("price source failed", "source", src.Name(), "token", symbol, "error", err)
			continue
		}
		if err := m.check(quote, now); err != nil {
			m.metrics.RecordFetch(src.Name(), "rejected")
			m.logger.Warn("price quote rejected", "source", src.Name(), "token", symbol, "error", err)
			continue
		}
		m.metrics.RecordFetch(src.Name(), "success")
		prices = append(prices, quote.USD)
	}
	if len(prices) < m.minFeeds {
		return decimal.Zero, fmt.Errorf("%w for %s: %d of %d", ErrInsufficientFeeds, symbol, len(prices), m.minFeeds)
	}
	return Median(prices), nil
}

func (m *Manager) check(quote Quote, now time.Time) error {
	if !quote.USD.IsPositive() {
		return fmt.Errorf("non-positive price %s", quote.USD)
	}
	if quote.Timestamp.IsZero() {
		return nil
	}
	if quote.Timestamp.After(now.Add(futureSkew)) {
		return fmt.Errorf("future timestamp %s", quote.Timestamp.UTC().Format(time.RFC3339))
	}
	if quote.Timestamp.Before(now.Add(-m.maxAge)) {
		return fmt.Errorf("%w: observed %s", ErrStaleQuote, quote.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}

// Median returns the middle value of prices, averaging the two middle values
// for even counts.
func Median(prices []decimal.Decimal) decimal.Decimal {
	if len(prices) == 0 {
		return decimal.Zero
	}
	sorted := append([]decimal.Decimal(nil), prices...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return sorted[mid-1].Add(sorted[mid]).DivRound(decimal.NewFromInt(2), pricing.DivisionScale)
}

func normalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
