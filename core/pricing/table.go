package pricing

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// PriceStatus captures the freshness classification assigned to a table entry.
type PriceStatus string

const (
	// PriceStatusOK indicates the price was refreshed inside the configured window.
	PriceStatusOK PriceStatus = "ok"
	// PriceStatusStale signals the price exceeded the configured freshness window.
	PriceStatusStale PriceStatus = "stale"
	// PriceStatusMissing indicates no price is known for the symbol.
	PriceStatusMissing PriceStatus = "missing"
)

// Entry is a single USD unit price held by the table.
type Entry struct {
	Symbol    string
	USD       decimal.Decimal
	UpdatedAt time.Time
	Source    string
}

// Table maps token symbols to USD unit prices. It is safe for concurrent use;
// readers never observe a partially applied SetAll.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
	maxAge  time.Duration
	updated time.Time
}

// NewTable constructs a table seeded with the supplied prices. Non-positive
// prices are ignored.
func NewTable(prices map[string]decimal.Decimal) *Table {
	t := &Table{entries: make(map[string]Entry, len(prices))}
	now := time.Now().UTC()
	for symbol, price := range prices {
		t.setLocked(symbol, price, "static", now)
	}
	return t
}

// SetMaxAge configures the window after which an entry is reported stale. Zero
// disables staleness tracking.
func (t *Table) SetMaxAge(maxAge time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if maxAge < 0 {
		maxAge = 0
	}
	t.maxAge = maxAge
}

// Set stores a single price. It reports false when the symbol is empty or the
// price is not strictly positive.
func (t *Table) Set(symbol string, usd decimal.Decimal, source string, at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setLocked(symbol, usd, source, at)
}

// SetAll replaces every supplied price in one step.
func (t *Table) SetAll(prices map[string]decimal.Decimal, source string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	applied := 0
	for symbol, price := range prices {
		if t.setLocked(symbol, price, source, at) {
			applied++
		}
	}
	return applied
}

func (t *Table) setLocked(symbol string, usd decimal.Decimal, source string, at time.Time) bool {
	key := NormalizeSymbol(symbol)
	if key == "" || !usd.IsPositive() {
		return false
	}
	if t.entries == nil {
		t.entries = make(map[string]Entry)
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	t.entries[key] = Entry{Symbol: key, USD: usd, UpdatedAt: at, Source: strings.TrimSpace(source)}
	if at.After(t.updated) {
		t.updated = at
	}
	return true
}

// Price returns the USD unit price for the symbol.
func (t *Table) Price(symbol string) (decimal.Decimal, bool) {
	if t == nil {
		return decimal.Zero, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, false
	}
	return entry.USD, true
}

// Status classifies the entry for symbol relative to now.
func (t *Table) Status(symbol string, now time.Time) PriceStatus {
	if t == nil {
		return PriceStatusMissing
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.entries[NormalizeSymbol(symbol)]
	if !ok {
		return PriceStatusMissing
	}
	if t.maxAge > 0 && ageSeconds(entry.UpdatedAt, now) > uint32(t.maxAge/time.Second) {
		return PriceStatusStale
	}
	return PriceStatusOK
}

// Snapshot returns a copy of every entry sorted by symbol.
func (t *Table) Snapshot() []Entry {
	if t == nil {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, entry := range t.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Prices returns a plain symbol to price copy of the table.
func (t *Table) Prices() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, entry := range t.Snapshot() {
		out[entry.Symbol] = entry.USD
	}
	return out
}

// UpdatedAt reports the most recent update applied to the table.
func (t *Table) UpdatedAt() time.Time {
	if t == nil {
		return time.Time{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updated
}

// NormalizeSymbol canonicalises token symbols to trimmed upper-case.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func ageSeconds(observed, now time.Time) uint32 {
	if observed.IsZero() || now.IsZero() {
		return math.MaxUint32
	}
	observed = observed.UTC()
	now = now.UTC()
	if !now.After(observed) {
		return 0
	}
	seconds := now.Sub(observed) / time.Second
	if seconds > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(seconds)
}
