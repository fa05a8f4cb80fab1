package escrow

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientBalance is returned when a debit would drive a balance negative.
	ErrInsufficientBalance = errors.New("escrow ledger: insufficient balance")
	// ErrStaleSnapshot is returned when a debit was computed against a balance
	// version that has since changed.
	ErrStaleSnapshot = errors.New("escrow ledger: stale snapshot")
	// ErrInvalidAmount is returned for non-positive credits and debits.
	ErrInvalidAmount = errors.New("escrow ledger: amount must be positive")
	// ErrSymbolRequired is returned when a token symbol is empty.
	ErrSymbolRequired = errors.New("escrow ledger: symbol required")
)

// Pricer values token amounts in USD.
type Pricer interface {
	USDValue(symbol string, amount decimal.Decimal) (decimal.Decimal, error)
}

// Balance is the escrowed holding of one token.
type Balance struct {
	Symbol   string          `json:"symbol"`
	Amount   decimal.Decimal `json:"amount"`
	USDValue decimal.Decimal `json:"usdValue"`
	// Listed only controls how balances are grouped for display.
	Listed  bool   `json:"isListed"`
	Version uint64 `json:"version"`
}

// Debit removes Amount of Token, provided the balance is still at
// ExpectedVersion.
type Debit struct {
	Token           string          `json:"token"`
	Amount          decimal.Decimal `json:"amount"`
	ExpectedVersion uint64          `json:"expectedVersion"`
}

// Ledger holds escrow balances. Balances only decrease through Apply.
type Ledger struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	pricer   Pricer
}

// NewLedger constructs an empty ledger valuing balances with pricer.
func NewLedger(pricer Pricer) *Ledger {
	return &Ledger{balances: make(map[string]*Balance), pricer: pricer}
}

// NormalizeSymbol canonicalises token symbols.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Credit records a funding event.
func (l *Ledger) Credit(symbol string, amount decimal.Decimal, listed bool) (Balance, error) {
	key := NormalizeSymbol(symbol)
	if key == "" {
		return Balance{}, ErrSymbolRequired
	}
	if !amount.IsPositive() {
		return Balance{}, ErrInvalidAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key]
	if !ok {
		bal = &Balance{Symbol: key, Amount: decimal.Zero}
		l.balances[key] = bal
	}
	bal.Amount = bal.Amount.Add(amount)
	bal.Listed = listed
	bal.Version++
	l.revalueLocked(bal)
	return *bal, nil
}

// Set installs a balance from an external snapshot. The version is bumped only
// when the amount or grouping changed, which invalidates plans computed
// against the previous value. Negative amounts are clamped to zero.
func (l *Ledger) Set(symbol string, amount decimal.Decimal, listed bool) (bool, error) {
	key := NormalizeSymbol(symbol)
	if key == "" {
		return false, ErrSymbolRequired
	}
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[key]
	if ok && bal.Amount.Equal(amount) && bal.Listed == listed {
		l.revalueLocked(bal)
		return false, nil
	}
	if !ok {
		bal = &Balance{Symbol: key}
		l.balances[key] = bal
	}
	bal.Amount = amount
	bal.Listed = listed
	bal.Version++
	l.revalueLocked(bal)
	return true, nil
}

// Replace installs balances exactly as given, versions included, dropping any
// symbol not present. It is used to mirror a persisted snapshot. The number of
// symbols whose amount, grouping or version differ from before is returned.
func (l *Ledger) Replace(balances []Balance) int {
	next := make(map[string]*Balance, len(balances))
	for _, bal := range balances {
		key := NormalizeSymbol(bal.Symbol)
		if key == "" {
			continue
		}
		copied := bal
		copied.Symbol = key
		if copied.Amount.IsNegative() {
			copied.Amount = decimal.Zero
		}
		next[key] = &copied
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	changed := 0
	for key, bal := range next {
		prev, ok := l.balances[key]
		if !ok || !prev.Amount.Equal(bal.Amount) || prev.Listed != bal.Listed || prev.Version != bal.Version {
			changed++
		}
		l.revalueLocked(bal)
	}
	for key := range l.balances {
		if _, ok := next[key]; !ok {
			changed++
		}
	}
	l.balances = next
	return changed
}

// Balance returns the current balance for symbol.
func (l *Ledger) Balance(symbol string) (Balance, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	bal, ok := l.balances[NormalizeSymbol(symbol)]
	if !ok {
		return Balance{Symbol: NormalizeSymbol(symbol), Amount: decimal.Zero, USDValue: decimal.Zero}, false
	}
	return *bal, true
}

// Snapshot copies every balance.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]Balance, len(l.balances))
	for key, bal := range l.balances {
		out[key] = *bal
	}
	return Snapshot{balances: out}
}

// Check validates debits without mutating the ledger.
func (l *Ledger) Check(debits []Debit) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, err := l.prepareLocked(debits)
	return err
}

// Apply debits every entry atomically. Either all debits are applied or none
// are.
func (l *Ledger) Apply(debits []Debit) ([]Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	totals, err := l.prepareLocked(debits)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(totals))
	for key := range totals {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	updated := make([]Balance, 0, len(keys))
	for _, key := range keys {
		bal := l.balances[key]
		bal.Amount = bal.Amount.Sub(totals[key])
		bal.Version++
		l.revalueLocked(bal)
		updated = append(updated, *bal)
	}
	return updated, nil
}

func (l *Ledger) prepareLocked(debits []Debit) (map[string]decimal.Decimal, error) {
	totals := make(map[string]decimal.Decimal, len(debits))
	versions := make(map[string]uint64, len(debits))
	for _, debit := range debits {
		key := NormalizeSymbol(debit.Token)
		if key == "" {
			return nil, ErrSymbolRequired
		}
		if !debit.Amount.IsPositive() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, key)
		}
		if prev, seen := versions[key]; seen && prev != debit.ExpectedVersion {
			return nil, fmt.Errorf("%w: %s", ErrStaleSnapshot, key)
		}
		versions[key] = debit.ExpectedVersion
		totals[key] = totals[key].Add(debit.Amount)
	}
	for key, total := range totals {
		bal, ok := l.balances[key]
		current := uint64(0)
		available := decimal.Zero
		if ok {
			current = bal.Version
			available = bal.Amount
		}
		if current != versions[key] {
			return nil, fmt.Errorf("%w: %s at version %d, expected %d", ErrStaleSnapshot, key, current, versions[key])
		}
		if available.LessThan(total) {
			return nil, fmt.Errorf("%w: %s has %s, requested %s", ErrInsufficientBalance, key, available, total)
		}
	}
	return totals, nil
}

// Revalue recomputes every USD value, typically after a price refresh.
func (l *Ledger) Revalue() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, bal := range l.balances {
		l.revalueLocked(bal)
	}
}

func (l *Ledger) revalueLocked(bal *Balance) {
	bal.USDValue = decimal.Zero
	if l.pricer == nil {
		return
	}
	usd, err := l.pricer.USDValue(bal.Symbol, bal.Amount)
	if err != nil {
		return
	}
	bal.USDValue = usd
}

// Listed returns balances flagged as listed, largest USD value first.
func (l *Ledger) Listed() []Balance {
	return l.group(true)
}

// Unlisted returns balances not flagged as listed, largest USD value first.
func (l *Ledger) Unlisted() []Balance {
	return l.group(false)
}

func (l *Ledger) group(listed bool) []Balance {
	all := l.Snapshot().All()
	out := make([]Balance, 0, len(all))
	for _, bal := range all {
		if bal.Listed == listed {
			out = append(out, bal)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		cmp := out[i].USDValue.Cmp(out[j].USDValue)
		if cmp != 0 {
			return cmp > 0
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// TotalUSD sums the USD value of every balance.
func (l *Ledger) TotalUSD() decimal.Decimal {
	total := decimal.Zero
	for _, bal := range l.Snapshot().All() {
		total = total.Add(bal.USDValue)
	}
	return total
}
