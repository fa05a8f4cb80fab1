package escrow

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Snapshot is an immutable copy of the ledger taken at one instant.
type Snapshot struct {
	balances map[string]Balance
}

// NewSnapshot builds a snapshot from explicit balances. It is mostly useful to
// callers validating against data they fetched themselves.
func NewSnapshot(balances ...Balance) Snapshot {
	out := make(map[string]Balance, len(balances))
	for _, bal := range balances {
		bal.Symbol = NormalizeSymbol(bal.Symbol)
		if bal.Symbol == "" {
			continue
		}
		out[bal.Symbol] = bal
	}
	return Snapshot{balances: out}
}

// Balance returns the balance for symbol. Unknown tokens report a zero amount
// at version zero.
func (s Snapshot) Balance(symbol string) (Balance, bool) {
	key := NormalizeSymbol(symbol)
	bal, ok := s.balances[key]
	if !ok {
		return Balance{Symbol: key, Amount: decimal.Zero, USDValue: decimal.Zero}, false
	}
	return bal, true
}

// Amount returns the held amount for symbol.
func (s Snapshot) Amount(symbol string) decimal.Decimal {
	bal, _ := s.Balance(symbol)
	return bal.Amount
}

// Version returns the balance version for symbol.
func (s Snapshot) Version(symbol string) uint64 {
	bal, _ := s.Balance(symbol)
	return bal.Version
}

// All returns every balance sorted by symbol.
func (s Snapshot) All() []Balance {
	out := make([]Balance, 0, len(s.balances))
	for _, bal := range s.balances {
		out = append(out, bal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len reports the number of balances held.
func (s Snapshot) Len() int { return len(s.balances) }
