package pricing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// DivisionScale is the number of fractional digits kept when a conversion divides
// by the destination price.
const DivisionScale int32 = 18

// ErrUnknownToken is wrapped by ConfigurationError when a symbol has no price.
var ErrUnknownToken = errors.New("pricing: unknown token")

// Mode selects how missing prices are treated.
type Mode string

const (
	// ModeStrict rejects conversions touching a symbol without a price.
	ModeStrict Mode = "strict"
	// ModePermissive prices an unknown source at zero and an unknown destination
	// at one, matching the behaviour of the legacy dashboards.
	ModePermissive Mode = "permissive"
)

// ParseMode resolves a configuration string into a Mode. Empty input selects
// ModeStrict.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeStrict:
		return ModeStrict, nil
	case ModePermissive:
		return ModePermissive, nil
	default:
		return "", fmt.Errorf("pricing: unknown mode %q", raw)
	}
}

// ConfigurationError lists the symbols a strict converter could not price.
type ConfigurationError struct {
	Symbols []string
}

func (e *ConfigurationError) Error() string {
	if e == nil || len(e.Symbols) == 0 {
		return "pricing: missing price configuration"
	}
	return fmt.Sprintf("pricing: no price configured for %s", strings.Join(e.Symbols, ", "))
}

func (e *ConfigurationError) Unwrap() error { return ErrUnknownToken }

func missing(symbols ...string) *ConfigurationError {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		key := NormalizeSymbol(symbol)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return &ConfigurationError{Symbols: out}
}

// Converter translates token amounts through the USD prices held by a Table.
type Converter struct {
	table *Table
	mode  Mode
}

// NewConverter binds a converter to the supplied table. A nil table behaves as
// an empty one.
func NewConverter(table *Table, mode Mode) *Converter {
	if table == nil {
		table = NewTable(nil)
	}
	if mode == "" {
		mode = ModeStrict
	}
	return &Converter{table: table, mode: mode}
}

// Table exposes the backing price table.
func (c *Converter) Table() *Table { return c.table }

// Mode reports the configured lookup mode.
func (c *Converter) Mode() Mode { return c.mode }

// Convert returns amount × price[from] / price[to].
func (c *Converter) Convert(from string, amount decimal.Decimal, to string) (decimal.Decimal, error) {
	if NormalizeSymbol(from) == NormalizeSymbol(to) {
		return amount, nil
	}
	fromPrice, fromOK := c.table.Price(from)
	toPrice, toOK := c.table.Price(to)
	if c.mode == ModeStrict {
		switch {
		case !fromOK && !toOK:
			return decimal.Zero, missing(from, to)
		case !fromOK:
			return decimal.Zero, missing(from)
		case !toOK:
			return decimal.Zero, missing(to)
		}
	}
	if !fromOK {
		fromPrice = decimal.Zero
	}
	if !toOK {
		toPrice = decimal.NewFromInt(1)
	}
	return amount.Mul(fromPrice).DivRound(toPrice, DivisionScale), nil
}

// USDValue prices amount of symbol in USD.
func (c *Converter) USDValue(symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	price, ok := c.table.Price(symbol)
	if !ok {
		if c.mode == ModeStrict {
			return decimal.Zero, missing(symbol)
		}
		return decimal.Zero, nil
	}
	return amount.Mul(price), nil
}

// Require verifies every symbol has a price. Permissive converters never fail.
func (c *Converter) Require(symbols ...string) error {
	return c.RequireWith(nil, symbols...)
}

// RequireWith is Require evaluated as if pending had already been installed
// in the table. The table itself is not touched.
func (c *Converter) RequireWith(pending map[string]decimal.Decimal, symbols ...string) error {
	if c.mode != ModeStrict {
		return nil
	}
	staged := make(map[string]bool, len(pending))
	for symbol, usd := range pending {
		if key := NormalizeSymbol(symbol); key != "" && usd.IsPositive() {
			staged[key] = true
		}
	}
	var absent []string
	for _, symbol := range symbols {
		key := NormalizeSymbol(symbol)
		if key == "" || staged[key] {
			continue
		}
		if _, ok := c.table.Price(symbol); !ok {
			absent = append(absent, symbol)
		}
	}
	if len(absent) > 0 {
		return missing(absent...)
	}
	return nil
}
