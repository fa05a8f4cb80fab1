package pricing

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// File mirrors the TOML representation of a static price table:
//
//	mode = "strict"
//	max_age = "5m"
//
//	[prices]
//	USDC = "1"
//	WETH = "3120.55"
type File struct {
	Mode   string            `toml:"mode"`
	MaxAge string            `toml:"max_age"`
	Prices map[string]string `toml:"prices"`
}

// LoadTable reads a price table file and returns the table together with the
// lookup mode it declares.
func LoadTable(path string) (*Table, Mode, error) {
	var file File
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, "", fmt.Errorf("decode price table: %w", err)
	}
	return file.Build()
}

// Build validates the decoded file and materialises the table.
func (f File) Build() (*Table, Mode, error) {
	mode, err := ParseMode(f.Mode)
	if err != nil {
		return nil, "", err
	}
	prices := make(map[string]decimal.Decimal, len(f.Prices))
	for symbol, raw := range f.Prices {
		key := NormalizeSymbol(symbol)
		if key == "" {
			return nil, "", fmt.Errorf("price table: empty symbol")
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, "", fmt.Errorf("price table: %s: %w", key, err)
		}
		if !value.IsPositive() {
			return nil, "", fmt.Errorf("price table: %s price must be positive", key)
		}
		prices[key] = value
	}
	table := NewTable(prices)
	if f.MaxAge != "" {
		maxAge, err := time.ParseDuration(f.MaxAge)
		if err != nil {
			return nil, "", fmt.Errorf("price table: max_age: %w", err)
		}
		table.SetMaxAge(maxAge)
	}
	return table, mode, nil
}
