package pricing

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func testTable() *Table {
	return NewTable(map[string]decimal.Decimal{
		"USDC": d("1"),
		"WETH": d("3000"),
		"WBTC": d("60000"),
		"SATS": d("0.0006"),
	})
}

func TestConvertUsesPriceRatio(t *testing.T) {
	conv := NewConverter(testTable(), ModeStrict)
	out, err := conv.Convert("WETH", d("0.5"), "USDC")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.Equal(d("1500")) {
		t.Fatalf("expected 1500, got %s", out)
	}
	out, err = conv.Convert("usdc", d("6000"), "wbtc")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.Equal(d("0.1")) {
		t.Fatalf("expected 0.1, got %s", out)
	}
}

func TestConvertSameTokenSkipsLookup(t *testing.T) {
	conv := NewConverter(NewTable(nil), ModeStrict)
	out, err := conv.Convert("LBTC", d("4"), "lbtc")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.Equal(d("4")) {
		t.Fatalf("expected identity conversion, got %s", out)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	conv := NewConverter(testTable(), ModeStrict)
	tolerance := d("0.000000000001")
	pairs := [][2]string{{"WETH", "USDC"}, {"SATS", "WBTC"}, {"WBTC", "WETH"}, {"USDC", "SATS"}}
	amounts := []string{"1", "0.001", "12345.6789", "19000"}
	for _, pair := range pairs {
		for _, raw := range amounts {
			x := d(raw)
			there, err := conv.Convert(pair[0], x, pair[1])
			if err != nil {
				t.Fatalf("convert %s->%s: %v", pair[0], pair[1], err)
			}
			back, err := conv.Convert(pair[1], there, pair[0])
			if err != nil {
				t.Fatalf("convert %s->%s: %v", pair[1], pair[0], err)
			}
			if back.Sub(x).Abs().GreaterThan(tolerance) {
				t.Fatalf("round trip %s %s->%s drifted: %s", raw, pair[0], pair[1], back)
			}
		}
	}
}

func TestConvertStrictUnknownToken(t *testing.T) {
	conv := NewConverter(testTable(), ModeStrict)
	_, err := conv.Convert("DOGE", d("1"), "USDC")
	if !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %T", err)
	}
	if len(cfgErr.Symbols) != 1 || cfgErr.Symbols[0] != "DOGE" {
		t.Fatalf("unexpected symbols: %v", cfgErr.Symbols)
	}
	_, err = conv.Convert("DOGE", d("1"), "PEPE")
	if !errors.As(err, &cfgErr) || len(cfgErr.Symbols) != 2 {
		t.Fatalf("expected both symbols reported, got %v", err)
	}
}

func TestConvertPermissiveDefaults(t *testing.T) {
	conv := NewConverter(testTable(), ModePermissive)
	out, err := conv.Convert("DOGE", d("10"), "USDC")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.IsZero() {
		t.Fatalf("unknown source should convert to zero, got %s", out)
	}
	out, err = conv.Convert("WETH", d("2"), "DOGE")
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !out.Equal(d("6000")) {
		t.Fatalf("unknown destination should price at one, got %s", out)
	}
}

func TestRequireListsEveryMissingSymbol(t *testing.T) {
	conv := NewConverter(testTable(), ModeStrict)
	if err := conv.Require("USDC", "WETH"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := conv.Require("USDC", "lbtc", "SOLV", "LBTC")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(cfgErr.Symbols) != 2 || cfgErr.Symbols[0] != "LBTC" || cfgErr.Symbols[1] != "SOLV" {
		t.Fatalf("unexpected symbols: %v", cfgErr.Symbols)
	}
	if err := NewConverter(testTable(), ModePermissive).Require("NOPE"); err != nil {
		t.Fatalf("permissive require should not fail: %v", err)
	}
}

func TestTableRejectsNonPositivePrices(t *testing.T) {
	table := NewTable(nil)
	if table.Set("USDC", decimal.Zero, "test", time.Now()) {
		t.Fatalf("expected zero price to be rejected")
	}
	if table.Set(" ", d("1"), "test", time.Now()) {
		t.Fatalf("expected empty symbol to be rejected")
	}
	if !table.Set("usdc", d("1"), "test", time.Now()) {
		t.Fatalf("expected price to be stored")
	}
	if _, ok := table.Price("USDC"); !ok {
		t.Fatalf("expected normalised lookup to succeed")
	}
}

func TestTableStatus(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	table := NewTable(nil)
	table.SetMaxAge(time.Minute)
	table.Set("WETH", d("3000"), "oracle", now.Add(-30*time.Second))
	table.Set("WBTC", d("60000"), "oracle", now.Add(-2*time.Minute))
	if status := table.Status("WETH", now); status != PriceStatusOK {
		t.Fatalf("expected ok, got %s", status)
	}
	if status := table.Status("WBTC", now); status != PriceStatusStale {
		t.Fatalf("expected stale, got %s", status)
	}
	if status := table.Status("USDT", now); status != PriceStatusMissing {
		t.Fatalf("expected missing, got %s", status)
	}
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prices.toml")
	contents := "mode = \"permissive\"\nmax_age = \"2m\"\n\n[prices]\nusdc = \"1\"\nWETH = \"3120.55\"\n"
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
	table, mode, err := LoadTable(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if mode != ModePermissive {
		t.Fatalf("unexpected mode %s", mode)
	}
	price, ok := table.Price("WETH")
	if !ok || !price.Equal(d("3120.55")) {
		t.Fatalf("unexpected WETH price %s", price)
	}
	if _, ok := table.Price("USDC"); !ok {
		t.Fatalf("expected USDC to be normalised")
	}
}

func TestLoadTableRejectsInvalidPrice(t *testing.T) {
	_, _, err := File{Prices: map[string]string{"USDC": "-1"}}.Build()
	if err == nil {
		t.Fatalf("expected negative price to fail")
	}
	_, _, err = File{Mode: "lenient"}.Build()
	if err == nil {
		t.Fatalf("expected unknown mode to fail")
	}
}

func TestRequireWithStagedPrices(t *testing.T) {
	table := testTable()
	conv := NewConverter(table, ModeStrict)
	pending := map[string]decimal.Decimal{"dai": d("1"), "ARB": d("0")}
	if err := conv.RequireWith(pending, "USDC", "DAI"); err != nil {
		t.Fatalf("staged price should satisfy requirement: %v", err)
	}
	var cfgErr *ConfigurationError
	if err := conv.RequireWith(pending, "DAI", "ARB"); !errors.As(err, &cfgErr) || len(cfgErr.Symbols) != 1 || cfgErr.Symbols[0] != "ARB" {
		t.Fatalf("non-positive staged price must not count, got %v", err)
	}
	if _, ok := table.Price("DAI"); ok {
		t.Fatalf("RequireWith must not install prices")
	}
	if err := NewConverter(table, ModePermissive).RequireWith(nil, "ARB"); err != nil {
		t.Fatalf("permissive converters never fail: %v", err)
	}
}
