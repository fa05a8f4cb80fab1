package escrow

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fixedPricer map[string]decimal.Decimal

func (p fixedPricer) USDValue(symbol string, amount decimal.Decimal) (decimal.Decimal, error) {
	price, ok := p[symbol]
	if !ok {
		return decimal.Zero, errors.New("no price")
	}
	return amount.Mul(price), nil
}

func newLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(fixedPricer{"USDC": d("1"), "WETH": d("2000"), "STETH": d("1990")})
	if _, err := l.Credit("usdc", d("10000"), true); err != nil {
		t.Fatalf("credit usdc: %v", err)
	}
	if _, err := l.Credit("WETH", d("2"), true); err != nil {
		t.Fatalf("credit weth: %v", err)
	}
	if _, err := l.Credit("STETH", d("1"), false); err != nil {
		t.Fatalf("credit steth: %v", err)
	}
	return l
}

func TestCreditValuesBalance(t *testing.T) {
	l := newLedger(t)
	bal, ok := l.Balance("weth")
	if !ok {
		t.Fatalf("expected WETH balance")
	}
	if !bal.USDValue.Equal(d("4000")) {
		t.Fatalf("expected usd value 4000, got %s", bal.USDValue)
	}
	if bal.Version != 1 {
		t.Fatalf("expected version 1, got %d", bal.Version)
	}
	if _, err := l.Credit("WETH", decimal.Zero, true); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected invalid amount, got %v", err)
	}
	if _, err := l.Credit(" ", d("1"), true); !errors.Is(err, ErrSymbolRequired) {
		t.Fatalf("expected symbol required, got %v", err)
	}
}

func TestApplyDebitsAndBumpsVersion(t *testing.T) {
	l := newLedger(t)
	snap := l.Snapshot()
	updated, err := l.Apply([]Debit{{Token: "USDC", Amount: d("10000"), ExpectedVersion: snap.Version("USDC")}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(updated) != 1 || !updated[0].Amount.IsZero() || !updated[0].USDValue.IsZero() {
		t.Fatalf("unexpected result %+v", updated)
	}
	if updated[0].Version != snap.Version("USDC")+1 {
		t.Fatalf("expected version bump, got %d", updated[0].Version)
	}
}

func TestApplyRejectsWithoutPartialDebit(t *testing.T) {
	l := newLedger(t)
	snap := l.Snapshot()
	_, err := l.Apply([]Debit{
		{Token: "USDC", Amount: d("500"), ExpectedVersion: snap.Version("USDC")},
		{Token: "WETH", Amount: d("3"), ExpectedVersion: snap.Version("WETH")},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	after := l.Snapshot()
	for _, bal := range snap.All() {
		got, _ := after.Balance(bal.Symbol)
		if !got.Amount.Equal(bal.Amount) || got.Version != bal.Version {
			t.Fatalf("balance %s mutated: %+v -> %+v", bal.Symbol, bal, got)
		}
	}
}

func TestApplyAggregatesSameToken(t *testing.T) {
	l := newLedger(t)
	v := l.Snapshot().Version("WETH")
	_, err := l.Apply([]Debit{
		{Token: "WETH", Amount: d("1.5"), ExpectedVersion: v},
		{Token: "weth", Amount: d("1"), ExpectedVersion: v},
	})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected aggregated debit to exceed balance, got %v", err)
	}
}

func TestApplyRejectsStaleVersion(t *testing.T) {
	l := newLedger(t)
	snap := l.Snapshot()
	if _, err := l.Credit("USDC", d("1"), true); err != nil {
		t.Fatalf("credit: %v", err)
	}
	_, err := l.Apply([]Debit{{Token: "USDC", Amount: d("1"), ExpectedVersion: snap.Version("USDC")}})
	if !errors.Is(err, ErrStaleSnapshot) {
		t.Fatalf("expected stale snapshot, got %v", err)
	}
}

func TestApplyUnknownToken(t *testing.T) {
	l := newLedger(t)
	_, err := l.Apply([]Debit{{Token: "DAI", Amount: d("1")}})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance for unknown token, got %v", err)
	}
}

func TestSetBumpsOnlyOnChange(t *testing.T) {
	l := newLedger(t)
	changed, err := l.Set("USDC", d("10000"), true)
	if err != nil || changed {
		t.Fatalf("expected unchanged, got %v %v", changed, err)
	}
	changed, err = l.Set("USDC", d("-5"), true)
	if err != nil || !changed {
		t.Fatalf("expected change, got %v %v", changed, err)
	}
	bal, _ := l.Balance("USDC")
	if !bal.Amount.IsZero() || bal.Version != 2 {
		t.Fatalf("expected clamped balance at version 2, got %+v", bal)
	}
}

func TestGroupingAndTotal(t *testing.T) {
	l := newLedger(t)
	listed := l.Listed()
	if len(listed) != 2 || listed[0].Symbol != "USDC" || listed[1].Symbol != "WETH" {
		t.Fatalf("unexpected listed order %+v", listed)
	}
	unlisted := l.Unlisted()
	if len(unlisted) != 1 || unlisted[0].Symbol != "STETH" {
		t.Fatalf("unexpected unlisted %+v", unlisted)
	}
	if got := l.TotalUSD(); !got.Equal(d("15990")) {
		t.Fatalf("expected total 15990, got %s", got)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l := NewLedger(nil)
	if _, err := l.Credit("USDC", d("100"), true); err != nil {
		t.Fatalf("credit: %v", err)
	}
	version := l.Snapshot().Version("USDC")
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Apply([]Debit{{Token: "USDC", Amount: d("80"), ExpectedVersion: version}})
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	var ok, failed int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		if !errors.Is(err, ErrStaleSnapshot) && !errors.Is(err, ErrInsufficientBalance) {
			t.Fatalf("unexpected error %v", err)
		}
		failed++
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("expected one success and one failure, got %d/%d", ok, failed)
	}
	bal, _ := l.Balance("USDC")
	if !bal.Amount.Equal(d("20")) {
		t.Fatalf("expected 20 remaining, got %s", bal.Amount)
	}
}

func TestReplaceMirrorsVersions(t *testing.T) {
	l := newLedger(t)
	changed := l.Replace([]Balance{
		{Symbol: "usdc", Amount: d("10000"), Listed: true, Version: 9},
		{Symbol: "DAI", Amount: d("-3"), Version: 2},
	})
	if changed != 4 {
		t.Fatalf("expected 4 changes, got %d", changed)
	}
	bal, ok := l.Balance("USDC")
	if !ok || bal.Version != 9 || !bal.USDValue.Equal(d("10000")) {
		t.Fatalf("unexpected usdc %+v", bal)
	}
	dai, _ := l.Balance("DAI")
	if !dai.Amount.IsZero() {
		t.Fatalf("expected clamped DAI, got %s", dai.Amount)
	}
	if _, ok := l.Balance("WETH"); ok {
		t.Fatalf("WETH should have been dropped")
	}
}
