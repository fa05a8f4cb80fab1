package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"vaultguard/core/events"
	"vaultguard/core/pricing"
)

var now = time.Date(2024, time.June, 7, 19, 15, 17, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type fakeSource struct {
	name   string
	quotes map[string]Quote
	err    error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, symbol string) (Quote, error) {
	if f.err != nil {
		return Quote{}, f.err
	}
	q, ok := f.quotes[symbol]
	if !ok {
		return Quote{}, errors.New("not quoted")
	}
	return q, nil
}

type capturingStore struct {
	saved map[string]decimal.Decimal
}

func (c *capturingStore) SavePrices(_ context.Context, prices map[string]decimal.Decimal, _ string, _ time.Time) error {
	c.saved = prices
	return nil
}

type capturingEmitter struct {
	events []events.Event
}

func (c *capturingEmitter) Emit(ev events.Event) { c.events = append(c.events, ev) }

func src(name string, prices map[string]string, at time.Time) *fakeSource {
	quotes := make(map[string]Quote, len(prices))
	for symbol, price := range prices {
		quotes[symbol] = Quote{Symbol: symbol, USD: d(price), Timestamp: at}
	}
	return &fakeSource{name: name, quotes: quotes}
}

func TestManagerTickAggregatesMedian(t *testing.T) {
	table := pricing.NewTable(nil)
	store := &capturingStore{}
	emitter := &capturingEmitter{}
	sources := []Source{
		src("alpha", map[string]string{"ETH": "2400", "USDC": "1"}, now),
		src("beta", map[string]string{"ETH": "2500", "USDC": "1"}, now),
		src("gamma", map[string]string{"ETH": "2700"}, now),
	}
	mgr, err := New(table, sources, []string{"eth", "usdc", "ETH"}, time.Second, time.Minute, 2,
		WithStore(store), WithEmitter(emitter), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if got := mgr.Symbols(); len(got) != 2 {
		t.Fatalf("expected deduplicated symbols, got %v", got)
	}

	medians, err := mgr.Tick(context.Background())
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !medians["ETH"].Equal(d("2500")) {
		t.Fatalf("unexpected ETH median: %s", medians["ETH"])
	}
	price, ok := table.Price("ETH")
	if !ok || !price.Equal(d("2500")) {
		t.Fatalf("table not refreshed: %s %v", price, ok)
	}
	if len(store.saved) != 2 {
		t.Fatalf("expected two persisted prices, got %d", len(store.saved))
	}
	if len(emitter.events) != 1 {
		t.Fatalf("expected one event, got %d", len(emitter.events))
	}
	ev := emitter.events[0].(events.PricesUpdated)
	if len(ev.Symbols) != 2 || ev.Symbols[0] != "ETH" {
		t.Fatalf("unexpected event symbols: %v", ev.Symbols)
	}
}

func TestManagerRejectsStaleAndFutureQuotes(t *testing.T) {
	table := pricing.NewTable(map[string]decimal.Decimal{"ETH": d("2000")})
	sources := []Source{
		src("stale", map[string]string{"ETH": "9000"}, now.Add(-2*time.Minute)),
		src("future", map[string]string{"ETH": "9000"}, now.Add(time.Minute)),
		src("zero", map[string]string{"ETH": "0"}, now),
		&fakeSource{name: "down", err: errors.New("timeout")},
	}
	mgr, err := New(table, sources, []string{"ETH"}, time.Second, time.Minute, 1, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if _, err := mgr.Tick(context.Background()); !errors.Is(err, ErrInsufficientFeeds) {
		t.Fatalf("expected insufficient feeds, got %v", err)
	}
	price, _ := table.Price("ETH")
	if !price.Equal(d("2000")) {
		t.Fatalf("table must keep the previous price, got %s", price)
	}
}

func TestManagerAppliesPartialResults(t *testing.T) {
	table := pricing.NewTable(nil)
	sources := []Source{src("alpha", map[string]string{"ETH": "2500"}, now)}
	mgr, err := New(table, sources, []string{"ETH", "DAI"}, time.Second, time.Minute, 1, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	medians, err := mgr.Tick(context.Background())
	if !errors.Is(err, ErrInsufficientFeeds) {
		t.Fatalf("expected DAI failure, got %v", err)
	}
	if len(medians) != 1 {
		t.Fatalf("expected ETH to be applied, got %v", medians)
	}
	if _, ok := table.Price("ETH"); !ok {
		t.Fatalf("ETH price not applied")
	}
}

func TestMedian(t *testing.T) {
	if got := Median([]decimal.Decimal{d("3"), d("1"), d("2")}); !got.Equal(d("2")) {
		t.Fatalf("odd median: %s", got)
	}
	if got := Median([]decimal.Decimal{d("1"), d("2")}); !got.Equal(d("1.5")) {
		t.Fatalf("even median: %s", got)
	}
	if got := Median(nil); !got.IsZero() {
		t.Fatalf("empty median: %s", got)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	table := pricing.NewTable(nil)
	one := []Source{src("a", nil, now)}
	if _, err := New(nil, one, []string{"ETH"}, time.Second, 0, 0); err == nil {
		t.Fatalf("expected table error")
	}
	if _, err := New(table, nil, []string{"ETH"}, time.Second, 0, 0); err == nil {
		t.Fatalf("expected sources error")
	}
	if _, err := New(table, one, []string{" "}, time.Second, 0, 0); err == nil {
		t.Fatalf("expected symbols error")
	}
	if _, err := New(table, one, []string{"ETH"}, 0, 0, 0); err == nil {
		t.Fatalf("expected interval error")
	}
}

func TestCoinGeckoSourceFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "weth" || r.URL.Query().Get("vs_currencies") != "usd" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"weth":{"usd":3012.45,"last_updated_at":1717787717}}`))
	}))
	defer srv.Close()

	source := NewCoinGeckoSource(srv.Client(), "cg", srv.URL, map[string]string{"weth": "weth"})
	quote, err := source.Fetch(context.Background(), "WETH")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !quote.USD.Equal(d("3012.45")) {
		t.Fatalf("unexpected price: %s", quote.USD)
	}
	if quote.Timestamp.Unix() != 1717787717 {
		t.Fatalf("unexpected timestamp: %s", quote.Timestamp)
	}

	if _, err := source.Fetch(context.Background(), "DAI"); err == nil {
		t.Fatalf("expected error for rejected query")
	}
}

func TestRegistryBuild(t *testing.T) {
	reg := NewRegistry()
	source, err := reg.Build("fixed", "static", "", map[string]string{"usdc": "1.0001"})
	if err != nil {
		t.Fatalf("build static: %v", err)
	}
	quote, err := source.Fetch(context.Background(), "USDC")
	if err != nil || !quote.USD.Equal(d("1.0001")) {
		t.Fatalf("static fetch: %v %s", err, quote.USD)
	}
	if _, err := reg.Build("x", "static", "", map[string]string{"ETH": "abc"}); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := reg.Build("x", "nowpayments", "", nil); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
