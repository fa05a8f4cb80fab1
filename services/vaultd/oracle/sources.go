package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// Registry constructs price sources from configuration.
type Registry struct {
	HTTPClient HTTPDoer
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source of the given type. assets maps token symbols to
// provider asset identifiers; the static source reads them as fixed prices.
func (r *Registry) Build(name, typ, endpoint string, assets map[string]string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "coingecko":
		return NewCoinGeckoSource(r.client(), label(name, "coingecko"), endpoint, assets), nil
	case "static":
		prices := make(map[string]decimal.Decimal, len(assets))
		for symbol, raw := range assets {
			price, err := decimal.NewFromString(strings.TrimSpace(raw))
			if err != nil {
				return nil, fmt.Errorf("static source %s: price for %s: %w", name, symbol, err)
			}
			prices[symbol] = price
		}
		return NewStaticSource(label(name, "static"), prices), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() HTTPDoer {
	if r != nil && r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// CoinGeckoSource reads USD prices from the CoinGecko simple price API.
type CoinGeckoSource struct {
	name     string
	client   HTTPDoer
	endpoint string
	ids      map[string]string
}

// NewCoinGeckoSource constructs the adapter. ids maps token symbols to
// CoinGecko asset identifiers; unmapped symbols are queried lower-cased.
func NewCoinGeckoSource(client HTTPDoer, name, endpoint string, ids map[string]string) *CoinGeckoSource {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(ids))
	for symbol, id := range ids {
		mapped[strings.ToUpper(strings.TrimSpace(symbol))] = strings.TrimSpace(id)
	}
	return &CoinGeckoSource{name: name, client: client, endpoint: ep, ids: mapped}
}

// Name implements Source.
func (s *CoinGeckoSource) Name() string { return s.name }

func (s *CoinGeckoSource) assetID(symbol string) string {
	if id, ok := s.ids[strings.ToUpper(strings.TrimSpace(symbol))]; ok && id != "" {
		return id
	}
	return strings.ToLower(strings.TrimSpace(symbol))
}

// Fetch implements Source.
func (s *CoinGeckoSource) Fetch(ctx context.Context, symbol string) (Quote, error) {
	id := s.assetID(symbol)
	if id == "" {
		return Quote{}, fmt.Errorf("coingecko: unmapped asset %q", symbol)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	values.Set("include_last_updated_at", "true")
	req.URL.RawQuery = values.Encode()
	resp, err := s.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("coingecko: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	decoder.UseNumber()
	var payload map[string]map[string]json.Number
	if err := decoder.Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("coingecko: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: quote missing for %s", symbol)
	}
	raw, ok := entry["usd"]
	if !ok {
		return Quote{}, fmt.Errorf("coingecko: usd price missing for %s", symbol)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return Quote{}, fmt.Errorf("coingecko: parse price: %w", err)
	}
	quote := Quote{Symbol: strings.ToUpper(strings.TrimSpace(symbol)), USD: price}
	if ts, ok := entry["last_updated_at"]; ok {
		if secs, err := ts.Int64(); err == nil && secs > 0 {
			quote.Timestamp = time.Unix(secs, 0).UTC()
		}
	}
	return quote, nil
}

// StaticSource serves fixed prices. It backs local runs and tests.
type StaticSource struct {
	name   string
	prices map[string]decimal.Decimal
	clock  func() time.Time
}

// NewStaticSource constructs a source that always returns prices.
func NewStaticSource(name string, prices map[string]decimal.Decimal) *StaticSource {
	normalized := make(map[string]decimal.Decimal, len(prices))
	for symbol, price := range prices {
		normalized[strings.ToUpper(strings.TrimSpace(symbol))] = price
	}
	return &StaticSource{name: name, prices: normalized, clock: time.Now}
}

// Name implements Source.
func (s *StaticSource) Name() string { return s.name }

// Fetch implements Source.
func (s *StaticSource) Fetch(_ context.Context, symbol string) (Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	price, ok := s.prices[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("static: no price for %s", symbol)
	}
	return Quote{Symbol: symbol, USD: price, Timestamp: s.clock().UTC()}, nil
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}
