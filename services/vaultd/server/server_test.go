package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"vaultguard/core/events"
	"vaultguard/core/pricing"
	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/vault"
	"vaultguard/services/vaultd/dispatcher"
	"vaultguard/services/vaultd/storage"
)

var base = time.Date(2024, time.June, 7, 19, 15, 17, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type harness struct {
	t          *testing.T
	store      *storage.Store
	dispatcher *dispatcher.Dispatcher
	bus        *events.Bus
	server     *httptest.Server
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.Seed(ctx, []vault.Vault{
		{Address: "0xA", Name: "Stable", NativeToken: "USDC", TotalPreSlashed: dec("20000"), OrchestratorBalance: dec("1000"), EscrowAmount: dec("500")},
		{Address: "0xC", Name: "Covered", NativeToken: "USDC", TotalPreSlashed: dec("100"), OrchestratorBalance: dec("100")},
	}, []escrow.Balance{
		{Symbol: "USDC", Amount: dec("10000"), Listed: true},
		{Symbol: "WETH", Amount: dec("1")},
	}))
	require.NoError(t, store.SavePrices(ctx, map[string]decimal.Decimal{"USDC": dec("1"), "WETH": dec("3000")}, "static", base))
	require.NoError(t, store.RecordHealth(ctx, 55, "risk"))

	bus := events.NewBus()
	converter := pricing.NewConverter(pricing.NewTable(nil), pricing.ModeStrict)
	d, err := dispatcher.New(store, converter,
		dispatcher.WithCommitWriter(store),
		dispatcher.WithTimerStore(store),
		dispatcher.WithHealthSource(store),
		dispatcher.WithEmitter(bus),
		dispatcher.WithClock(func() time.Time { return base }),
	)
	require.NoError(t, err)
	require.NoError(t, d.Refresh(ctx))

	srv, err := New(cfg, d, WithCommitLog(store), WithHealthRecorder(store), WithBus(bus))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{t: t, store: store, dispatcher: d, bus: bus, server: ts}
}

func (h *harness) do(method, path, body string, headers map[string]string) (int, map[string]any) {
	h.t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.server.Client().Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	if resp.Header.Get("Content-Type") == "application/json" {
		require.NoError(h.t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (h *harness) expire(addr string) {
	h.t.Helper()
	ctx := context.Background()
	_, _, err := h.dispatcher.StartRebalance(ctx, addr)
	require.NoError(h.t, err)
	for i := 1; i <= int(rebalance.DefaultTotalSeconds); i++ {
		h.dispatcher.Tick(ctx, base.Add(time.Duration(i)*time.Second))
	}
	require.Len(h.t, h.dispatcher.TimedOut(), 1)
}

func TestHealthAndVaults(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, true, body["ready"])

	status, body = h.do(http.MethodGet, "/v1/vaults", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["vaults"], 2)

	status, body = h.do(http.MethodGet, "/v1/vaults/0XA", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "19000", body["deficit"])

	status, _ = h.do(http.MethodGet, "/v1/vaults/0xdead", "", nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestReplenishCommitsAndAudits(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodPost, "/v1/vaults/0xa/replenish",
		`{"restore":"2000","selections":[{"token":"WETH","amount":"0.5"}]}`, nil)
	require.Equal(t, http.StatusOK, status, body)
	plan := body["plan"].(map[string]any)
	require.Equal(t, "3500", plan["totalInVaultToken"])
	require.Equal(t, "4500", body["vault"].(map[string]any)["orchestratorBalance"])

	status, body = h.do(http.MethodGet, "/v1/vaults/0xa/commits", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["commits"], 1)

	status, body = h.do(http.MethodGet, "/v1/escrow", "", nil)
	require.Equal(t, http.StatusOK, status)
	listed := body["listed"].([]any)
	require.Equal(t, "8000", listed[0].(map[string]any)["amount"])
}

func TestReplenishRejectsWithEveryViolation(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodPost, "/v1/vaults/0xa/replenish",
		`{"restore":"-1","selections":[{"token":"WETH","amount":"2"},{"token":"WETH","amount":"1"}]}`, nil)
	require.Equal(t, http.StatusUnprocessableEntity, status)
	violations := body["violations"].([]any)
	rules := make([]string, 0, len(violations))
	for _, v := range violations {
		rules = append(rules, v.(map[string]any)["rule"].(string))
	}
	require.Contains(t, rules, "restore_negative")
	require.Contains(t, rules, "exceeds_escrow_balance")
	require.Contains(t, rules, "duplicate_token")

	status, _ = h.do(http.MethodPost, "/v1/vaults/0xa/replenish", `{"restore":`, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/vaults/0xa/replenish", `{"vault":"0xc","restore":"1"}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestPreviewAndMax(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodPost, "/v1/vaults/0xa/replenish/preview",
		`{"selections":[{"token":"USDC","amount":"100"}]}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "100", body["totalInVaultToken"])

	status, body = h.do(http.MethodPost, "/v1/vaults/0xa/replenish/max", `{"token":"weth"}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "WETH", body["token"])
	require.Equal(t, "1", body["max"])

	status, body = h.do(http.MethodPost, "/v1/vaults/0xa/replenish/max", `{}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "restore", body["field"])
	require.Equal(t, "10000", body["max"])
}

func TestRebalanceLifecycle(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodPost, "/v1/vaults/0xa/rebalance", "", nil)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, true, body["created"])

	status, body = h.do(http.MethodPost, "/v1/vaults/0xa/rebalance", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, false, body["created"])

	status, body = h.do(http.MethodGet, "/v1/rebalance/active", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["timers"], 1)

	status, body = h.do(http.MethodGet, "/v1/rebalance/needed", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, body["vaults"])

	status, _ = h.do(http.MethodPost, "/v1/vaults/0xa/rebalance/force", "", map[string]string{OperatorHeader: "ops-1"})
	require.Equal(t, http.StatusConflict, status)
}

func TestRetryAndForceRequireOperator(t *testing.T) {
	h := newHarness(t, Config{})
	h.expire("0xa")

	status, _ := h.do(http.MethodPost, "/v1/vaults/0xa/rebalance/retry", "", nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, body := h.do(http.MethodPost, "/v1/vaults/0xa/rebalance/retry", "", map[string]string{OperatorHeader: "ops-1"})
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "retried", body["resolved"].(map[string]any)["resolution"])
	require.Equal(t, float64(2), body["timer"].(map[string]any)["attempt"])

	status, body = h.do(http.MethodGet, "/v1/rebalance/history", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, body["timers"], 1)

	status, _ = h.do(http.MethodPost, "/v1/vaults/0xc/rebalance/force", "", map[string]string{OperatorHeader: "ops-1"})
	require.Equal(t, http.StatusNotFound, status)
}

func TestStaleSnapshotMapsToConflict(t *testing.T) {
	status, body := statusFor(fmt.Errorf("commit: %w", escrow.ErrStaleSnapshot))
	require.Equal(t, http.StatusConflict, status)
	require.Contains(t, body.Error, "stale")

	status, _ = statusFor(&dispatcher.SnapshotError{Err: fmt.Errorf("db down")})
	require.Equal(t, http.StatusServiceUnavailable, status)
}

func TestPortfolio(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodGet, "/v1/portfolio", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "20100", body["assetsSlashed"])
	require.Equal(t, "warning", body["health"].(map[string]any)["band"])
}

func TestHealthIngestion(t *testing.T) {
	h := newHarness(t, Config{})

	status, body := h.do(http.MethodPut, "/v1/health", `{"score":120,"source":"risk"}`, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "safe", body["band"])
	require.Equal(t, float64(100), body["score"])

	status, body = h.do(http.MethodGet, "/v1/portfolio", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "safe", body["health"].(map[string]any)["band"])

	status, _ = h.do(http.MethodPut, "/v1/health", `{"source":"risk"}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestRateLimitThrottles(t *testing.T) {
	h := newHarness(t, Config{RatePerSecond: 0.001, Burst: 2})

	for i := 0; i < 2; i++ {
		status, _ := h.do(http.MethodGet, "/v1/escrow", "", nil)
		require.Equal(t, http.StatusOK, status)
	}
	status, _ := h.do(http.MethodGet, "/v1/escrow", "", nil)
	require.Equal(t, http.StatusTooManyRequests, status)

	status, _ = h.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, status)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t, Config{})
	h.do(http.MethodGet, "/v1/vaults", "", nil)

	resp, err := h.server.Client().Get(h.server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStreamDeliversEvents(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/v1/stream?types=vault.rebalance"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return h.bus.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	h.bus.Emit(events.PricesUpdated{Symbols: []string{"ETH"}})
	_, _, err = h.dispatcher.StartRebalance(ctx, "0xa")
	require.NoError(t, err)

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var record events.Record
	require.NoError(t, json.Unmarshal(data, &record))
	require.Equal(t, events.TypeRebalanceStarted, record.Type)
	require.Equal(t, "0xa", record.Attributes["vault"])
}
