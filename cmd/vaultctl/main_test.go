package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

type recorded struct {
	method   string
	path     string
	operator string
	body     map[string]any
}

func fakeVaultd(t *testing.T, status int, response string) (*httptest.Server, *recorded) {
	t.Helper()
	rec := &recorded{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec.method = r.Method
		rec.path = r.URL.Path
		rec.operator = r.Header.Get("X-Operator")
		if r.Body != nil {
			raw, _ := io.ReadAll(r.Body)
			if len(raw) > 0 {
				_ = json.Unmarshal(raw, &rec.body)
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv, rec
}

func TestSelectionsFlag(t *testing.T) {
	var s selections
	if err := s.Set("WETH=0.5"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set("USDC"); err == nil {
		t.Fatalf("expected format error")
	}
	if err := s.Set("USDC=abc"); err == nil {
		t.Fatalf("expected amount error")
	}
	if len(s) != 1 || !s[0].Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected selections %v", s)
	}
	if s.String() != "WETH=0.5" {
		t.Fatalf("unexpected string %q", s.String())
	}
}

func TestVaultsCommandPrintsTable(t *testing.T) {
	srv, rec := fakeVaultd(t, http.StatusOK, `{"vaults":[{"vault":{"address":"0xa","nativeToken":"USDC","totalPreSlashed":"20000","orchestratorBalance":"1000"},"deficit":"19000","deficitUsd":"19000","utilizationPercent":"95","classification":"deficit"}]}`)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-endpoint", srv.URL, "vaults"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.path != "/v1/vaults" {
		t.Fatalf("unexpected path %q", rec.path)
	}
	if !strings.Contains(out.String(), "19,000") || !strings.Contains(out.String(), "$19,000") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestReplenishSendsIntent(t *testing.T) {
	srv, rec := fakeVaultd(t, http.StatusOK, `{"plan":{"id":"6f1c2a4e-2b55-4c39-9a52-1f2f1e0f8d11","vault":"0xa","nativeToken":"USDC","totalInVaultToken":"3500","orchestratorBefore":"1000","orchestratorAfter":"4500"}}`)
	var out bytes.Buffer
	args := []string{"-endpoint", srv.URL, "replenish", "-restore", "2000", "-select", "WETH=0.5", "0xa"}
	if err := run(context.Background(), args, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.method != http.MethodPost || rec.path != "/v1/vaults/0xa/replenish" {
		t.Fatalf("unexpected request %s %s", rec.method, rec.path)
	}
	if rec.body["restore"] != "2000" {
		t.Fatalf("unexpected restore %v", rec.body["restore"])
	}
	if !strings.Contains(out.String(), "1,000 -> 4,500 USDC") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestValidationErrorsAreListed(t *testing.T) {
	srv, _ := fakeVaultd(t, http.StatusUnprocessableEntity, `{"error":"replenishment rejected","violations":[{"rule":"exceeds_deficit","message":"total exceeds deficit"}]}`)
	err := run(context.Background(), []string{"-endpoint", srv.URL, "replenish", "-restore", "1", "0xa"}, io.Discard)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "[exceeds_deficit]") || !strings.Contains(err.Error(), "422") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestForceSendsOperator(t *testing.T) {
	srv, rec := fakeVaultd(t, http.StatusOK, `{"vault":"0xa","state":"resolved","resolution":"forced","resolvedBy":"ops-1","attempt":1}`)
	var out bytes.Buffer
	if err := run(context.Background(), []string{"-endpoint", srv.URL, "-operator", "ops-1", "force", "0xa"}, &out); err != nil {
		t.Fatalf("run: %v", err)
	}
	if rec.operator != "ops-1" || rec.path != "/v1/vaults/0xa/rebalance/force" {
		t.Fatalf("unexpected request %+v", rec)
	}
	if !strings.Contains(out.String(), "forced") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run(context.Background(), []string{"explode"}, io.Discard); err == nil {
		t.Fatalf("expected error")
	}
	if err := run(context.Background(), []string{"vault"}, io.Discard); err == nil {
		t.Fatalf("expected address error")
	}
}
