package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
	"vaultguard/services/vaultd/dispatcher"
)

// OperatorHeader carries the identity recorded on retry and force.
const OperatorHeader = "X-Operator"

const maxBodyBytes = 1 << 20

type vaultView struct {
	vault.Assessment
	Timer *rebalance.Timer `json:"timer,omitempty"`
}

type escrowView struct {
	Listed   []escrow.Balance `json:"listed"`
	Unlisted []escrow.Balance `json:"unlisted"`
	TotalUSD decimal.Decimal  `json:"totalUsd"`
}

type maxRequest struct {
	replenish.Intent
	// Token selects the selection to maximise. Empty asks for the restore
	// field instead.
	Token string `json:"token"`
}

type maxResponse struct {
	Token string          `json:"token,omitempty"`
	Field string          `json:"field"`
	Max   decimal.Decimal `json:"max"`
}

type startResponse struct {
	Timer   rebalance.Timer `json:"timer"`
	Created bool            `json:"created"`
}

type retryResponse struct {
	Resolved rebalance.Timer `json:"resolved"`
	Timer    rebalance.Timer `json:"timer"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "ready": s.dispatcher.Ready()}
	if loaded := s.dispatcher.LoadedAt(); !loaded.IsZero() {
		body["loadedAt"] = loaded.UTC().Format(time.RFC3339)
	}
	status := http.StatusOK
	if !s.dispatcher.Ready() {
		body["status"] = "starting"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleVaults(w http.ResponseWriter, r *http.Request) {
	items, err := s.dispatcher.Assessments()
	if err != nil {
		s.logger.Warn("vault valuation incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": items})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	assessment, err := s.dispatcher.Assessment(addr)
	if err != nil && !errors.Is(err, dispatcher.ErrVaultNotFound) {
		s.logger.Warn("vault valuation incomplete", "vault", addr, "error", err)
		err = nil
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	view := vaultView{Assessment: assessment}
	if timer, ok := s.dispatcher.Timer(addr); ok {
		view.Timer = &timer
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCommits(w http.ResponseWriter, r *http.Request) {
	if s.commits == nil {
		writeError(w, http.StatusNotImplemented, "commit log unavailable", nil)
		return
	}
	addr := chi.URLParam(r, "address")
	if _, err := s.dispatcher.Vault(addr); err != nil {
		s.fail(w, r, err)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", nil)
			return
		}
		limit = parsed
	}
	rows, err := s.commits.Commits(r.Context(), addr, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": rows})
}

func (s *Server) handleReplenish(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	receipt, err := s.dispatcher.Replenish(r.Context(), intent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	intent, ok := s.decodeIntent(w, r)
	if !ok {
		return
	}
	plan, err := s.dispatcher.Plan(r.Context(), intent)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleMax(w http.ResponseWriter, r *http.Request) {
	var req maxRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	vaultAddr, err := bindVault(r, req.Intent.Vault)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	req.Intent.Vault = vaultAddr
	token := strings.TrimSpace(req.Token)
	if token == "" {
		limit, err := s.dispatcher.MaxRestore(r.Context(), req.Intent)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, maxResponse{Field: "restore", Max: limit})
		return
	}
	limit, err := s.dispatcher.MaxSelectable(r.Context(), req.Intent, token)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, maxResponse{Token: escrow.NormalizeSymbol(token), Field: "selection", Max: limit})
}

func (s *Server) handleStartRebalance(w http.ResponseWriter, r *http.Request) {
	timer, created, err := s.dispatcher.StartRebalance(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, startResponse{Timer: timer, Created: created})
}

func (s *Server) handleRetryRebalance(w http.ResponseWriter, r *http.Request) {
	resolved, fresh, err := s.dispatcher.RetryRebalance(r.Context(), chi.URLParam(r, "address"), operator(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, retryResponse{Resolved: resolved, Timer: fresh})
}

func (s *Server) handleForceRebalance(w http.ResponseWriter, r *http.Request) {
	timer, err := s.dispatcher.ForceRebalance(r.Context(), chi.URLParam(r, "address"), operator(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, timer)
}

func (s *Server) handleNeeded(w http.ResponseWriter, r *http.Request) {
	items, err := s.dispatcher.NeedsRebalancing()
	if err != nil {
		s.logger.Warn("vault valuation incomplete", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"vaults": items})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.dispatcher.ActiveRebalances()})
}

func (s *Server) handleTimedOut(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.dispatcher.TimedOut()})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"timers": s.dispatcher.History()})
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	ledger := s.dispatcher.Escrow()
	ledger.Revalue()
	writeJSON(w, http.StatusOK, escrowView{
		Listed:   ledger.Listed(),
		Unlisted: ledger.Unlisted(),
		TotalUSD: ledger.TotalUSD(),
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	portfolio, err := s.dispatcher.Portfolio(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, portfolio)
}

type healthRequest struct {
	Score  *float64 `json:"score"`
	Source string   `json:"source"`
}

func (s *Server) handlePutHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeError(w, http.StatusNotImplemented, "health ingestion unavailable", nil)
		return
	}
	var req healthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	if req.Score == nil {
		writeError(w, http.StatusBadRequest, "score required", nil)
		return
	}
	if err := s.health.RecordHealth(r.Context(), *req.Score, req.Source); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dispatcher.ClassifyHealth(*req.Score))
}

func (s *Server) decodeIntent(w http.ResponseWriter, r *http.Request) (replenish.Intent, bool) {
	var intent replenish.Intent
	if err := decodeBody(r, &intent); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), nil)
		return intent, false
	}
	vaultAddr, err := bindVault(r, intent.Vault)
	if err != nil {
		s.fail(w, r, err)
		return intent, false
	}
	intent.Vault = vaultAddr
	return intent, true
}

// bindVault fills the intent vault from the path. A body naming another vault
// is rejected.
func bindVault(r *http.Request, fromBody string) (string, error) {
	fromPath := chi.URLParam(r, "address")
	if strings.TrimSpace(fromBody) != "" && vault.NormalizeAddress(fromBody) != vault.NormalizeAddress(fromPath) {
		return "", fmt.Errorf("%w: body names %s", replenish.ErrVaultMismatch, fromBody)
	}
	return fromPath, nil
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("request body required")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func operator(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OperatorHeader))
}
