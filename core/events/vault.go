package events

import (
	"strconv"
	"strings"
	"time"
)

const (
	// TypeReplenishmentCommitted is emitted after a commit plan is applied.
	TypeReplenishmentCommitted = "vault.replenishment.committed"
	// TypeRebalanceStarted is emitted when a rebalance countdown opens.
	TypeRebalanceStarted = "vault.rebalance.started"
	// TypeRebalanceExpired is emitted when a countdown reaches zero.
	TypeRebalanceExpired = "vault.rebalance.expired"
	// TypeRebalanceResolved is emitted when a timer reaches its terminal state.
	TypeRebalanceResolved = "vault.rebalance.resolved"
	// TypeSnapshotRefreshed is emitted after the engine reloads vault and escrow
	// snapshots.
	TypeSnapshotRefreshed = "vault.snapshot.refreshed"
	// TypePricesUpdated is emitted when the oracle refreshes the price table.
	TypePricesUpdated = "pricing.updated"
)

type ReplenishmentCommitted struct {
	PlanID            string
	Vault             string
	NativeToken       string
	Total             string
	OrchestratorAfter string
	Tokens            []string
	At                time.Time
}

func (ReplenishmentCommitted) EventType() string { return TypeReplenishmentCommitted }

func (e ReplenishmentCommitted) Record() Record {
	return Record{
		Type: TypeReplenishmentCommitted,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"planId":            strings.TrimSpace(e.PlanID),
			"vault":             strings.TrimSpace(e.Vault),
			"nativeToken":       strings.TrimSpace(e.NativeToken),
			"total":             e.Total,
			"orchestratorAfter": e.OrchestratorAfter,
			"tokens":            strings.Join(e.Tokens, ","),
		},
	}
}

type RebalanceStarted struct {
	Vault     string
	Attempt   int
	ExpiresAt time.Time
	At        time.Time
}

func (RebalanceStarted) EventType() string { return TypeRebalanceStarted }

func (e RebalanceStarted) Record() Record {
	return Record{
		Type: TypeRebalanceStarted,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"vault":     e.Vault,
			"attempt":   strconv.Itoa(e.Attempt),
			"expiresAt": e.ExpiresAt.UTC().Format(time.RFC3339),
		},
	}
}

type RebalanceExpired struct {
	Vault   string
	Attempt int
	At      time.Time
}

func (RebalanceExpired) EventType() string { return TypeRebalanceExpired }

func (e RebalanceExpired) Record() Record {
	return Record{
		Type: TypeRebalanceExpired,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"vault":   e.Vault,
			"attempt": strconv.Itoa(e.Attempt),
		},
	}
}

type RebalanceResolved struct {
	Vault      string
	Resolution string
	Actor      string
	Compliant  bool
	At         time.Time
}

func (RebalanceResolved) EventType() string { return TypeRebalanceResolved }

func (e RebalanceResolved) Record() Record {
	return Record{
		Type: TypeRebalanceResolved,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"vault":      e.Vault,
			"resolution": e.Resolution,
			"actor":      e.Actor,
			"compliant":  strconv.FormatBool(e.Compliant),
		},
	}
}

type SnapshotRefreshed struct {
	Vaults  int
	Tokens  int
	Changed int
	At      time.Time
}

func (SnapshotRefreshed) EventType() string { return TypeSnapshotRefreshed }

func (e SnapshotRefreshed) Record() Record {
	return Record{
		Type: TypeSnapshotRefreshed,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"vaults":  strconv.Itoa(e.Vaults),
			"tokens":  strconv.Itoa(e.Tokens),
			"changed": strconv.Itoa(e.Changed),
		},
	}
}

type PricesUpdated struct {
	Symbols []string
	Source  string
	At      time.Time
}

func (PricesUpdated) EventType() string { return TypePricesUpdated }

func (e PricesUpdated) Record() Record {
	return Record{
		Type: TypePricesUpdated,
		At:   e.At.UTC(),
		Attributes: map[string]string{
			"symbols": strings.Join(e.Symbols, ","),
			"source":  e.Source,
		},
	}
}
