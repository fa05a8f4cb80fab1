package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Band names the health score ranges.
type Band string

const (
	BandDanger  Band = "danger"
	BandWarning Band = "warning"
	BandSafe    Band = "safe"
)

// ErrNoHealthSource is returned when no health provider is configured.
var ErrNoHealthSource = errors.New("dispatcher: health source not configured")

var hundred = decimal.NewFromInt(100)

// Health is the classified external health score.
type Health struct {
	Score float64 `json:"score"`
	Band  Band    `json:"band"`
}

// ClassifyHealth clamps score into [0,100] and assigns its band: danger below
// 40, warning from 40 up to 70, safe from 70.
func ClassifyHealth(score float64) Health {
	if math.IsNaN(score) || score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	switch {
	case score < 40:
		return Health{Score: score, Band: BandDanger}
	case score < 70:
		return Health{Score: score, Band: BandWarning}
	default:
		return Health{Score: score, Band: BandSafe}
	}
}

// Health reads and classifies the external score. The score is forwarded as
// received apart from clamping.
func (d *Dispatcher) Health(ctx context.Context) (Health, error) {
	if d.health == nil {
		return Health{}, ErrNoHealthSource
	}
	score, err := d.health.HealthScore(ctx)
	if err != nil {
		return Health{}, fmt.Errorf("dispatcher: health score: %w", err)
	}
	h := ClassifyHealth(score)
	d.metrics.SetHealth(h.Score)
	return h, nil
}

// Portfolio aggregates every vault in USD.
type Portfolio struct {
	AssetsSlashed        decimal.Decimal `json:"assetsSlashed"`
	AssetsInCustody      decimal.Decimal `json:"assetsInCustody"`
	UnrealisedPnL        decimal.Decimal `json:"unrealisedPnl"`
	UnrealisedPnLPercent decimal.Decimal `json:"unrealisedPnlPercent"`
	TotalDeficitUSD      decimal.Decimal `json:"totalDeficitUsd"`
	EscrowUSD            decimal.Decimal `json:"escrowUsd"`
	Vaults               int             `json:"vaults"`
	InDeficit            int             `json:"inDeficit"`
	ActiveTimers         int             `json:"activeTimers"`
	TimedOut             int             `json:"timedOut"`
	Health               *Health         `json:"health,omitempty"`
	AsOf                 time.Time       `json:"asOf"`
}

// Portfolio sums slashed and custody value across vaults. Slashed is
// Σ TotalPreSlashed×price; custody is Σ (EscrowAmount+OrchestratorBalance)×price.
func (d *Dispatcher) Portfolio(ctx context.Context) (Portfolio, error) {
	if !d.Ready() {
		return Portfolio{}, ErrNotReady
	}
	out := Portfolio{
		AssetsSlashed:        decimal.Zero,
		AssetsInCustody:      decimal.Zero,
		UnrealisedPnLPercent: decimal.Zero,
		TotalDeficitUSD:      decimal.Zero,
		AsOf:                 d.clock().UTC(),
	}
	vaults := d.Vaults()
	out.Vaults = len(vaults)
	for i := range vaults {
		v := &vaults[i]
		slashed, err := d.converter.USDValue(v.NativeToken, v.TotalPreSlashed)
		if err != nil {
			return Portfolio{}, err
		}
		custody, err := d.converter.USDValue(v.NativeToken, v.EscrowAmount.Add(v.OrchestratorBalance))
		if err != nil {
			return Portfolio{}, err
		}
		deficit, err := d.converter.USDValue(v.NativeToken, v.Deficit())
		if err != nil {
			return Portfolio{}, err
		}
		out.AssetsSlashed = out.AssetsSlashed.Add(slashed)
		out.AssetsInCustody = out.AssetsInCustody.Add(custody)
		out.TotalDeficitUSD = out.TotalDeficitUSD.Add(deficit)
		if v.Deficit().IsPositive() {
			out.InDeficit++
		}
	}
	out.UnrealisedPnL = out.AssetsInCustody.Sub(out.AssetsSlashed)
	if out.AssetsSlashed.IsPositive() {
		out.UnrealisedPnLPercent = out.UnrealisedPnL.Mul(hundred).DivRound(out.AssetsSlashed, 4)
	}
	out.EscrowUSD = d.ledger.TotalUSD()
	out.ActiveTimers = len(d.machine.Active())
	out.TimedOut = len(d.machine.TimedOut())
	if d.health != nil {
		if h, err := d.Health(ctx); err == nil {
			out.Health = &h
		}
	}
	return out, nil
}
