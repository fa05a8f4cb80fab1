package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
	"vaultguard/services/vaultd/dispatcher"
)

var (
	// ErrDSNRequired is returned when no database location is configured.
	ErrDSNRequired = errors.New("vaultd storage: dsn must be configured")
	// ErrNoHealthScore is returned before any health score was recorded.
	ErrNoHealthScore = errors.New("vaultd storage: no health score recorded")
)

// historyLimit bounds how many resolved timers are reloaded on start.
const historyLimit = 1000

// Store is the gorm-backed persistence layer for vaultd. It serves as the
// snapshot source, the commit writer, the timer store and the health source.
type Store struct {
	db    *gorm.DB
	clock func() time.Time
}

// Open connects with the named driver and migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("vaultd storage: db required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, clock: time.Now}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB { return s.db }

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Snapshot implements dispatcher.SnapshotSource.
func (s *Store) Snapshot(ctx context.Context) (dispatcher.Snapshot, error) {
	db := s.db.WithContext(ctx)
	var vaultRows []VaultRecord
	if err := db.Order("address").Find(&vaultRows).Error; err != nil {
		return dispatcher.Snapshot{}, fmt.Errorf("load vaults: %w", err)
	}
	var escrowRows []EscrowRecord
	if err := db.Order("symbol").Find(&escrowRows).Error; err != nil {
		return dispatcher.Snapshot{}, fmt.Errorf("load escrow: %w", err)
	}
	var priceRows []PriceRecord
	if err := db.Find(&priceRows).Error; err != nil {
		return dispatcher.Snapshot{}, fmt.Errorf("load prices: %w", err)
	}

	snap := dispatcher.Snapshot{
		Vaults:  make([]vault.Vault, 0, len(vaultRows)),
		Escrow:  make([]escrow.Balance, 0, len(escrowRows)),
		Prices:  make(map[string]decimal.Decimal, len(priceRows)),
		TakenAt: s.clock().UTC(),
	}
	for _, row := range vaultRows {
		v := vault.Vault{
			Address:             row.Address,
			Name:                row.Name,
			NativeToken:         row.NativeToken,
			Curator:             row.Curator,
			TotalPreSlashed:     parseAmount(row.TotalPreSlashed),
			OrchestratorBalance: parseAmount(row.OrchestratorBalance),
			EscrowAmount:        parseAmount(row.EscrowAmount),
			Version:             row.Version,
		}
		v.Normalize()
		snap.Vaults = append(snap.Vaults, v)
	}
	for _, row := range escrowRows {
		snap.Escrow = append(snap.Escrow, escrow.Balance{
			Symbol:  row.Symbol,
			Amount:  parseAmount(row.Amount),
			Listed:  row.Listed,
			Version: row.Version,
		})
	}
	for _, row := range priceRows {
		price := parseAmount(row.USD)
		if price.IsPositive() {
			snap.Prices[row.Symbol] = price
		}
	}
	return snap, nil
}

// ApplyCommit implements dispatcher.CommitWriter. The vault and every
// escrow row are updated in one transaction guarded by their versions.
func (s *Store) ApplyCommit(ctx context.Context, plan *replenish.CommitPlan) error {
	if plan == nil {
		return fmt.Errorf("vaultd storage: plan required")
	}
	totals, versions, err := aggregate(plan.EscrowDebits())
	if err != nil {
		return err
	}
	debits, err := json.Marshal(plan.Debits)
	if err != nil {
		return fmt.Errorf("encode debits: %w", err)
	}
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&VaultRecord{}).
			Where("address = ? AND version = ?", plan.Vault, plan.VaultVersion).
			Updates(map[string]any{
				"orchestrator_balance": plan.OrchestratorAfter.String(),
				"version":              gorm.Expr("version + 1"),
				"updated_at":           now,
			})
		if res.Error != nil {
			return fmt.Errorf("update vault: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: vault %s moved past version %d", escrow.ErrStaleSnapshot, plan.Vault, plan.VaultVersion)
		}

		symbols := make([]string, 0, len(totals))
		for symbol := range totals {
			symbols = append(symbols, symbol)
		}
		sort.Strings(symbols)
		for _, symbol := range symbols {
			var row EscrowRecord
			err := tx.Where("symbol = ?", symbol).Take(&row).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s not held", escrow.ErrInsufficientBalance, symbol)
			}
			if err != nil {
				return fmt.Errorf("load escrow %s: %w", symbol, err)
			}
			if row.Version != versions[symbol] {
				return fmt.Errorf("%w: %s at version %d, expected %d", escrow.ErrStaleSnapshot, symbol, row.Version, versions[symbol])
			}
			remaining := parseAmount(row.Amount).Sub(totals[symbol])
			if remaining.IsNegative() {
				return fmt.Errorf("%w: %s", escrow.ErrInsufficientBalance, symbol)
			}
			res := tx.Model(&EscrowRecord{}).
				Where("symbol = ? AND version = ?", symbol, row.Version).
				Updates(map[string]any{
					"amount":     remaining.String(),
					"version":    gorm.Expr("version + 1"),
					"updated_at": now,
				})
			if res.Error != nil {
				return fmt.Errorf("update escrow %s: %w", symbol, res.Error)
			}
			if res.RowsAffected == 0 {
				return fmt.Errorf("%w: %s", escrow.ErrStaleSnapshot, symbol)
			}
		}

		record := CommitRecord{
			ID:                 plan.ID,
			Vault:              plan.Vault,
			NativeToken:        plan.NativeToken,
			Restore:            plan.Restore.String(),
			Total:              plan.TotalInVaultToken.String(),
			OrchestratorBefore: plan.OrchestratorBefore.String(),
			OrchestratorAfter:  plan.OrchestratorAfter.String(),
			VaultVersion:       plan.VaultVersion,
			Debits:             string(debits),
			PlannedAt:          plan.CreatedAt,
			CreatedAt:          now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return fmt.Errorf("insert commit record: %w", err)
		}
		return nil
	})
}

func aggregate(debits []escrow.Debit) (map[string]decimal.Decimal, map[string]uint64, error) {
	totals := make(map[string]decimal.Decimal, len(debits))
	versions := make(map[string]uint64, len(debits))
	for _, debit := range debits {
		symbol := escrow.NormalizeSymbol(debit.Token)
		if prev, ok := versions[symbol]; ok && prev != debit.ExpectedVersion {
			return nil, nil, fmt.Errorf("%w: conflicting versions for %s", escrow.ErrStaleSnapshot, symbol)
		}
		versions[symbol] = debit.ExpectedVersion
		totals[symbol] = totals[symbol].Add(debit.Amount)
	}
	return totals, versions, nil
}

// Commits lists audit rows for a vault, newest first.
func (s *Store) Commits(ctx context.Context, addr string, limit int) ([]CommitRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var rows []CommitRecord
	err := s.db.WithContext(ctx).
		Where("vault = ?", vault.NormalizeAddress(addr)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return rows, nil
}

// SaveTimer implements dispatcher.TimerStore.
func (s *Store) SaveTimer(ctx context.Context, timer rebalance.Timer) error {
	record := timerRecord(timer)
	record.UpdatedAt = s.clock().UTC()
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("save timer: %w", err)
	}
	return nil
}

// LoadTimers implements dispatcher.TimerStore. Every live timer is returned
// together with the most recent resolved records.
func (s *Store) LoadTimers(ctx context.Context) ([]rebalance.Timer, error) {
	db := s.db.WithContext(ctx)
	var live []TimerRecord
	if err := db.Where("state IN ?", []string{string(rebalance.StateActive), string(rebalance.StateExpired)}).Find(&live).Error; err != nil {
		return nil, fmt.Errorf("load live timers: %w", err)
	}
	var resolved []TimerRecord
	if err := db.Where("state = ?", string(rebalance.StateResolved)).Order("resolved_at DESC").Limit(historyLimit).Find(&resolved).Error; err != nil {
		return nil, fmt.Errorf("load resolved timers: %w", err)
	}
	out := make([]rebalance.Timer, 0, len(live)+len(resolved))
	for i := len(resolved) - 1; i >= 0; i-- {
		out = append(out, resolved[i].timer())
	}
	for _, row := range live {
		out = append(out, row.timer())
	}
	return out, nil
}

// timerKey is the row identity of a timer. Timers restored from rows written
// before ids existed fall back to a key derived from microsecond timestamps,
// which survive a round trip through either driver.
func timerKey(timer rebalance.Timer) string {
	if id := strings.TrimSpace(timer.ID); id != "" {
		return id
	}
	return fmt.Sprintf("%s#%d#%d", vault.NormalizeAddress(timer.Vault), timer.StartedAt.UTC().UnixMicro(), timer.Attempt)
}

func timerRecord(timer rebalance.Timer) TimerRecord {
	return TimerRecord{
		ID:                 timerKey(timer),
		Vault:              vault.NormalizeAddress(timer.Vault),
		State:              string(timer.State),
		CountdownSeconds:   timer.CountdownSeconds,
		TotalSeconds:       timer.TotalSeconds,
		StartedAt:          timer.StartedAt.UTC(),
		ExpiresAt:          timer.ExpiresAt.UTC(),
		ExpiredAt:          optionalTime(timer.ExpiredAt),
		OperatorCompliance: timer.OperatorCompliance,
		Resolution:         string(timer.Resolution),
		ResolvedAt:         optionalTime(timer.ResolvedAt),
		ResolvedBy:         timer.ResolvedBy,
		Attempt:            timer.Attempt,
	}
}

func (r TimerRecord) timer() rebalance.Timer {
	timer := rebalance.Timer{
		ID:                 r.ID,
		Vault:              r.Vault,
		CountdownSeconds:   r.CountdownSeconds,
		TotalSeconds:       r.TotalSeconds,
		StartedAt:          r.StartedAt.UTC(),
		ExpiresAt:          r.ExpiresAt.UTC(),
		State:              rebalance.State(r.State),
		OperatorCompliance: r.OperatorCompliance,
		Resolution:         rebalance.Resolution(r.Resolution),
		ResolvedBy:         r.ResolvedBy,
		Attempt:            r.Attempt,
	}
	if r.ExpiredAt != nil {
		timer.ExpiredAt = r.ExpiredAt.UTC()
	}
	if r.ResolvedAt != nil {
		timer.ResolvedAt = r.ResolvedAt.UTC()
	}
	return timer
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	utc := t.UTC()
	return &utc
}

// HealthScore implements dispatcher.HealthSource with the latest recorded
// score.
func (s *Store) HealthScore(ctx context.Context) (float64, error) {
	var row HealthRecord
	err := s.db.WithContext(ctx).Order("recorded_at DESC").Order("id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrNoHealthScore
	}
	if err != nil {
		return 0, fmt.Errorf("load health score: %w", err)
	}
	return row.Score, nil
}

// RecordHealth stores a score pushed by the external risk model.
func (s *Store) RecordHealth(ctx context.Context, score float64, source string) error {
	row := HealthRecord{Score: score, Source: strings.TrimSpace(source), RecordedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("record health score: %w", err)
	}
	return nil
}

// SavePrices upserts USD prices. Non-positive prices are skipped.
func (s *Store) SavePrices(ctx context.Context, prices map[string]decimal.Decimal, source string, at time.Time) error {
	rows := make([]PriceRecord, 0, len(prices))
	for symbol, price := range prices {
		symbol = escrow.NormalizeSymbol(symbol)
		if symbol == "" || !price.IsPositive() {
			continue
		}
		rows = append(rows, PriceRecord{Symbol: symbol, USD: price.String(), Source: source, UpdatedAt: at.UTC()})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("save prices: %w", err)
	}
	return nil
}

// Seed upserts vault positions and escrow balances supplied by the external
// feed. Balances are replaced and versions bumped so outstanding plans built
// on the previous values become stale.
func (s *Store) Seed(ctx context.Context, vaults []vault.Vault, balances []escrow.Balance) error {
	now := s.clock().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range vaults {
			v := vaults[i]
			v.Normalize()
			if v.Address == "" {
				continue
			}
			row := VaultRecord{
				Address:             v.Address,
				Name:                v.Name,
				NativeToken:         v.NativeToken,
				Curator:             v.Curator,
				TotalPreSlashed:     v.TotalPreSlashed.String(),
				OrchestratorBalance: v.OrchestratorBalance.String(),
				EscrowAmount:        v.EscrowAmount.String(),
				Version:             1,
				CreatedAt:           now,
				UpdatedAt:           now,
			}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "address"}},
				DoUpdates: clause.Assignments(map[string]any{
					"name":                 row.Name,
					"native_token":         row.NativeToken,
					"curator":              row.Curator,
					"total_pre_slashed":    row.TotalPreSlashed,
					"orchestrator_balance": row.OrchestratorBalance,
					"escrow_amount":        row.EscrowAmount,
					"version":              gorm.Expr("vault_records.version + 1"),
					"updated_at":           now,
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("seed vault %s: %w", v.Address, err)
			}
		}
		for _, bal := range balances {
			symbol := escrow.NormalizeSymbol(bal.Symbol)
			if symbol == "" {
				continue
			}
			amount := bal.Amount
			if amount.IsNegative() {
				amount = decimal.Zero
			}
			row := EscrowRecord{Symbol: symbol, Amount: amount.String(), Listed: bal.Listed, Version: 1, CreatedAt: now, UpdatedAt: now}
			err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "symbol"}},
				DoUpdates: clause.Assignments(map[string]any{
					"amount":     row.Amount,
					"listed":     row.Listed,
					"version":    gorm.Expr("escrow_records.version + 1"),
					"updated_at": now,
				}),
			}).Create(&row).Error
			if err != nil {
				return fmt.Errorf("seed escrow %s: %w", symbol, err)
			}
		}
		return nil
	})
}

// parseAmount reads a stored decimal. Malformed values read as zero.
func parseAmount(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}
