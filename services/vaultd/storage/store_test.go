package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
)

var base = time.Date(2024, time.June, 7, 19, 15, 17, 0, time.UTC)

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	store.clock = func() time.Time { return base }
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedDefaults(t *testing.T, store *Store) {
	t.Helper()
	vaults := []vault.Vault{{
		Address:             "0xAbC",
		Name:                "Stable",
		NativeToken:         "usdc",
		TotalPreSlashed:     dec("20000"),
		OrchestratorBalance: dec("1000"),
		EscrowAmount:        dec("500"),
	}}
	balances := []escrow.Balance{
		{Symbol: "usdc", Amount: dec("10000"), Listed: true},
		{Symbol: "WETH", Amount: dec("1")},
	}
	require.NoError(t, store.Seed(context.Background(), vaults, balances))
}

func plan(restore string, debits ...replenish.Debit) *replenish.CommitPlan {
	total := dec(restore)
	for _, debit := range debits {
		total = total.Add(debit.InVaultToken)
	}
	return &replenish.CommitPlan{
		ID:                 uuid.New(),
		Vault:              "0xabc",
		NativeToken:        "USDC",
		Restore:            dec(restore),
		RestoreVersion:     1,
		Debits:             debits,
		TotalInVaultToken:  total,
		OrchestratorBefore: dec("1000"),
		OrchestratorAfter:  dec("1000").Add(total),
		VaultVersion:       1,
		CreatedAt:          base,
	}
}

func TestSeedAndSnapshot(t *testing.T) {
	store := openTestStore(t)
	seedDefaults(t, store)
	require.NoError(t, store.SavePrices(context.Background(), map[string]decimal.Decimal{
		"usdc": dec("1"),
		"WETH": dec("3000"),
		"ZERO": decimal.Zero,
	}, "static", base))

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Vaults, 1)
	v := snap.Vaults[0]
	require.Equal(t, "0xabc", v.Address)
	require.Equal(t, "USDC", v.NativeToken)
	require.True(t, v.TotalPreSlashed.Equal(dec("20000")))
	require.Equal(t, uint64(1), v.Version)

	require.Len(t, snap.Escrow, 2)
	require.Equal(t, "USDC", snap.Escrow[0].Symbol)
	require.True(t, snap.Escrow[0].Listed)
	require.Equal(t, "WETH", snap.Escrow[1].Symbol)
	require.Len(t, snap.Prices, 2)
	require.True(t, snap.Prices["WETH"].Equal(dec("3000")))
}

func TestSeedBumpsVersions(t *testing.T) {
	store := openTestStore(t)
	seedDefaults(t, store)
	seedDefaults(t, store)

	snap, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(2), snap.Vaults[0].Version)
	for _, bal := range snap.Escrow {
		require.Equal(t, uint64(2), bal.Version)
	}
}

func TestApplyCommitUpdatesBalances(t *testing.T) {
	store := openTestStore(t)
	seedDefaults(t, store)
	ctx := context.Background()

	p := plan("2000", replenish.Debit{Token: "WETH", Amount: dec("0.5"), InVaultToken: dec("1500"), ExpectedVersion: 1})
	require.NoError(t, store.ApplyCommit(ctx, p))

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Vaults[0].OrchestratorBalance.Equal(dec("4500")))
	require.Equal(t, uint64(2), snap.Vaults[0].Version)
	require.True(t, snap.Escrow[0].Amount.Equal(dec("8000")))
	require.Equal(t, uint64(2), snap.Escrow[0].Version)
	require.True(t, snap.Escrow[1].Amount.Equal(dec("0.5")))

	commits, err := store.Commits(ctx, "0xABC", 10)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, p.ID, commits[0].ID)
	require.Equal(t, "3500", commits[0].Total)
	require.Contains(t, commits[0].Debits, "WETH")
}

func TestApplyCommitRejectsStaleVault(t *testing.T) {
	store := openTestStore(t)
	seedDefaults(t, store)
	ctx := context.Background()

	p := plan("100")
	p.VaultVersion = 7
	err := store.ApplyCommit(ctx, p)
	require.ErrorIs(t, err, escrow.ErrStaleSnapshot)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.Escrow[0].Amount.Equal(dec("10000")))
	commits, err := store.Commits(ctx, "0xabc", 0)
	require.NoError(t, err)
	require.Empty(t, commits)
}

func TestApplyCommitRollsBackOnEscrowFailure(t *testing.T) {
	store := openTestStore(t)
	seedDefaults(t, store)
	ctx := context.Background()

	p := plan("100", replenish.Debit{Token: "WETH", Amount: dec("2"), InVaultToken: dec("6000"), ExpectedVersion: 1})
	require.ErrorIs(t, store.ApplyCommit(ctx, p), escrow.ErrInsufficientBalance)

	stale := plan("100", replenish.Debit{Token: "WETH", Amount: dec("0.1"), InVaultToken: dec("300"), ExpectedVersion: 4})
	require.ErrorIs(t, store.ApplyCommit(ctx, stale), escrow.ErrStaleSnapshot)

	missing := plan("0", replenish.Debit{Token: "DAI", Amount: dec("1"), InVaultToken: dec("1"), ExpectedVersion: 0})
	require.ErrorIs(t, store.ApplyCommit(ctx, missing), escrow.ErrInsufficientBalance)

	snap, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(1), snap.Vaults[0].Version)
	require.True(t, snap.Vaults[0].OrchestratorBalance.Equal(dec("1000")))
	require.True(t, snap.Escrow[0].Amount.Equal(dec("10000")))
	require.Equal(t, uint64(1), snap.Escrow[0].Version)
}

func TestTimersRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	machine := rebalance.NewMachine()

	first, _, err := machine.Start("0xabc", base)
	require.NoError(t, err)
	require.NoError(t, store.SaveTimer(ctx, first))
	for i := 1; i <= int(rebalance.DefaultTotalSeconds); i++ {
		machine.Tick(base.Add(time.Duration(i) * time.Second))
	}
	forced, err := machine.Force("0xabc", "ops", base.Add(11*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.SaveTimer(ctx, forced))

	second, _, err := machine.Start("0xabc", base.Add(12*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.SaveTimer(ctx, second))

	loaded, err := store.LoadTimers(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, rebalance.StateResolved, loaded[0].State)
	require.Equal(t, rebalance.ResolutionForced, loaded[0].Resolution)
	require.Equal(t, "ops", loaded[0].ResolvedBy)
	require.False(t, loaded[0].OperatorCompliance)
	require.False(t, loaded[0].ExpiredAt.IsZero())
	require.Equal(t, rebalance.StateActive, loaded[1].State)
	require.True(t, loaded[1].StartedAt.Equal(second.StartedAt))
	require.True(t, loaded[1].ResolvedAt.IsZero())
}

func TestTimerRestartRoundTripKeepsOneRow(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	start := base.Add(123456789 * time.Nanosecond)

	first := rebalance.NewMachine()
	timer, _, err := first.Start("0xabc", start)
	require.NoError(t, err)
	require.NoError(t, store.SaveTimer(ctx, timer))
	// Timestamp columns on postgres hold microseconds only.
	require.NoError(t, store.DB().Model(&TimerRecord{}).Where("id = ?", timer.ID).
		Update("started_at", start.Truncate(time.Microsecond)).Error)

	loaded, err := store.LoadTimers(ctx)
	require.NoError(t, err)
	second := rebalance.NewMachine()
	second.Restore(loaded, start)
	var expired []rebalance.Timer
	for i := 1; i <= 700; i++ {
		expired = append(expired, second.Tick(start.Add(time.Duration(i)*time.Second))...)
	}
	require.Len(t, expired, 1)
	require.NoError(t, store.SaveTimer(ctx, expired[0]))
	forced, err := second.Force("0xabc", "ops", start.Add(12*time.Minute))
	require.NoError(t, err)
	require.NoError(t, store.SaveTimer(ctx, forced))

	var rows int64
	require.NoError(t, store.DB().Model(&TimerRecord{}).Count(&rows).Error)
	require.EqualValues(t, 1, rows)

	loaded, err = store.LoadTimers(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, timer.ID, loaded[0].ID)
	require.Equal(t, rebalance.StateResolved, loaded[0].State)

	third := rebalance.NewMachine()
	require.Empty(t, third.Restore(loaded, start.Add(time.Hour)))
	require.Empty(t, third.TimedOut())
	require.Equal(t, rebalance.StateIdle, third.State("0xabc"))
}

func TestTimerKeyFallsBackForLegacyRows(t *testing.T) {
	legacy := rebalance.Timer{Vault: "0xABC", StartedAt: base.Add(123456789 * time.Nanosecond), Attempt: 2}
	require.Equal(t, fmt.Sprintf("0xabc#%d#2", base.Add(123456*time.Microsecond).UnixMicro()), timerKey(legacy))
	legacy.ID = "row-1"
	require.Equal(t, "row-1", timerKey(legacy))
}

func TestHealthScoreLatestWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.HealthScore(ctx)
	require.ErrorIs(t, err, ErrNoHealthScore)

	require.NoError(t, store.RecordHealth(ctx, 80, "risk"))
	store.clock = func() time.Time { return base.Add(time.Minute) }
	require.NoError(t, store.RecordHealth(ctx, 35, "risk"))

	score, err := store.HealthScore(ctx)
	require.NoError(t, err)
	require.Equal(t, 35.0, score)
}

func TestDialector(t *testing.T) {
	_, err := Dialector("sqlite", " ")
	require.ErrorIs(t, err, ErrDSNRequired)

	_, err = Dialector("mysql", "x")
	require.Error(t, err)

	dsn, err := FileDSN("data/vaultd.db")
	require.NoError(t, err)
	require.Contains(t, dsn, "journal_mode(WAL)")
}
