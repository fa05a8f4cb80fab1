package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/vault"
	"vaultguard/services/vaultd/dispatcher"
)

// amount renders a decimal with thousands separators, keeping up to digits
// fractional places.
func amount(d decimal.Decimal, digits int) string {
	f, _ := d.Round(int32(digits)).Float64()
	return humanize.CommafWithDigits(f, digits)
}

func usd(d decimal.Decimal) string {
	return "$" + amount(d, 2)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printAssessments(w io.Writer, items []vault.Assessment) {
	tw := newTable(w)
	fmt.Fprintln(tw, "VAULT\tTOKEN\tPRE-SLASHED\tORCHESTRATOR\tDEFICIT\tDEFICIT USD\tUTIL %\tVIEW")
	for _, a := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			a.Vault.Address,
			a.Vault.NativeToken,
			amount(a.Vault.TotalPreSlashed, 4),
			amount(a.Vault.OrchestratorBalance, 4),
			amount(a.Deficit, 4),
			usd(a.DeficitUSD),
			a.Utilization.StringFixed(2),
			a.Classification,
		)
	}
	_ = tw.Flush()
}

func printTimers(w io.Writer, timers []rebalance.Timer, now time.Time) {
	tw := newTable(w)
	fmt.Fprintln(tw, "VAULT\tSTATE\tATTEMPT\tCOUNTDOWN\tEXPIRES\tRESOLUTION\tBY")
	for _, t := range timers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			t.Vault,
			t.State,
			t.Attempt,
			countdown(t.CountdownSeconds),
			humanize.RelTime(t.ExpiresAt, now, "ago", "from now"),
			dash(string(t.Resolution)),
			dash(t.ResolvedBy),
		)
	}
	_ = tw.Flush()
}

func printEscrow(w io.Writer, listed, unlisted []escrow.Balance, total decimal.Decimal) {
	tw := newTable(w)
	fmt.Fprintln(tw, "TOKEN\tAMOUNT\tUSD\tLISTED\tVERSION")
	for _, group := range [][]escrow.Balance{listed, unlisted} {
		for _, b := range group {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", b.Symbol, amount(b.Amount, 6), usd(b.USDValue), b.Listed, b.Version)
		}
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "total escrow value: %s\n", usd(total))
}

func printPortfolio(w io.Writer, p dispatcher.Portfolio) {
	tw := newTable(w)
	fmt.Fprintf(tw, "assets slashed\t%s\n", usd(p.AssetsSlashed))
	fmt.Fprintf(tw, "assets in custody\t%s\n", usd(p.AssetsInCustody))
	fmt.Fprintf(tw, "unrealised pnl\t%s (%s%%)\n", usd(p.UnrealisedPnL), p.UnrealisedPnLPercent.StringFixed(2))
	fmt.Fprintf(tw, "total deficit\t%s\n", usd(p.TotalDeficitUSD))
	fmt.Fprintf(tw, "escrow value\t%s\n", usd(p.EscrowUSD))
	fmt.Fprintf(tw, "vaults\t%d (%d in deficit)\n", p.Vaults, p.InDeficit)
	fmt.Fprintf(tw, "timers\t%d active, %d timed out\n", p.ActiveTimers, p.TimedOut)
	if p.Health != nil {
		fmt.Fprintf(tw, "health\t%.1f (%s)\n", p.Health.Score, p.Health.Band)
	}
	_ = tw.Flush()
}

func printReceipt(w io.Writer, r dispatcher.Receipt) {
	plan := r.Plan
	if plan == nil {
		fmt.Fprintln(w, "committed")
		return
	}
	fmt.Fprintf(w, "committed %s to %s (plan %s)\n", amount(plan.TotalInVaultToken, 6), plan.Vault, plan.ID)
	fmt.Fprintf(w, "orchestrator balance: %s -> %s %s\n", amount(plan.OrchestratorBefore, 6), amount(plan.OrchestratorAfter, 6), plan.NativeToken)
	if r.Resolved != nil {
		fmt.Fprintf(w, "rebalance for %s resolved compliantly\n", r.Resolved.Vault)
	}
}

func countdown(seconds int64) string {
	if seconds <= 0 {
		return "0s"
	}
	return (time.Duration(seconds) * time.Second).String()
}

func dash(v string) string {
	if strings.TrimSpace(v) == "" {
		return "-"
	}
	return v
}
