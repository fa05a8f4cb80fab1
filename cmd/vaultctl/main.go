package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"vaultguard/native/escrow"
	"vaultguard/native/rebalance"
	"vaultguard/native/replenish"
	"vaultguard/native/vault"
	"vaultguard/services/vaultd/dispatcher"
)

const (
	defaultEndpoint = "http://localhost:7090"
	endpointEnv     = "VAULTD_ENDPOINT"
	operatorEnv     = "VAULTD_OPERATOR"
)

// selections collects repeated -select TOKEN=AMOUNT flags.
type selections []replenish.Selection

func (s *selections) String() string {
	parts := make([]string, 0, len(*s))
	for _, sel := range *s {
		parts = append(parts, sel.Token+"="+sel.Amount.String())
	}
	return strings.Join(parts, ",")
}

func (s *selections) Set(raw string) error {
	token, value, ok := strings.Cut(raw, "=")
	if !ok || strings.TrimSpace(token) == "" {
		return fmt.Errorf("selection must look like TOKEN=AMOUNT")
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return fmt.Errorf("selection %s: %w", token, err)
	}
	*s = append(*s, replenish.Selection{Token: strings.TrimSpace(token), Amount: parsed})
	return nil
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	global := flag.NewFlagSet("vaultctl", flag.ContinueOnError)
	endpoint := global.String("endpoint", envOr(endpointEnv, defaultEndpoint), "vaultd base URL")
	operator := global.String("operator", os.Getenv(operatorEnv), "operator identity sent with retry and force")
	timeout := global.Duration("timeout", 10*time.Second, "request timeout")
	global.Usage = func() { usage(global.Output()) }
	if err := global.Parse(args); err != nil {
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage(out)
		return fmt.Errorf("command required")
	}
	c := newClient(*endpoint, *operator, *timeout)
	cmd, cmdArgs := rest[0], rest[1:]

	switch cmd {
	case "vaults":
		var body struct {
			Vaults []vault.Assessment `json:"vaults"`
		}
		if err := c.get(ctx, "/v1/vaults", &body); err != nil {
			return err
		}
		printAssessments(out, body.Vaults)
	case "needed":
		var body struct {
			Vaults []vault.Assessment `json:"vaults"`
		}
		if err := c.get(ctx, "/v1/rebalance/needed", &body); err != nil {
			return err
		}
		printAssessments(out, body.Vaults)
	case "vault":
		addr, err := requireAddress(cmd, cmdArgs)
		if err != nil {
			return err
		}
		var body struct {
			vault.Assessment
			Timer *rebalance.Timer `json:"timer"`
		}
		if err := c.get(ctx, "/v1/vaults/"+addr, &body); err != nil {
			return err
		}
		printAssessments(out, []vault.Assessment{body.Assessment})
		if body.Timer != nil {
			printTimers(out, []rebalance.Timer{*body.Timer}, time.Now())
		}
	case "active", "timed-out", "history":
		var body struct {
			Timers []rebalance.Timer `json:"timers"`
		}
		if err := c.get(ctx, "/v1/rebalance/"+cmd, &body); err != nil {
			return err
		}
		printTimers(out, body.Timers, time.Now())
	case "escrow":
		var body struct {
			Listed   []escrow.Balance `json:"listed"`
			Unlisted []escrow.Balance `json:"unlisted"`
			TotalUSD decimal.Decimal  `json:"totalUsd"`
		}
		if err := c.get(ctx, "/v1/escrow", &body); err != nil {
			return err
		}
		printEscrow(out, body.Listed, body.Unlisted, body.TotalUSD)
	case "portfolio":
		var body dispatcher.Portfolio
		if err := c.get(ctx, "/v1/portfolio", &body); err != nil {
			return err
		}
		printPortfolio(out, body)
	case "replenish":
		return runReplenish(ctx, c, cmdArgs, out)
	case "max":
		return runMax(ctx, c, cmdArgs, out)
	case "start":
		addr, err := requireAddress(cmd, cmdArgs)
		if err != nil {
			return err
		}
		var body struct {
			Timer   rebalance.Timer `json:"timer"`
			Created bool            `json:"created"`
		}
		if err := c.post(ctx, "/v1/vaults/"+addr+"/rebalance", nil, &body); err != nil {
			return err
		}
		if !body.Created {
			fmt.Fprintln(out, "rebalance already in progress")
		}
		printTimers(out, []rebalance.Timer{body.Timer}, time.Now())
	case "retry":
		addr, err := requireAddress(cmd, cmdArgs)
		if err != nil {
			return err
		}
		var body struct {
			Resolved rebalance.Timer `json:"resolved"`
			Timer    rebalance.Timer `json:"timer"`
		}
		if err := c.post(ctx, "/v1/vaults/"+addr+"/rebalance/retry", nil, &body); err != nil {
			return err
		}
		printTimers(out, []rebalance.Timer{body.Resolved, body.Timer}, time.Now())
	case "force":
		addr, err := requireAddress(cmd, cmdArgs)
		if err != nil {
			return err
		}
		var body rebalance.Timer
		if err := c.post(ctx, "/v1/vaults/"+addr+"/rebalance/force", nil, &body); err != nil {
			return err
		}
		printTimers(out, []rebalance.Timer{body}, time.Now())
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

func runReplenish(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replenish", flag.ContinueOnError)
	restore := fs.String("restore", "0", "amount of the native token to restore from escrow")
	preview := fs.Bool("preview", false, "validate only, do not commit")
	var picks selections
	fs.Var(&picks, "select", "escrow selection TOKEN=AMOUNT (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := requireAddress("replenish", fs.Args())
	if err != nil {
		return err
	}
	restoreAmount, err := decimal.NewFromString(strings.TrimSpace(*restore))
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	intent := replenish.Intent{Restore: restoreAmount, Selections: picks}
	if *preview {
		var plan replenish.CommitPlan
		if err := c.post(ctx, "/v1/vaults/"+addr+"/replenish/preview", intent, &plan); err != nil {
			return err
		}
		fmt.Fprintf(out, "valid: would commit %s %s (orchestrator %s -> %s)\n",
			amount(plan.TotalInVaultToken, 6), plan.NativeToken, amount(plan.OrchestratorBefore, 6), amount(plan.OrchestratorAfter, 6))
		return nil
	}
	var receipt dispatcher.Receipt
	if err := c.post(ctx, "/v1/vaults/"+addr+"/replenish", intent, &receipt); err != nil {
		return err
	}
	printReceipt(out, receipt)
	return nil
}

func runMax(ctx context.Context, c *client, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("max", flag.ContinueOnError)
	token := fs.String("token", "", "selection to maximise; empty maximises the restore field")
	restore := fs.String("restore", "0", "restore amount already entered")
	var picks selections
	fs.Var(&picks, "select", "other selections already entered TOKEN=AMOUNT (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	addr, err := requireAddress("max", fs.Args())
	if err != nil {
		return err
	}
	restoreAmount, err := decimal.NewFromString(strings.TrimSpace(*restore))
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	req := struct {
		replenish.Intent
		Token string `json:"token"`
	}{Intent: replenish.Intent{Restore: restoreAmount, Selections: picks}, Token: *token}
	var body struct {
		Token string          `json:"token"`
		Field string          `json:"field"`
		Max   decimal.Decimal `json:"max"`
	}
	if err := c.post(ctx, "/v1/vaults/"+addr+"/replenish/max", req, &body); err != nil {
		return err
	}
	label := body.Field
	if body.Token != "" {
		label = body.Token
	}
	fmt.Fprintf(out, "max %s: %s\n", label, body.Max.String())
	return nil
}

func requireAddress(cmd string, args []string) (string, error) {
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("%s requires a vault address", cmd)
	}
	return strings.TrimSpace(args[0]), nil
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `Usage: vaultctl [-endpoint URL] [-operator ID] <command> [args]

Commands:
  vaults                          list every vault with its deficit
  vault <address>                 show one vault and its rebalance timer
  needed                          vaults in deficit without a rebalance
  active | timed-out | history    rebalance timers
  escrow                          escrowed balances
  portfolio                       aggregate USD view and health band
  replenish [-restore N] [-select TOKEN=AMOUNT]... [-preview] <address>
  max [-token T] [-restore N] [-select TOKEN=AMOUNT]... <address>
  start <address>                 open a rebalance countdown
  retry <address>                 retry an expired rebalance (needs -operator)
  force <address>                 force-resolve an expired rebalance (needs -operator)`)
}
