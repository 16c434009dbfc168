// Package main implements the credit-admin CLI tool for operating on user
// credit ledgers directly, bypassing the request path.
//
// This tool is intended for support work, manual corrections, and
// operational debugging. It wires the same engine the services use, so every
// mutation goes through the normal locking, audit, and idempotency rules.
//
// Usage:
//
//	go run ./cmd/tools/credit-admin --op=check --user=usr_123 --action=generate_scene
//	go run ./cmd/tools/credit-admin --op=grant --user=usr_123 --amount=50 --reason="outage goodwill" --by=ops@example.com
//	go run ./cmd/tools/credit-admin --op=reset --user=usr_123
//	go run ./cmd/tools/credit-admin --op=history --user=usr_123 --limit=20
//	go run ./cmd/tools/credit-admin --op=provision --user=usr_123
//
// Configuration (DATABASE_URL and friends) comes from the environment or a
// local .env file, identical to the services.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"creditledger/internal/billing"
	"creditledger/internal/config"
	"creditledger/internal/credits"
	"creditledger/internal/db"
	"creditledger/internal/types"
)

var validOps = map[string]string{
	"check":     "Evaluate whether the user may perform an action (read-only)",
	"grant":     "Add credits as an admin adjustment",
	"reset":     "Run the billing-cycle reset for the user's active subscription",
	"history":   "Print the user's recent credit transactions",
	"provision": "Create the signup ledger with the free plan allotment",
}

func main() {
	opFlag := flag.String("op", "", "Operation to run (check, grant, reset, history, provision)")
	userFlag := flag.String("user", "", "User ID to operate on")
	actionFlag := flag.String("action", "", "Action name for --op=check")
	amountFlag := flag.Int("amount", 0, "Credit amount for --op=grant")
	reasonFlag := flag.String("reason", "", "Audit reason for --op=grant")
	byFlag := flag.String("by", "", "Operator identity for --op=grant")
	limitFlag := flag.Int("limit", 20, "Row limit for --op=history")
	listFlag := flag.Bool("list", false, "List available operations and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: credit-admin [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Operate on user credit ledgers through the production engine.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *listFlag {
		for op, desc := range validOps {
			fmt.Printf("  %-8s %s\n", op, desc)
		}
		return
	}

	if _, ok := validOps[*opFlag]; !ok {
		fmt.Fprintf(os.Stderr, "error: unknown or missing --op %q\n\n", *opFlag)
		flag.Usage()
		os.Exit(1)
	}
	if *userFlag == "" {
		fmt.Fprintln(os.Stderr, "error: --user is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger, options{
		op:     *opFlag,
		userID: *userFlag,
		action: *actionFlag,
		amount: *amountFlag,
		reason: *reasonFlag,
		by:     *byFlag,
		limit:  *limitFlag,
	}); err != nil {
		logger.Error("operation failed", slog.String("op", *opFlag), slog.Any("error", err))
		os.Exit(1)
	}
}

type options struct {
	op     string
	userID string
	action string
	amount int
	reason string
	by     string
	limit  int
}

// run wires the engine the same way the services do and dispatches the
// requested operation.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts options) error {
	pool, err := db.NewPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	ledgers := db.NewCreditLedgerRepo(pool)
	subs := db.NewSubscriptionStateRepo(pool, logger)
	users := db.NewUserStateRepo(pool)
	catalog := db.NewActionCatalogRepo(pool)
	usage := db.NewUsageTrackingRepo(pool)
	txns := db.NewCreditTransactionRepo(pool)
	store := db.NewLedgerStore(pool)

	svc := credits.New(store, ledgers, subs, users, catalog, usage, credits.Options{
		TrialPreviewAction:  cfg.Credits.TrialPreviewAction,
		AddonFallbackExpiry: cfg.Credits.AddonFallbackExpiry,
		Logger:              logger,
	})

	switch opts.op {
	case "check":
		if opts.action == "" {
			return fmt.Errorf("--action is required for --op=check")
		}
		verdict, err := svc.CanPerformAction(ctx, opts.userID, opts.action)
		if err != nil {
			return err
		}
		return printJSON(verdict)

	case "grant":
		if opts.amount <= 0 {
			return fmt.Errorf("--amount must be positive for --op=grant")
		}
		result, err := svc.AddCredits(ctx, opts.userID, opts.amount, credits.GrantOptions{
			ReferenceType: types.RefTypeAdmin,
			Description:   opts.reason,
			AdjustedBy:    opts.by,
		})
		if err != nil {
			return err
		}
		return printJSON(result)

	case "reset":
		reset, err := svc.ResetOnRenewal(ctx, opts.userID)
		if err != nil {
			return err
		}
		if !reset {
			fmt.Println("no active subscription; nothing reset")
			return nil
		}
		ledger, err := ledgers.Get(ctx, opts.userID)
		if err != nil {
			return err
		}
		return printJSON(ledger)

	case "history":
		rows, err := txns.ListByUser(ctx, opts.userID, opts.limit, 0)
		if err != nil {
			return err
		}
		return printJSON(rows)

	case "provision":
		applier := billing.NewEventApplier(subs, svc, ledgers, billing.NewStaticPlanRegistry(), logger)
		if err := applier.ProvisionSignup(ctx, opts.userID, time.Now().UTC()); err != nil {
			return err
		}
		ledger, err := ledgers.Get(ctx, opts.userID)
		if err != nil {
			return err
		}
		return printJSON(ledger)
	}
	return fmt.Errorf("unreachable op %q", opts.op)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
