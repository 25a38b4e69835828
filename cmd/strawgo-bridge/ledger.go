package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/square-key-labs/strawgo-bridge/src/billing"
)

var usageLimit int

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect and adjust caller balances in the Redis ledger",
}

var ledgerBalanceCmd = &cobra.Command{
	Use:   "balance <caller>",
	Short: "Show a caller's remaining seconds",
	Args:  cobra.ExactArgs(1),
	RunE: withLedger(func(ctx context.Context, cmd *cobra.Command, l *billing.RedisLedger, args []string) error {
		n, err := l.Remaining(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %ds\n", args[0], n)
		return nil
	}),
}

var ledgerSetCmd = &cobra.Command{
	Use:   "set <caller> <seconds>",
	Short: "Overwrite a caller's balance",
	Args:  cobra.ExactArgs(2),
	RunE: withLedger(func(ctx context.Context, cmd *cobra.Command, l *billing.RedisLedger, args []string) error {
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid seconds %q: %w", args[1], err)
		}
		if err := l.SetBalance(ctx, args[0], seconds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %ds\n", args[0], seconds)
		return nil
	}),
}

var ledgerCreditCmd = &cobra.Command{
	Use:   "credit <caller> <seconds>",
	Short: "Add seconds to a caller's balance",
	Args:  cobra.ExactArgs(2),
	RunE: withLedger(func(ctx context.Context, cmd *cobra.Command, l *billing.RedisLedger, args []string) error {
		seconds, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid seconds %q: %w", args[1], err)
		}
		n, err := l.Credit(ctx, args[0], seconds)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %ds\n", args[0], n)
		return nil
	}),
}

var ledgerUsageCmd = &cobra.Command{
	Use:   "usage <caller>",
	Short: "List recent usage reports for a caller",
	Args:  cobra.ExactArgs(1),
	RunE: withLedger(func(ctx context.Context, cmd *cobra.Command, l *billing.RedisLedger, args []string) error {
		records, err := l.Usage(ctx, args[0], usageLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tSECONDS\tCALL\tREASON\tKEY")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", r.At.Format(time.RFC3339), r.Seconds, r.CallID, r.Reason, r.IdempotencyKey)
		}
		return w.Flush()
	}),
}

func init() {
	ledgerUsageCmd.Flags().IntVarP(&usageLimit, "limit", "n", 20, "number of records to show")
	ledgerCmd.AddCommand(ledgerBalanceCmd, ledgerSetCmd, ledgerCreditCmd, ledgerUsageCmd)
	rootCmd.AddCommand(ledgerCmd)
}

type ledgerFunc func(ctx context.Context, cmd *cobra.Command, l *billing.RedisLedger, args []string) error

// withLedger opens the configured Redis ledger for a subcommand
func withLedger(fn ledgerFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ledger, client, err := openRedisLedger(cfg)
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()
		return fn(ctx, cmd, ledger, args)
	}
}
