package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/service/rental"
)

var (
	extendMinutes int
	extendKey     string
)

var extendCmd = &cobra.Command{
	Use:   "extend [session-id]",
	Short: "Extend a running session",
	Long: `Extend a running session by at least 30 minutes, paid from the escrow balance.

The request carries an idempotency key. A retry after a lost response reuses
the same key, so the session is extended once.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtend,
}

func init() {
	rootCmd.AddCommand(extendCmd)
	extendCmd.Flags().IntVarP(&extendMinutes, "minutes", "m", 0, "Additional minutes (default: extension.default_minutes)")
	extendCmd.Flags().StringVar(&extendKey, "idempotency-key", "", "Reuse a specific idempotency key")
}

func runExtend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	minutes := extendMinutes
	if minutes == 0 {
		minutes = cfg.Extension.DefaultMinutes
	}

	result, err := a.seq.ExtendSession(ctx, rental.ExtendInput{
		SessionID:        args[0],
		ExtensionMinutes: minutes,
		IdempotencyKey:   extendKey,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, result)
	}

	cost := result.ExtensionCost.Big()
	remaining := result.RemainingBalance.Big()
	fmt.Fprintf(out, "Session %s extended by %d minutes.\n", args[0], minutes)
	fmt.Fprintf(out, "New expiration:    %s\n", result.NewExpiration.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(out, "Cost:              %s\n", tokens(cost, a.fiat(ctx, cost)))
	fmt.Fprintf(out, "Remaining balance: %s\n", tokens(remaining, a.fiat(ctx, remaining)))
	fmt.Fprintf(out, "Extensions:        %d\n", result.ExtensionCount)
	return nil
}
