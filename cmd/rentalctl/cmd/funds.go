package cmd

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/service/rental"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var depositCmd = &cobra.Command{
	Use:   "deposit [amount]",
	Short: "Deposit tokens into the rental escrow",
	Long: `Deposit tokens into the rental contract. The amount is in whole tokens
and may carry up to 18 decimal places, e.g. "12.5".`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[0], "Deposited", (*rental.Sequencer).Deposit)
	},
}

var withdrawCmd = &cobra.Command{
	Use:   "withdraw [amount]",
	Short: "Withdraw tokens from the rental escrow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTransfer(cmd, args[0], "Withdrew", (*rental.Sequencer).Withdraw)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the escrow balance and session counts",
	Args:  cobra.NoArgs,
	RunE:  runBalance,
}

func init() {
	rootCmd.AddCommand(depositCmd)
	rootCmd.AddCommand(withdrawCmd)
	rootCmd.AddCommand(balanceCmd)
}

type fundsFunc func(*rental.Sequencer, context.Context, *big.Int, ...chain.Observer) (common.Hash, error)

func runTransfer(cmd *cobra.Command, amountArg, verb string, call fundsFunc) error {
	amount, err := models.ParseTokens(amountArg)
	if err != nil {
		return fmt.Errorf("%w: %v", rental.ErrInvalidInput, err)
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	hash, err := call(a.seq, ctx, amount, txProgress(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	if wantJSON() {
		return writeJSON(out, map[string]string{
			"tx_hash": hash.Hex(),
			"amount":  models.FormatTokens(amount),
		})
	}
	fmt.Fprintf(out, "%s %s.\n", verb, tokens(amount, a.fiat(ctx, amount)))
	fmt.Fprintf(out, "Transaction: %s\n", hash.Hex())
	return nil
}

func runBalance(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := rental.NewCachedQueries(a.store).Status(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, map[string]interface{}{
			"address":  status.Address,
			"deposits": models.FormatTokens(status.Deposits),
			"pending":  status.Pending,
			"running":  status.Running,
		})
	}

	fmt.Fprintf(out, "Account:  %s\n", status.Address)
	fmt.Fprintf(out, "Balance:  %s\n", tokens(status.Deposits, a.fiat(ctx, status.Deposits)))
	fmt.Fprintf(out, "Sessions: %d pending, %d running\n", status.Pending, status.Running)
	return nil
}
