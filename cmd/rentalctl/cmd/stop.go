package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var stopRentalID string

var stopCmd = &cobra.Command{
	Use:   "stop [session-id]",
	Short: "Stop a running rental and settle it on-chain",
	Long: `Stop a running session by sending stopRental for its rental id.
Use --rental-id to stop by on-chain id without looking the session up.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStop,
}

func init() {
	rootCmd.AddCommand(stopCmd)
	stopCmd.Flags().StringVar(&stopRentalID, "rental-id", "", "On-chain rental id")
}

func runStop(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && stopRentalID == "" {
		return fmt.Errorf("a session id or --rental-id is required")
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	progress := txProgress(out)

	var receipt *chain.StopReceipt
	if stopRentalID != "" {
		id, perr := models.ParseWei(stopRentalID)
		if perr != nil {
			return perr
		}
		receipt, err = a.seq.StopRental(ctx, id.Big(), progress)
	} else {
		receipt, err = a.seq.StopSession(ctx, args[0], progress)
	}
	if err != nil {
		return err
	}

	if wantJSON() {
		return writeJSON(out, struct {
			TxHash     string `json:"tx_hash"`
			RentalID   string `json:"rental_id"`
			Settlement string `json:"settlement"`
		}{receipt.TxHash.Hex(), receipt.RentalID.String(), models.FormatTokens(receipt.SettlementAmount)})
	}

	fmt.Fprintf(out, "Rental %s stopped.\n", receipt.RentalID)
	fmt.Fprintf(out, "Settlement: %s\n", tokens(receipt.SettlementAmount, a.fiat(ctx, receipt.SettlementAmount)))
	return nil
}

// txProgress prints transaction phases as they happen
func txProgress(w io.Writer) chain.Observer {
	return func(s chain.TxState) {
		if hash := s.HashHex(); hash != "" {
			fmt.Fprintf(w, "tx %s: %s\n", s.Phase, hash)
			return
		}
		fmt.Fprintf(w, "tx %s\n", s.Phase)
	}
}
