package cmd

import (
	"context"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/internal/service/rental"
	nodessh "github.com/gpu-rental/rentalctl/internal/ssh"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var (
	startImage     string
	startProvider  string
	startPerHour   string
	startVerifySSH bool
)

var startCmd = &cobra.Command{
	Use:   "start [node-id]",
	Short: "Rent a GPU node",
	Long: `Start a rental on-chain, then confirm it with the Hub until SSH access is issued.

The provider and price are taken from the node listing unless given as flags.
A start that failed after its transaction was mined resumes without a second
transaction when run again for the same node.`,
	Args: cobra.ExactArgs(1),
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVar(&startImage, "image", "", "Container image for the session")
	startCmd.Flags().StringVar(&startProvider, "provider", "", "Provider wallet address (default: from listing)")
	startCmd.Flags().StringVar(&startPerHour, "price-per-hour", "", "Price per hour in tokens (default: from listing)")
	startCmd.Flags().BoolVar(&startVerifySSH, "verify-ssh", false, "Log in with the issued credentials before returning")
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := startInput(ctx, a, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	creds, err := a.seq.StartRental(ctx, in, startProgress(out, a.tr))
	if err != nil {
		return err
	}

	if wantJSON() {
		return writeJSON(out, creds)
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "SSH Connection:")
	fmt.Fprintf(out, "  %s\n", creds.Command())
	fmt.Fprintf(out, "  password: %s\n", creds.Password)

	if startVerifySSH {
		v := nodessh.NewVerifier(
			nodessh.WithVerifyTimeout(cfg.SSH.VerifyTimeout),
			nodessh.WithCheckInterval(cfg.SSH.CheckInterval),
			nodessh.WithLogger(a.logger))
		result, err := v.Verify(ctx, *creds)
		if err != nil {
			return fmt.Errorf("ssh verification failed: %w", err)
		}
		fmt.Fprintf(out, "SSH verified in %s (%d attempts)\n", result.Duration.Round(100*time.Millisecond), result.Attempts)
	}
	return nil
}

// startInput fills provider and price from the node listing
func startInput(ctx context.Context, a *app, nodeID string) (rental.StartInput, error) {
	in := rental.StartInput{NodeID: nodeID, Provider: startProvider, Image: startImage}

	if startPerHour != "" {
		perHour, err := models.ParseTokens(startPerHour)
		if err != nil {
			return in, err
		}
		perSecond, exact := models.PerHourToPerSecond(perHour)
		if !exact {
			return in, fmt.Errorf("%w: price per hour %s is not a whole number of wei per second",
				rental.ErrInvalidInput, startPerHour)
		}
		in.PricePerSecond = perSecond
	}
	if in.Provider != "" && in.PricePerSecond != nil {
		return in, nil
	}

	nodes, err := a.seq.AvailableNodes(ctx, models.NodeFilter{})
	if err != nil {
		return in, err
	}
	for _, node := range nodes {
		if node.ID != nodeID {
			continue
		}
		if in.Provider == "" {
			in.Provider = node.Provider
		}
		if in.PricePerSecond == nil {
			in.PricePerSecond = new(big.Int).Set(node.PricePerSecond.Big())
		}
		return in, nil
	}
	return in, fmt.Errorf("%w: node %s is not available", rental.ErrInvalidInput, nodeID)
}

// startProgress prints each stage once and every transaction phase
func startProgress(w io.Writer, tr *i18n.Translator) rental.StartObserver {
	var lastStage rental.Stage
	var lastPhase chain.Phase

	return func(s rental.StartStatus) {
		if s.Stage != lastStage {
			lastStage = s.Stage
			switch s.Stage {
			case rental.StageBlockchain:
				fmt.Fprintf(w, "[1/2] %s\n", tr.T(i18n.MsgStageBlockchain))
			case rental.StageHub:
				fmt.Fprintf(w, "[2/2] %s\n", tr.T(i18n.MsgStageHub))
			case rental.StageComplete:
				if s.Session != nil {
					fmt.Fprintf(w, "%s: %s\n", tr.T(i18n.MsgStageComplete), s.Session.ID)
				}
			case rental.StageFailed:
				if s.Err != nil {
					fmt.Fprintf(w, "%s (%s)\n", tr.T(i18n.MsgStageError), s.Err.Stage)
				}
			}
		}

		if s.Stage == rental.StageBlockchain && s.Tx.Phase != lastPhase {
			lastPhase = s.Tx.Phase
			if hash := s.Tx.HashHex(); hash != "" {
				fmt.Fprintf(w, "      tx %s: %s\n", s.Tx.Phase, hash)
			} else {
				fmt.Fprintf(w, "      tx %s\n", s.Tx.Phase)
			}
		}
	}
}
