package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/filetransfer"
	nodessh "github.com/gpu-rental/rentalctl/internal/ssh"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var (
	sshCheckProbe       bool
	sshCheckExpectModel string
	sshCheckExpectCount int
	sshCheckExpectVRAM  int
)

var sshCheckCmd = &cobra.Command{
	Use:   "ssh-check [session-id]",
	Short: "Verify SSH access to a running session",
	Long: `Log in to a running session with its issued credentials and run a
trivial command. With --probe, also query nvidia-smi and compare the GPUs
found against the expected model, count and memory.`,
	Args: cobra.ExactArgs(1),
	RunE: runSSHCheck,
}

func init() {
	rootCmd.AddCommand(sshCheckCmd)
	sshCheckCmd.Flags().BoolVar(&sshCheckProbe, "probe", false, "Query GPUs with nvidia-smi")
	sshCheckCmd.Flags().StringVar(&sshCheckExpectModel, "expect-model", "", "Expected GPU model")
	sshCheckCmd.Flags().IntVar(&sshCheckExpectCount, "expect-count", 0, "Expected GPU count")
	sshCheckCmd.Flags().IntVar(&sshCheckExpectVRAM, "expect-vram", 0, "Expected VRAM per GPU in GB")
}

func runSSHCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.seq.Session(ctx, args[0])
	if err != nil {
		return err
	}
	if session.State != models.StateRunning || session.SSH == nil {
		return fmt.Errorf("%w: %s is %s", filetransfer.ErrSessionNotRunning, session.ID, session.State)
	}

	verifier := nodessh.NewVerifier(
		nodessh.WithVerifyTimeout(cfg.SSH.VerifyTimeout),
		nodessh.WithCheckInterval(cfg.SSH.CheckInterval),
		nodessh.WithLogger(a.logger),
	)

	out := cmd.OutOrStdout()
	result, err := verifier.Verify(ctx, *session.SSH)
	if err != nil {
		return fmt.Errorf("ssh check failed: %w", err)
	}
	fmt.Fprintf(out, "SSH OK in %s (%d attempts)\n", result.Duration.Round(100*time.Millisecond), result.Attempts)

	if !sshCheckProbe {
		return nil
	}

	gpus, err := verifier.Probe(ctx, *session.SSH)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "GPU\tMEMORY\tUTIL\tTEMP")
	for _, g := range gpus {
		fmt.Fprintf(w, "%s\t%d/%d MiB\t%d%%\t%dC\n", g.Name, g.MemoryUsedMB, g.MemoryTotalMB, g.UtilizationPct, g.TemperatureC)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	expected := models.GPUNode{
		ID:       session.NodeID,
		GPUModel: sshCheckExpectModel,
		GPUCount: sshCheckExpectCount,
		VRAM:     sshCheckExpectVRAM,
	}
	if problems := nodessh.MatchNode(expected, gpus); len(problems) > 0 {
		for _, p := range problems {
			fmt.Fprintf(out, "mismatch: %s\n", p)
		}
		return fmt.Errorf("node %s does not match the expected GPUs", session.NodeID)
	}
	return nil
}
