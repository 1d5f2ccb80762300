package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/filetransfer"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [session-id] [local-path] [remote-path]",
	Short: "Copy a local file to a running session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileTransfer(cmd, args[0], func(t *filetransfer.Transfer) (int64, error) {
			return t.Upload(cmd.Context(), args[1], args[2])
		})
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download [session-id] [remote-path] [local-path]",
	Short: "Copy a file from a running session",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFileTransfer(cmd, args[0], func(t *filetransfer.Transfer) (int64, error) {
			return t.Download(cmd.Context(), args[1], args[2])
		})
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(downloadCmd)
}

func runFileTransfer(cmd *cobra.Command, sessionID string, fn func(*filetransfer.Transfer) (int64, error)) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.seq.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	t, err := filetransfer.ForSession(*session)
	if err != nil {
		return err
	}

	n, err := fn(t)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Transferred %d bytes.\n", n)
	return nil
}
