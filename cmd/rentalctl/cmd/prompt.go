package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gpu-rental/rentalctl/internal/chain"
)

// terminalApprover asks on the terminal before each wallet signature
type terminalApprover struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newTerminalApprover(in io.Reader, out io.Writer) *terminalApprover {
	return &terminalApprover{in: bufio.NewReader(in), out: out}
}

// Approve implements chain.Approver; only "y" or "yes" approves
func (a *terminalApprover) Approve(ctx context.Context, req chain.ApprovalRequest) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}

	fmt.Fprintf(a.out, "Sign %s: %s\nApprove? [y/N] ", req.Kind, req.Summary)
	line, err := a.in.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
