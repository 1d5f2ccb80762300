package chain

import (
	"errors"
	"fmt"
)

var (
	// ErrUserRejected is returned when the wallet owner declines to sign
	ErrUserRejected = errors.New("user rejected the signature request")
	// ErrNoWallet is returned when no signing wallet is connected
	ErrNoWallet = errors.New("no wallet connected")
	// ErrReverted is returned when a mined transaction has a failed status
	ErrReverted = errors.New("transaction reverted")
	// ErrConfirmation is returned when mining or the confirmation depth wait fails
	ErrConfirmation = errors.New("transaction confirmation failed")
	// ErrMissingEvent is returned when a receipt lacks the expected contract event
	ErrMissingEvent = errors.New("expected event not found in receipt")
)

// ChainError wraps a failure of one contract operation
type ChainError struct {
	Op     string // contract method
	TxHash string // empty when the failure happened before broadcast
	Err    error
}

func (e *ChainError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain %s (tx %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// NewChainError creates a new chain error
func NewChainError(op, txHash string, err error) *ChainError {
	return &ChainError{Op: op, TxHash: txHash, Err: err}
}

// IsUserRejected checks if the error is a declined signature
func IsUserRejected(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

// IsChainFailure checks if the error came from the contract layer and is not a rejection
func IsChainFailure(err error) bool {
	var ce *ChainError
	return errors.As(err, &ce) && !errors.Is(err, ErrUserRejected)
}
