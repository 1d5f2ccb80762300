package models

import "time"

// AttemptStatus tracks how far a rental start attempt got
type AttemptStatus string

const (
	AttemptSubmitting AttemptStatus = "submitting"  // startRental sent, not yet mined
	AttemptMined      AttemptStatus = "mined"       // rental id known, hub registration outstanding
	AttemptComplete   AttemptStatus = "complete"    // session running
	AttemptChainError AttemptStatus = "chain_error" // nothing to resume
	AttemptAbandoned  AttemptStatus = "abandoned"   // hub session ended or vanished, start over
)

// StartAttempt is the persisted progress of one StartRental call
type StartAttempt struct {
	ID        string        `json:"id"`
	Wallet    string        `json:"wallet"`
	NodeID    string        `json:"node_id"`
	Status    AttemptStatus `json:"status"`
	TxHash    string        `json:"tx_hash,omitempty"`
	RentalID  *Wei          `json:"rental_id,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Resumable reports whether a retry can skip the blockchain phase
func (a *StartAttempt) Resumable() bool {
	return a.Status == AttemptMined && a.TxHash != "" && a.RentalID != nil
}
