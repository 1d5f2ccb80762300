package models

import (
	"errors"
	"fmt"
	"time"
)

// SessionState represents the backend state of a rental session
type SessionState string

const (
	StatePending   SessionState = "PENDING"   // Start transaction submitted, backend confirmation outstanding
	StateRunning   SessionState = "RUNNING"   // Confirmed by the backend, SSH access provisioned
	StateStopped   SessionState = "STOPPED"   // Stopped on-chain or expired naturally
	StateCancelled SessionState = "CANCELLED" // Abandoned while pending
)

// IsTerminal returns true for states that never transition further
func (s SessionState) IsTerminal() bool {
	return s == StateStopped || s == StateCancelled
}

// Valid reports whether s is a known state
func (s SessionState) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateStopped, StateCancelled:
		return true
	}
	return false
}

// SSHCredentials is the connection descriptor issued when a session starts running
type SSHCredentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Address returns host:port
func (c SSHCredentials) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Command returns an ssh command line for the credentials
func (c SSHCredentials) Command() string {
	return fmt.Sprintf("ssh -p %d %s@%s", c.Port, c.Username, c.Host)
}

// RentalSession is the backend-tracked record of a user renting a GPU node
type RentalSession struct {
	ID       string       `json:"id"`
	RentalID *Wei         `json:"rental_id,omitempty"` // Blockchain rental id, set once the start tx is mined
	NodeID   string       `json:"node_id"`
	Provider string       `json:"provider"` // Provider wallet address
	State    SessionState `json:"state"`
	TxHash   string       `json:"tx_hash,omitempty"`

	// Pricing (per second, smallest token unit)
	PricePerSecond *Wei `json:"price_per_second"`

	// Timestamps
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	StoppedAt     *time.Time `json:"stopped_at,omitempty"`
	ExtendedUntil *time.Time `json:"extended_until,omitempty"`

	ExtensionCount   int  `json:"extension_count"`
	SettlementAmount *Wei `json:"settlement_amount,omitempty"`

	// Connection details, present only while running
	SSH *SSHCredentials `json:"ssh,omitempty"`
}

// ErrSSHStateMismatch is returned when SSH credentials and state disagree
var ErrSSHStateMismatch = errors.New("ssh credentials must be present if and only if the session is running")

// Validate checks the session invariants
func (s *RentalSession) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if !s.State.Valid() {
		return fmt.Errorf("session %s has unknown state %q", s.ID, s.State)
	}
	if (s.SSH != nil) != (s.State == StateRunning) {
		return fmt.Errorf("session %s (%s): %w", s.ID, s.State, ErrSSHStateMismatch)
	}
	return nil
}

// CanTransition reports whether the session may move to the given state
func (s *RentalSession) CanTransition(to SessionState) bool {
	switch s.State {
	case StatePending:
		return to == StateRunning || to == StateStopped || to == StateCancelled
	case StateRunning:
		return to == StateStopped
	default:
		return false
	}
}

// IsActive returns true if the session is pending or running
func (s *RentalSession) IsActive() bool {
	return s.State == StatePending || s.State == StateRunning
}

// IsTerminal returns true if the session is in a terminal state
func (s *RentalSession) IsTerminal() bool {
	return s.State.IsTerminal()
}

// PricePerHour returns the human-facing per-hour price in wei
func (s *RentalSession) PricePerHour() *Wei {
	return NewWei(PerSecondToPerHour(s.PricePerSecond.Big()))
}

// SessionList is the response of the session listing endpoint
type SessionList struct {
	Sessions []RentalSession `json:"sessions"`
}

// Pending returns the sessions still waiting for backend confirmation
func (l SessionList) Pending() []RentalSession {
	return l.filter(StatePending)
}

// Running returns the running sessions
func (l SessionList) Running() []RentalSession {
	return l.filter(StateRunning)
}

// Find returns the session with the given id
func (l SessionList) Find(id string) (*RentalSession, bool) {
	for i := range l.Sessions {
		if l.Sessions[i].ID == id {
			return &l.Sessions[i], true
		}
	}
	return nil, false
}

func (l SessionList) filter(state SessionState) []RentalSession {
	var out []RentalSession
	for _, s := range l.Sessions {
		if s.State == state {
			out = append(out, s)
		}
	}
	return out
}
