package chain

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/gpu-rental/rentalctl/internal/metrics"
)

// Phase is the lifecycle position of one contract transaction
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWallet    Phase = "wallet"    // signature requested, not yet returned
	PhasePending   Phase = "pending"   // broadcast, hash known, not mined
	PhaseConfirmed Phase = "confirmed" // mined, awaiting confirmation depth
	PhaseSuccess   Phase = "success"
	PhaseFail      Phase = "fail"
)

// IsTerminal reports whether no further transitions are possible
func (p Phase) IsTerminal() bool {
	return p == PhaseSuccess || p == PhaseFail
}

// HasHash reports whether a transaction hash exists in this phase
func (p Phase) HasHash() bool {
	switch p {
	case PhasePending, PhaseConfirmed, PhaseSuccess:
		return true
	}
	return false
}

// ReachedConfirmed reports whether the transaction has been mined
func (p Phase) ReachedConfirmed() bool {
	return p == PhaseConfirmed || p == PhaseSuccess
}

var transitions = map[Phase][]Phase{
	PhaseIdle:      {PhaseWallet},
	PhaseWallet:    {PhasePending, PhaseFail},
	PhasePending:   {PhaseConfirmed, PhaseFail},
	PhaseConfirmed: {PhaseSuccess, PhaseFail},
}

// CanTransition reports whether from -> to is a legal transition
func CanTransition(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// TxState is a snapshot of a tracked transaction
type TxState struct {
	Phase   Phase
	Hash    common.Hash    // zero before PhasePending
	Receipt *types.Receipt // set from PhaseConfirmed
	Err     error          // set in PhaseFail
}

// HashHex returns the hash as hex, or "" when no hash is known
func (s TxState) HashHex() string {
	if s.Hash == (common.Hash{}) {
		return ""
	}
	return s.Hash.Hex()
}

// Observer receives every state the tracker enters
type Observer func(TxState)

// InvalidTransitionError is returned for transitions not in the table
type InvalidTransitionError struct {
	From Phase
	To   Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transaction phase transition %s -> %s", e.From, e.To)
}

// TxTracker moves one transaction through its phases and fans each state
// out to observers. Observers run synchronously on the caller's goroutine.
type TxTracker struct {
	mu        sync.Mutex
	method    string
	state     TxState
	observers []Observer
}

// NewTxTracker creates a tracker in PhaseIdle for the given contract method
func NewTxTracker(method string, observers ...Observer) *TxTracker {
	return &TxTracker{
		method:    method,
		state:     TxState{Phase: PhaseIdle},
		observers: observers,
	}
}

// Method returns the contract method name the tracker was created for
func (t *TxTracker) Method() string {
	return t.method
}

// Observe registers an additional observer
func (t *TxTracker) Observe(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, o)
}

// State returns the current snapshot
func (t *TxTracker) State() TxState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RequestSignature enters PhaseWallet
func (t *TxTracker) RequestSignature() error {
	return t.move(PhaseWallet, func(s *TxState) {})
}

// Broadcast enters PhasePending with the broadcast hash
func (t *TxTracker) Broadcast(hash common.Hash) error {
	return t.move(PhasePending, func(s *TxState) { s.Hash = hash })
}

// Mined enters PhaseConfirmed with the receipt
func (t *TxTracker) Mined(receipt *types.Receipt) error {
	return t.move(PhaseConfirmed, func(s *TxState) { s.Receipt = receipt })
}

// Succeed enters PhaseSuccess
func (t *TxTracker) Succeed() error {
	return t.move(PhaseSuccess, func(s *TxState) {})
}

// Fail enters PhaseFail with the cause
func (t *TxTracker) Fail(err error) error {
	return t.move(PhaseFail, func(s *TxState) { s.Err = err })
}

// Reset returns a terminal tracker to PhaseIdle for a fresh attempt
func (t *TxTracker) Reset() error {
	t.mu.Lock()
	if !t.state.Phase.IsTerminal() && t.state.Phase != PhaseIdle {
		from := t.state.Phase
		t.mu.Unlock()
		return &InvalidTransitionError{From: from, To: PhaseIdle}
	}
	t.state = TxState{Phase: PhaseIdle}
	snapshot, observers := t.state, t.copyObservers()
	t.mu.Unlock()

	notify(observers, snapshot)
	return nil
}

func (t *TxTracker) move(to Phase, apply func(*TxState)) error {
	t.mu.Lock()
	from := t.state.Phase
	if !CanTransition(from, to) {
		t.mu.Unlock()
		return &InvalidTransitionError{From: from, To: to}
	}
	next := t.state
	next.Phase = to
	apply(&next)
	t.state = next
	observers := t.copyObservers()
	t.mu.Unlock()

	metrics.RecordTxPhase(t.method, string(to))
	notify(observers, next)
	return nil
}

func (t *TxTracker) copyObservers() []Observer {
	out := make([]Observer, len(t.observers))
	copy(out, t.observers)
	return out
}

func notify(observers []Observer, s TxState) {
	for _, o := range observers {
		o(s)
	}
}
