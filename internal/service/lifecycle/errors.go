package lifecycle

import (
	"errors"
	"fmt"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

// ErrPendingExpired is returned for actions on a pending session whose TTL has run out
var ErrPendingExpired = errors.New("pending session confirmation window expired")

// SessionStateError indicates an action that needs a pending session
type SessionStateError struct {
	ID    string
	State models.SessionState
}

func (e *SessionStateError) Error() string {
	return fmt.Sprintf("session %s is %s, not pending", e.ID, e.State)
}
