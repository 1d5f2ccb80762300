package rental

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/i18n"
)

var (
	// ErrUnauthenticated is returned before any network call when no wallet
	// is connected or no hub token source is configured
	ErrUnauthenticated = errors.New("wallet not connected or hub not authenticated")

	// ErrInsufficientBalance is returned by local balance pre-checks
	ErrInsufficientBalance = errors.New("insufficient deposited balance")

	// ErrStillIndexing is the last error of a confirm loop that only saw HTTP 202
	ErrStillIndexing = errors.New("hub is still indexing the transaction")

	// ErrRetriesExhausted wraps the last transient error once all attempts are used
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrInvalidInput is returned for arguments rejected before any network call
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoCredentials is returned when a running session carries no SSH access
	ErrNoCredentials = errors.New("running session has no ssh credentials")

	// ErrSessionEnded is returned when the hub session was cancelled or
	// stopped before it ever ran
	ErrSessionEnded = errors.New("session ended before it started running")
)

// Kind classifies errors for reporting and retry decisions
type Kind string

const (
	KindUnauthenticated     Kind = "unauthenticated"
	KindUserRejected        Kind = "user_rejected"
	KindChain               Kind = "chain"
	KindTransient           Kind = "transient"
	KindValidation          Kind = "validation"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUnknown             Kind = "unknown"
)

// KindOf maps any error to its kind
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var se *StageError
	if errors.As(err, &se) {
		return se.Kind
	}

	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, ErrUnauthenticated), errors.Is(err, hub.ErrUnauthenticated), errors.Is(err, chain.ErrNoWallet):
		return KindUnauthenticated
	case chain.IsUserRejected(err):
		return KindUserRejected
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, hub.ErrInsufficientBalance):
		return KindInsufficientBalance
	case chain.IsChainFailure(err):
		return KindChain
	case errors.As(err, &verrs), errors.Is(err, ErrInvalidInput), hub.IsValidation(err):
		return KindValidation
	case errors.Is(err, ErrStillIndexing), hub.IsTransient(err):
		return KindTransient
	default:
		return KindUnknown
	}
}

// StageError records which stage of a rental flow failed
type StageError struct {
	Stage Stage
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rental %s stage failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func newStageError(stage Stage, err error) *StageError {
	return &StageError{Stage: stage, Kind: KindOf(err), Err: err}
}

// Message renders a localized, user-facing description of err
func Message(tr *i18n.Translator, err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, hub.ErrSessionNotFound):
		return tr.T(i18n.MsgSessionNotFound)
	case errors.Is(err, hub.ErrSessionNotRunning):
		return tr.T(i18n.MsgSessionNotRunning)
	case errors.Is(err, hub.ErrExtensionLimitReached):
		return tr.T(i18n.MsgExtensionLimit)
	}

	switch KindOf(err) {
	case KindUnauthenticated:
		return tr.T(i18n.MsgUnauthenticated)
	case KindUserRejected:
		return tr.T(i18n.MsgUserRejected)
	case KindChain:
		return tr.T(i18n.MsgChain)
	case KindTransient:
		return tr.T(i18n.MsgTransient)
	case KindInsufficientBalance:
		return tr.T(i18n.MsgInsufficientBalance)
	case KindValidation:
		return tr.T(i18n.MsgValidation, validationDetail(tr, err))
	default:
		return tr.T(i18n.MsgUnknown)
	}
}

func validationDetail(tr *i18n.Translator, err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return tr.Validation(verrs)
	}
	var he *hub.HubError
	if errors.As(err, &he) && he.Message != "" {
		return he.Message
	}
	return err.Error()
}
