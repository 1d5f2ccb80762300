package rental

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gpu-rental/rentalctl/internal/chain"
	"github.com/gpu-rental/rentalctl/internal/hub"
	"github.com/gpu-rental/rentalctl/internal/i18n"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"unauthenticated", ErrUnauthenticated, KindUnauthenticated},
		{"hub token missing", fmt.Errorf("list: %w", hub.ErrUnauthenticated), KindUnauthenticated},
		{"no wallet", chain.NewChainError("deposit", "", chain.ErrNoWallet), KindUnauthenticated},
		{"user rejected", chain.NewChainError("startRental", "", chain.ErrUserRejected), KindUserRejected},
		{"reverted", chain.NewChainError("startRental", "0x1", chain.ErrReverted), KindChain},
		{"local balance", ErrInsufficientBalance, KindInsufficientBalance},
		{"hub balance", hub.NewHubError("extend_session", 402, hub.CodeInsufficientBalance, "low", hub.ErrInsufficientBalance), KindInsufficientBalance},
		{"bad request", hub.NewHubError("confirm_session", 400, "", "bad", hub.ErrBadRequest), KindValidation},
		{"invalid input", ErrInvalidInput, KindValidation},
		{"indexing", ErrStillIndexing, KindTransient},
		{"server", hub.NewHubError("confirm_session", 502, "", "bad gateway", hub.ErrServer), KindTransient},
		{"network", fmt.Errorf("dial: %w", hub.ErrNetwork), KindTransient},
		{"timeout", context.DeadlineExceeded, KindTransient},
		{"unknown", errors.New("boom"), KindUnknown},
		{"stage keeps kind", &StageError{Stage: StageHub, Kind: KindTransient, Err: errors.New("x")}, KindTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestStageError_Unwraps(t *testing.T) {
	err := newStageError(StageBlockchain, chain.NewChainError("startRental", "", chain.ErrUserRejected))
	assert.True(t, chain.IsUserRejected(err))
	assert.Contains(t, err.Error(), "blockchain")
	assert.Contains(t, err.Error(), "user_rejected")
}

func TestMessage(t *testing.T) {
	en := i18n.MustNew(i18n.English)

	assert.Equal(t, "", Message(en, nil))
	assert.Equal(t, "Insufficient balance.", Message(en, ErrInsufficientBalance))
	assert.Equal(t, "The extension limit has been reached.",
		Message(en, hub.NewHubError("extend_session", 409, hub.CodeExtensionLimitReached, "max", hub.ErrExtensionLimitReached)))
	assert.Equal(t, "Session not found.", Message(en, fmt.Errorf("x: %w", hub.ErrSessionNotFound)))
	assert.Equal(t, "The request was rejected: tx mismatch",
		Message(en, hub.NewHubError("confirm_session", 400, "", "tx mismatch", hub.ErrBadRequest)))
	assert.Equal(t, "An unknown error occurred.", Message(en, errors.New("boom")))

	ko := i18n.MustNew(i18n.Korean)
	assert.Equal(t, "지갑에서 트랜잭션이 거부되었습니다.",
		Message(ko, newStageError(StageBlockchain, chain.NewChainError("startRental", "", chain.ErrUserRejected))))
}

func TestMessage_TranslatesValidator(t *testing.T) {
	en := i18n.MustNew(i18n.English)
	f := newFixture(t)
	assert.NoError(t, en.RegisterValidator(f.seq.Validator()))

	in := validStart()
	in.NodeID = ""
	_, err := f.seq.StartRental(context.Background(), in)

	assert.Contains(t, Message(en, err), "NodeID is a required field")
}
